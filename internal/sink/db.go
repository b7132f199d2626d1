package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/models"
)

// DBOptions controls table maintenance performed by DBWriter.
type DBOptions struct {
	GenerateIndexes    bool
	Indexes            []config.IndexConfig
	PurgeEnabled       bool
	PurgeThresholdDays int
}

// defaultIndexes is used when index generation is on but none are configured.
var defaultIndexes = []config.IndexConfig{
	{Column: "timestamp", Clustered: true},
}

// DBWriter inserts result rows into a Postgres table, creating the table and
// adding columns as the schema grows.
type DBWriter struct {
	db     *sql.DB
	opts   DBOptions
	logger *zap.Logger

	mu    sync.Mutex
	known map[string]map[string]bool
}

// OpenDB connects to Postgres and returns a writer for it.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DBWriter, error) {
	connCfg, err := pgx.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := cfg.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	return NewDBWriter(db, DBOptions{
		GenerateIndexes:    cfg.GenerateIndexes,
		Indexes:            cfg.Indexes,
		PurgeEnabled:       cfg.PurgeEnabled,
		PurgeThresholdDays: cfg.PurgeThresholdDays,
	}, logger), nil
}

// NewDBWriter wraps an open database handle.
func NewDBWriter(db *sql.DB, opts DBOptions, logger *zap.Logger) *DBWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBWriter{
		db:     db,
		opts:   opts,
		logger: logger,
		known:  make(map[string]map[string]bool),
	}
}

func (w *DBWriter) Name() string { return "Database Writer (Postgres)" }

// Write implements Writer. Rows are inserted one at a time; a failing row is
// logged and skipped. An error is returned only when the table cannot be
// prepared or no row could be inserted.
func (w *DBWriter) Write(ctx context.Context, t *models.Table) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureTable(ctx, t.Schema); err != nil {
		return err
	}
	if t.Len() == 0 {
		return nil
	}

	stmt, err := w.db.PrepareContext(ctx, insertQuery(t.Schema))
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	var failed int
	var lastErr error
	for _, row := range t.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			failed++
			lastErr = err
			w.logger.Warn("Failed to insert row", zap.Error(err))
		}
	}
	if failed == t.Len() {
		return fmt.Errorf("inserting into %s: all %d rows failed: %w", t.Name(), failed, lastErr)
	}

	w.logger.Debug("Inserted rows",
		zap.String("table", t.Name()),
		zap.Int("rows", t.Len()-failed),
		zap.Int("failed", failed))
	return nil
}

// ensureTable creates the table or adds the columns it is missing.
// Must be called with w.mu held.
func (w *DBWriter) ensureTable(ctx context.Context, s *models.Schema) error {
	known := w.known[s.Name]
	if known != nil && hasAll(known, s) {
		return nil
	}

	existing, err := w.columns(ctx, s.Name)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		w.logger.Info("Creating table", zap.String("table", s.Name))
		if _, err := w.db.ExecContext(ctx, createTableQuery(s)); err != nil {
			return fmt.Errorf("creating table %s: %w", s.Name, err)
		}
		if w.opts.GenerateIndexes {
			w.createIndexes(ctx, s)
		}
	} else {
		for _, c := range s.Columns() {
			if existing[c.Name] {
				continue
			}
			w.logger.Info("Adding column",
				zap.String("table", s.Name),
				zap.String("column", c.Name))
			q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				quote(s.Name), quote(c.Name), sqlType(c.Type))
			if _, err := w.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("adding column %s: %w", c.Name, err)
			}
		}
	}

	known = make(map[string]bool, s.Len())
	for _, name := range s.ColumnNames() {
		known[name] = true
	}
	w.known[s.Name] = known
	return nil
}

func (w *DBWriter) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := w.db.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = $1", table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// createIndexes creates the configured indexes. Failures are logged only.
func (w *DBWriter) createIndexes(ctx context.Context, s *models.Schema) {
	indexes := w.opts.Indexes
	if len(indexes) == 0 {
		indexes = defaultIndexes
	}
	for _, idx := range indexes {
		col := models.ToSnakeCase(idx.Column)
		if !s.Contains(col) {
			w.logger.Warn("Index column not in table", zap.String("column", col))
			continue
		}
		name := col + "_idx"
		q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", quote(name), quote(s.Name), quote(col))
		if _, err := w.db.ExecContext(ctx, q); err != nil {
			w.logger.Warn("Failed to create index", zap.String("index", name), zap.Error(err))
			continue
		}
		if idx.Clustered {
			q = fmt.Sprintf("ALTER TABLE %s CLUSTER ON %s", quote(s.Name), quote(name))
			if _, err := w.db.ExecContext(ctx, q); err != nil {
				w.logger.Warn("Failed to cluster index", zap.String("index", name), zap.Error(err))
			}
		}
	}
}

// PurgeExpiredData deletes rows older than the configured threshold. It is a
// no-op unless purging is enabled.
func (w *DBWriter) PurgeExpiredData(ctx context.Context, table string) error {
	if !w.opts.PurgeEnabled || w.opts.PurgeThresholdDays <= 0 {
		return nil
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s < NOW() - make_interval(days => $1)",
		quote(table), quote("timestamp"))
	res, err := w.db.ExecContext(ctx, q, w.opts.PurgeThresholdDays)
	if err != nil {
		return fmt.Errorf("purging %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	w.logger.Info("Purged expired data",
		zap.String("table", table),
		zap.Int("threshold_days", w.opts.PurgeThresholdDays),
		zap.Int64("rows", n))
	return nil
}

func (w *DBWriter) Close() error { return w.db.Close() }

func hasAll(known map[string]bool, s *models.Schema) bool {
	for _, name := range s.ColumnNames() {
		if !known[name] {
			return false
		}
	}
	return true
}

func quote(name string) string { return pgx.Identifier{name}.Sanitize() }

func sqlType(t models.ColumnType) string {
	switch t {
	case models.TypeFloat64:
		return "double precision"
	case models.TypeTime:
		return "timestamp"
	default:
		return "text"
	}
}

func createTableQuery(s *models.Schema) string {
	defs := []string{quote(models.ColumnID) + " serial PRIMARY KEY"}
	for _, c := range s.Columns() {
		def := quote(c.Name) + " " + sqlType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(s.Name), strings.Join(defs, ", "))
}

func insertQuery(s *models.Schema) string {
	names := s.ColumnNames()
	cols := make([]string, len(names))
	params := make([]string, len(names))
	for i, name := range names {
		cols[i] = quote(name)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(s.Name), strings.Join(cols, ", "), strings.Join(params, ", "))
}

// connString renders a keyword/value connection string.
func connString(cfg config.DatabaseConfig) string {
	pairs := []struct{ k, v string }{
		{"host", cfg.Host},
		{"port", fmt.Sprint(cfg.Port)},
		{"dbname", cfg.Name},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"sslmode", cfg.SSLMode},
	}
	if s := int(cfg.ConnectTimeout.Seconds()); s > 0 {
		pairs = append(pairs, struct{ k, v string }{"connect_timeout", fmt.Sprint(s)})
	}

	var b strings.Builder
	for _, p := range pairs {
		if p.v == "" || p.v == "0" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(quoteConnValue(p.v))
	}
	return b.String()
}

func quoteConnValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
