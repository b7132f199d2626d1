// Package sink delivers compressed result tables to their destination: flat
// files, a relational database or an HTTP ingestion endpoint.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/buffer"
	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/models"
)

// Writer accepts one table per poll cycle.
type Writer interface {
	Name() string
	Write(ctx context.Context, t *models.Table) error
	Close() error
}

// Purger is implemented by writers that can delete expired rows.
type Purger interface {
	PurgeExpiredData(ctx context.Context, table string) error
}

// New creates the writer selected by the output mode.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := cfg.Output
	switch strings.ToLower(out.Mode) {
	case config.OutputCSV:
		return NewCSVWriter(out.CSV.Directory, logger.Named("csv")), nil
	case config.OutputParquet:
		return NewParquetWriter(out.Parquet.Directory, logger.Named("parquet")), nil
	case config.OutputDB:
		w, err := OpenDB(ctx, out.Database, logger.Named("db"))
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.OutputHTTP:
		buf, err := buffer.New(out.HTTP.BufferDir, out.HTTP.BufferMaxSizeMB, logger.Named("buffer"))
		if err != nil {
			return nil, fmt.Errorf("creating buffer: %w", err)
		}
		return NewHTTPWriter(out.HTTP.URL, out.HTTP.Token, buf, logger.Named("http")), nil
	default:
		return nil, fmt.Errorf("unknown output mode %q", out.Mode)
	}
}

// filePrefix names result files.
const filePrefix = "CounterSamples"

// nextPath returns a not yet existing path of the form
// dir/CounterSamples_yyyyMMdd_HHmmss[_N]ext.
func nextPath(dir, ext string, now time.Time) string {
	base := filePrefix + "_" + now.Format("20060102_150405")
	path := filepath.Join(dir, base+ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, base+"_"+strconv.Itoa(n)+ext)
	}
}
