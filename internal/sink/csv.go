package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/models"
)

// CSVWriter appends every table to one CSV file. The header is written with
// the first table; a table with a different column set starts a new file.
type CSVWriter struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	w       *csv.Writer
	columns []string
}

// NewCSVWriter creates a writer producing files in dir.
func NewCSVWriter(dir string, logger *zap.Logger) *CSVWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVWriter{dir: dir, logger: logger, now: time.Now}
}

func (w *CSVWriter) Name() string { return "CSV File Writer" }

// Path returns the file currently written to, if any.
func (w *CSVWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

// Write implements Writer.
func (w *CSVWriter) Write(_ context.Context, t *models.Table) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	columns := t.Schema.ColumnNames()
	if w.file == nil || !slices.Equal(columns, w.columns) {
		if err := w.rotate(columns); err != nil {
			return err
		}
	}

	w.logger.Debug("Writing records", zap.Int("count", t.Len()))
	record := make([]string, len(columns))
	for _, row := range t.Rows {
		for i, v := range row {
			record[i] = models.FormatValue(v)
		}
		if err := w.w.Write(record); err != nil {
			return fmt.Errorf("writing csv record: %w", err)
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// rotate closes the current file and opens a new one with a header.
// Must be called with w.mu held.
func (w *CSVWriter) rotate(columns []string) error {
	if err := w.closeFile(); err != nil {
		w.logger.Warn("Error closing csv file", zap.Error(err))
	}
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}
	path := nextPath(w.dir, ".csv", w.now())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating csv file: %w", err)
	}
	w.file = f
	w.w = csv.NewWriter(f)
	w.columns = columns

	w.logger.Info("Writing results to file", zap.String("path", path))
	return w.w.Write(columns)
}

func (w *CSVWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	w.w.Flush()
	err := w.w.Error()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file, w.w = nil, nil
	return err
}

// Close flushes and closes the current file.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}
