// Package buffer spools result batches the HTTP sink could not deliver.
// Each batch is a gzip-compressed JSON file whose name sorts in store order,
// so the spool survives restarts and drains oldest first.
package buffer

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-app/countermon/internal/models"
)

const spoolExt = ".batch.gz"

// Buffer is a size-capped directory of undelivered batches.
type Buffer struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New opens the spool in dir, creating it when missing. maxSizeMB caps the
// total size of spooled files; older batches are evicted to stay below it.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating buffer directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		dir:      dir,
		maxBytes: int64(maxSizeMB) << 20,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Store spools a batch. The file is written under a temporary name and
// renamed so a crash never leaves a half-written batch behind.
func (b *Buffer) Store(batch models.Batch) error {
	data, err := encode(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(int64(len(data)))

	// Zero-padded nanoseconds keep lexical and chronological order equal;
	// the suffix separates batches stored within the same tick.
	name := fmt.Sprintf("%020d-%s%s", b.now().UnixNano(), uuid.NewString()[:8], spoolExt)
	final := filepath.Join(b.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Drain removes every spooled batch and returns them oldest first.
// Unreadable files are logged and discarded.
func (b *Buffer) Drain() ([]models.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	files, err := b.spooled()
	if err != nil {
		return nil, err
	}

	batches := make([]models.Batch, 0, len(files))
	for _, f := range files {
		batch, err := decode(f.path)
		if rerr := os.Remove(f.path); rerr != nil && !os.IsNotExist(rerr) {
			b.logger.Warn("Failed to remove spooled batch",
				zap.String("file", f.path),
				zap.Error(rerr))
		}
		if err != nil {
			b.logger.Warn("Discarding unreadable spooled batch",
				zap.String("file", f.path),
				zap.Error(err))
			continue
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// Len reports how many batches are spooled.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, err := b.spooled()
	if err != nil {
		return 0
	}
	return len(files)
}

type spoolFile struct {
	path string
	size int64
}

// spooled lists batch files oldest first. Must be called with b.mu held.
func (b *Buffer) spooled() ([]spoolFile, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var out []spoolFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), spoolExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, spoolFile{path: filepath.Join(b.dir, e.Name()), size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// evict drops the oldest batches until incoming bytes fit under the cap.
// Must be called with b.mu held.
func (b *Buffer) evict(incoming int64) {
	files, err := b.spooled()
	if err != nil {
		return
	}
	var used int64
	for _, f := range files {
		used += f.size
	}
	for len(files) > 0 && used+incoming > b.maxBytes {
		oldest := files[0]
		files = files[1:]
		if err := os.Remove(oldest.path); err != nil {
			b.logger.Warn("Failed to evict spooled batch",
				zap.String("file", oldest.path),
				zap.Error(err))
			continue
		}
		used -= oldest.size
		b.logger.Warn("Buffer full, evicted oldest batch",
			zap.String("file", filepath.Base(oldest.path)))
	}
}

func encode(batch models.Batch) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(batch); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(path string) (models.Batch, error) {
	var batch models.Batch
	f, err := os.Open(path)
	if err != nil {
		return batch, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return batch, err
	}
	defer zr.Close()
	err = json.NewDecoder(zr).Decode(&batch)
	return batch, err
}
