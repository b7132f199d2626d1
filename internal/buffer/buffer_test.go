package buffer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vitalis-app/countermon/internal/models"
)

func TestBuffer_DrainsInStoreOrder(t *testing.T) {
	b, err := New(t.TempDir(), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for _, name := range []string{"first", "second", "third"} {
		if err := b.Store(models.Batch{Table: name}); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Second)
	}
	if got := b.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	batches, err := b.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 {
		t.Fatalf("drained %d batches, want 3", len(batches))
	}
	for i, want := range []string{"first", "second", "third"} {
		if batches[i].Table != want {
			t.Errorf("batch %d = %q, want %q", i, batches[i].Table, want)
		}
	}
	if got := b.Len(); got != 0 {
		t.Errorf("Len after drain = %d, want 0", got)
	}
}

func TestBuffer_FilesAreCompressed(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Store(models.Batch{Table: "countersamples"}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".batch.gz") {
		t.Fatalf("unexpected spool contents: %v", entries)
	}
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Error("spooled file is not gzip")
	}
}

func TestBuffer_UnreadableFilesAreDiscarded(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000000-bad.batch.gz"), []byte("{"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := b.Store(models.Batch{Table: "ok"}); err != nil {
		t.Fatal(err)
	}

	batches, err := b.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].Table != "ok" {
		t.Errorf("batches = %+v", batches)
	}
	if b.Len() != 0 {
		t.Error("unreadable file was not removed")
	}
}

func TestBuffer_EvictsOldestWhenFull(t *testing.T) {
	b, err := New(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Store(models.Batch{Table: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Store(models.Batch{Table: "new"}); err != nil {
		t.Fatal(err)
	}

	batches, err := b.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].Table != "new" {
		t.Errorf("batches = %+v, want only the newest", batches)
	}
}

func TestBuffer_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0640); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("foreign file touched: %v", err)
	}
}
