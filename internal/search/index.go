package search

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 30 * time.Second

// IndexOption configures an [Index].
type IndexOption func(*Index)

// WithPollInterval overrides how often the catalog file is checked for
// changes. The default is 30 seconds.
func WithPollInterval(d time.Duration) IndexOption {
	return func(ix *Index) {
		if d > 0 {
			ix.interval = d
		}
	}
}

// Index holds the current catalog snapshot and swaps it atomically when the
// backing file changes. Changes are detected by polling: a cheap mtime check
// first, then a content hash so editors that rewrite the file without
// changing it do not trigger a reload.
type Index struct {
	path     string
	interval time.Duration

	current atomic.Pointer[Catalog]

	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// NewIndex loads the catalog at path and starts watching it for changes.
// Call [Index.Stop] to release the watcher.
func NewIndex(path string, opts ...IndexOption) (*Index, error) {
	ix := &Index{
		path:     path,
		interval: defaultPollInterval,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(ix)
	}

	cat, hash, err := ix.loadAndHash()
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil {
		ix.lastMtime = info.ModTime()
	}
	ix.lastHash = hash
	ix.current.Store(cat)

	go ix.poll()
	return ix, nil
}

// Current returns the latest catalog snapshot. The returned catalog is
// immutable and remains valid after subsequent reloads.
func (ix *Index) Current() *Catalog {
	return ix.current.Load()
}

// Search runs the query against the current snapshot.
func (ix *Index) Search(query string, limit int) Result {
	return ix.Current().Search(query, limit)
}

// Stop ends the file watcher. It is safe to call multiple times.
func (ix *Index) Stop() {
	ix.stopOnce.Do(func() { close(ix.done) })
}

func (ix *Index) poll() {
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ix.done:
			return
		case <-ticker.C:
			ix.check()
		}
	}
}

func (ix *Index) check() {
	info, err := os.Stat(ix.path)
	if err != nil {
		// Transient: the file may be mid-replace. Keep the current snapshot.
		return
	}
	if info.ModTime().Equal(ix.lastMtime) {
		return
	}
	ix.lastMtime = info.ModTime()

	cat, hash, err := ix.loadAndHash()
	if err != nil {
		slog.Warn("catalog reload failed, keeping previous index",
			"path", ix.path, "error", err)
		return
	}
	if hash == ix.lastHash {
		return
	}
	ix.lastHash = hash
	ix.current.Store(cat)
	slog.Info("catalog reloaded", "path", ix.path, "services", cat.Len())
}

func (ix *Index) loadAndHash() (*Catalog, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte
	data, err := os.ReadFile(ix.path)
	if err != nil {
		return nil, zero, fmt.Errorf("search: read catalog: %w", err)
	}
	cat, err := parseCatalog(data)
	if err != nil {
		return nil, zero, err
	}
	return cat, sha256.Sum256(data), nil
}
