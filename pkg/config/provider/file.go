package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// fileDebounce coalesces rapid successive writes into one signal.
	fileDebounce = 100 * time.Millisecond

	rewatchInterval = 500 * time.Millisecond
	rewatchAttempts = 10
)

// FileProvider reads configuration from a local file and watches it for
// changes. The parent directory is watched rather than the file itself so
// that editors which replace the file atomically are still observed.
type FileProvider struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewFileProvider creates a provider that reads from a local file.
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &FileProvider{path: absPath}, nil
}

// Type returns TypeFile.
func (p *FileProvider) Type() Type {
	return TypeFile
}

// Load reads the config file.
func (p *FileProvider) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", p.path, err)
	}
	return data, nil
}

// Watch starts watching the config file. The returned channel receives a
// value when the file content changes.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	p.watcher = watcher

	// Buffered so a change noticed while nobody is reading is not lost.
	ch := make(chan struct{}, 1)
	go p.run(ctx, watcher, ch)

	slog.Info("Watching config file", "path", p.path)
	return ch, nil
}

// run is the watch loop. It owns two timers: a debounce timer armed by
// write/create events, and a reappearance poll armed when the file is
// removed (covering tools that delete and recreate instead of writing
// in place). Signals are dropped when one is already pending.
func (p *FileProvider) run(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	base := filepath.Base(p.path)

	debounce := time.NewTimer(fileDebounce)
	debounce.Stop()
	defer debounce.Stop()

	var poll *time.Ticker
	pollC := func() <-chan time.Time {
		if poll == nil {
			return nil
		}
		return poll.C
	}
	stopPoll := func() {
		poll.Stop()
		poll = nil
	}
	defer func() {
		if poll != nil {
			poll.Stop()
		}
	}()
	attempts := 0

	signal := func(reason string) {
		select {
		case ch <- struct{}{}:
			slog.Debug("Config change signaled", "path", p.path, "reason", reason)
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				debounce.Stop()
				debounce.Reset(fileDebounce)
			} else if event.Op.Has(fsnotify.Remove) {
				slog.Warn("Config file removed, polling for it to reappear", "path", p.path)
				if poll == nil {
					poll = time.NewTicker(rewatchInterval)
				}
				attempts = 0
			}

		case <-debounce.C:
			signal("write")

		case <-pollC():
			attempts++
			_, statErr := os.Stat(p.path)
			if statErr == nil && watcher.Add(filepath.Dir(p.path)) == nil {
				stopPoll()
				slog.Info("Config file reappeared, watch restored", "path", p.path)
				signal("recreate")
			} else if attempts >= rewatchAttempts {
				stopPoll()
				slog.Warn("Config file did not reappear, giving up on rewatch", "path", p.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// Close stops watching and releases resources.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.closed = true
	p.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}

var _ Provider = (*FileProvider)(nil)
