// Package modelgate reports whether the batch recognizer's model is usable.
package modelgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Readiness is NotReady (zero value) or Ready with the model path.
type Readiness struct {
	Ready bool   `json:"ready"`
	Path  string `json:"path,omitempty"`
}

func NotReady() Readiness { return Readiness{} }

func ReadyAt(path string) Readiness { return Readiness{Ready: true, Path: path} }

// Gate is consulted once per session boundary.
type Gate interface {
	Readiness() Readiness
}

// Static is a gate with a fixed answer.
type Static Readiness

func (s Static) Readiness() Readiness { return Readiness(s) }

// FileGate is ready while its model file exists and is non-empty. It follows
// the file through fsnotify so models dropped in after startup are picked up.
type FileGate struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	state Readiness

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func NewFileGate(path string, log *slog.Logger) *FileGate {
	if log == nil {
		log = slog.Default()
	}
	g := &FileGate{path: path, log: log.With(slog.String("component", "modelgate"))}
	g.refresh()
	return g
}

func (g *FileGate) Readiness() Readiness {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Watch starts following the model directory until ctx is done or Close is
// called.
func (g *FileGate) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(g.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	g.watcher = watcher
	g.refresh()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(g.path) {
					g.refresh()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.log.Warn("model watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

func (g *FileGate) Close() {
	if g.watcher != nil {
		g.watcher.Close()
	}
	g.wg.Wait()
}

func (g *FileGate) refresh() {
	next := NotReady()
	if info, err := os.Stat(g.path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		next = ReadyAt(g.path)
	}

	g.mu.Lock()
	prev := g.state
	g.state = next
	g.mu.Unlock()

	if prev != next {
		g.log.Info("model readiness changed",
			slog.Bool("ready", next.Ready),
			slog.String("path", g.path))
	}
}
