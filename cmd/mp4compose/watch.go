package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	watchSettle     = 2 * time.Second
	composedSuffix  = ".composed.mp4"
	watchedExtLower = ".mp4"
)

// watcher transcodes every MP4 that appears in a directory once it has
// stopped changing for watchSettle.
type watcher struct {
	runner   *runner
	template Job
	dir      string
	outDir   string
	settle   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

func newWatcher(r *runner, template Job, dir, outDir string) *watcher {
	if outDir == "" {
		outDir = dir
	}
	return &watcher{
		runner:   r,
		template: template,
		dir:      dir,
		outDir:   outDir,
		settle:   watchSettle,
		pending:  make(map[string]*time.Timer),
		ready:    make(chan string, 16),
		done:     make(chan struct{}),
	}
}

// watchable reports whether path is a source to transcode. Our own outputs
// are skipped so a shared output directory does not loop.
func watchable(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, watchedExtLower) && !strings.HasSuffix(name, composedSuffix) && !strings.HasPrefix(name, ".")
}

// touch restarts the settle timer of path.
func (w *watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *watcher) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}

// job builds the transcode of one arrived file from the template.
func (w *watcher) job(path string) Job {
	j := w.template
	j.Filters = append([]string(nil), w.template.Filters...)
	j.Source = path
	j.Output = DefaultOutput(path, w.outDir)
	return j
}

// run watches until ctx is done, running at most parallel jobs at once.
func (w *watcher) run(ctx context.Context, parallel int) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if err := os.MkdirAll(w.outDir, 0o755); err != nil {
		return err
	}
	log := w.runner.log.Named("watch")
	log.Info("watching for sources", "dir", w.dir, "output_dir", w.outDir)

	g := new(errgroup.Group)
	g.SetLimit(max(parallel, 1))
	defer func() {
		close(w.done)
		w.stopAll()
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !watchable(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.touch(ev.Name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.forget(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "error", err)
		case path := <-w.ready:
			job := w.job(path)
			log.Info("source settled", "source", path, "output", job.Output)
			g.Go(func() error {
				if err := w.runner.run(ctx, job); err != nil {
					log.Error("job failed", "source", path, "error", err)
				}
				return nil
			})
		}
	}
}
