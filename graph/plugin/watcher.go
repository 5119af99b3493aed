package plugin

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/nodegraph-go/graph/emit"
)

// ReloadFunc is called after hot reload loaded, reloaded or unloaded a
// plugin. err is non-nil when the reload failed and the previous version
// stayed active.
type ReloadFunc func(p Plugin, err error)

// EnableHotReload watches the plugins root and every plugin directory.
// Changes to a plugin's files reload it after the debounce window, new
// plugin directories are loaded and plugins whose manifest disappears are
// unloaded. Dotfiles are ignored. Watching stops when ctx ends or the
// loader is closed.
func (l *Loader) EnableHotReload(ctx context.Context, onReload ReloadFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoaderClosed
	}
	if l.watcher != nil && !l.watcher.isDone() {
		return errors.New("hot reload already enabled")
	}

	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(l.root); err != nil {
		_ = fw.Close()
		return err
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		_ = fw.Close()
		return err
	}
	w := &watcher{
		fw:       fw,
		loader:   l,
		root:     filepath.Clean(l.root),
		debounce: l.debounce,
		onReload: onReload,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, ent := range entries {
		if ent.IsDir() && !hidden(ent.Name()) {
			w.watchTree(filepath.Join(l.root, ent.Name()))
		}
	}
	l.watcher = w
	go w.run(ctx)

	l.logger.Info("hot reload enabled", "root", l.root, "debounce", l.debounce)
	return nil
}

type watcher struct {
	fw       *fsnotify.Watcher
	loader   *Loader
	root     string
	debounce time.Duration
	onReload ReloadFunc

	mu        sync.Mutex
	timers    map[string]*time.Timer // plugin dir -> pending reload
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.close()
			return
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.loader.logger.Warn("plugin watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, filepath.Clean(ev.Name))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(rel, string(filepath.Separator))
	for _, p := range parts {
		if hidden(p) {
			return
		}
	}

	dir := filepath.Join(w.root, parts[0])
	info, statErr := os.Stat(ev.Name)
	if len(parts) == 1 && statErr == nil && !info.IsDir() {
		// A plain file in the root is never a plugin.
		return
	}
	if ev.Has(fsnotify.Create) && statErr == nil && info.IsDir() {
		w.watchTree(ev.Name)
	}
	w.schedule(ctx, dir)
}

// watchTree adds dir and every non-hidden directory below it.
func (w *watcher) watchTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && hidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
	if err != nil {
		w.loader.logger.Warn("failed to watch plugin dir", "dir", dir, "error", err)
	}
}

// schedule (re)starts the debounce timer of dir.
func (w *watcher) schedule(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isDone() {
		return
	}
	if t, ok := w.timers[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() { w.fire(ctx, dir) })
}

func (w *watcher) fire(ctx context.Context, dir string) {
	w.mu.Lock()
	if w.isDone() {
		w.mu.Unlock()
		return
	}
	delete(w.timers, dir)
	w.mu.Unlock()

	p, changed, err := w.loader.syncDir(ctx, dir)
	if !changed {
		return
	}
	if w.onReload != nil {
		w.onReload(p, err)
	}
}

func (w *watcher) isDone() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *watcher) close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		for dir, t := range w.timers {
			t.Stop()
			delete(w.timers, dir)
		}
		w.mu.Unlock()
		w.closeErr = w.fw.Close()
	})
	return w.closeErr
}

// syncDir brings the loader in line with the files in dir. changed is false
// when dir neither holds a manifest nor belongs to a loaded plugin.
func (l *Loader) syncDir(ctx context.Context, dir string) (Plugin, bool, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	var (
		id    string
		known bool
	)
	l.mu.RLock()
	for pid, p := range l.plugins {
		if p.info.Dir == dir {
			id, known = pid, true
			break
		}
	}
	l.mu.RUnlock()

	_, statErr := os.Stat(filepath.Join(dir, ManifestFile))
	hasManifest := statErr == nil

	switch {
	case known && !hasManifest:
		p, err := l.unload(ctx, id)
		if err != nil {
			return Plugin{}, true, err
		}
		l.logger.Info("plugin removed from disk", "plugin_id", id)
		l.emit(emit.PluginUninstalled, id, map[string]interface{}{"dir": dir, "reason": "removed"})
		return p.info, true, nil
	case known:
		p, err := l.load(ctx, dir, id)
		return p, true, err
	case hasManifest:
		p, err := l.load(ctx, dir, "")
		return p, true, err
	default:
		return Plugin{}, false, nil
	}
}
