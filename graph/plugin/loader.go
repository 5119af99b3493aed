package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/registry"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// on one plugin to settle before reloading it.
const DefaultDebounce = 150 * time.Millisecond

// ReloadRecorder receives the outcome of every reload. result is "success"
// or "error". *graph.PrometheusMetrics satisfies it.
type ReloadRecorder interface {
	RecordPluginReload(pluginID, result string)
}

// Plugin describes a loaded plugin.
type Plugin struct {
	Manifest Manifest  `json:"manifest"`
	Dir      string    `json:"dir"`
	Types    []string  `json:"types"`
	LoadedAt time.Time `json:"loadedAt"`
}

type loaded struct {
	info     Plugin
	instance Instance
}

// Option configures a Loader.
type Option func(*Loader)

// WithOpener sets how plugin entries are opened. Default: ExecOpener.
func WithOpener(o Opener) Option {
	return func(l *Loader) { l.opener = o }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEmitter sends plugin.* events to e.
func WithEmitter(e emit.Emitter) Option {
	return func(l *Loader) {
		if e != nil {
			l.emitter = e
		}
	}
}

// WithReloadRecorder reports reload outcomes to r.
func WithReloadRecorder(r ReloadRecorder) Option {
	return func(l *Loader) { l.recorder = r }
}

// WithDebounce sets the hot reload debounce window.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// Loader loads plugins from a root directory into a node registry.
//
// Each plugin registers its node types with the plugin id as the registry
// source. Loader operations are serialized; node lookups in the registry are
// never blocked by them.
type Loader struct {
	root     string
	reg      *registry.Registry
	opener   Opener
	logger   *slog.Logger
	emitter  emit.Emitter
	recorder ReloadRecorder
	debounce time.Duration

	opMu sync.Mutex // serializes load, reload, install, uninstall

	mu      sync.RWMutex
	plugins map[string]*loaded
	closed  bool
	watcher *watcher
}

// NewLoader creates a loader for the plugins under root.
func NewLoader(root string, reg *registry.Registry, opts ...Option) *Loader {
	l := &Loader{
		root:     root,
		reg:      reg,
		opener:   ExecOpener{},
		logger:   slog.Default(),
		emitter:  emit.NewNullEmitter(),
		debounce: DefaultDebounce,
		plugins:  make(map[string]*loaded),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "plugin-loader")
	return l
}

// Root returns the plugins root directory.
func (l *Loader) Root() string { return l.root }

// LoadPlugins scans the root directory and loads every plugin directory
// that has a manifest. The root is created when missing. Plugins that fail
// to load are skipped; their *LoadError values are joined in the returned
// error while the successfully loaded plugins are still returned.
func (l *Loader) LoadPlugins(ctx context.Context) ([]Plugin, error) {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins dir: %w", err)
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins dir: %w", err)
	}

	var (
		out  []Plugin
		errs []error
	)
	for _, ent := range entries {
		if !ent.IsDir() || hidden(ent.Name()) {
			continue
		}
		dir := filepath.Join(l.root, ent.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); errors.Is(err, fs.ErrNotExist) {
			l.logger.Debug("skipping directory without manifest", "dir", dir)
			continue
		}
		p, err := l.LoadPlugin(ctx, dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	l.logger.Info("plugins loaded", "count", len(out), "failed", len(errs))
	return out, errors.Join(errs...)
}

// LoadPlugin loads the plugin in dir. Loading a directory that is already
// loaded reloads it.
func (l *Loader) LoadPlugin(ctx context.Context, dir string) (Plugin, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.load(ctx, dir, "")
}

// ReloadPlugin re-reads the manifest of a loaded plugin and opens a new
// instance. When that fails the old instance stays registered.
func (l *Loader) ReloadPlugin(ctx context.Context, id string) (Plugin, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	cur, ok := l.plugins[id]
	l.mu.RUnlock()
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return l.load(ctx, cur.info.Dir, id)
}

// load opens the plugin in dir and swaps it in. expectID is set for
// reloads so a manifest whose id changed is rejected.
func (l *Loader) load(ctx context.Context, dir, expectID string) (Plugin, error) {
	if l.isClosed() {
		return Plugin{}, ErrLoaderClosed
	}
	dir = filepath.Clean(dir)

	m, err := ReadManifest(dir)
	if err != nil {
		return Plugin{}, l.failed(&LoadError{Dir: dir, PluginID: expectID, Err: err}, expectID != "")
	}
	if expectID != "" && m.ID != expectID {
		err := fmt.Errorf("manifest id changed to %q", m.ID)
		return Plugin{}, l.failed(&LoadError{Dir: dir, PluginID: expectID, Err: err}, true)
	}

	l.mu.RLock()
	prev, exists := l.plugins[m.ID]
	l.mu.RUnlock()
	if exists && prev.info.Dir != dir {
		err := fmt.Errorf("id already loaded from %s", prev.info.Dir)
		return Plugin{}, l.failed(&LoadError{Dir: dir, PluginID: m.ID, Err: err}, false)
	}
	reload := exists

	inst, nodes, err := l.open(ctx, dir, m)
	if err != nil {
		return Plugin{}, l.failed(&LoadError{Dir: dir, PluginID: m.ID, Err: err}, reload)
	}

	// The new instance is ready; retire the old one before its types are
	// replaced. Calls already holding an old node keep running on it.
	if reload {
		l.cleanup(ctx, m.ID, prev.instance)
	}

	for _, decl := range m.Nodes {
		if err := l.reg.RegisterFrom(m.ID, decl.Type, nodes[decl.Type]); err != nil {
			l.cleanup(ctx, m.ID, inst)
			return Plugin{}, l.failed(&LoadError{Dir: dir, PluginID: m.ID, Err: err}, reload)
		}
	}
	if reload {
		declared := make(map[string]bool, len(m.Nodes))
		for _, d := range m.Nodes {
			declared[d.Type] = true
		}
		for _, t := range prev.info.Types {
			if e, ok := l.reg.Lookup(t); ok && !declared[t] && e.Source == m.ID {
				l.reg.Unregister(t)
			}
		}
	}

	info := Plugin{Manifest: *m, Dir: dir, Types: m.NodeTypes(), LoadedAt: time.Now()}
	l.mu.Lock()
	l.plugins[m.ID] = &loaded{info: info, instance: inst}
	l.mu.Unlock()

	msg := emit.PluginLoaded
	if reload {
		msg = emit.PluginReloaded
		l.record(m.ID, "success")
	}
	l.logger.Info("plugin "+strings.TrimPrefix(msg, "plugin."), "plugin_id", m.ID, "version", m.Version, "types", info.Types)
	l.emit(msg, m.ID, map[string]interface{}{"version": m.Version, "types": info.Types, "dir": dir})
	return info, nil
}

// open opens and initializes a new instance and resolves every declared
// node. On error nothing has been registered.
func (l *Loader) open(ctx context.Context, dir string, m *Manifest) (Instance, map[string]registry.Node, error) {
	inst, err := l.opener.Open(ctx, dir, m)
	if err != nil {
		return nil, nil, err
	}
	if initer, ok := inst.(Initializer); ok {
		if err := initer.Initialize(ctx); err != nil {
			l.cleanup(ctx, m.ID, inst)
			return nil, nil, fmt.Errorf("initialize: %w", err)
		}
	}

	nodes := make(map[string]registry.Node, len(m.Nodes))
	for _, decl := range m.Nodes {
		n, err := inst.Node(decl)
		if err == nil && n == nil {
			err = fmt.Errorf("entry returned no implementation for %q", decl.Type)
		}
		if err != nil {
			l.cleanup(ctx, m.ID, inst)
			return nil, nil, err
		}
		nodes[decl.Type] = &pluginNode{Node: n, manifest: m, decl: decl}
	}
	return inst, nodes, nil
}

// InstallPlugin copies the plugin directory src under the root and loads
// it. The copy is removed again when loading fails.
func (l *Loader) InstallPlugin(ctx context.Context, src string) (Plugin, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.isClosed() {
		return Plugin{}, ErrLoaderClosed
	}
	m, err := ReadManifest(src)
	if err != nil {
		return Plugin{}, &LoadError{Dir: src, Err: err}
	}
	l.mu.RLock()
	_, exists := l.plugins[m.ID]
	l.mu.RUnlock()
	if exists {
		return Plugin{}, &LoadError{Dir: src, PluginID: m.ID, Err: errors.New("already installed")}
	}

	target := filepath.Join(l.root, filepath.Base(filepath.Clean(src)))
	if _, err := os.Stat(target); err == nil {
		return Plugin{}, &LoadError{Dir: src, PluginID: m.ID, Err: fmt.Errorf("%s already exists", target)}
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return Plugin{}, fmt.Errorf("failed to create plugins dir: %w", err)
	}
	if err := copyDir(src, target); err != nil {
		_ = os.RemoveAll(target)
		return Plugin{}, fmt.Errorf("failed to copy plugin: %w", err)
	}

	p, err := l.load(ctx, target, "")
	if err != nil {
		_ = os.RemoveAll(target)
		return Plugin{}, err
	}
	l.logger.Info("plugin installed", "plugin_id", p.Manifest.ID, "dir", target)
	return p, nil
}

// UninstallPlugin cleans up the plugin, unregisters its node types and
// deletes its directory. Node calls already running finish on the
// implementation they captured.
func (l *Loader) UninstallPlugin(ctx context.Context, id string) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	p, err := l.unload(ctx, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p.info.Dir); err != nil {
		return fmt.Errorf("failed to remove plugin files: %w", err)
	}
	l.logger.Info("plugin uninstalled", "plugin_id", id)
	l.emit(emit.PluginUninstalled, id, map[string]interface{}{"dir": p.info.Dir})
	return nil
}

// unload removes a plugin from the loader and the registry, leaving its
// files in place.
func (l *Loader) unload(ctx context.Context, id string) (*loaded, error) {
	l.mu.Lock()
	p, ok := l.plugins[id]
	if ok {
		delete(l.plugins, id)
	}
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}

	l.cleanup(ctx, id, p.instance)
	removed := l.reg.UnregisterSource(id)
	l.logger.Debug("plugin types unregistered", "plugin_id", id, "types", removed)
	return p, nil
}

// Plugins returns the loaded plugins sorted by id.
func (l *Loader) Plugins() []Plugin {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Plugin, 0, len(l.plugins))
	for _, p := range l.plugins {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// Plugin returns the loaded plugin with id.
func (l *Loader) Plugin(id string) (Plugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plugins[id]
	if !ok {
		return Plugin{}, false
	}
	return p.info, true
}

// Close stops hot reload and cleans up every instance. Registered node
// types stay in the registry.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	w := l.watcher
	l.watcher = nil
	plugins := make([]*loaded, 0, len(l.plugins))
	for _, p := range l.plugins {
		plugins = append(plugins, p)
	}
	l.mu.Unlock()

	var err error
	if w != nil {
		err = w.close()
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()
	for _, p := range plugins {
		l.cleanup(ctx, p.info.Manifest.ID, p.instance)
	}
	return err
}

func (l *Loader) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *Loader) cleanup(ctx context.Context, id string, inst Instance) {
	c, ok := inst.(Cleaner)
	if !ok {
		return
	}
	if err := c.Cleanup(ctx); err != nil {
		l.logger.Warn("plugin cleanup failed", "plugin_id", id, "error", err)
	}
}

func (l *Loader) failed(err *LoadError, reload bool) error {
	l.logger.Error("plugin load failed", "dir", err.Dir, "plugin_id", err.PluginID, "error", err.Err)
	l.emit(emit.PluginFailed, err.PluginID, map[string]interface{}{"dir": err.Dir, "error": err.Err.Error()})
	if reload {
		l.record(err.PluginID, "error")
	}
	return err
}

func (l *Loader) record(id, result string) {
	if l.recorder != nil {
		l.recorder.RecordPluginReload(id, result)
	}
}

func (l *Loader) emit(msg, id string, meta map[string]interface{}) {
	meta["plugin_id"] = id
	l.emitter.Emit(emit.Event{Msg: msg, Time: time.Now(), Meta: meta})
}

// pluginNode fills descriptor fields the implementation leaves empty from
// the manifest and records the plugin's permissions.
type pluginNode struct {
	registry.Node
	manifest *Manifest
	decl     NodeDecl
}

func (p *pluginNode) Descriptor() registry.Descriptor {
	d := p.Node.Descriptor()
	if d.Name == "" {
		d.Name = p.decl.Name
	}
	if d.Category == "" {
		d.Category = p.decl.Category
	}
	if d.Description == "" {
		d.Description = p.decl.Description
	}
	if d.Version == "" {
		d.Version = p.manifest.Version
	}
	d.Permissions = append([]string(nil), p.manifest.Permissions...)
	return d
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
