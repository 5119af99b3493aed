package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/registry"
)

func validManifest() Manifest {
	return Manifest{
		ID:      "greeter",
		Name:    "Greeter",
		Version: "1.0.0",
		Author:  "tests",
		Main:    "greeter",
		Nodes:   []NodeDecl{{Type: "greet", Name: "Greet", Category: "text"}},
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m map[string]any)
		wantErr string
	}{
		{name: "valid"},
		{name: "v prefixed version", mutate: func(m map[string]any) { m["version"] = "v2.1.0" }},
		{name: "prerelease version", mutate: func(m map[string]any) { m["version"] = "1.0.0-beta.1" }},
		{name: "missing id", mutate: func(m map[string]any) { delete(m, "id") }, wantErr: "id is required"},
		{name: "path in id", mutate: func(m map[string]any) { m["id"] = "../x" }, wantErr: "not a valid name"},
		{name: "missing author", mutate: func(m map[string]any) { delete(m, "author") }, wantErr: "author is required"},
		{name: "build metadata", mutate: func(m map[string]any) { m["version"] = "1.4.2+linux.amd64" }},
		{name: "bad version", mutate: func(m map[string]any) { m["version"] = "one" }, wantErr: "not a semantic version"},
		{name: "major only", mutate: func(m map[string]any) { m["version"] = "1" }, wantErr: "not a semantic version"},
		{name: "major minor", mutate: func(m map[string]any) { m["version"] = "1.2" }, wantErr: "not a semantic version"},
		{name: "v major only", mutate: func(m map[string]any) { m["version"] = "v1" }, wantErr: "not a semantic version"},
		{name: "main outside dir", mutate: func(m map[string]any) { m["main"] = "../bin/x" }, wantErr: "inside the plugin directory"},
		{name: "no nodes", mutate: func(m map[string]any) { m["nodes"] = []any{} }, wantErr: "at least one node"},
		{
			name: "duplicate node type",
			mutate: func(m map[string]any) {
				m["nodes"] = []any{
					map[string]any{"type": "a", "name": "A"},
					map[string]any{"type": "a", "name": "A2"},
				}
			},
			wantErr: `duplicate type "a"`,
		},
		{
			name:    "node without name",
			mutate:  func(m map[string]any) { m["nodes"] = []any{map[string]any{"type": "a"}} },
			wantErr: "nodes[0]: name is required",
		},
		{name: "unknown permission", mutate: func(m map[string]any) { m["permissions"] = []any{"http", "root"} }, wantErr: `unknown permission "root"`},
		{name: "unknown field", mutate: func(m map[string]any) { m["entry"] = "x" }, wantErr: "entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(validManifest())
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			if tt.mutate != nil {
				tt.mutate(m)
			}
			data, err := json.Marshal(m)
			require.NoError(t, err)

			got, err := ParseManifest(data)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "greeter", got.ID)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrManifestInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseManifest_TrailingData(t *testing.T) {
	data, err := json.Marshal(validManifest())
	require.NoError(t, err)
	_, err = ParseManifest(append(data, []byte(` {"id":"again"}`)...))
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestReadManifest_Missing(t *testing.T) {
	_, err := ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

// tracker counts instance lifecycle calls made by the loader.
type tracker struct {
	inits    atomic.Int32
	cleanups atomic.Int32
}

type versionNode struct{ version string }

func (versionNode) Descriptor() registry.Descriptor { return registry.Descriptor{} }

func (n versionNode) Execute(context.Context, any, map[string]any, registry.Execution) (any, error) {
	return n.version, nil
}

type testInstance struct {
	version string
	tr      *tracker
	initErr error
}

func (i *testInstance) Node(NodeDecl) (registry.Node, error) {
	return versionNode{version: i.version}, nil
}

func (i *testInstance) Initialize(context.Context) error {
	i.tr.inits.Add(1)
	return i.initErr
}

func (i *testInstance) Cleanup(context.Context) error {
	i.tr.cleanups.Add(1)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	results []string
}

func (r *recorder) RecordPluginReload(id, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, id+":"+result)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

type fixture struct {
	root     string
	reg      *registry.Registry
	loader   *Loader
	tr       *tracker
	rec      *recorder
	events   *emit.BufferedEmitter
	factory  *FactoryOpener
	initFail atomic.Bool
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		root:    t.TempDir(),
		reg:     registry.New(nil),
		tr:      &tracker{},
		rec:     &recorder{},
		events:  emit.NewBufferedEmitter(),
		factory: NewFactoryOpener(),
	}
	f.factory.Register("greeter", func(m *Manifest) (Instance, error) {
		inst := &testInstance{version: m.Version, tr: f.tr}
		if f.initFail.Load() {
			inst.initErr = errors.New("init failed")
		}
		return inst, nil
	})
	all := append([]Option{
		WithOpener(MultiOpener{f.factory, ExecOpener{}}),
		WithEmitter(f.events),
		WithReloadRecorder(f.rec),
	}, opts...)
	f.loader = NewLoader(f.root, f.reg, all...)
	t.Cleanup(func() { _ = f.loader.Close(context.Background()) })
	return f
}

func writePlugin(t *testing.T, dir string, m Manifest) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644))
}

func run(t *testing.T, reg *registry.Registry, nodeType string) any {
	t.Helper()
	n, ok := reg.Get(nodeType)
	require.True(t, ok, "type %s not registered", nodeType)
	out, err := n.Execute(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	return out
}

func TestLoadPlugins(t *testing.T) {
	f := newFixture(t)

	a := validManifest()
	a.Permissions = []string{PermHTTP}
	writePlugin(t, filepath.Join(f.root, "a"), a)

	b := validManifest()
	b.ID, b.Nodes = "other", []NodeDecl{{Type: "other.node", Name: "Other"}}
	writePlugin(t, filepath.Join(f.root, "b"), b)

	broken := validManifest()
	broken.ID, broken.Version = "broken", "nope"
	writePlugin(t, filepath.Join(f.root, "c"), broken)

	dup := validManifest()
	writePlugin(t, filepath.Join(f.root, "d"), dup)

	writePlugin(t, filepath.Join(f.root, ".hidden"), validManifest())
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "empty"), 0o755))

	plugins, err := f.loader.LoadPlugins(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPluginLoad)
	var le *LoadError
	require.ErrorAs(t, err, &le)

	require.Len(t, plugins, 2)
	ids := []string{plugins[0].Manifest.ID, plugins[1].Manifest.ID}
	assert.ElementsMatch(t, []string{"greeter", "other"}, ids)

	entry, ok := f.reg.Lookup("greet")
	require.True(t, ok)
	assert.Equal(t, "greeter", entry.Source)
	assert.Equal(t, "Greet", entry.Descriptor.Name)
	assert.Equal(t, "text", entry.Descriptor.Category)
	assert.Equal(t, "1.0.0", entry.Descriptor.Version)
	assert.Equal(t, []string{PermHTTP}, entry.Descriptor.Permissions)
	assert.Equal(t, "1.0.0", run(t, f.reg, "greet"))
	assert.EqualValues(t, 2, f.tr.inits.Load())

	failed := f.events.GetHistoryWithFilter("", emit.HistoryFilter{Msg: emit.PluginFailed})
	assert.Len(t, failed, 2)
	assert.Len(t, f.loader.Plugins(), 2)
}

func TestLoadPlugins_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "plugins")
	l := NewLoader(root, registry.New(nil))
	plugins, err := l.LoadPlugins(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plugins)
	assert.DirExists(t, root)
}

func TestLoadPlugin_InitializeFailure(t *testing.T) {
	f := newFixture(t)
	f.initFail.Store(true)
	writePlugin(t, filepath.Join(f.root, "g"), validManifest())

	_, err := f.loader.LoadPlugin(context.Background(), filepath.Join(f.root, "g"))
	require.ErrorIs(t, err, ErrPluginLoad)
	assert.Contains(t, err.Error(), "init failed")
	assert.False(t, f.reg.Has("greet"))
	assert.EqualValues(t, 1, f.tr.cleanups.Load(), "failed instance is cleaned up")
	_, ok := f.loader.Plugin("greeter")
	assert.False(t, ok)
}

func TestReloadPlugin(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "g")
	m := validManifest()
	m.Nodes = append(m.Nodes, NodeDecl{Type: "greet.old", Name: "Old"})
	writePlugin(t, dir, m)

	_, err := f.loader.LoadPlugin(context.Background(), dir)
	require.NoError(t, err)
	captured, _ := f.reg.Get("greet")

	m.Version = "2.0.0"
	m.Nodes = m.Nodes[:1]
	writePlugin(t, dir, m)
	p, err := f.loader.ReloadPlugin(context.Background(), "greeter")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", p.Manifest.Version)

	assert.Equal(t, "2.0.0", run(t, f.reg, "greet"))
	out, err := captured.Execute(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", out, "a captured node keeps its version")

	assert.False(t, f.reg.Has("greet.old"), "dropped types are unregistered")
	assert.EqualValues(t, 1, f.tr.cleanups.Load())
	assert.Equal(t, []string{"greeter:success"}, f.rec.all())
	assert.Len(t, f.events.GetHistoryWithFilter("", emit.HistoryFilter{Msg: emit.PluginReloaded}), 1)
}

func TestReloadPlugin_FailureKeepsPrevious(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "g")
	m := validManifest()
	writePlugin(t, dir, m)
	_, err := f.loader.LoadPlugin(context.Background(), dir)
	require.NoError(t, err)

	m.Version = "garbage"
	writePlugin(t, dir, m)
	_, err = f.loader.ReloadPlugin(context.Background(), "greeter")
	require.ErrorIs(t, err, ErrManifestInvalid)

	assert.Equal(t, "1.0.0", run(t, f.reg, "greet"))
	assert.EqualValues(t, 0, f.tr.cleanups.Load())
	assert.Equal(t, []string{"greeter:error"}, f.rec.all())

	_, err = f.loader.ReloadPlugin(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestLoadPlugin_DuplicateID(t *testing.T) {
	f := newFixture(t)
	writePlugin(t, filepath.Join(f.root, "one"), validManifest())
	writePlugin(t, filepath.Join(f.root, "two"), validManifest())

	_, err := f.loader.LoadPlugin(context.Background(), filepath.Join(f.root, "one"))
	require.NoError(t, err)
	_, err = f.loader.LoadPlugin(context.Background(), filepath.Join(f.root, "two"))
	require.ErrorIs(t, err, ErrPluginLoad)
	assert.Contains(t, err.Error(), "already loaded")
}

func TestInstallUninstall(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "greeter-plugin")
	writePlugin(t, src, validManifest())
	require.NoError(t, os.MkdirAll(filepath.Join(src, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "assets", "hello.txt"), []byte("hi"), 0o644))

	p, err := f.loader.InstallPlugin(context.Background(), src)
	require.NoError(t, err)
	target := filepath.Join(f.root, "greeter-plugin")
	assert.Equal(t, target, p.Dir)
	assert.FileExists(t, filepath.Join(target, "assets", "hello.txt"))
	assert.True(t, f.reg.Has("greet"))

	_, err = f.loader.InstallPlugin(context.Background(), src)
	assert.ErrorIs(t, err, ErrPluginLoad, "second install is rejected")

	require.NoError(t, f.loader.UninstallPlugin(context.Background(), "greeter"))
	assert.NoDirExists(t, target)
	assert.False(t, f.reg.Has("greet"))
	assert.EqualValues(t, 1, f.tr.cleanups.Load())
	assert.Empty(t, f.loader.Plugins())
	assert.Len(t, f.events.GetHistoryWithFilter("", emit.HistoryFilter{Msg: emit.PluginUninstalled}), 1)

	assert.ErrorIs(t, f.loader.UninstallPlugin(context.Background(), "greeter"), ErrPluginNotFound)
}

func TestInstallPlugin_LoadFailureRemovesCopy(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "nomain")
	m := validManifest()
	m.Main = "missing-binary"
	writePlugin(t, src, m)

	_, err := f.loader.InstallPlugin(context.Background(), src)
	require.ErrorIs(t, err, ErrUnsupportedEntry)
	assert.NoDirExists(t, filepath.Join(f.root, "nomain"))
}

func TestUninstall_InFlightCallFinishes(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "g")
	writePlugin(t, dir, validManifest())
	_, err := f.loader.LoadPlugin(context.Background(), dir)
	require.NoError(t, err)

	captured, _ := f.reg.Get("greet")
	require.NoError(t, f.loader.UninstallPlugin(context.Background(), "greeter"))

	out, err := captured.Execute(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", out)
	assert.False(t, f.reg.Has("greet"))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755))
}

func TestExecOpener(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	t.Setenv("NODEGRAPH_TEST_SECRET", "s3cret")

	f := newFixture(t)
	script := `cat > /dev/null
printf '{"output":{"plugin":"%s","type":"%s","secret":"%s"}}' "$NODEGRAPH_PLUGIN_ID" "$NODEGRAPH_NODE_TYPE" "$NODEGRAPH_TEST_SECRET"
`
	for _, tc := range []struct {
		id, dir string
		perms   []string
	}{
		{"sealed", "sealed", nil},
		{"open", "open", []string{PermEnv}},
	} {
		m := validManifest()
		m.ID, m.Main, m.Permissions = tc.id, "run.sh", tc.perms
		m.Nodes = []NodeDecl{{Type: tc.id + ".node", Name: tc.id}}
		dir := filepath.Join(f.root, tc.dir)
		writePlugin(t, dir, m)
		writeScript(t, dir, "run.sh", script)
	}
	_, err := f.loader.LoadPlugins(context.Background())
	require.NoError(t, err)

	sealed := run(t, f.reg, "sealed.node").(map[string]any)
	assert.Equal(t, "sealed", sealed["plugin"])
	assert.Equal(t, "sealed.node", sealed["type"])
	assert.Empty(t, sealed["secret"], "environment is not forwarded without the env permission")

	open := run(t, f.reg, "open.node").(map[string]any)
	assert.Equal(t, "s3cret", open["secret"])
}

func TestExecOpener_Errors(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	dir := t.TempDir()
	m := validManifest()
	m.Main = "run.sh"

	writeScript(t, dir, "run.sh", `cat > /dev/null; echo '{"error":"upstream refused"}'`)
	inst, err := ExecOpener{}.Open(context.Background(), dir, &m)
	require.NoError(t, err)
	n, err := inst.Node(m.Nodes[0])
	require.NoError(t, err)
	_, err = n.Execute(context.Background(), map[string]any{"a": 1}, nil, nil)
	assert.EqualError(t, err, "upstream refused")

	writeScript(t, dir, "run.sh", `echo "bad things" >&2; exit 3`)
	_, err = n.Execute(context.Background(), nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad things")

	writeScript(t, dir, "run.sh", `exec sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = n.Execute(ctx, nil, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o644))
	_, err = ExecOpener{}.Open(context.Background(), dir, &m)
	assert.ErrorIs(t, err, ErrUnsupportedEntry)
}

func TestMultiOpener(t *testing.T) {
	m := validManifest()
	_, err := MultiOpener{}.Open(context.Background(), t.TempDir(), &m)
	assert.ErrorIs(t, err, ErrUnsupportedEntry)

	boom := errors.New("boom")
	failing := NewFactoryOpener()
	failing.Register("greeter", func(*Manifest) (Instance, error) { return nil, boom })
	_, err = MultiOpener{failing, ExecOpener{}}.Open(context.Background(), t.TempDir(), &m)
	assert.ErrorIs(t, err, boom, "a real failure stops the search")
}

func TestHotReload(t *testing.T) {
	f := newFixture(t, WithDebounce(100*time.Millisecond))
	dir := filepath.Join(f.root, "g")
	m := validManifest()
	writePlugin(t, dir, m)
	lib := filepath.Join(dir, "lib")
	require.NoError(t, os.MkdirAll(lib, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(lib, "impl.sh"), []byte("v1"), 0o644))
	_, err := f.loader.LoadPlugins(context.Background())
	require.NoError(t, err)

	type reload struct {
		p   Plugin
		err error
	}
	reloads := make(chan reload, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.loader.EnableHotReload(ctx, func(p Plugin, err error) {
		reloads <- reload{p, err}
	}))
	assert.Error(t, f.loader.EnableHotReload(ctx, nil), "second enable is rejected")

	next := func() reload {
		t.Helper()
		select {
		case r := <-reloads:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for hot reload")
			return reload{}
		}
	}

	// A burst of writes collapses into one reload.
	for i := 2; i <= 4; i++ {
		m.Version = fmt.Sprintf("%d.0.0", i)
		writePlugin(t, dir, m)
	}
	r := next()
	require.NoError(t, r.err)
	assert.Equal(t, "4.0.0", r.p.Manifest.Version)
	assert.Equal(t, "4.0.0", run(t, f.reg, "greet"))

	// Files in nested directories reload the owning plugin.
	inits := f.tr.inits.Load()
	require.NoError(t, os.WriteFile(filepath.Join(lib, "impl.sh"), []byte("v2"), 0o644))
	r = next()
	require.NoError(t, r.err)
	assert.Equal(t, "greeter", r.p.Manifest.ID)
	assert.Greater(t, f.tr.inits.Load(), inits)

	// Directories created after enabling are watched too.
	deep := filepath.Join(lib, "deep")
	require.NoError(t, os.Mkdir(deep, 0o755))
	r = next()
	require.NoError(t, r.err)
	inits = f.tr.inits.Load()
	require.NoError(t, os.WriteFile(filepath.Join(deep, "helper.sh"), []byte("x"), 0o644))
	r = next()
	require.NoError(t, r.err)
	assert.Equal(t, "greeter", r.p.Manifest.ID)
	assert.Greater(t, f.tr.inits.Load(), inits)

	// Dotfiles and plain files in the root never trigger a reload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "README.txt"), []byte("docs"), 0o644))

	other := validManifest()
	other.ID, other.Nodes = "late", []NodeDecl{{Type: "late.node", Name: "Late"}}
	writePlugin(t, filepath.Join(f.root, "late"), other)
	r = next()
	require.NoError(t, r.err)
	assert.Equal(t, "late", r.p.Manifest.ID)
	assert.True(t, f.reg.Has("late.node"))

	require.NoError(t, os.Remove(filepath.Join(dir, ManifestFile)))
	r = next()
	require.NoError(t, r.err)
	assert.Equal(t, "greeter", r.p.Manifest.ID)
	assert.False(t, f.reg.Has("greet"))
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	writePlugin(t, filepath.Join(f.root, "g"), validManifest())
	_, err := f.loader.LoadPlugins(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.loader.EnableHotReload(context.Background(), nil))

	require.NoError(t, f.loader.Close(context.Background()))
	assert.EqualValues(t, 1, f.tr.cleanups.Load())
	assert.True(t, f.reg.Has("greet"), "types stay registered after close")

	_, err = f.loader.LoadPlugin(context.Background(), filepath.Join(f.root, "g"))
	assert.ErrorIs(t, err, ErrLoaderClosed)
	assert.ErrorIs(t, f.loader.EnableHotReload(context.Background(), nil), ErrLoaderClosed)
	assert.NoError(t, f.loader.Close(context.Background()))
}
