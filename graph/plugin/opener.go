package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dshills/nodegraph-go/graph/registry"
)

// Instance is an opened plugin entry. It supplies the implementation of
// each node type declared by the manifest.
type Instance interface {
	Node(decl NodeDecl) (registry.Node, error)
}

// Initializer is implemented by instances that need setup after opening.
// A failing Initialize aborts the load.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by instances that hold resources. Cleanup runs
// when the instance is replaced by a reload, uninstalled or the loader is
// closed.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Opener turns a plugin directory into an Instance. Opening twice must
// produce independent instances so a reload never shares state with the
// instance it replaces.
type Opener interface {
	Open(ctx context.Context, dir string, m *Manifest) (Instance, error)
}

// NodeSet is an Instance backed by a fixed map of node type to
// implementation.
type NodeSet map[string]registry.Node

// Node implements Instance.
func (s NodeSet) Node(decl NodeDecl) (registry.Node, error) {
	n, ok := s[decl.Type]
	if !ok {
		return nil, fmt.Errorf("entry does not provide node type %q", decl.Type)
	}
	return n, nil
}

// Factory builds a fresh Instance for a compiled-in plugin.
type Factory func(m *Manifest) (Instance, error)

// FactoryOpener opens plugins whose "main" names a compiled-in factory.
// The factory runs on every open, so editing plugin.json reloads the
// plugin with a fresh instance.
type FactoryOpener struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryOpener creates an opener with no factories.
func NewFactoryOpener() *FactoryOpener {
	return &FactoryOpener{factories: make(map[string]Factory)}
}

// Register makes factory available under main.
func (o *FactoryOpener) Register(main string, factory Factory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factories[main] = factory
}

// Open implements Opener.
func (o *FactoryOpener) Open(_ context.Context, _ string, m *Manifest) (Instance, error) {
	o.mu.RLock()
	factory, ok := o.factories[m.Main]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no factory for %q", ErrUnsupportedEntry, m.Main)
	}
	return factory(m)
}

// MultiOpener tries each opener in order and uses the first one that does
// not report ErrUnsupportedEntry.
type MultiOpener []Opener

// Open implements Opener.
func (mo MultiOpener) Open(ctx context.Context, dir string, m *Manifest) (Instance, error) {
	var errs []error
	for _, o := range mo {
		inst, err := o.Open(ctx, dir, m)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrUnsupportedEntry) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no openers configured", ErrUnsupportedEntry)
	}
	return nil, errors.Join(errs...)
}

// ExecOpener opens plugins whose entry is an executable file.
//
// Every node attempt starts the entry as a subprocess, writes one request
// to its stdin and reads one response from its stdout:
//
//	request:  {"type": "slack.post", "inputs": ..., "params": {...}, "executionId": "...", "workflowId": "..."}
//	response: {"output": ...} or {"error": "message"}
//
// The subprocess is killed when the attempt's context ends. The parent
// environment is forwarded only to plugins granted the "env" permission;
// others see NODEGRAPH_PLUGIN_ID and NODEGRAPH_NODE_TYPE only.
type ExecOpener struct{}

// Open implements Opener.
func (ExecOpener) Open(_ context.Context, dir string, m *Manifest) (Instance, error) {
	path := filepath.Join(dir, m.Main)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: entry %s does not exist", ErrUnsupportedEntry, m.Main)
		}
		return nil, err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%w: entry %s is not executable", ErrUnsupportedEntry, m.Main)
	}
	return &execInstance{path: path, dir: dir, manifest: m}, nil
}

// execWaitDelay bounds how long a killed entry's children may hold its
// output pipes open.
const execWaitDelay = 2 * time.Second

type execInstance struct {
	path     string
	dir      string
	manifest *Manifest
}

func (i *execInstance) Node(decl NodeDecl) (registry.Node, error) {
	return &execNode{inst: i, decl: decl}, nil
}

type execRequest struct {
	Type        string         `json:"type"`
	Inputs      any            `json:"inputs"`
	Params      map[string]any `json:"params"`
	ExecutionID string         `json:"executionId,omitempty"`
	WorkflowID  string         `json:"workflowId,omitempty"`
}

type execResponse struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
}

type execNode struct {
	inst *execInstance
	decl NodeDecl
}

func (n *execNode) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        n.decl.Type,
		Name:        n.decl.Name,
		Category:    n.decl.Category,
		Description: n.decl.Description,
	}
}

func (n *execNode) Execute(ctx context.Context, inputs any, params map[string]any, ex registry.Execution) (any, error) {
	req := execRequest{Type: n.decl.Type, Inputs: inputs, Params: params}
	if ex != nil {
		req.ExecutionID = ex.ExecutionID()
		req.WorkflowID = ex.WorkflowID()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin request: %w", err)
	}

	cmd := exec.CommandContext(ctx, n.inst.path)
	cmd.Dir = n.inst.dir
	cmd.WaitDelay = execWaitDelay
	cmd.Env = n.env()
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("plugin %s: %w", n.inst.manifest.ID, err)
		}
		return nil, fmt.Errorf("plugin %s: %w: %s", n.inst.manifest.ID, err, msg)
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("plugin %s returned invalid JSON: %w", n.inst.manifest.ID, err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Output, nil
}

func (n *execNode) env() []string {
	env := []string{
		"NODEGRAPH_PLUGIN_ID=" + n.inst.manifest.ID,
		"NODEGRAPH_NODE_TYPE=" + n.decl.Type,
	}
	if n.inst.manifest.HasPermission(PermEnv) {
		env = append(os.Environ(), env...)
	}
	return env
}
