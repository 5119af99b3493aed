package registry

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// DefaultCategory is assigned to node types whose descriptor names none.
const DefaultCategory = "general"

// SourceBuiltin marks entries registered directly by the host program.
const SourceBuiltin = "builtin"

// ErrUnknownNodeType is returned when a type has no registered implementation.
var ErrUnknownNodeType = errors.New("unknown node type")

// Entry is an immutable registry record. Replacing an implementation swaps
// the whole entry, so a reader always sees one consistent version.
type Entry struct {
	Type       string
	Node       Node
	Descriptor Descriptor

	// Source is SourceBuiltin or the id of the plugin that registered it.
	Source string

	// Generation increases every time the type is (re)registered.
	Generation uint64
}

// Registry is the concurrency-safe catalogue of node types.
//
// Lookups may run concurrently with registration and unregistration (plugin
// hot reload). A caller that obtained a Node keeps using that value even if
// the type is replaced while the call is in flight.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	generation uint64
	logger     *slog.Logger
}

// New creates an empty registry. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.With("component", "registry"),
	}
}

// Register adds or replaces the implementation for nodeType.
func (r *Registry) Register(nodeType string, node Node) error {
	return r.RegisterFrom(SourceBuiltin, nodeType, node)
}

// RegisterFrom is Register with an explicit source, used by the plugin
// loader so a plugin's types can be removed together.
//
// Re-registering an existing type logs a warning and the last writer wins.
func (r *Registry) RegisterFrom(source, nodeType string, node Node) error {
	if nodeType == "" {
		return errors.New("node type cannot be empty")
	}
	if node == nil {
		return errors.New("node implementation cannot be nil")
	}

	desc := node.Descriptor()
	desc.Type = nodeType
	if desc.Category == "" {
		desc.Category = DefaultCategory
	}
	if desc.Name == "" {
		desc.Name = nodeType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[nodeType]; ok {
		r.logger.Warn("overwriting node type",
			"type", nodeType,
			"previous_source", prev.Source,
			"source", source)
	}

	r.generation++
	r.entries[nodeType] = &Entry{
		Type:       nodeType,
		Node:       node,
		Descriptor: desc,
		Source:     source,
		Generation: r.generation,
	}
	return nil
}

// Unregister removes nodeType and reports whether it was present.
func (r *Registry) Unregister(nodeType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[nodeType]; !ok {
		return false
	}
	delete(r.entries, nodeType)
	return true
}

// UnregisterSource removes every type registered by source and returns them
// sorted.
func (r *Registry) UnregisterSource(source string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for t, e := range r.entries {
		if e.Source == source {
			delete(r.entries, t)
			removed = append(removed, t)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the current implementation of nodeType.
func (r *Registry) Get(nodeType string) (Node, bool) {
	e, ok := r.Lookup(nodeType)
	if !ok {
		return nil, false
	}
	return e.Node, true
}

// Lookup returns the full entry for nodeType.
func (r *Registry) Lookup(nodeType string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[nodeType]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether nodeType is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[nodeType]
	return ok
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns descriptors of all registered types sorted by type.
func (r *Registry) List() []Descriptor {
	return r.collect(func(Descriptor) bool { return true })
}

// ByCategory returns descriptors whose category equals category.
func (r *Registry) ByCategory(category string) []Descriptor {
	return r.collect(func(d Descriptor) bool { return d.Category == category })
}

// Search returns descriptors whose type, name or description contains query,
// ignoring case. An empty query matches everything.
func (r *Registry) Search(query string) []Descriptor {
	q := strings.ToLower(strings.TrimSpace(query))
	return r.collect(func(d Descriptor) bool {
		if q == "" {
			return true
		}
		return strings.Contains(strings.ToLower(d.Type), q) ||
			strings.Contains(strings.ToLower(d.Name), q) ||
			strings.Contains(strings.ToLower(d.Description), q)
	})
}

// Categories returns the distinct categories in use, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range r.entries {
		seen[e.Descriptor.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) collect(keep func(Descriptor) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.Descriptor) {
			out = append(out, e.Descriptor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
