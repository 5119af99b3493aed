// Package plugin loads node types from plugin directories on disk and keeps
// them registered while their files change.
//
// A plugin directory holds a plugin.json manifest and the entry named by
// its "main" field:
//
//	plugins/
//	  slack/
//	    plugin.json
//	    slack-node        (executable, opened by ExecOpener)
//
// The manifest declares the node types the entry provides:
//
//	{
//	  "id": "slack",
//	  "name": "Slack",
//	  "version": "1.2.0",
//	  "author": "ops",
//	  "main": "slack-node",
//	  "nodes": [{"type": "slack.post", "name": "Post message", "category": "chat"}],
//	  "permissions": ["http", "env"]
//	}
package plugin

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/mod/semver"
)

// ManifestFile is the manifest name inside a plugin directory.
const ManifestFile = "plugin.json"

// Permissions a manifest may request.
const (
	PermHTTP      = "http"
	PermCrypto    = "crypto"
	PermFileRead  = "file:read"
	PermFileWrite = "file:write"
	PermEnv       = "env"
	PermExec      = "exec"
)

var allowedPermissions = map[string]bool{
	PermHTTP:      true,
	PermCrypto:    true,
	PermFileRead:  true,
	PermFileWrite: true,
	PermEnv:       true,
	PermExec:      true,
}

// NodeDecl declares one node type provided by a plugin.
type NodeDecl struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manifest is the parsed plugin.json.
type Manifest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author"`
	Main         string            `json:"main"`
	Nodes        []NodeDecl        `json:"nodes"`
	Permissions  []string          `json:"permissions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// ParseManifest decodes and validates a manifest. Unknown fields are
// rejected so typos surface at load time.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after manifest", ErrManifestInvalid)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest reads dir/plugin.json. A missing file is reported with an
// error satisfying errors.Is(err, fs.ErrNotExist).
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// Validate checks required fields, the semantic version, node declarations
// and permissions.
func (m *Manifest) Validate() error {
	var problems []string
	if m.ID == "" {
		problems = append(problems, "id is required")
	} else if strings.ContainsAny(m.ID, `/\`) || strings.HasPrefix(m.ID, ".") {
		problems = append(problems, fmt.Sprintf("id %q is not a valid name", m.ID))
	}
	if m.Name == "" {
		problems = append(problems, "name is required")
	}
	if m.Version == "" {
		problems = append(problems, "version is required")
	} else if !validVersion(m.Version) {
		problems = append(problems, fmt.Sprintf("version %q is not a semantic version", m.Version))
	}
	if m.Author == "" {
		problems = append(problems, "author is required")
	}
	if m.Main == "" {
		problems = append(problems, "main is required")
	} else if filepath.IsAbs(m.Main) || strings.HasPrefix(filepath.Clean(m.Main), "..") {
		problems = append(problems, fmt.Sprintf("main %q must be inside the plugin directory", m.Main))
	}

	if len(m.Nodes) == 0 {
		problems = append(problems, "at least one node is required")
	}
	seen := make(map[string]bool, len(m.Nodes))
	for i, n := range m.Nodes {
		switch {
		case n.Type == "":
			problems = append(problems, fmt.Sprintf("nodes[%d]: type is required", i))
		case seen[n.Type]:
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate type %q", i, n.Type))
		}
		if n.Name == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: name is required", i))
		}
		seen[n.Type] = true
	}

	for _, p := range m.Permissions {
		if !allowedPermissions[p] {
			problems = append(problems, fmt.Sprintf("unknown permission %q", p))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrManifestInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// HasPermission reports whether the manifest requests perm.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// NodeTypes returns the declared node types sorted.
func (m *Manifest) NodeTypes() []string {
	types := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		types = append(types, n.Type)
	}
	sort.Strings(types)
	return types
}

// validVersion accepts MAJOR.MINOR.PATCH with optional prerelease and
// build suffixes, with or without a leading "v". The shorthand forms
// x/mod/semver tolerates ("1", "v1.2") are rejected.
func validVersion(v string) bool {
	cv := canonicalVersion(v)
	if !semver.IsValid(cv) {
		return false
	}
	return semver.Canonical(cv) == strings.TrimSuffix(cv, semver.Build(cv))
}

// canonicalVersion adds the "v" prefix x/mod/semver expects.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
