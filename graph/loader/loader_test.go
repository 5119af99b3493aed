package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nodegraph-go/graph"
)

const jsonWorkflow = `{
  "id": "orders",
  "name": "Orders",
  "config": {"maxRetries": 2, "continueOnError": true, "timeoutMs": 60000},
  "nodes": [
    {"id": "fetch", "type": "http.request", "parameters": {"url": "https://example.com", "headers": {"Accept": "application/json"}}},
    {"id": "shape", "type": "transform", "parameters": {"expression": "input.body"}, "retryConfig": {"maxRetries": 0}, "continueOnError": false, "timeoutMs": 500}
  ],
  "connections": [{"source": "fetch", "target": "shape"}]
}`

const yamlWorkflow = `
id: orders
name: Orders
config:
  maxRetries: 2
  continueOnError: true
  timeoutMs: 60000
nodes:
  - id: fetch
    type: http.request
    parameters:
      url: https://example.com
      headers:
        Accept: application/json
  - id: shape
    type: transform
    parameters:
      expression: input.body
    retryConfig:
      maxRetries: 0
    continueOnError: false
    timeoutMs: 500
connections:
  - source: fetch
    target: shape
`

const hclWorkflow = `
id   = "orders"
name = "Orders"

config {
  max_retries       = 2
  continue_on_error = true
  timeout_ms        = 60000
}

node "fetch" {
  type = "http.request"
  parameters = {
    url     = "https://example.com"
    headers = { Accept = "application/json" }
  }
}

node "shape" {
  type              = "transform"
  depends_on        = ["fetch"]
  continue_on_error = false
  timeout_ms        = 500
  parameters        = { expression = "input.body" }

  retry {
    max_retries = 0
  }
}
`

func expectedWorkflow() *graph.WorkflowDefinition {
	two, zero := 2, 0
	no := false
	return &graph.WorkflowDefinition{
		ID:   "orders",
		Name: "Orders",
		Config: graph.WorkflowConfig{
			RetryOverride:   graph.RetryOverride{MaxRetries: &two},
			ContinueOnError: true,
			TimeoutMs:       60000,
		},
		Nodes: []graph.NodeSpec{
			{
				ID:   "fetch",
				Type: "http.request",
				Parameters: map[string]any{
					"url":     "https://example.com",
					"headers": map[string]any{"Accept": "application/json"},
				},
			},
			{
				ID:              "shape",
				Type:            "transform",
				Parameters:      map[string]any{"expression": "input.body"},
				RetryConfig:     &graph.RetryOverride{MaxRetries: &zero},
				ContinueOnError: &no,
				TimeoutMs:       500,
			},
		},
		Connections: []graph.Edge{{Source: "fetch", Target: "shape"}},
	}
}

func TestParse_FormatsAgree(t *testing.T) {
	tests := []struct {
		format Format
		data   string
	}{
		{FormatJSON, jsonWorkflow},
		{FormatYAML, yamlWorkflow},
		{FormatHCL, hclWorkflow},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			def, err := Parse([]byte(tt.data), "orders."+string(tt.format), tt.format)
			require.NoError(t, err)
			if diff := cmp.Diff(expectedWorkflow(), def); diff != "" {
				t.Errorf("workflow mismatch (-want +got):\n%s", diff)
			}
			assert.NoError(t, graph.Validate(def, nil))
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
		errMsg string
	}{
		{"json syntax", FormatJSON, `{"nodes": [`, "failed to parse workflow"},
		{"yaml unknown field", FormatYAML, "name: x\nnodez: []\n", "nodez"},
		{"hcl syntax", FormatHCL, `node "a" {`, "failed to parse workflow"},
		{"hcl unknown attribute", FormatHCL, "name = \"x\"\nowner = \"me\"\n", "owner"},
		{"hcl missing type", FormatHCL, "name = \"x\"\nnode \"a\" {}\n", "type"},
		{"hcl parameters not object", FormatHCL, "name = \"x\"\nnode \"a\" {\n  type = \"log\"\n  parameters = \"oops\"\n}\n", "must be an object"},
		{"unknown format", Format("toml"), "", "unsupported workflow format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "wf", tt.format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestHCL_NumbersAndConnections(t *testing.T) {
	def, err := Parse([]byte(`
name = "delays"
node "a" {
  type       = "delay"
  parameters = { ms = 25, tags = ["x", "y"] }
}
node "b" {
  type = "log"
}
connection {
  source = "a"
  target = "b"
}
`), "delays.hcl", FormatHCL)
	require.NoError(t, err)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, 25.0, def.Nodes[0].Parameters["ms"])
	assert.Equal(t, []any{"x", "y"}, def.Nodes[0].Parameters["tags"])
	assert.Nil(t, def.Nodes[1].Parameters)
	assert.Equal(t, []graph.Edge{{Source: "a", Target: "b"}}, def.Connections)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"wf.json": jsonWorkflow,
		"wf.yml":  yamlWorkflow,
		"wf.hcl":  hclWorkflow,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		def, err := LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, "orders", def.ID, name)
	}

	_, err := LoadFile(filepath.Join(dir, "wf.toml"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
