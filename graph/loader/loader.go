// Package loader reads workflow definitions from JSON, YAML and HCL files.
//
// JSON and YAML use the field names of graph.WorkflowDefinition. HCL uses
// blocks:
//
//	name = "orders"
//
//	config {
//	  max_retries       = 2
//	  continue_on_error = true
//	}
//
//	node "fetch" {
//	  type       = "http.request"
//	  parameters = { url = "https://example.com/orders" }
//	}
//
//	node "shape" {
//	  type       = "transform"
//	  depends_on = ["fetch"]
//	  parameters = { expression = "input.body" }
//	  retry { max_retries = 0 }
//	}
//
// Loading does not validate the graph; the engine does that per execution.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/nodegraph-go/graph"
)

// Format is a workflow file format.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// ErrUnsupportedFormat is returned for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported workflow format")

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// LoadFile reads and decodes the workflow at path.
func LoadFile(path string) (*graph.WorkflowDefinition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	def, err := Parse(data, filepath.Base(path), format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes data in the given format. filename is only used in
// diagnostics.
func Parse(data []byte, filename string, format Format) (*graph.WorkflowDefinition, error) {
	switch format {
	case FormatJSON:
		return graph.ParseWorkflow(data)
	case FormatYAML:
		return parseYAML(data)
	case FormatHCL:
		return parseHCL(data, filename)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func parseYAML(data []byte) (*graph.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def graph.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return &def, nil
}
