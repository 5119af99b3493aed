package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/dshills/nodegraph-go/graph/registry"
)

// maxResponseBytes caps the body read by http.request.
const maxResponseBytes = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// HTTPRequest performs one HTTP call per attempt.
//
// Parameters: url (required), method (GET), headers (object of strings),
// body (string, or any JSON value which is encoded and sent as
// application/json) and failOnStatus (true). With failOnStatus a 4xx or
// 5xx response fails the attempt so the node's retry policy applies.
//
// Output:
//
//	{"statusCode": 200, "headers": {...}, "body": <parsed JSON or string>}
type HTTPRequest struct {
	Client *http.Client
}

// Descriptor implements registry.Node.
func (h *HTTPRequest) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeHTTPRequest,
		Name:        "HTTP Request",
		Description: "Perform an HTTP request and return status, headers and body",
		Category:    "network",
		Version:     "1.0.0",
		Outputs: []registry.PortSchema{
			{Name: "statusCode", Type: "number"},
			{Name: "headers", Type: "object"},
			{Name: "body", Type: "any"},
		},
		Parameters: []registry.ParameterSchema{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Default: http.MethodGet},
			{Name: "headers", Type: "object", Sensitive: true, Description: "Request headers; masked in events"},
			{Name: "body", Type: "any"},
			{Name: "failOnStatus", Type: "boolean", Default: true},
		},
	}
}

// Execute implements registry.Node.
func (h *HTTPRequest) Execute(ctx context.Context, _ any, params map[string]any, _ registry.Execution) (any, error) {
	url, err := requiredString(params, "url")
	if err != nil {
		return nil, err
	}
	method, err := stringParam(params, "method")
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}
	failOnStatus, err := boolParam(params, "failOnStatus", true)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(params["body"])
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	headers, err := mapParam(params, "headers")
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	out := map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       decodeBody(resp.Header.Get("Content-Type"), raw),
	}
	if failOnStatus && resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned status %d", method, url, resp.StatusCode)
	}
	return out, nil
}

func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(contentType string, raw []byte) any {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
