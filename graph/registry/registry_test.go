package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versioned(version string) Node {
	return Func{
		Desc: Descriptor{Name: "Versioned " + version, Category: "test", Description: "returns its version"},
		Fn: func(context.Context, any, map[string]any, Execution) (any, error) {
			return version, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register("echo", versioned("v1")))

	node, ok := reg.Get("echo")
	require.True(t, ok)
	out, err := node.Execute(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.True(t, reg.Has("echo"))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	reg := New(nil)
	assert.Error(t, reg.Register("", versioned("v1")))
	assert.Error(t, reg.Register("x", nil))
}

func TestRegistry_OverwriteLastWriterWins(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register("echo", versioned("v1")))
	first, _ := reg.Lookup("echo")

	require.NoError(t, reg.RegisterFrom("plugin-a", "echo", versioned("v2")))
	second, ok := reg.Lookup("echo")
	require.True(t, ok)

	assert.Equal(t, "plugin-a", second.Source)
	assert.Greater(t, second.Generation, first.Generation)
	out, _ := second.Node.Execute(context.Background(), nil, nil, nil)
	assert.Equal(t, "v2", out)
}

func TestRegistry_DescriptorDefaults(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register("bare", Func{Fn: func(context.Context, any, map[string]any, Execution) (any, error) {
		return nil, nil
	}}))

	e, _ := reg.Lookup("bare")
	assert.Equal(t, "bare", e.Descriptor.Type)
	assert.Equal(t, "bare", e.Descriptor.Name)
	assert.Equal(t, DefaultCategory, e.Descriptor.Category)
}

func TestRegistry_UnregisterSource(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register("builtin", versioned("b")))
	require.NoError(t, reg.RegisterFrom("p1", "p1.a", versioned("a")))
	require.NoError(t, reg.RegisterFrom("p1", "p1.b", versioned("b")))

	removed := reg.UnregisterSource("p1")
	assert.Equal(t, []string{"p1.a", "p1.b"}, removed)
	assert.True(t, reg.Has("builtin"))
	assert.False(t, reg.Unregister("p1.a"))
	assert.True(t, reg.Unregister("builtin"))
}

func TestRegistry_SearchAndCategories(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register("http.request", Func{Desc: Descriptor{Name: "HTTP Request", Category: "network", Description: "Perform an HTTP call"}}))
	require.NoError(t, reg.Register("transform", Func{Desc: Descriptor{Name: "Transform", Category: "data", Description: "Reshape data with an expression"}}))
	require.NoError(t, reg.Register("log", Func{Desc: Descriptor{Name: "Log"}}))

	tests := []struct {
		query string
		want  []string
	}{
		{"http", []string{"http.request"}},
		{"EXPRESSION", []string{"transform"}},
		{"", []string{"http.request", "log", "transform"}},
		{"nothing-matches", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got []string
			for _, d := range reg.Search(tt.query) {
				got = append(got, d.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, []string{"data", "general", "network"}, reg.Categories())
	network := reg.ByCategory("network")
	require.Len(t, network, 1)
	assert.Equal(t, "http.request", network[0].Type)
}

func TestRegistry_ConcurrentReloadAndLookup(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Register("hot", versioned("v0")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = reg.Register("hot", versioned(fmt.Sprintf("v%d", i)))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				node, ok := reg.Get("hot")
				if !ok {
					t.Error("hot type disappeared during reload")
					return
				}
				if _, err := node.Execute(context.Background(), nil, nil, nil); err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRedact(t *testing.T) {
	desc := Descriptor{Parameters: []ParameterSchema{
		{Name: "credential", Sensitive: true},
		{Name: "url"},
	}}
	params := map[string]any{
		"credential": "hunter2",
		"url":        "https://example.com",
		"headers":    map[string]any{"Authorization": "Bearer abc", "Accept": "json"},
		"apiKey":     "sk-123",
	}

	got := Redact(desc, params)
	assert.Equal(t, RedactedValue, got["credential"])
	assert.Equal(t, RedactedValue, got["apiKey"])
	assert.Equal(t, "https://example.com", got["url"])
	headers := got["headers"].(map[string]any)
	assert.Equal(t, RedactedValue, headers["Authorization"])
	assert.Equal(t, "json", headers["Accept"])

	assert.Equal(t, "hunter2", params["credential"], "input must not be mutated")
	assert.Nil(t, Redact(desc, nil))
}

func TestApplyDefaults(t *testing.T) {
	desc := Descriptor{Parameters: []ParameterSchema{
		{Name: "method", Default: "GET"},
		{Name: "url", Required: true},
	}}

	out, err := ApplyDefaults(desc, map[string]any{"url": "http://x"})
	require.NoError(t, err)
	assert.Equal(t, "GET", out["method"])

	_, err = ApplyDefaults(desc, nil)
	assert.ErrorContains(t, err, "url")
}
