package graph

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tn := newTestNodes(t)

	tests := []struct {
		name     string
		def      *WorkflowDefinition
		wantKind string
		wantMsg  string
	}{
		{
			name:     "nil definition",
			def:      nil,
			wantKind: KindEmpty,
		},
		{
			name:     "no nodes",
			def:      &WorkflowDefinition{Name: "empty"},
			wantKind: KindEmpty,
		},
		{
			name:     "missing id",
			def:      &WorkflowDefinition{Nodes: []NodeSpec{{Type: "const"}}},
			wantKind: KindInvalidNode,
			wantMsg:  "index 0",
		},
		{
			name:     "missing type",
			def:      &WorkflowDefinition{Nodes: []NodeSpec{{ID: "a"}}},
			wantKind: KindInvalidNode,
		},
		{
			name: "duplicate id",
			def: &WorkflowDefinition{Nodes: []NodeSpec{
				{ID: "a", Type: "const"},
				{ID: "a", Type: "echo"},
			}},
			wantKind: KindDuplicateID,
		},
		{
			name:     "unknown type",
			def:      &WorkflowDefinition{Nodes: []NodeSpec{{ID: "a", Type: "nope"}}},
			wantKind: KindUnknownType,
			wantMsg:  `"nope"`,
		},
		{
			name: "dangling source",
			def: &WorkflowDefinition{
				Nodes:       []NodeSpec{{ID: "a", Type: "const"}},
				Connections: edges("ghost", "a"),
			},
			wantKind: KindDanglingEdge,
			wantMsg:  "unknown source",
		},
		{
			name: "dangling target",
			def: &WorkflowDefinition{
				Nodes:       []NodeSpec{{ID: "a", Type: "const"}},
				Connections: edges("a", "ghost"),
			},
			wantKind: KindDanglingEdge,
			wantMsg:  "unknown target",
		},
		{
			name: "self loop",
			def: &WorkflowDefinition{
				Nodes:       []NodeSpec{{ID: "a", Type: "echo"}},
				Connections: edges("a", "a"),
			},
			wantKind: KindCycle,
			wantMsg:  "a -> a",
		},
		{
			name: "three node cycle",
			def: &WorkflowDefinition{
				Nodes: []NodeSpec{
					{ID: "a", Type: "echo"},
					{ID: "b", Type: "echo"},
					{ID: "c", Type: "echo"},
				},
				Connections: edges("a", "b", "b", "c", "c", "a"),
			},
			wantKind: KindCycle,
			wantMsg:  "a -> b -> c -> a",
		},
		{
			name: "diamond is valid",
			def: &WorkflowDefinition{
				Nodes: []NodeSpec{
					{ID: "a", Type: "const"},
					{ID: "b", Type: "echo"},
					{ID: "c", Type: "echo"},
					{ID: "d", Type: "echo"},
				},
				Connections: edges("a", "b", "a", "c", "b", "d", "c", "d"),
			},
		},
		{
			name: "disconnected nodes are valid",
			def: &WorkflowDefinition{Nodes: []NodeSpec{
				{ID: "a", Type: "const"},
				{ID: "b", Type: "const"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def, tn.reg)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("expected errors.Is(err, ErrValidation)")
			}
			if verr.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", verr.Kind, tt.wantKind)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidate_NilLookupSkipsTypeCheck(t *testing.T) {
	def := &WorkflowDefinition{Nodes: []NodeSpec{{ID: "a", Type: "anything"}}}
	if err := Validate(def, nil); err != nil {
		t.Fatalf("expected no error without a type lookup, got %v", err)
	}
}

func TestValidate_FirstProblemInDefinitionOrder(t *testing.T) {
	tn := newTestNodes(t)
	def := &WorkflowDefinition{Nodes: []NodeSpec{
		{ID: "a", Type: "missing-1"},
		{ID: "b", Type: "missing-2"},
	}}

	for i := 0; i < 20; i++ {
		var verr *ValidationError
		if err := Validate(def, tn.reg); !errors.As(err, &verr) || verr.NodeID != "a" {
			t.Fatalf("run %d: expected failure on node a, got %v", i, err)
		}
	}
}

func TestValidate_DoesNotMutateDefinition(t *testing.T) {
	tn := newTestNodes(t)
	def := &WorkflowDefinition{
		Nodes:       []NodeSpec{node("a", "const", map[string]any{"value": 1}), node("b", "echo", nil)},
		Connections: edges("a", "b", "a", "b"),
	}
	if err := Validate(def, tn.reg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(def.Connections) != 2 || len(def.Nodes) != 2 {
		t.Fatal("Validate changed the definition")
	}
	if def.Nodes[0].Parameters["value"] != 1 {
		t.Fatal("Validate changed node parameters")
	}
}
