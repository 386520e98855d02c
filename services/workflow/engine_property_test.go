package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// randomGraph draws a workflow of transform nodes with arbitrary edges,
// including self loops and cycles.
func randomGraph(t *rapid.T) *Workflow {
	n := rapid.IntRange(1, 12).Draw(t, "nodes")
	wf := &Workflow{
		ID:       "wf-random",
		Settings: Settings{MaxSteps: rapid.IntRange(1, 15).Draw(t, "maxSteps")},
	}
	for i := range n {
		wf.Nodes = append(wf.Nodes, node(fmt.Sprintf("n%d", i), NodeTransform, `{"template":"v"}`))
	}
	edges := rapid.IntRange(0, 30).Draw(t, "edges")
	for i := range edges {
		from := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("from%d", i))
		to := rapid.IntRange(0, n).Draw(t, fmt.Sprintf("to%d", i))
		wf.Edges = append(wf.Edges, edge(fmt.Sprintf("n%d", from), fmt.Sprintf("n%d", to), ""))
	}
	return wf
}

func TestEngine_TraversalProperties(t *testing.T) {
	engine := newTestEngine(Collaborators{})

	rapid.Check(t, func(t *rapid.T) {
		wf := randomGraph(t)

		result, err := engine.Execute(context.Background(), wf, nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}

		if result.Status != ExecutionCompleted {
			t.Fatalf("status = %s", result.Status)
		}
		if len(result.StepLogs) > wf.Settings.MaxSteps {
			t.Fatalf("%d steps exceed budget %d", len(result.StepLogs), wf.Settings.MaxSteps)
		}
		seen := map[string]bool{}
		for _, step := range result.StepLogs {
			if seen[step.NodeID] {
				t.Fatalf("node %s executed twice", step.NodeID)
			}
			seen[step.NodeID] = true
		}
		if result.StepLogs[0].NodeID != "n0" {
			t.Fatalf("entry = %s", result.StepLogs[0].NodeID)
		}
	})
}

func TestEngine_ChainLengthProperty(t *testing.T) {
	engine := newTestEngine(Collaborators{})

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "length")
		budget := rapid.IntRange(1, 40).Draw(t, "maxSteps")

		result, err := engine.Execute(context.Background(), chainWorkflow(n, budget), nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if got, want := len(result.StepLogs), min(n, budget); got != want {
			t.Fatalf("steps = %d, want %d", got, want)
		}
	})
}

func TestInterpolate_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z][a-z0-9_-]{0,10}`).Draw(t, "key")
		value := rapid.StringMatching(`[^{}]*`).Draw(t, "value")
		data := map[string]any{"input": map[string]any{key: value}}

		got := Interpolate("<{{input."+key+"}}>", data)
		assert.Equal(t, "<"+value+">", got)
	})
}
