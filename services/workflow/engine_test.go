package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, typ NodeType, config string) Node {
	n := Node{ID: id, Type: typ, Label: id}
	if config != "" {
		n.Config = []byte(config)
	}
	return n
}

func edge(source, target, handle string) Edge {
	return Edge{ID: source + "->" + target, Source: source, Target: target, SourceHandle: handle}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubLLM struct {
	reply string
	err   error

	mu       sync.Mutex
	requests []CompletionRequest
}

func (s *stubLLM) Complete(_ context.Context, req CompletionRequest) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.reply, s.err
}

type stubKnowledge struct {
	text string
	err  error
}

func (s *stubKnowledge) Search(context.Context, string, string, int) (string, error) {
	return s.text, s.err
}

func newTestEngine(c Collaborators) *Engine {
	return NewEngine(NewRegistry(c), WithLogger(discardLogger()))
}

func stepIDs(logs []StepLog) []string {
	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.NodeID
	}
	return ids
}

func assistantWorkflow() *Workflow {
	nodes, edges := DefaultNodes()
	return &Workflow{ID: "wf-assistant", Status: StatusActive, Nodes: nodes, Edges: edges}
}

func TestEngine_TriggerLLMResponse(t *testing.T) {
	llm := &stubLLM{reply: "Hello there"}
	engine := newTestEngine(Collaborators{LLM: llm})

	result, err := engine.Execute(context.Background(), assistantWorkflow(), map[string]any{"message": "hi"})

	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Empty(t, result.Error)
	assert.Equal(t, []string{"trigger-1", "llm-1", "response-1"}, stepIDs(result.StepLogs))
	for _, step := range result.StepLogs {
		assert.Equal(t, StepCompleted, step.Status, step.NodeID)
		assert.NotNil(t, step.CompletedAt)
	}

	assert.Equal(t, map[string]any{"message": "hi"}, result.Output["trigger-1"])
	assert.Equal(t, "Hello there", result.Output["llm-1"])
	assert.Equal(t, "Hello there", result.Output["response-1"])

	require.Len(t, llm.requests, 1)
	assert.Equal(t, "hi", llm.requests[0].Prompt)
	assert.Equal(t, "You are a helpful assistant.", llm.requests[0].SystemPrompt)
	assert.Equal(t, "gpt-4o-mini", llm.requests[0].Model)
	assert.InDelta(t, 0.7, llm.requests[0].Temperature, 1e-9)
}

func TestEngine_LLMFailureIsInBand(t *testing.T) {
	engine := newTestEngine(Collaborators{LLM: &stubLLM{err: errors.New("service down")}})

	result, err := engine.Execute(context.Background(), assistantWorkflow(), map[string]any{"message": "hi"})

	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, "[LLM Error: service down]", result.Output["llm-1"])
	assert.Equal(t, "[LLM Error: service down]", result.Output["response-1"])
}

func branchingWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-branch",
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("c1", NodeCondition, `{"expression":"{{input.flag}}"}`),
			node("a", NodeTransform, `{"template":"took a"}`),
			node("b", NodeTransform, `{"template":"took b"}`),
			node("unlabelled", NodeTransform, `{"template":"never"}`),
		},
		Edges: []Edge{
			edge("t", "c1", ""),
			edge("c1", "a", "true"),
			edge("c1", "b", "false"),
			edge("c1", "unlabelled", ""),
		},
	}
}

func TestEngine_ConditionBranching(t *testing.T) {
	tests := []struct {
		name  string
		flag  any
		steps []string
	}{
		{name: "true branch", flag: true, steps: []string{"t", "c1", "a"}},
		{name: "false branch", flag: "false", steps: []string{"t", "c1", "b"}},
		{name: "non-empty string is true", flag: "yes", steps: []string{"t", "c1", "a"}},
	}

	engine := newTestEngine(Collaborators{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Execute(context.Background(), branchingWorkflow(), map[string]any{"flag": tt.flag})

			require.NoError(t, err)
			assert.Equal(t, ExecutionCompleted, result.Status)
			assert.Equal(t, tt.steps, stepIDs(result.StepLogs))
			assert.NotContains(t, result.Output, "unlabelled")
		})
	}
}

func TestEngine_ConditionSkipsUnlabelledEdges(t *testing.T) {
	wf := &Workflow{
		ID: "wf-unlabelled",
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("c1", NodeCondition, `{"expression":"{{input.flag}}"}`),
			node("next", NodeTransform, `{"template":"reached"}`),
		},
		Edges: []Edge{edge("t", "c1", ""), edge("c1", "next", "")},
	}
	engine := newTestEngine(Collaborators{})

	for _, flag := range []string{"true", "false"} {
		t.Run(flag, func(t *testing.T) {
			result, err := engine.Execute(context.Background(), wf, map[string]any{"flag": flag})

			require.NoError(t, err)
			assert.Equal(t, ExecutionCompleted, result.Status)
			assert.Equal(t, []string{"t", "c1"}, stepIDs(result.StepLogs))
		})
	}

	condition := &PlannedNode{Node: node("c1", NodeCondition, "")}
	assert.Empty(t, nextTargets(condition, true, wf.Edges[1:]))
	assert.Empty(t, nextTargets(condition, false, wf.Edges[1:]))
}

func TestEngine_ConditionWithMissingPlaceholderIsTrue(t *testing.T) {
	engine := newTestEngine(Collaborators{})

	// {{input.flag}} stays literal and is a non-empty string.
	result, err := engine.Execute(context.Background(), branchingWorkflow(), map[string]any{})

	require.NoError(t, err)
	assert.Equal(t, []string{"t", "c1", "a"}, stepIDs(result.StepLogs))
}

func chainWorkflow(n, maxSteps int) *Workflow {
	wf := &Workflow{ID: "wf-chain", Settings: Settings{MaxSteps: maxSteps}}
	for i := range n {
		id := fmt.Sprintf("n%d", i)
		wf.Nodes = append(wf.Nodes, node(id, NodeTransform, fmt.Sprintf(`{"template":"%d"}`, i)))
		if i > 0 {
			wf.Edges = append(wf.Edges, edge(fmt.Sprintf("n%d", i-1), id, ""))
		}
	}
	return wf
}

func TestEngine_StepBudget(t *testing.T) {
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), chainWorkflow(30, 5), nil)

	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4"}, stepIDs(result.StepLogs))
}

func TestEngine_DefaultStepBudget(t *testing.T) {
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), chainWorkflow(30, 0), nil)

	require.NoError(t, err)
	assert.Len(t, result.StepLogs, defaultMaxSteps)
}

func TestEngine_CycleRunsEachNodeOnce(t *testing.T) {
	wf := &Workflow{
		ID: "wf-cycle",
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("x", NodeTransform, `{"template":"x"}`),
			node("y", NodeTransform, `{"template":"y"}`),
		},
		Edges: []Edge{edge("t", "x", ""), edge("x", "y", ""), edge("y", "x", ""), edge("y", "t", "")},
	}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, []string{"t", "x", "y"}, stepIDs(result.StepLogs))
}

func TestEngine_DiamondVisitsJoinOnce(t *testing.T) {
	wf := &Workflow{
		ID: "wf-diamond",
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("a", NodeTransform, `{"template":"a"}`),
			node("b", NodeTransform, `{"template":"b"}`),
			node("join", NodeResponse, `{"message":"{{results.a}}+{{results.b}}"}`),
		},
		Edges: []Edge{edge("t", "a", ""), edge("t", "b", ""), edge("a", "join", ""), edge("b", "join", "")},
	}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"t", "a", "b", "join"}, stepIDs(result.StepLogs))
	assert.Equal(t, "a+b", result.Output["join"])
}

func TestEngine_MissingNodeConsumesStep(t *testing.T) {
	wf := &Workflow{
		ID:       "wf-ghost",
		Settings: Settings{MaxSteps: 2},
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("a", NodeTransform, `{"template":"a"}`),
		},
		Edges: []Edge{edge("t", "ghost", ""), edge("t", "a", "")},
	}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, []string{"t"}, stepIDs(result.StepLogs))
}

func failingWorkflow(continueOnFailure bool) *Workflow {
	return &Workflow{
		ID:       "wf-fail",
		Settings: Settings{ContinueOnStepFailure: continueOnFailure},
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("k", NodeKnowledge, `{"knowledgeBaseId":"kb-1"}`),
			node("r", NodeResponse, `{"message":"done"}`),
		},
		Edges: []Edge{edge("t", "k", ""), edge("k", "r", "")},
	}
}

func TestEngine_StepFailureAborts(t *testing.T) {
	engine := newTestEngine(Collaborators{Knowledge: &stubKnowledge{err: errors.New("index offline")}})

	result, err := engine.Execute(context.Background(), failingWorkflow(false), map[string]any{"message": "q"})

	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, result.Status)
	assert.Contains(t, result.Error, "index offline")
	require.Equal(t, []string{"t", "k"}, stepIDs(result.StepLogs))
	assert.Equal(t, StepFailed, result.StepLogs[1].Status)
	assert.Equal(t, result.Error, result.StepLogs[1].Error)
	assert.Nil(t, result.Output)
}

func TestEngine_ContinueOnStepFailure(t *testing.T) {
	engine := newTestEngine(Collaborators{Knowledge: &stubKnowledge{err: errors.New("index offline")}})

	result, err := engine.Execute(context.Background(), failingWorkflow(true), map[string]any{"message": "q"})

	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Empty(t, result.Error)
	require.Equal(t, []string{"t", "k", "r"}, stepIDs(result.StepLogs))
	assert.Equal(t, StepFailed, result.StepLogs[1].Status)
	assert.Equal(t, StepCompleted, result.StepLogs[2].Status)
	assert.NotContains(t, result.Output, "k")
	assert.Equal(t, "done", result.Output["r"])
}

func TestEngine_EntryFallsBackToFirstNode(t *testing.T) {
	wf := &Workflow{
		ID: "wf-no-trigger",
		Nodes: []Node{
			node("first", NodeTransform, `{"template":"1"}`),
			node("second", NodeTransform, `{"template":"2"}`),
		},
		Edges: []Edge{edge("first", "second", "")},
	}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, stepIDs(result.StepLogs))
}

func TestEngine_TriggerWinsOverDeclarationOrder(t *testing.T) {
	wf := &Workflow{
		ID: "wf-late-trigger",
		Nodes: []Node{
			node("x", NodeTransform, `{"template":"x"}`),
			node("start", NodeTrigger, ""),
		},
		Edges: []Edge{edge("start", "x", "")},
	}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"start", "x"}, stepIDs(result.StepLogs))
}

func TestEngine_DefinitionErrors(t *testing.T) {
	engine := newTestEngine(Collaborators{})

	t.Run("no nodes", func(t *testing.T) {
		_, err := engine.Execute(context.Background(), &Workflow{ID: "empty"}, nil)
		require.Error(t, err)
		assert.True(t, IsDefinitionError(err))
		assert.ErrorIs(t, err, ErrNoEntryNode)
	})

	t.Run("invalid node config", func(t *testing.T) {
		wf := &Workflow{ID: "bad", Nodes: []Node{node("h", NodeHTTP, `{"method":"GET"}`)}}
		_, err := engine.Execute(context.Background(), wf, nil)
		require.Error(t, err)
		assert.True(t, IsDefinitionError(err))
		assert.ErrorIs(t, err, ErrInvalidNodeConfig)
	})
}

func TestEngine_UnknownTypeIsPassthrough(t *testing.T) {
	wf := &Workflow{ID: "wf-custom", Nodes: []Node{node("c", "custom_widget", `{"anything":1}`)}}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"nodeType": "custom_widget", "status": "passthrough"}, result.Output["c"])
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, *PlannedNode, *RuntimeContext) (any, error) {
	panic("boom")
}

func TestEngine_ExecutorPanicFailsStep(t *testing.T) {
	registry := NewRegistry(Collaborators{})
	registry[NodeTransform] = panickingExecutor{}
	engine := NewEngine(registry, WithLogger(discardLogger()))

	result, err := engine.Execute(context.Background(), chainWorkflow(2, 0), nil)

	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, result.Status)
	assert.Contains(t, result.Error, "executor panic: boom")
}

func TestEngine_StepOutputTruncated(t *testing.T) {
	long := strings.Repeat("é", 600)
	wf := &Workflow{
		ID:        "wf-long",
		Variables: map[string]any{"long": long},
		Nodes:     []Node{node("x", NodeTransform, `{"template":"{{variables.long}}"}`)},
	}
	engine := newTestEngine(Collaborators{})

	result, err := engine.Execute(context.Background(), wf, nil)

	require.NoError(t, err)
	require.Len(t, result.StepLogs, 1)
	assert.Equal(t, stepOutputLimit, len([]rune(result.StepLogs[0].Output.(string))))
	assert.Equal(t, long, result.Output["x"])
}

func TestEngine_CancelledContext(t *testing.T) {
	engine := newTestEngine(Collaborators{})
	plan, err := engine.Plan(chainWorkflow(3, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := engine.Run(ctx, plan, nil, "exec-1")

	assert.Equal(t, ExecutionCancelled, result.Status)
	assert.Equal(t, "execution cancelled", result.Error)
	assert.Empty(t, result.StepLogs)
}

func TestEngine_DeadlineExceeded(t *testing.T) {
	wf := &Workflow{
		ID:       "wf-slow",
		Settings: Settings{TimeoutMs: 20},
		Nodes: []Node{
			node("t", NodeTrigger, ""),
			node("wait", NodeDelay, `{"delayMs":5000}`),
			node("after", NodeTransform, `{"template":"late"}`),
		},
		Edges: []Edge{edge("t", "wait", ""), edge("wait", "after", "")},
	}
	engine := newTestEngine(Collaborators{})
	plan, err := engine.Plan(wf)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), plan.Settings.Timeout())
	defer cancel()

	start := time.Now()
	result := engine.Run(ctx, plan, nil, "exec-2")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ExecutionTimeout, result.Status)
	assert.Equal(t, "execution exceeded timeout of 20ms", result.Error)
	require.Equal(t, []string{"t", "wait"}, stepIDs(result.StepLogs))
	assert.Equal(t, StepFailed, result.StepLogs[1].Status)
}

func TestEngine_VariablesAreIsolatedPerRun(t *testing.T) {
	vars := map[string]any{"greeting": "hello"}
	wf := &Workflow{
		ID:        "wf-vars",
		Variables: vars,
		Nodes:     []Node{node("x", NodeTransform, `{"template":"{{variables.greeting}} {{input.name}}"}`)},
	}
	engine := newTestEngine(Collaborators{})

	first, err := engine.Execute(context.Background(), wf, map[string]any{"name": "ada"})
	require.NoError(t, err)
	second, err := engine.Execute(context.Background(), wf, map[string]any{"name": "alan"})
	require.NoError(t, err)

	assert.Equal(t, "hello ada", first.Output["x"])
	assert.Equal(t, "hello alan", second.Output["x"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, vars)
}
