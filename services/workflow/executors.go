package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TriggerExecutor handles the "trigger" node type. It hands the invocation input to the graph.
type TriggerExecutor struct{}

func (e *TriggerExecutor) Execute(_ context.Context, _ *PlannedNode, rc *RuntimeContext) (any, error) {
	return rc.Input(), nil
}

// LLMExecutor handles the "llm" node type. Service failures do not fail the
// step; they come back as an in-band error marker.
type LLMExecutor struct {
	client  LLMClient
	timeout time.Duration
}

func (e *LLMExecutor) Execute(ctx context.Context, node *PlannedNode, rc *RuntimeContext) (any, error) {
	cfg, err := configFor[*LLMConfig](node)
	if err != nil {
		return nil, err
	}
	if e.client == nil {
		return llmErrorMarker(errors.New("no language model configured")), nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	text, err := e.client.Complete(ctx, CompletionRequest{
		Prompt:       rc.Interpolate(cfg.Prompt),
		SystemPrompt: rc.Interpolate(cfg.SystemPrompt),
		Model:        cfg.Model,
		Temperature:  *cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		return llmErrorMarker(err), nil
	}
	return text, nil
}

func llmErrorMarker(err error) string {
	return fmt.Sprintf("[LLM Error: %s]", err.Error())
}

// ConditionExecutor handles the "condition" node type. The interpolated
// expression "true" or "false" maps directly; any other non-empty string is true.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(_ context.Context, node *PlannedNode, rc *RuntimeContext) (any, error) {
	cfg, err := configFor[*ConditionConfig](node)
	if err != nil {
		return nil, err
	}
	return evaluateCondition(rc.Interpolate(cfg.Expression)), nil
}

func evaluateCondition(expression string) bool {
	switch expression {
	case "true":
		return true
	case "false":
		return false
	default:
		return expression != ""
	}
}

// KnowledgeExecutor handles the "knowledge" node type by querying the knowledge base.
type KnowledgeExecutor struct {
	client  KnowledgeSearcher
	timeout time.Duration
}

func (e *KnowledgeExecutor) Execute(ctx context.Context, node *PlannedNode, rc *RuntimeContext) (any, error) {
	cfg, err := configFor[*KnowledgeConfig](node)
	if err != nil {
		return nil, err
	}
	if e.client == nil {
		return nil, errors.New("no knowledge service configured")
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	text, err := e.client.Search(ctx, cfg.KnowledgeBaseID, rc.Interpolate(cfg.Query), cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	return text, nil
}

// HTTPExecutor handles the "http" node type. Transport failures come back as
// {"error": message} instead of failing the step.
type HTTPExecutor struct {
	client *http.Client
}

func (e *HTTPExecutor) Execute(ctx context.Context, node *PlannedNode, rc *RuntimeContext) (any, error) {
	cfg, err := configFor[*HTTPConfig](node)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, httpNodeTimeout)
	defer cancel()

	var body io.Reader
	if cfg.Method != http.MethodGet && cfg.Method != http.MethodHead && cfg.Body != "" {
		body = strings.NewReader(rc.Interpolate(cfg.Body))
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, rc.Interpolate(cfg.URL), body)
	if err != nil {
		return httpErrorResult(err), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return httpErrorResult(err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpErrorResult(err), nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw), nil
	}
	return decoded, nil
}

func httpErrorResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// TransformExecutor handles the "transform" node type: pure template interpolation.
type TransformExecutor struct{}

func (e *TransformExecutor) Execute(_ context.Context, node *PlannedNode, rc *RuntimeContext) (any, error) {
	cfg, err := configFor[*TransformConfig](node)
	if err != nil {
		return nil, err
	}
	return rc.Interpolate(cfg.Template), nil
}

// DelayExecutor handles the "delay" node type. The wait is capped at maxDelay.
type DelayExecutor struct {
	maxDelay time.Duration
}

func (e *DelayExecutor) Execute(ctx context.Context, node *PlannedNode, _ *RuntimeContext) (any, error) {
	cfg, err := configFor[*DelayConfig](node)
	if err != nil {
		return nil, err
	}

	ms := *cfg.DelayMs
	wait := millis(min(int64(ms), e.maxDelay.Milliseconds()))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"delayed": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResponseExecutor handles the "response" node type. Its message is a
// candidate for the run's final reply.
type ResponseExecutor struct{}

func (e *ResponseExecutor) Execute(_ context.Context, node *PlannedNode, rc *RuntimeContext) (any, error) {
	cfg, err := configFor[*ResponseConfig](node)
	if err != nil {
		return nil, err
	}
	return rc.Interpolate(cfg.Message), nil
}

// passthroughExecutor runs nodes whose type has no executor.
type passthroughExecutor struct{}

func (passthroughExecutor) Execute(_ context.Context, node *PlannedNode, _ *RuntimeContext) (any, error) {
	return map[string]any{"nodeType": string(node.Type), "status": "passthrough"}, nil
}
