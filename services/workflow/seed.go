package workflow

import (
	"encoding/json"
	"time"
)

// SampleWorkflowID is the id of the workflow inserted on first startup.
const SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

// DefaultNodes returns the starter graph given to workflows created without
// nodes: a chat trigger feeding a model whose reply is returned.
func DefaultNodes() ([]Node, []Edge) {
	nodes := []Node{
		{
			ID:       "trigger-1",
			Type:     NodeTrigger,
			Label:    "Chat Message",
			Position: Position{X: 250, Y: 50},
			Config:   json.RawMessage(`{"triggerType":"chat_message"}`),
		},
		{
			ID:       "llm-1",
			Type:     NodeLLM,
			Label:    "AI Response",
			Position: Position{X: 250, Y: 200},
			Config: json.RawMessage(`{"prompt":"{{input.message}}",` +
				`"systemPrompt":"You are a helpful assistant.","model":"gpt-4o-mini",` +
				`"temperature":0.7,"maxTokens":1000}`),
		},
		{
			ID:       "response-1",
			Type:     NodeResponse,
			Label:    "Send Response",
			Position: Position{X: 250, Y: 350},
			Config:   json.RawMessage(`{"message":"{{results.llm-1}}"}`),
		},
	}
	edges := []Edge{
		{ID: "e-trigger-llm", Source: "trigger-1", Target: "llm-1"},
		{ID: "e-llm-response", Source: "llm-1", Target: "response-1"},
	}
	return nodes, edges
}

// SampleWorkflow builds the seeded assistant workflow.
func SampleWorkflow() *Workflow {
	nodes, edges := DefaultNodes()
	now := time.Now().UTC()
	return &Workflow{
		ID:            SampleWorkflowID,
		OwnerID:       "system",
		ApplicationID: "default",
		Name:          "Assistant Reply",
		Description:   "Answers an incoming chat message with the language model",
		Status:        StatusActive,
		Version:       1,
		Nodes:         nodes,
		Edges:         edges,
		Settings:      Settings{}.WithDefaults(),
		Variables:     map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
