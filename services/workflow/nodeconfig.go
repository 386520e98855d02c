package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

const (
	defaultLLMModel       = "gpt-4o-mini"
	defaultLLMTemperature = 0.5
	defaultLLMMaxTokens   = 1000
	defaultDelayMs        = 1000
	defaultKnowledgeQuery = "{{input.message}}"
)

// NodeConfig is the typed configuration of one node kind.
type NodeConfig interface {
	Kind() NodeType
}

type TriggerConfig struct {
	TriggerType string `json:"triggerType"`
}

func (*TriggerConfig) Kind() NodeType { return NodeTrigger }

type LLMConfig struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"systemPrompt"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature" validate:"required,gte=0,lte=2"`
	MaxTokens    int      `json:"maxTokens" validate:"gte=0"`
}

func (*LLMConfig) Kind() NodeType { return NodeLLM }

type ConditionConfig struct {
	Expression string `json:"expression"`
}

func (*ConditionConfig) Kind() NodeType { return NodeCondition }

type KnowledgeConfig struct {
	KnowledgeBaseID string `json:"knowledgeBaseId" validate:"required"`
	Query           string `json:"query"`
	TopK            int    `json:"topK" validate:"gte=0"`
}

func (*KnowledgeConfig) Kind() NodeType { return NodeKnowledge }

type HTTPConfig struct {
	URL     string            `json:"url" validate:"required"`
	Method  string            `json:"method" validate:"oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (*HTTPConfig) Kind() NodeType { return NodeHTTP }

type TransformConfig struct {
	Template string `json:"template"`
}

func (*TransformConfig) Kind() NodeType { return NodeTransform }

type DelayConfig struct {
	DelayMs *int `json:"delayMs" validate:"required,gte=0"`
}

func (*DelayConfig) Kind() NodeType { return NodeDelay }

type ResponseConfig struct {
	Message string `json:"message"`
}

func (*ResponseConfig) Kind() NodeType { return NodeResponse }

// DecodeNodeConfig parses and validates the config of node according to its
// type. Unknown node types have no config and decode to nil.
func DecodeNodeConfig(node Node) (NodeConfig, error) {
	var cfg NodeConfig
	switch node.Type {
	case NodeTrigger:
		cfg = &TriggerConfig{}
	case NodeLLM:
		cfg = &LLMConfig{}
	case NodeCondition:
		cfg = &ConditionConfig{}
	case NodeKnowledge:
		cfg = &KnowledgeConfig{}
	case NodeHTTP:
		cfg = &HTTPConfig{}
	case NodeTransform:
		cfg = &TransformConfig{}
	case NodeDelay:
		cfg = &DelayConfig{}
	case NodeResponse:
		cfg = &ResponseConfig{}
	default:
		return nil, nil
	}

	raw := bytes.TrimSpace(node.Config)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidNodeConfig, node.ID, err)
		}
	}

	applyConfigDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidNodeConfig, node.ID, err)
	}
	return cfg, nil
}

func applyConfigDefaults(cfg NodeConfig) {
	switch c := cfg.(type) {
	case *LLMConfig:
		if c.Model == "" {
			c.Model = defaultLLMModel
		}
		if c.Temperature == nil {
			t := defaultLLMTemperature
			c.Temperature = &t
		}
		if c.MaxTokens == 0 {
			c.MaxTokens = defaultLLMMaxTokens
		}
	case *ConditionConfig:
		if c.Expression == "" {
			c.Expression = "true"
		}
	case *KnowledgeConfig:
		if c.Query == "" {
			c.Query = defaultKnowledgeQuery
		}
	case *HTTPConfig:
		c.Method = strings.ToUpper(c.Method)
		if c.Method == "" {
			c.Method = "GET"
		}
	case *DelayConfig:
		if c.DelayMs == nil {
			ms := defaultDelayMs
			c.DelayMs = &ms
		}
	}
}

// configFor returns the typed config of node or an error naming the mismatch.
func configFor[C NodeConfig](node *PlannedNode) (C, error) {
	cfg, ok := node.Config.(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("%w: node %s carries %T", ErrInvalidNodeConfig, node.ID, node.Config)
	}
	return cfg, nil
}
