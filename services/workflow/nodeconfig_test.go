package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNodeConfig_Defaults(t *testing.T) {
	cfg, err := DecodeNodeConfig(node("l", NodeLLM, ""))
	require.NoError(t, err)
	llm := cfg.(*LLMConfig)
	assert.Equal(t, defaultLLMModel, llm.Model)
	assert.InDelta(t, defaultLLMTemperature, *llm.Temperature, 1e-9)
	assert.Equal(t, defaultLLMMaxTokens, llm.MaxTokens)

	cfg, err = DecodeNodeConfig(node("d", NodeDelay, "null"))
	require.NoError(t, err)
	assert.Equal(t, defaultDelayMs, *cfg.(*DelayConfig).DelayMs)

	cfg, err = DecodeNodeConfig(node("k", NodeKnowledge, `{"knowledgeBaseId":"kb"}`))
	require.NoError(t, err)
	assert.Equal(t, defaultKnowledgeQuery, cfg.(*KnowledgeConfig).Query)

	cfg, err = DecodeNodeConfig(node("h", NodeHTTP, `{"url":"http://example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "GET", cfg.(*HTTPConfig).Method)
}

func TestDecodeNodeConfig_ExplicitZeroes(t *testing.T) {
	cfg, err := DecodeNodeConfig(node("l", NodeLLM, `{"temperature":0}`))
	require.NoError(t, err)
	assert.Zero(t, *cfg.(*LLMConfig).Temperature)

	cfg, err = DecodeNodeConfig(node("d", NodeDelay, `{"delayMs":0}`))
	require.NoError(t, err)
	assert.Zero(t, *cfg.(*DelayConfig).DelayMs)
}

func TestDecodeNodeConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		node Node
	}{
		{"malformed json", node("l", NodeLLM, `{"prompt":`)},
		{"wrong field type", node("l", NodeLLM, `{"maxTokens":"many"}`)},
		{"temperature too high", node("l", NodeLLM, `{"temperature":3}`)},
		{"knowledge without base", node("k", NodeKnowledge, `{"query":"q"}`)},
		{"http without url", node("h", NodeHTTP, `{}`)},
		{"http bad method", node("h", NodeHTTP, `{"url":"http://x","method":"TRACE"}`)},
		{"negative delay", node("d", NodeDelay, `{"delayMs":-5}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeNodeConfig(tt.node)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidNodeConfig)
			assert.Contains(t, err.Error(), tt.node.ID)
		})
	}
}

func TestDecodeNodeConfig_UnknownType(t *testing.T) {
	cfg, err := DecodeNodeConfig(node("w", "webhook", `{"whatever":true}`))

	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestDecodeNodeConfig_KindMatchesType(t *testing.T) {
	for _, info := range nodeTypeCatalog {
		n := node("n", info.Type, "")
		switch info.Type {
		case NodeKnowledge:
			n.Config = []byte(`{"knowledgeBaseId":"kb"}`)
		case NodeHTTP:
			n.Config = []byte(`{"url":"http://example.com"}`)
		}
		cfg, err := DecodeNodeConfig(n)
		require.NoError(t, err, info.Type)
		assert.Equal(t, info.Type, cfg.Kind())
	}
}
