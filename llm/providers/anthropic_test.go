package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/llm"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.anthropic.com/v1/messages",
		},
		{
			name:    "custom base URL",
			baseURL: "https://custom.api.com",
			want:    "https://custom.api.com/v1/messages",
		},
		{
			name:    "trailing slash handled",
			baseURL: "https://api.anthropic.com/",
			want:    "https://api.anthropic.com/v1/messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	temp := 0.7
	body, err := p.BuildRequestBody("claude-test", llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi there!"},
			{Role: "user", Content: "How are you?"},
		},
		Temperature: &temp,
		MaxTokens:   2048,
	}, false)
	require.NoError(t, err)

	// System message moves to the dedicated field.
	assert.Contains(t, string(body), `"system":"You are helpful."`)
	assert.NotContains(t, string(body), `"role":"system"`)

	assert.Contains(t, string(body), `"model":"claude-test"`)
	assert.Contains(t, string(body), `"max_tokens":2048`)
	assert.Contains(t, string(body), `"temperature":0.7`)
	assert.NotContains(t, string(body), `"stream"`)
}

func TestAnthropicProvider_BuildRequestBody_Defaults(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-test", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	}, true)
	require.NoError(t, err)

	// Anthropic requires max_tokens; default kicks in when unset.
	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
	assert.Contains(t, string(body), `"stream":true`)
}

func TestAnthropicProvider_BuildRequestBody_Tools(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-test", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
		Tools: []llm.ToolDefinition{
			{
				Name:        "fetch_file",
				Description: "Fetch file content at head",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
			},
		},
	}, false)
	require.NoError(t, err)

	var decoded struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"input_schema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Tools, 1)
	assert.Equal(t, "fetch_file", decoded.Tools[0].Name)
	assert.Equal(t, "object", decoded.Tools[0].InputSchema["type"])
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	body := `{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "The change "},
			{"type": "text", "text": "looks safe."}
		],
		"model": "claude-test",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 100, "output_tokens": 20}
	}`

	resp, err := p.ParseResponse([]byte(body), "claude-test")
	require.NoError(t, err)
	assert.Equal(t, "The change looks safe.", resp.Content)
	assert.Equal(t, "claude-test", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 100, resp.Usage.PromptTokens)
	assert.Equal(t, 20, resp.Usage.CompletionTokens)
	assert.Equal(t, 120, resp.Usage.TotalTokens)
}

func TestAnthropicProvider_ParseResponse_ToolUse(t *testing.T) {
	p := &AnthropicProvider{}

	body := `{
		"content": [
			{"type": "text", "text": "Checking the file."},
			{"type": "tool_use", "id": "tc_9", "name": "fetch_file", "input": {"path": "go.mod"}}
		],
		"model": "claude-test",
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 50, "output_tokens": 10}
	}`

	resp, err := p.ParseResponse([]byte(body), "claude-test")
	require.NoError(t, err)
	assert.Equal(t, "Checking the file.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tc_9", resp.ToolCalls[0].ID)
	assert.Equal(t, "fetch_file", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"go.mod"}`, string(resp.ToolCalls[0].Arguments))
}

func TestAnthropicProvider_ParseResponse_Invalid(t *testing.T) {
	p := &AnthropicProvider{}

	_, err := p.ParseResponse([]byte("not json"), "claude-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse anthropic response")
}

func TestAnthropicStreamDecoder(t *testing.T) {
	d := (&AnthropicProvider{}).NewStreamDecoder()

	step := func(data string) ([]llm.StreamChunk, bool) {
		chunks, done, err := d.Decode(nil, []byte(data))
		require.NoError(t, err)
		return chunks, done
	}

	chunks, done := step(`{"type":"message_start","message":{"usage":{"input_tokens":7}}}`)
	assert.Empty(t, chunks)
	assert.False(t, done)

	chunks, _ = step(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, llm.ChunkContent, chunks[0].Type)
	assert.Equal(t, "Hi", chunks[0].Content)

	step(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`)

	chunks, done = step(`{"type":"message_stop"}`)
	require.True(t, done)
	require.Len(t, chunks, 1)
	assert.Equal(t, llm.ChunkDone, chunks[0].Type)
	assert.Equal(t, "end_turn", chunks[0].FinishReason)
	assert.Equal(t, 10, chunks[0].Usage.TotalTokens)
}
