package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/llm"
)

func TestOpenAIProvider_BuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.openai.com/v1/chat/completions",
		},
		{
			name:    "openrouter base",
			baseURL: "https://openrouter.ai/api/v1",
			want:    "https://openrouter.ai/api/v1/chat/completions",
		},
		{
			name:    "full endpoint passed through",
			baseURL: "http://localhost:8080/v1/chat/completions",
			want:    "http://localhost:8080/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOpenAIProvider_BuildRequestBody(t *testing.T) {
	p := &OpenAIProvider{}

	body, err := p.BuildRequestBody("gpt-test", llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		},
		MaxTokens: 512,
	}, false)
	require.NoError(t, err)

	// OpenAI keeps the system message in the message list.
	assert.Contains(t, string(body), `"role":"system"`)
	assert.Contains(t, string(body), `"max_tokens":512`)
	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"stream"`)
}

func TestOpenAIProvider_BuildRequestBody_Stream(t *testing.T) {
	p := &OpenAIProvider{}

	body, err := p.BuildRequestBody("gpt-test", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	}, true)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"stream":true`)
	assert.Contains(t, string(body), `"include_usage":true`)
}

func TestOpenAIProvider_BuildRequestBody_Tools(t *testing.T) {
	p := &OpenAIProvider{}

	body, err := p.BuildRequestBody("gpt-test", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
		Tools: []llm.ToolDefinition{
			{Name: "fetch_file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}, false)
	require.NoError(t, err)

	var decoded struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Tools, 1)
	assert.Equal(t, "function", decoded.Tools[0].Type)
	assert.Equal(t, "fetch_file", decoded.Tools[0].Function.Name)
}

func TestOpenAIProvider_ParseResponse(t *testing.T) {
	p := &OpenAIProvider{}

	body := `{
		"id": "chatcmpl-1",
		"model": "gpt-test",
		"choices": [
			{
				"index": 0,
				"message": {"role": "assistant", "content": "All clear."},
				"finish_reason": "stop"
			}
		],
		"usage": {"prompt_tokens": 40, "completion_tokens": 5, "total_tokens": 45}
	}`

	resp, err := p.ParseResponse([]byte(body), "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "All clear.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 45, resp.Usage.TotalTokens)
}

func TestOpenAIProvider_ParseResponse_ToolCalls(t *testing.T) {
	p := &OpenAIProvider{}

	body := `{
		"model": "gpt-test",
		"choices": [
			{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [
						{"id": "call_1", "type": "function", "function": {"name": "fetch_file", "arguments": "{\"path\":\"go.mod\"}"}}
					]
				},
				"finish_reason": "tool_calls"
			}
		]
	}`

	resp, err := p.ParseResponse([]byte(body), "gpt-test")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "fetch_file", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"go.mod"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIProvider_ParseResponse_NoChoices(t *testing.T) {
	p := &OpenAIProvider{}

	_, err := p.ParseResponse([]byte(`{"model": "gpt-test", "choices": []}`), "gpt-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestOpenAIStreamDecoder(t *testing.T) {
	d := (&OpenAIProvider{}).NewStreamDecoder()

	step := func(data string) ([]llm.StreamChunk, bool) {
		chunks, done, err := d.Decode(nil, []byte(data))
		require.NoError(t, err)
		return chunks, done
	}

	chunks, _ := step(`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hel", chunks[0].Content)

	chunks, _ = step(`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, "lo", chunks[0].Content)

	chunks, _ = step(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
	assert.Empty(t, chunks)

	step(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`)

	chunks, done := step(`[DONE]`)
	require.True(t, done)
	require.Len(t, chunks, 1)
	assert.Equal(t, llm.ChunkDone, chunks[0].Type)
	assert.Equal(t, "stop", chunks[0].FinishReason)
	assert.Equal(t, 11, chunks[0].Usage.TotalTokens)
}

func TestOpenAIStreamDecoder_ToolCallFragments(t *testing.T) {
	d := (&OpenAIProvider{}).NewStreamDecoder()

	step := func(data string) []llm.StreamChunk {
		chunks, _, err := d.Decode(nil, []byte(data))
		require.NoError(t, err)
		return chunks
	}

	step(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_7","function":{"name":"fetch_file","arguments":""}}]}}]}`)
	step(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`)
	step(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go.mod\"}"}}]}}]}`)

	chunks := step(`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, llm.ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "call_7", chunks[0].ToolCall.ID)
	assert.Equal(t, "fetch_file", chunks[0].ToolCall.Name)
	assert.JSONEq(t, `{"path":"go.mod"}`, string(chunks[0].ToolCall.Arguments))
}
