// Package providers implements LLM provider adapters.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pullsmith/pullsmith/llm"
)

// AnthropicProvider implements the Anthropic Messages API.
type AnthropicProvider struct{}

// anthropicVersion is the API version to use.
const anthropicVersion = "2023-06-01"

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// BuildURL constructs the Anthropic messages endpoint.
func (a *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/v1/messages"
}

// SetHeaders adds Anthropic-specific authentication headers.
func (a *AnthropicProvider) SetHeaders(req *http.Request) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

// anthropicRequest is the Anthropic API request format.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// BuildRequestBody creates the Anthropic API request body. The system
// message travels in the dedicated system field, not the message list.
func (a *AnthropicProvider) BuildRequestBody(model string, req llm.Request, stream bool) ([]byte, error) {
	var systemPrompt string
	var apiMessages []anthropicMessage

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
		} else {
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    apiMessages,
		System:      systemPrompt,
		Temperature: req.Temperature, // nil = use default, 0 = deterministic
		Stream:      stream,
	}
	for _, tool := range req.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return json.Marshal(body)
}

// anthropicResponse is the Anthropic API response format.
type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence,omitempty"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content and tool calls from an Anthropic response.
func (a *AnthropicProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var content string
	var toolCalls []llm.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	return &llm.Response{
		Content:   content,
		ToolCalls: toolCalls,
		Model:     resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      totalTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}

// NewStreamDecoder returns a decoder for the Anthropic event stream.
func (a *AnthropicProvider) NewStreamDecoder() llm.StreamDecoder {
	return &anthropicStreamDecoder{}
}

// anthropicStreamDecoder folds Anthropic SSE events into chunks. Tool
// call input arrives as partial JSON across content_block_delta events
// and is emitted whole on content_block_stop.
type anthropicStreamDecoder struct {
	tool      *llm.ToolCall
	toolInput strings.Builder
	usage     llm.TokenUsage
	stop      string
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicStreamDecoder) Decode(_, data []byte) ([]llm.StreamChunk, bool, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("parse anthropic stream event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		d.usage.PromptTokens = ev.Message.Usage.InputTokens
		return nil, false, nil

	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			d.tool = &llm.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			d.toolInput.Reset()
		}
		return nil, false, nil

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return []llm.StreamChunk{{Type: llm.ChunkContent, Content: ev.Delta.Text}}, false, nil
		case "input_json_delta":
			d.toolInput.WriteString(ev.Delta.PartialJSON)
		}
		return nil, false, nil

	case "content_block_stop":
		if d.tool == nil {
			return nil, false, nil
		}
		call := *d.tool
		if input := d.toolInput.String(); input != "" {
			call.Arguments = json.RawMessage(input)
		}
		d.tool = nil
		return []llm.StreamChunk{{Type: llm.ChunkToolCall, ToolCall: &call}}, false, nil

	case "message_delta":
		if ev.Delta.StopReason != "" {
			d.stop = ev.Delta.StopReason
		}
		d.usage.CompletionTokens = ev.Usage.OutputTokens
		return nil, false, nil

	case "message_stop":
		d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens
		return []llm.StreamChunk{{
			Type:         llm.ChunkDone,
			FinishReason: d.stop,
			Usage:        d.usage,
		}}, true, nil

	case "error":
		return nil, false, fmt.Errorf("anthropic stream error: %s", string(data))

	default:
		// Ping and future event types are ignored.
		return nil, false, nil
	}
}
