package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pullsmith/pullsmith/metrics"
)

// ChunkType classifies one streamed chunk.
type ChunkType string

const (
	// ChunkContent carries a text delta.
	ChunkContent ChunkType = "content"
	// ChunkToolCall carries a completed tool invocation.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkDone terminates the stream; Usage and FinishReason are final.
	ChunkDone ChunkType = "done"
	// ChunkError terminates the stream with a failure.
	ChunkError ChunkType = "error"
)

// StreamChunk is one unit of a streamed completion. The stream ends
// with exactly one done or error chunk.
type StreamChunk struct {
	Type         ChunkType
	Content      string
	ToolCall     *ToolCall
	FinishReason string
	Usage        TokenUsage
	Err          error
}

// streamBufferSize bounds one SSE line; providers send deltas far
// smaller than this.
const streamBufferSize = 1024 * 1024

// CompleteStream sends a completion request and delivers the response
// incrementally on the returned channel. The channel closes after a
// done or error chunk. Cancel via ctx to stop mid-stream.
//
// Streaming bypasses retry: a mid-stream failure surfaces as an error
// chunk and the caller decides whether to fall back to Complete.
func (c *Client) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}
	req = c.withDefaults(req)

	provider := GetProvider(c.cfg.Provider)
	if provider == nil {
		return nil, NewFatalError(c.wrap(fmt.Errorf("unknown provider")))
	}

	if !c.breaker.Allow(c.cfg.Provider) {
		metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "circuit_open").Inc()
		return nil, NewTransientError(c.wrap(fmt.Errorf("circuit open for provider %s", c.cfg.Provider)))
	}

	// In-process providers answer whole; replay the response as a
	// two-chunk stream so callers see one code path.
	if local, ok := provider.(Invoker); ok {
		return c.streamFromInvoker(ctx, local, req)
	}

	streamer, ok := provider.(Streamer)
	if !ok {
		return nil, NewFatalError(c.wrap(fmt.Errorf("provider %s does not support streaming", c.cfg.Provider)))
	}
	decoder := streamer.NewStreamDecoder()

	body, err := provider.BuildRequestBody(c.cfg.Model, req, true)
	if err != nil {
		return nil, NewFatalError(c.wrap(fmt.Errorf("build request body: %w", err)))
	}

	url := provider.BuildURL(c.cfg.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(c.wrap(fmt.Errorf("create HTTP request: %w", err)))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.breaker.MarkFailure(c.cfg.Provider)
		return nil, NewTransientError(c.wrap(fmt.Errorf("HTTP request: %w", err)))
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		httpResp.Body.Close()
		c.breaker.MarkFailure(c.cfg.Provider)
		return nil, c.classifyHTTPError(httpResp.StatusCode, respBody)
	}

	out := make(chan StreamChunk, 16)
	go c.readStream(ctx, httpResp.Body, decoder, out)
	return out, nil
}

// readStream decodes server-sent events off the response body and
// forwards the provider's chunks until done, error, or cancellation.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, decoder StreamDecoder, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	emit := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), streamBufferSize)

	var event, data []byte
	var totalTokens int
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if len(data) == 0 {
				continue
			}
			chunks, done, err := decoder.Decode(event, data)
			event, data = nil, nil
			if err != nil {
				c.breaker.MarkFailure(c.cfg.Provider)
				metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "error").Inc()
				emit(StreamChunk{Type: ChunkError, Err: c.wrap(err)})
				return
			}
			for _, chunk := range chunks {
				totalTokens += chunk.Usage.TotalTokens
				if !emit(chunk) {
					return
				}
			}
			if done {
				c.breaker.MarkSuccess(c.cfg.Provider)
				metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "ok").Inc()
				metrics.LLMTokensTotal.WithLabelValues(c.cfg.Provider).Add(float64(totalTokens))
				return
			}
		case bytes.HasPrefix(line, []byte("event:")):
			// Scanner reuses its buffer; copy before the next Scan.
			event = append(event[:0], bytes.TrimSpace(line[len("event:"):])...)
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):])...)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.breaker.MarkFailure(c.cfg.Provider)
		metrics.LLMCallsTotal.WithLabelValues(c.cfg.Provider, "error").Inc()
		emit(StreamChunk{Type: ChunkError, Err: NewTransientError(c.wrap(fmt.Errorf("read stream: %w", err)))})
		return
	}

	emit(StreamChunk{Type: ChunkDone})
}

// streamFromInvoker replays a whole in-process response as a stream.
func (c *Client) streamFromInvoker(ctx context.Context, local Invoker, req Request) (<-chan StreamChunk, error) {
	resp, err := local.Invoke(ctx, c.cfg.Model, req)
	if err != nil {
		c.breaker.MarkFailure(c.cfg.Provider)
		return nil, c.wrap(err)
	}
	c.breaker.MarkSuccess(c.cfg.Provider)

	out := make(chan StreamChunk, len(resp.ToolCalls)+2)
	if resp.Content != "" {
		out <- StreamChunk{Type: ChunkContent, Content: resp.Content}
	}
	for i := range resp.ToolCalls {
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &resp.ToolCalls[i]}
	}
	out <- StreamChunk{Type: ChunkDone, FinishReason: resp.FinishReason, Usage: resp.Usage}
	close(out)
	return out, nil
}

// Accumulator collects streamed chunks back into a whole Response.
// It is a convenience sink for callers that want streaming delivery
// to observers but a complete document at the end.
type Accumulator struct {
	content      strings.Builder
	toolCalls    []ToolCall
	finishReason string
	usage        TokenUsage
	err          error
	done         bool
}

// Add folds one chunk into the accumulator and reports whether the
// stream is still open.
func (a *Accumulator) Add(chunk StreamChunk) bool {
	switch chunk.Type {
	case ChunkContent:
		a.content.WriteString(chunk.Content)
	case ChunkToolCall:
		if chunk.ToolCall != nil {
			a.toolCalls = append(a.toolCalls, *chunk.ToolCall)
		}
	case ChunkDone:
		a.finishReason = chunk.FinishReason
		a.usage = chunk.Usage
		a.done = true
	case ChunkError:
		a.err = chunk.Err
		a.done = true
	}
	return !a.done
}

// Response assembles the accumulated chunks, or returns the stream
// error if one arrived.
func (a *Accumulator) Response(model string) (*Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &Response{
		Content:      a.content.String(),
		ToolCalls:    a.toolCalls,
		Model:        model,
		Usage:        a.usage,
		FinishReason: a.finishReason,
	}, nil
}

// Reset clears the accumulator for reuse.
func (a *Accumulator) Reset() {
	a.content.Reset()
	a.toolCalls = nil
	a.finishReason = ""
	a.usage = TokenUsage{}
	a.err = nil
	a.done = false
}
