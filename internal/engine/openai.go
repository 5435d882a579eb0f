package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/solatis/floodgate/internal/types"
)

// Client talks to an OpenAI-compatible completion endpoint, which is what
// vLLM and most serving stacks expose. One Client is shared by all workers;
// the underlying HTTP client is safe for concurrent use.
type Client struct {
	client openai.Client
	model  string
}

// NewClient constructs an engine client for the given endpoint and model.
func NewClient(endpoint, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithBaseURL(endpoint)),
		model:  model,
	}
}

// Generate implements Engine.
func (c *Client) Generate(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
	start := time.Now()

	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, scrub(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &types.EngineError{Detail: "engine returned no choices"}
	}

	choice := resp.Choices[0]
	return &types.GenerationResult{
		Text:            choice.Message.Content,
		PromptTokens:    int(resp.Usage.PromptTokens),
		GeneratedTokens: int(resp.Usage.CompletionTokens),
		FinishReason:    string(choice.FinishReason),
		Latency:         time.Since(start),
	}, nil
}

// GenerateStream implements Engine. The error check immediately after
// starting the stream catches setup failures (connection refused, auth,
// bad request); anything later surfaces through the stream itself.
func (c *Client) GenerateStream(ctx context.Context, req *types.GenerationRequest) (TokenStream, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, scrub(err)
	}
	return &openaiStream{stream: stream}, nil
}

// params translates the request to the wire format.
func (c *Client) params(req *types.GenerationRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

// openaiStream adapts the SSE chunk stream to TokenStream.
type openaiStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	done   bool
}

// Next returns the next delta. The end of the upstream sequence is
// delivered as one Final event, then io.EOF.
func (s *openaiStream) Next() (types.TokenEvent, error) {
	if s.done {
		return types.TokenEvent{}, io.EOF
	}

	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return types.TokenEvent{Delta: delta}, nil
	}

	s.done = true
	if err := s.stream.Err(); err != nil {
		return types.TokenEvent{}, scrub(err)
	}
	return types.TokenEvent{Final: true}, nil
}

// Close cancels the stream. Safe after exhaustion.
func (s *openaiStream) Close() error {
	s.done = true
	return s.stream.Close()
}

// scrub converts transport errors into EngineError with engine internals
// stripped: callers get the failure class, never upstream stack detail.
func scrub(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &types.EngineError{Detail: fmt.Sprintf("engine returned status %d", apierr.StatusCode)}
	}
	return &types.EngineError{Detail: "engine call failed"}
}
