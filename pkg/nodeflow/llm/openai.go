package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAI implements Client using the OpenAI chat completions API.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	limiter *rate.Limiter
	client  *openai.Client
}

// Compile-time interface check.
var _ Client = (*OpenAI)(nil)

// OpenAIOption configures OpenAI.
type OpenAIOption func(*OpenAI)

// NewOpenAI creates a client authenticated with apiKey. Requests may
// override the key per call (CompletionRequest.APIKey).
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	c := &OpenAI{
		apiKey: apiKey,
		model:  openai.GPT4oMini,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = c.newClient(c.apiKey)
	return c
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAI) { c.baseURL = url }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) OpenAIOption {
	return func(c *OpenAI) { c.model = model }
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) OpenAIOption {
	return func(c *OpenAI) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func (c *OpenAI) newClient(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Complete implements Client.
func (c *OpenAI) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, NewError("complete", err, false)
	}

	start := time.Now()
	resp, err := c.clientFor(req).CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, wrapError("complete", err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError("complete", errors.New("no choices returned"), false)
	}

	return &CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}

// Stream implements Client.
func (c *OpenAI) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if err := c.wait(ctx); err != nil {
		return nil, NewError("stream", err, false)
	}

	chatReq := c.buildRequest(req)
	chatReq.Stream = true
	stream, err := c.clientFor(req).CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapError("stream", err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ctx, ch, StreamChunk{Done: true})
				return
			}
			if err != nil {
				send(ctx, ch, StreamChunk{Error: wrapError("stream", err)})
				return
			}

			chunk := StreamChunk{}
			if len(resp.Choices) > 0 {
				chunk.Content = resp.Choices[0].Delta.Content
			}
			if resp.Usage != nil {
				chunk.Usage = &TokenUsage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
			if chunk.Content == "" && chunk.Usage == nil {
				continue
			}
			if !send(ctx, ch, chunk) {
				return
			}
		}
	}()
	return ch, nil
}

func send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *OpenAI) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *OpenAI) clientFor(req CompletionRequest) *openai.Client {
	if req.APIKey != "" && req.APIKey != c.apiKey {
		return c.newClient(req.APIKey)
	}
	return c.client
}

func (c *OpenAI) buildRequest(req CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stop:     req.Stop,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	return chatReq
}

// wrapError converts go-openai errors, keeping the HTTP status for retry
// categorization.
func wrapError(op string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return NewError(op, err, false)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(op, err, true)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	e := NewError(op, err, status == 429 || status >= 500)
	e.Status = status
	return e
}
