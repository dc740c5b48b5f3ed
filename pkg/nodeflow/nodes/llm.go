package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/nodeflow/pkg/nodeflow"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/config"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/llm"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/retry"
	"github.com/randalmurphal/nodeflow/pkg/nodeflow/schema"
)

// ErrNoClient is returned by the llm node when its context has no client.
var ErrNoClient = errors.New("no llm client configured")

var (
	llmConfigSchema = schema.MustParse(`{
		"type": "object",
		"properties": {
			"model": {"type": "string", "default": "gpt-4o-mini"},
			"temperature": {"type": "number", "minimum": 0, "maximum": 2, "default": 0.7},
			"max_tokens": {"type": "integer", "minimum": 0, "default": 0},
			"system": {"type": "string", "default": ""},
			"stream": {"type": "boolean", "default": false},
			"max_attempts": {"type": "integer", "minimum": 1, "default": 3},
			"backoff": {"type": "string", "default": "500ms"}
		}
	}`)

	llmKeysSchema = schema.MustParse(`{
		"type": "object",
		"properties": {
			"api_key": {"type": "string", "default": ""}
		}
	}`)
)

// LLM completes chat threads.
//
// Input threads come from upstream "threads" values (see Prompt); plain
// text inputs form a single user message. Each thread is completed with
// the context's llm.Client, retrying transient failures with exponential
// backoff. The output continues every thread with the reply and carries
// the first thread's messages and reply content.
//
// With "stream" set, the first thread's growing reply is emitted while the
// completion runs as {"threads": [thread + partial reply], "content": ...,
// "partial": true}.
func LLM() nodeflow.Definition {
	return nodeflow.Definition{
		Kind: KindLLM,
		Schemas: nodeflow.Schemas{
			Config: llmConfigSchema,
			Keys:   llmKeysSchema,
			Output: threadsSchema,
		},
		New: func() (nodeflow.Processor, error) {
			return &llmNode{}, nil
		},
	}
}

type llmNode struct {
	mu   sync.Mutex
	host nodeflow.Host
}

func (n *llmNode) Bind(h nodeflow.Host) {
	n.mu.Lock()
	n.host = h
	n.mu.Unlock()
}

func (n *llmNode) Process(ctx nodeflow.Context, in nodeflow.Input, cfg, keys map[string]any) (any, error) {
	threads, err := inputThreads(in)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nodeflow.Unchanged, nil
	}
	client := ctx.LLM()
	if client == nil {
		return nil, ErrNoClient
	}

	values := config.NewValues(cfg)
	temperature := values.Float("temperature", 0.7)
	base := llm.CompletionRequest{
		SystemPrompt: values.String("system", ""),
		Model:        values.String("model", ""),
		MaxTokens:    values.Int("max_tokens", 0),
		Temperature:  &temperature,
		APIKey:       config.NewValues(keys).String("api_key", ""),
	}
	policy := retry.NewConfig(
		retry.WithMaxAttempts(values.Int("max_attempts", 3)),
		retry.WithInitialBackoff(values.Duration("backoff", 500*time.Millisecond)),
		retry.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
			ctx.Logger().Warn("llm call failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()))
		}),
	)
	stream := values.Bool("stream", false)

	out := make([][]llm.Message, len(threads))
	var first *llm.CompletionResponse
	for i, thread := range threads {
		req := base
		req.Messages = thread

		complete := client.Complete
		if stream && i == 0 {
			complete = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
				return n.stream(ctx, client, req)
			}
		}
		res := retry.Do(ctx, policy, func(ctx context.Context) (*llm.CompletionResponse, error) {
			return complete(ctx, req)
		})
		if res.Err != nil {
			return nil, fmt.Errorf("thread %d: %w", i, res.Err)
		}
		if first == nil {
			first = res.Value
		}
		out[i] = append(thread[:len(thread):len(thread)], llm.Message{Role: llm.RoleAssistant, Content: res.Value.Content})
	}

	return map[string]any{
		"threads":  threadsJSON(out),
		"messages": threadJSON(out[0]),
		"content":  first.Content,
		"model":    first.Model,
		"usage": map[string]any{
			"input_tokens":  first.Usage.InputTokens,
			"output_tokens": first.Usage.OutputTokens,
			"total_tokens":  first.Usage.TotalTokens,
		},
	}, nil
}

// stream consumes a streaming completion, emitting the growing reply.
func (n *llmNode) stream(ctx context.Context, client llm.Client, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	chunks, err := client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	host := n.host
	n.mu.Unlock()

	var (
		content strings.Builder
		usage   llm.TokenUsage
	)
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			if host != nil {
				host.Emit(partialOutput(req.Messages, content.String()))
			}
		}
		if chunk.Usage != nil {
			usage.Add(*chunk.Usage)
		}
	}
	return &llm.CompletionResponse{
		Content:      content.String(),
		Model:        req.Model,
		Usage:        usage,
		FinishReason: "stop",
	}, nil
}

func partialOutput(thread []llm.Message, content string) map[string]any {
	draft := append(thread[:len(thread):len(thread)], llm.Message{Role: llm.RoleAssistant, Content: content})
	return map[string]any{
		"threads": threadsJSON([][]llm.Message{draft}),
		"content": content,
		"partial": true,
	}
}

// inputThreads collects upstream threads, or one user thread from the
// text inputs.
func inputThreads(in nodeflow.Input) ([][]llm.Message, error) {
	var (
		threads [][]llm.Message
		texts   []string
	)
	for _, v := range in.Values() {
		t, ok, err := threadsOf(v)
		if err != nil {
			return nil, err
		}
		if ok {
			threads = append(threads, t...)
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			texts = append(texts, s)
		}
	}
	if len(threads) == 0 && len(texts) > 0 {
		threads = [][]llm.Message{{{Role: llm.RoleUser, Content: strings.Join(texts, "\n")}}}
	}
	return threads, nil
}
