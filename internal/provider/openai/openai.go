// ABOUTME: OpenAI Chat Completions adapter for the streaming provider interface
// ABOUTME: Streams content deltas and requests usage in the final chunk

package openai

import (
	"context"
	"fmt"
	"log/slog"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-swarm/internal/provider"
)

// Config configures the adapter.
type Config struct {
	APIKey    string // falls back to OPENAI_API_KEY when empty
	BaseURL   string // any OpenAI-compatible endpoint
	Model     string
	MaxTokens int64
}

// Provider streams completions from an OpenAI-compatible API.
type Provider struct {
	client    sdk.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// New creates the adapter.
func New(cfg Config) *Provider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = sdk.ChatModelGPT4oMini
	}
	return &Provider{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
		logger:    slog.Default().With("component", "provider.openai"),
	}
}

// CreateMessage implements provider.Provider.
func (p *Provider) CreateMessage(ctx context.Context, system string, messages []provider.Message) (<-chan provider.StreamEvent, error) {
	params := sdk.ChatCompletionNewParams{
		Messages: buildMessages(system, messages),
		Model:    p.model,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(p.maxTokens)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan provider.StreamEvent, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		usage := provider.StreamEvent{Type: provider.EventUsage}
		for stream.Next() {
			chunk := stream.Current()
			for _, ch := range chunk.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if !provider.Send(ctx, out, provider.StreamEvent{Type: provider.EventTextDelta, Text: ch.Delta.Content}) {
					return
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("openai stream failed", "model", p.model, "error", err)
			}
			provider.Send(ctx, out, provider.StreamEvent{Type: provider.EventError, Err: fmt.Errorf("openai streaming error: %w", err)})
			return
		}
		provider.Send(ctx, out, usage)
	}()

	return out, nil
}

func buildMessages(system string, messages []provider.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case provider.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}
