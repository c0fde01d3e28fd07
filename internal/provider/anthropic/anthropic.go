// ABOUTME: Anthropic Messages API adapter for the streaming provider interface
// ABOUTME: Maps SSE stream events to text_delta, usage, and error events

package anthropic

import (
	"context"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-swarm/internal/provider"
)

// DefaultModel is used when the config names none.
const DefaultModel = sdk.Model("claude-sonnet-4-5")

// Config configures the adapter.
type Config struct {
	APIKey    string // falls back to ANTHROPIC_API_KEY when empty
	BaseURL   string
	Model     string
	MaxTokens int64
}

// Provider streams completions from the Anthropic Messages API.
type Provider struct {
	client    sdk.Client
	model     sdk.Model
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

	model := sdk.Model(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Provider{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    slog.Default().With("component", "provider.anthropic"),
	}
}

// CreateMessage implements provider.Provider.
func (p *Provider) CreateMessage(ctx context.Context, system string, messages []provider.Message) (<-chan provider.StreamEvent, error) {
	params := sdk.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  buildMessages(messages),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan provider.StreamEvent, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		var usage provider.StreamEvent
		usage.Type = provider.EventUsage

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				usage.InputTokens = ev.Message.Usage.InputTokens
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					if !provider.Send(ctx, out, provider.StreamEvent{Type: provider.EventTextDelta, Text: delta.Text}) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("anthropic stream failed", "model", p.model, "error", err)
			}
			provider.Send(ctx, out, provider.StreamEvent{Type: provider.EventError, Err: fmt.Errorf("anthropic api error: %w", err)})
			return
		}
		provider.Send(ctx, out, usage)
	}()

	return out, nil
}

// buildMessages converts turns to Anthropic message params. Consecutive turns
// with the same role are merged since the API requires alternation.
func buildMessages(messages []provider.Message) []sdk.MessageParam {
	var out []sdk.MessageParam
	var lastRole string
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		if m.Role == lastRole && len(out) > 0 {
			out[len(out)-1].Content = append(out[len(out)-1].Content, block)
			continue
		}
		if m.Role == provider.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
		lastRole = m.Role
	}
	return out
}
