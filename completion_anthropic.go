package tutorbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClientProvider abstracts the messages call of the Anthropic SDK.
type AnthropicClientProvider interface {
	CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// AnthropicClient implements AnthropicClientProvider with the official SDK.
type AnthropicClient struct {
	messages *anthropic.MessageService
}

// NewAnthropicClient creates an AnthropicClient.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) *AnthropicClient {
	opts = append(opts, option.WithAPIKey(apiKey))
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		messages: client.Messages,
	}
}

// CreateMessage implements AnthropicClientProvider.
func (c *AnthropicClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.messages.New(ctx, params)
}

// AnthropicProviderConfig configures an AnthropicCompletionProvider.
type AnthropicProviderConfig struct {
	// Client performs the request. A nil client makes every call fail with ErrMissingAPIKey.
	Client AnthropicClientProvider
	// Model defaults to Claude 3.5 Sonnet.
	Model anthropic.Model
	// Options tune the sampling parameters.
	Options []CompletionOption
}

// AnthropicCompletionProvider implements CompletionProvider with Claude models.
type AnthropicCompletionProvider struct {
	client AnthropicClientProvider
	model  anthropic.Model
	config CompletionConfig
}

// NewAnthropicCompletionProvider creates an AnthropicCompletionProvider.
func NewAnthropicCompletionProvider(cfg AnthropicProviderConfig) *AnthropicCompletionProvider {
	if cfg.Model == "" {
		cfg.Model = anthropic.ModelClaude_3_5_Sonnet_20240620
	}
	return &AnthropicCompletionProvider{
		client: cfg.Client,
		model:  cfg.Model,
		config: NewCompletionConfig(cfg.Options...),
	}
}

// prepareParams moves system messages into the system parameter; Anthropic has no system role.
func (p *AnthropicCompletionProvider) prepareParams(messages []ChatMessage) anthropic.MessageNewParams {
	var msgs []anthropic.MessageParam
	var system []string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(p.model),
		Messages:    anthropic.F(msgs),
		MaxTokens:   anthropic.F(p.config.MaxTokens),
		TopP:        anthropic.Float(p.config.TopP),
		Temperature: anthropic.Float(p.config.Temperature),
	}
	if len(system) > 0 {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(strings.Join(system, "\n\n")),
		})
	}
	return params
}

// Complete implements CompletionProvider.
func (p *AnthropicCompletionProvider) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	if p.client == nil {
		return "", ErrMissingAPIKey
	}

	message, err := p.client.CreateMessage(ctx, p.prepareParams(messages))
	if err != nil {
		return "", fmt.Errorf("anthropic message request failed: %w", err)
	}

	var parts []string
	for _, block := range message.Content {
		if text, ok := block.AsUnion().(anthropic.TextBlock); ok {
			parts = append(parts, text.Text)
		}
	}

	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
