package tutorbot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// OpenRouterBaseURL is the OpenAI-compatible OpenRouter endpoint.
	OpenRouterBaseURL = "https://openrouter.ai/api/v1/"

	// DefaultOpenRouterModel is used when no model is configured.
	DefaultOpenRouterModel = "openai/gpt-3.5-turbo"

	openRouterReferer = "http://localhost:3000"
	openRouterTitle   = "Spanish Tutor WhatsApp Bot"
)

// OpenAIClientProvider abstracts the chat-completions call of the OpenAI SDK.
type OpenAIClientProvider interface {
	CreateCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// OpenAIClient implements OpenAIClientProvider with the official SDK.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client for the OpenAI API, or any compatible API when
// option.WithBaseURL is passed.
func NewOpenAIClient(apiKey string, opts ...option.RequestOption) *OpenAIClient {
	opts = append(opts, option.WithAPIKey(apiKey))
	return &OpenAIClient{
		client: openai.NewClient(opts...),
	}
}

// NewOpenRouterClient creates an OpenAIClient pointed at OpenRouter with the attribution headers
// OpenRouter expects.
//
//	client := NewOpenRouterClient(os.Getenv("OPENROUTER_API_KEY"))
//	provider := NewOpenAICompletionProvider(OpenAIProviderConfig{Client: client})
func NewOpenRouterClient(apiKey string, opts ...option.RequestOption) *OpenAIClient {
	base := []option.RequestOption{
		option.WithBaseURL(OpenRouterBaseURL),
		option.WithHeader("HTTP-Referer", openRouterReferer),
		option.WithHeader("X-Title", openRouterTitle),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	return NewOpenAIClient(apiKey, append(base, opts...)...)
}

// CreateCompletion implements OpenAIClientProvider.
func (c *OpenAIClient) CreateCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// OpenAIProviderConfig configures an OpenAICompletionProvider.
type OpenAIProviderConfig struct {
	// Client performs the request. A nil client makes every call fail with ErrMissingAPIKey.
	Client OpenAIClientProvider
	// Model defaults to DefaultOpenRouterModel.
	Model string
	// Options tune the sampling parameters.
	Options []CompletionOption
}

// OpenAICompletionProvider implements CompletionProvider over the chat-completions API.
type OpenAICompletionProvider struct {
	client OpenAIClientProvider
	model  string
	config CompletionConfig
}

// NewOpenAICompletionProvider creates an OpenAICompletionProvider.
func NewOpenAICompletionProvider(cfg OpenAIProviderConfig) *OpenAICompletionProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenRouterModel
	}
	return &OpenAICompletionProvider{
		client: cfg.Client,
		model:  cfg.Model,
		config: NewCompletionConfig(cfg.Options...),
	}
}

func (p *OpenAICompletionProvider) convertMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// Complete implements CompletionProvider.
func (p *OpenAICompletionProvider) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	if p.client == nil {
		return "", ErrMissingAPIKey
	}

	params := openai.ChatCompletionNewParams{
		Messages:    openai.F(p.convertMessages(messages)),
		Model:       openai.F(openai.ChatModel(p.model)),
		MaxTokens:   openai.Int(p.config.MaxTokens),
		TopP:        openai.Float(p.config.TopP),
		Temperature: openai.Float(p.config.Temperature),
	}

	completion, err := p.client.CreateCompletion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
