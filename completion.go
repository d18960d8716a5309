package tutorbot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shaharia-lab/tutorbot/observability"
	"go.opentelemetry.io/otel/attribute"
)

// MessageRole tags a ChatMessage with its speaker.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is one role-tagged message of a completion prompt.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

var (
	// ErrMissingAPIKey is returned by completion providers built without credentials.
	ErrMissingAPIKey = errors.New("completion provider API key not configured")

	// ErrEmptyCompletion is returned when the upstream answered without any text.
	ErrEmptyCompletion = errors.New("completion returned no text")
)

// ApologyText replaces the reply whenever the completion provider fails.
const ApologyText = "Lo siento, hubo un problema técnico. [Desculpe, houve um problema técnico.] Por favor, intenta de nuevo."

// TutorSystemPrompt instructs the model to act as a patient Spanish teacher for Portuguese speakers.
const TutorSystemPrompt = `Você é um professor de espanhol paciente e instrutivo. Suas responsabilidades:

1. SEMPRE responda em espanhol, adaptando ao nível do usuário
2. Se o usuário escrever em português, ajude-o a expressar a mesma ideia em espanhol
3. Se o usuário escrever em espanhol, corrija erros gentilmente e expanda o vocabulário
4. Inclua explicações breves em português quando necessário para conceitos difíceis
5. Use exemplos práticos e contextualizados
6. Seja encorajador e positivo
7. Adapte a complexidade da resposta ao nível demonstrado pelo usuário

Formato da resposta:
- Resposta principal em espanhol
- [Explicação em português] quando necessário
- Sugestões de vocabulário ou gramática quando apropriado`

// maxPromptHistory bounds how many history messages are sent upstream.
const maxPromptHistory = 10

// BuildPrompt assembles the completion input: the tutor system prompt, the most recent history
// flattened into user and assistant messages, and finally userText.
func BuildPrompt(history []Exchange, userText string) []ChatMessage {
	var flat []ChatMessage
	for _, ex := range history {
		if ex.UserText != "" {
			flat = append(flat, ChatMessage{Role: RoleUser, Content: ex.UserText})
		}
		if ex.AssistantText != "" {
			flat = append(flat, ChatMessage{Role: RoleAssistant, Content: ex.AssistantText})
		}
	}
	if len(flat) > maxPromptHistory {
		flat = flat[len(flat)-maxPromptHistory:]
	}

	msgs := make([]ChatMessage, 0, len(flat)+2)
	msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: TutorSystemPrompt})
	msgs = append(msgs, flat...)
	msgs = append(msgs, ChatMessage{Role: RoleUser, Content: userText})
	return msgs
}

// CompletionProvider produces one completion for an ordered prompt.
type CompletionProvider interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// CompletionConfig holds the sampling parameters sent with every request.
type CompletionConfig struct {
	MaxTokens   int64
	Temperature float64
	TopP        float64
}

// CompletionOption adjusts a CompletionConfig.
type CompletionOption func(*CompletionConfig)

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) CompletionOption {
	return func(c *CompletionConfig) {
		c.MaxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CompletionOption {
	return func(c *CompletionConfig) {
		c.Temperature = t
	}
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) CompletionOption {
	return func(c *CompletionConfig) {
		c.TopP = p
	}
}

// NewCompletionConfig returns the defaults (500 tokens, temperature 0.7, top_p 1) with opts applied.
func NewCompletionConfig(opts ...CompletionOption) CompletionConfig {
	cfg := CompletionConfig{
		MaxTokens:   500,
		Temperature: 0.7,
		TopP:        1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// TracingCompletionProvider wraps a CompletionProvider with an otel span per call.
type TracingCompletionProvider struct {
	provider CompletionProvider
	name     string
}

// NewTracingCompletionProvider creates a tracing decorator; name is recorded on every span.
func NewTracingCompletionProvider(provider CompletionProvider, name string) *TracingCompletionProvider {
	return &TracingCompletionProvider{provider: provider, name: name}
}

// Complete implements CompletionProvider.
func (t *TracingCompletionProvider) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	ctx, span := observability.StartSpan(ctx, "CompletionProvider.Complete")
	defer span.End()

	startTime := time.Now()
	text, err := t.provider.Complete(ctx, messages)

	span.SetAttributes(
		attribute.String("provider", t.name),
		attribute.Int("message_count", len(messages)),
		attribute.Float64("completion_time", time.Since(startTime).Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.Int("response_length", len(text)))
	return text, nil
}

// NoOpsCompletionProvider answers every prompt with a fixed text. It backs the offline mode
// and tests.
type NoOpsCompletionProvider struct {
	mu       sync.Mutex
	response string
	err      error
	calls    [][]ChatMessage
}

// NoOpsOption configures a NoOpsCompletionProvider.
type NoOpsOption func(*NoOpsCompletionProvider)

// WithResponse sets the canned completion.
func WithResponse(text string) NoOpsOption {
	return func(n *NoOpsCompletionProvider) {
		n.response = text
	}
}

// WithError makes every call fail with err.
func WithError(err error) NoOpsOption {
	return func(n *NoOpsCompletionProvider) {
		n.err = err
	}
}

// NewNoOpsCompletionProvider creates a NoOpsCompletionProvider.
func NewNoOpsCompletionProvider(opts ...NoOpsOption) *NoOpsCompletionProvider {
	n := &NoOpsCompletionProvider{response: "¡Hola! ¿Cómo estás?"}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Complete implements CompletionProvider.
func (n *NoOpsCompletionProvider) Complete(_ context.Context, messages []ChatMessage) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, messages)
	if n.err != nil {
		return "", n.err
	}
	return n.response, nil
}

// Calls returns the prompts received so far.
func (n *NoOpsCompletionProvider) Calls() [][]ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]ChatMessage(nil), n.calls...)
}
