package tutorbot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	var history []Exchange
	for i := 0; i < 7; i++ {
		history = append(history, Exchange{UserText: "u" + string(rune('0'+i)), AssistantText: "a" + string(rune('0'+i))})
	}

	msgs := BuildPrompt(history, "¿Cómo se dice casa?")

	require.Len(t, msgs, 12)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, TutorSystemPrompt, msgs[0].Content)
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "u2"}, msgs[1])
	assert.Equal(t, ChatMessage{Role: RoleAssistant, Content: "a6"}, msgs[10])
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "¿Cómo se dice casa?"}, msgs[11])
}

func TestBuildPrompt_SkipsEmptySides(t *testing.T) {
	msgs := BuildPrompt([]Exchange{{UserText: "hola"}}, "oi")

	require.Len(t, msgs, 3)
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "hola"}, msgs[1])
}

func TestNewCompletionConfig(t *testing.T) {
	assert.Equal(t, CompletionConfig{MaxTokens: 500, Temperature: 0.7, TopP: 1}, NewCompletionConfig())
	assert.Equal(t,
		CompletionConfig{MaxTokens: 100, Temperature: 0.2, TopP: 0.9},
		NewCompletionConfig(WithMaxTokens(100), WithTemperature(0.2), WithTopP(0.9)),
	)
}

type recordingTransport struct {
	status int
	body   string
	req    *http.Request
	sent   []byte
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.req = req
	if req.Body != nil {
		r.sent, _ = io.ReadAll(req.Body)
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func TestOpenAICompletionProvider_Complete(t *testing.T) {
	rt := &recordingTransport{
		status: http.StatusOK,
		body: `{"id":"gen-1","object":"chat.completion","created":1700000000,"model":"openai/gpt-3.5-turbo",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  ¡Hola! ¿Qué tal?  "}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	}
	client := NewOpenRouterClient("test-key",
		openaiopt.WithHTTPClient(&http.Client{Transport: rt}),
		openaiopt.WithMaxRetries(0),
	)
	provider := NewOpenAICompletionProvider(OpenAIProviderConfig{Client: client})

	text, err := provider.Complete(context.Background(), BuildPrompt(nil, "Olá"))
	require.NoError(t, err)
	assert.Equal(t, "¡Hola! ¿Qué tal?", text)

	require.NotNil(t, rt.req)
	assert.Equal(t, "openrouter.ai", rt.req.URL.Host)
	assert.True(t, strings.HasSuffix(rt.req.URL.Path, "/chat/completions"))
	assert.Equal(t, "Bearer test-key", rt.req.Header.Get("Authorization"))
	assert.Equal(t, "http://localhost:3000", rt.req.Header.Get("HTTP-Referer"))
	assert.Equal(t, "Spanish Tutor WhatsApp Bot", rt.req.Header.Get("X-Title"))

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(rt.sent, &sent))
	assert.Equal(t, DefaultOpenRouterModel, sent["model"])
	assert.EqualValues(t, 500, sent["max_tokens"])
	assert.EqualValues(t, 0.7, sent["temperature"])
	assert.EqualValues(t, 1, sent["top_p"])
	assert.Len(t, sent["messages"], 2)
}

func TestOpenAICompletionProvider_Errors(t *testing.T) {
	t.Run("missing client", func(t *testing.T) {
		_, err := NewOpenAICompletionProvider(OpenAIProviderConfig{}).Complete(context.Background(), nil)
		assert.ErrorIs(t, err, ErrMissingAPIKey)
	})

	t.Run("upstream error", func(t *testing.T) {
		rt := &recordingTransport{status: http.StatusBadRequest, body: `{"error":{"message":"bad model"}}`}
		client := NewOpenAIClient("k", openaiopt.WithHTTPClient(&http.Client{Transport: rt}), openaiopt.WithMaxRetries(0))

		_, err := NewOpenAICompletionProvider(OpenAIProviderConfig{Client: client}).Complete(context.Background(), BuildPrompt(nil, "x"))
		assert.Error(t, err)
	})

	t.Run("no choices", func(t *testing.T) {
		rt := &recordingTransport{status: http.StatusOK, body: `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`}
		client := NewOpenAIClient("k", openaiopt.WithHTTPClient(&http.Client{Transport: rt}), openaiopt.WithMaxRetries(0))

		_, err := NewOpenAICompletionProvider(OpenAIProviderConfig{Client: client}).Complete(context.Background(), BuildPrompt(nil, "x"))
		assert.ErrorIs(t, err, ErrEmptyCompletion)
	})
}

type mockAnthropicClient struct {
	createMessageFunc func(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return m.createMessageFunc(ctx, params)
}

func TestAnthropicCompletionProvider_Complete(t *testing.T) {
	var captured anthropic.MessageNewParams
	client := &mockAnthropicClient{
		createMessageFunc: func(_ context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
			captured = params

			var block anthropic.ContentBlock
			if err := block.UnmarshalJSON([]byte(`{"type": "text", "text": "¡Muy bien!"}`)); err != nil {
				return nil, err
			}
			return &anthropic.Message{
				Role:    anthropic.MessageRoleAssistant,
				Model:   anthropic.ModelClaude_3_5_Sonnet_20240620,
				Content: []anthropic.ContentBlock{block},
				Type:    anthropic.MessageTypeMessage,
			}, nil
		},
	}
	provider := NewAnthropicCompletionProvider(AnthropicProviderConfig{Client: client})

	history := []Exchange{{UserText: "hola", AssistantText: "¡Hola!"}}
	text, err := provider.Complete(context.Background(), BuildPrompt(history, "gracias"))
	require.NoError(t, err)
	assert.Equal(t, "¡Muy bien!", text)

	assert.Len(t, captured.Messages.Value, 3, "system prompt is not sent as a message")
	require.Len(t, captured.System.Value, 1)
	assert.Equal(t, TutorSystemPrompt, captured.System.Value[0].Text.Value)
	assert.Equal(t, int64(500), captured.MaxTokens.Value)
}

func TestAnthropicCompletionProvider_Errors(t *testing.T) {
	_, err := NewAnthropicCompletionProvider(AnthropicProviderConfig{}).Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	boom := errors.New("overloaded")
	client := &mockAnthropicClient{
		createMessageFunc: func(context.Context, anthropic.MessageNewParams) (*anthropic.Message, error) { return nil, boom },
	}
	_, err = NewAnthropicCompletionProvider(AnthropicProviderConfig{Client: client}).Complete(context.Background(), BuildPrompt(nil, "x"))
	assert.ErrorIs(t, err, boom)

	empty := &mockAnthropicClient{
		createMessageFunc: func(context.Context, anthropic.MessageNewParams) (*anthropic.Message, error) {
			return &anthropic.Message{}, nil
		},
	}
	_, err = NewAnthropicCompletionProvider(AnthropicProviderConfig{Client: empty}).Complete(context.Background(), BuildPrompt(nil, "x"))
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestTracingCompletionProvider(t *testing.T) {
	inner := NewNoOpsCompletionProvider(WithResponse("¡Hola!"))
	traced := NewTracingCompletionProvider(inner, "noop")

	text, err := traced.Complete(context.Background(), BuildPrompt(nil, "oi"))
	require.NoError(t, err)
	assert.Equal(t, "¡Hola!", text)
	assert.Len(t, inner.Calls(), 1)

	failing := NewTracingCompletionProvider(NewNoOpsCompletionProvider(WithError(context.DeadlineExceeded)), "noop")
	_, err = failing.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoOpsCompletionProvider_Default(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	text, err := NewNoOpsCompletionProvider().Complete(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}
