package tutorbot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaharia-lab/tutorbot/observability"
	"go.opentelemetry.io/otel/attribute"
)

// Reply is the outcome of handling one user message.
type Reply struct {
	RequestID   string          `json:"requestId"`
	Contact     string          `json:"contact,omitempty"`
	UserText    string          `json:"userMessage"`
	RawText     string          `json:"rawAiResponse"`
	Text        string          `json:"aiResponse"`
	Level       Level           `json:"detectedLevel"`
	HistorySize int             `json:"sessionMessages"`
	Fallback    bool            `json:"fallback,omitempty"`
	Delivery    *DeliveryResult `json:"delivery,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Tutor wires the session store, completion, shaping and delivery together.
type Tutor struct {
	store      *SessionStore
	completion CompletionProvider
	shaper     *ResponseShaper
	dispatcher *Dispatcher
	logger     observability.Logger
}

// TutorOption configures a Tutor.
type TutorOption func(*Tutor)

// WithTutorLogger sets the tutor logger.
func WithTutorLogger(logger observability.Logger) TutorOption {
	return func(t *Tutor) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTutor creates a Tutor. A nil shaper gets the default pipeline and a nil dispatcher
// delivers nothing.
func NewTutor(store *SessionStore, completion CompletionProvider, shaper *ResponseShaper, dispatcher *Dispatcher, opts ...TutorOption) *Tutor {
	t := &Tutor{
		store:      store,
		completion: completion,
		shaper:     shaper,
		dispatcher: dispatcher,
		logger:     observability.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.shaper == nil {
		t.shaper = NewResponseShaper(WithShaperLogger(t.logger))
	}
	if t.dispatcher == nil {
		t.dispatcher = NewDispatcher(nil, WithDispatcherLogger(t.logger))
	}
	return t
}

// Store returns the tutor's session store.
func (t *Tutor) Store() *SessionStore { return t.store }

// Dispatcher returns the tutor's delivery dispatcher.
func (t *Tutor) Dispatcher() *Dispatcher { return t.dispatcher }

// Respond produces a shaped reply for text and records the exchange under contact. Nothing is delivered.
func (t *Tutor) Respond(ctx context.Context, contact, text string) Reply {
	ctx, span := observability.StartSpan(ctx, "Tutor.Respond")
	defer span.End()

	reply := Reply{
		RequestID: uuid.NewString(),
		Contact:   contact,
		UserText:  text,
	}
	logger := t.logger.WithContext(ctx).WithFields(map[string]interface{}{
		observability.ContactLogField: contact,
		"request_id":                  reply.RequestID,
	})

	history := t.store.History(ctx, contact)
	t.answer(ctx, logger, &reply, history)

	sess := t.store.AppendExchange(ctx, contact, text, reply.Text, reply.Level)
	reply.HistorySize = len(sess.History)
	reply.Timestamp = t.store.Now()

	span.SetAttributes(
		attribute.String("level", string(reply.Level)),
		attribute.Int("history_size", reply.HistorySize),
		attribute.Bool("fallback", reply.Fallback),
	)
	logger.Infof("Replied at level %s with %d exchanges in history", reply.Level, reply.HistorySize)
	return reply
}

// Preview runs detection, completion and shaping against an explicit history without touching the store.
func (t *Tutor) Preview(ctx context.Context, text string, history []Exchange) Reply {
	ctx, span := observability.StartSpan(ctx, "Tutor.Preview")
	defer span.End()

	reply := Reply{
		RequestID: uuid.NewString(),
		UserText:  text,
	}
	logger := t.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"request_id": reply.RequestID,
	})

	t.answer(ctx, logger, &reply, history)
	reply.HistorySize = len(history)
	reply.Timestamp = t.store.Now()
	return reply
}

func (t *Tutor) answer(ctx context.Context, logger observability.Logger, reply *Reply, history []Exchange) {
	reply.Level = DetectLevel(reply.UserText)

	raw, err := t.completion.Complete(ctx, BuildPrompt(history, reply.UserText))
	if err != nil {
		logger.WithErr(err).Error("Completion failed, replying with apology")
		raw = ApologyText
		reply.Fallback = true
	}

	reply.RawText = raw
	reply.Text = t.shaper.Shape(ctx, raw, reply.UserText, reply.Level)
}

// HandleMessage answers a processable inbound message and delivers the reply to its sender.
// Non-processable messages are ignored and yield a zero Reply and false.
func (t *Tutor) HandleMessage(ctx context.Context, msg InboundMessage) (Reply, bool) {
	if !msg.Processable() {
		return Reply{}, false
	}

	ctx, span := observability.StartSpan(ctx, "Tutor.HandleMessage")
	defer span.End()

	reply := t.Respond(ctx, msg.From, msg.Text)
	result := t.dispatcher.Deliver(ctx, msg.From, reply.Text)
	reply.Delivery = &result

	span.SetAttributes(attribute.Bool("delivered", result.Success))
	if !result.Success {
		t.logger.WithContext(ctx).WithFields(map[string]interface{}{
			observability.ContactLogField: msg.From,
			"request_id":                  reply.RequestID,
		}).Warnf("Reply not delivered: %s", result.Error)
	}
	return reply, true
}
