package tutorbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shaharia-lab/tutorbot/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// DefaultDeliveryTimeout bounds each outbound delivery request.
const DefaultDeliveryTimeout = 10 * time.Second

// ErrProviderNotConfigured is returned by a delivery provider missing its credentials.
var ErrProviderNotConfigured = errors.New("delivery provider not configured")

// DeliveryProvider sends a text message to a WhatsApp contact.
type DeliveryProvider interface {
	// Name identifies the provider in results and logs.
	Name() string
	// Configured reports whether the provider has the credentials it needs.
	Configured() bool
	// Send delivers body to the contact and returns the provider's message ID.
	Send(ctx context.Context, to, body string) (string, error)
}

// DeliveryError describes a rejected delivery request.
type DeliveryError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed with HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s delivery failed: %s", e.Provider, e.Message)
}

// SanitizeRecipient strips everything but digits from a phone number.
func SanitizeRecipient(to string) string {
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func newDeliveryHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultDeliveryTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// DeliveryResult is the outcome of Dispatcher.Deliver. It is always returned, never an error.
type DeliveryResult struct {
	Success        bool     `json:"success"`
	Provider       string   `json:"provider,omitempty"`
	MessageID      string   `json:"messageId,omitempty"`
	Error          string   `json:"error,omitempty"`
	ProvidersTried []string `json:"providersTried,omitempty"`
}

// NoProviderAvailable is the error reported when every provider failed or none was configured.
const NoProviderAvailable = "no WhatsApp provider configured or available"

// Dispatcher tries its providers in order and stops at the first successful send.
type Dispatcher struct {
	providers []DeliveryProvider
	logger    observability.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a Dispatcher over providers, primary first.
func NewDispatcher(providers []DeliveryProvider, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		providers: providers,
		logger:    observability.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Providers returns the providers in dispatch order.
func (d *Dispatcher) Providers() []DeliveryProvider {
	return d.providers
}

// Deliver sends body to the contact. Unconfigured providers are skipped; a failing provider
// is tried once before moving to the next.
func (d *Dispatcher) Deliver(ctx context.Context, to, body string) DeliveryResult {
	ctx, span := observability.StartSpan(ctx, "Dispatcher.Deliver")
	defer span.End()

	logger := d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		observability.ContactLogField: to,
	})

	tried := make([]string, 0, len(d.providers))
	for _, p := range d.providers {
		tried = append(tried, p.Name())
		if !p.Configured() {
			continue
		}

		id, err := p.Send(ctx, to, body)
		if err == nil {
			logger.Infof("Message delivered via %s", p.Name())
			return DeliveryResult{
				Success:   true,
				Provider:  p.Name(),
				MessageID: id,
			}
		}

		span.RecordError(err)
		logger.WithErr(err).Warnf("Delivery via %s failed", p.Name())
	}

	logger.Error("Failed to deliver message with every provider")
	return DeliveryResult{
		Success:        false,
		Error:          NoProviderAvailable,
		ProvidersTried: tried,
	}
}

// RateLimitedDeliveryProvider throttles sends of the wrapped provider.
type RateLimitedDeliveryProvider struct {
	DeliveryProvider
	limiter *rate.Limiter
}

// NewRateLimitedDeliveryProvider allows at most rps sends per second through provider.
func NewRateLimitedDeliveryProvider(provider DeliveryProvider, rps float64) *RateLimitedDeliveryProvider {
	return &RateLimitedDeliveryProvider{
		DeliveryProvider: provider,
		limiter:          rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Send waits for the limiter before delegating.
func (p *RateLimitedDeliveryProvider) Send(ctx context.Context, to, body string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait failed: %w", err)
	}
	return p.DeliveryProvider.Send(ctx, to, body)
}
