package tutorbot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GupshupBaseURL is the Gupshup API root.
const GupshupBaseURL = "https://api.gupshup.io"

// GupshupConfig holds Gupshup credentials.
type GupshupConfig struct {
	APIKey       string
	AppName      string
	SourceNumber string
	// BaseURL defaults to GupshupBaseURL.
	BaseURL string
	// HTTPClient defaults to a traced client with DefaultDeliveryTimeout.
	HTTPClient *http.Client
}

// GupshupProvider delivers messages through the Gupshup WhatsApp API.
type GupshupProvider struct {
	cfg GupshupConfig
}

// NewGupshupProvider creates a GupshupProvider.
func NewGupshupProvider(cfg GupshupConfig) *GupshupProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GupshupBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newDeliveryHTTPClient()
	}
	return &GupshupProvider{cfg: cfg}
}

// Name implements DeliveryProvider.
func (p *GupshupProvider) Name() string { return "gupshup" }

// Configured implements DeliveryProvider.
func (p *GupshupProvider) Configured() bool {
	return p.cfg.APIKey != "" && p.cfg.AppName != "" && p.cfg.SourceNumber != ""
}

// Send implements DeliveryProvider.
func (p *GupshupProvider) Send(ctx context.Context, to, body string) (string, error) {
	if !p.Configured() {
		return "", fmt.Errorf("gupshup: %w", ErrProviderNotConfigured)
	}

	message, err := sjson.Set(`{"type":"text"}`, "text", body)
	if err != nil {
		return "", fmt.Errorf("failed to encode gupshup message: %w", err)
	}

	form := url.Values{}
	form.Set("channel", "whatsapp")
	form.Set("source", p.cfg.SourceNumber)
	form.Set("src.name", p.cfg.AppName)
	form.Set("destination", SanitizeRecipient(to))
	form.Set("message", message)

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/sm/api/v1/msg"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build gupshup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", p.cfg.APIKey)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gupshup request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read gupshup response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DeliveryError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(data)}
	}

	result := gjson.ParseBytes(data)
	if status := result.Get("status").String(); status == "error" {
		return "", &DeliveryError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: result.Get("message").String()}
	}
	return result.Get("messageId").String(), nil
}
