package tutorbot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// UltraMsgBaseURL is the UltraMsg API root.
const UltraMsgBaseURL = "https://api.ultramsg.com"

// UltraMsgConfig holds UltraMsg credentials.
type UltraMsgConfig struct {
	Token      string
	InstanceID string
	// BaseURL defaults to UltraMsgBaseURL.
	BaseURL string
	// HTTPClient defaults to a traced client with DefaultDeliveryTimeout.
	HTTPClient *http.Client
}

// UltraMsgProvider delivers messages through the UltraMsg chat endpoint.
type UltraMsgProvider struct {
	cfg UltraMsgConfig
}

// NewUltraMsgProvider creates an UltraMsgProvider.
func NewUltraMsgProvider(cfg UltraMsgConfig) *UltraMsgProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = UltraMsgBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newDeliveryHTTPClient()
	}
	return &UltraMsgProvider{cfg: cfg}
}

// Name implements DeliveryProvider.
func (p *UltraMsgProvider) Name() string { return "ultramsg" }

// Configured implements DeliveryProvider.
func (p *UltraMsgProvider) Configured() bool {
	return p.cfg.Token != "" && p.cfg.InstanceID != ""
}

// Send implements DeliveryProvider.
func (p *UltraMsgProvider) Send(ctx context.Context, to, body string) (string, error) {
	if !p.Configured() {
		return "", fmt.Errorf("ultramsg: %w", ErrProviderNotConfigured)
	}

	form := url.Values{}
	form.Set("token", p.cfg.Token)
	form.Set("to", SanitizeRecipient(to))
	form.Set("body", body)
	form.Set("priority", "1")

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + url.PathEscape(p.cfg.InstanceID) + "/messages/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build ultramsg request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ultramsg request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read ultramsg response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DeliveryError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(data)}
	}

	// UltraMsg reports some failures with HTTP 200 and an "error" field.
	result := gjson.ParseBytes(data)
	if errField := result.Get("error"); errField.Exists() {
		return "", &DeliveryError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: errField.String()}
	}

	return result.Get("id").String(), nil
}
