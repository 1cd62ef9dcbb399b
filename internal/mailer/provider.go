package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/storefront-crm/internal/circuitbreaker"
	apperrors "github.com/storefront-crm/internal/errors"
)

// DefaultAPIURL is the mail provider's API root
const DefaultAPIURL = "https://api.resend.com"

// Email is one outbound message as handed to the provider
type Email struct {
	From           string
	To             string
	ReplyTo        string
	Subject        string
	HTML           string
	UnsubscribeURL string
	// IdempotencyKey lets the provider drop retried requests.
	IdempotencyKey string
}

// Provider delivers emails and returns the provider's message id
type Provider interface {
	Send(ctx context.Context, email *Email) (string, error)
}

// HTTPProviderConfig configures an HTTPProvider
type HTTPProviderConfig struct {
	APIURL         string
	APIKey         string
	SendsPerSecond int
	HTTPClient     *http.Client
	Breaker        *circuitbreaker.CircuitBreaker
}

// HTTPProvider sends through a Resend-style JSON API, paced by a token
// bucket and guarded by a circuit breaker
type HTTPProvider struct {
	apiURL  string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPProvider creates a provider client
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	limit := rate.Inf
	burst := 1
	if cfg.SendsPerSecond > 0 {
		limit = rate.Limit(cfg.SendsPerSecond)
		burst = cfg.SendsPerSecond
	}

	breaker := cfg.Breaker
	if breaker == nil {
		bc := circuitbreaker.DefaultConfig("mail-provider")
		bc.IsFailure = IsProviderOutage
		breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	return &HTTPProvider{
		apiURL:  apiURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
	}
}

// IsProviderOutage reports whether err says the provider itself is unhealthy.
// Rejections of a single message (4xx other than 429) do not count.
func IsProviderOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) && catErr.Category == apperrors.CategoryMailProvider {
		status, _ := catErr.Details["providerStatus"].(int)
		return status == 0 || status == http.StatusTooManyRequests || status >= 500
	}
	return true
}

type sendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send implements Provider
func (p *HTTPProvider) Send(ctx context.Context, email *Email) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var id string
	err := p.breaker.Execute(ctx, func() error {
		var err error
		id, err = p.post(ctx, email)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		unavailable := apperrors.NewServiceUnavailableError("mail provider", err)
		stats := p.breaker.GetStats()
		unavailable.Details["breakerState"] = string(stats.State)
		unavailable.Details["consecutiveFails"] = stats.ConsecutiveFails
		unavailable.Details["lastFailure"] = stats.LastFailureTime
		return "", unavailable
	}
	return id, err
}

func (p *HTTPProvider) post(ctx context.Context, email *Email) (string, error) {
	payload := sendRequest{
		From:    email.From,
		To:      []string{email.To},
		Subject: email.Subject,
		HTML:    email.HTML,
		ReplyTo: email.ReplyTo,
	}
	if email.UnsubscribeURL != "" {
		payload.Headers = map[string]string{
			"List-Unsubscribe":      "<" + email.UnsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if email.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", email.IdempotencyKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", apperrors.NewMailProviderError(0, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(respBody, &out)

	if resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", apperrors.NewMailProviderError(resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	return out.ID, nil
}
