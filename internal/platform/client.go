// Package platform talks to the commerce platform's Admin GraphQL API:
// token handling, cost-aware throttling, bulk exports and record mapping.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/ratelimit"
	"github.com/storefront-crm/internal/retry"
	"github.com/storefront-crm/internal/types"
)

// Defaults for Options
const (
	DefaultAPIVersion    = "2025-01"
	DefaultMaxAttempts   = 5
	DefaultEstimatedCost = 50
)

var (
	// ErrThrottled wraps the final error once throttle retries are exhausted
	ErrThrottled = errors.New("platform throttled")
	// ErrUnauthorized is returned when a refreshed token is still rejected
	ErrUnauthorized = errors.New("platform rejected access token")
)

// GraphQLError is one entry of the response "errors" array
type GraphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// GraphQLErrors is a non-throttle GraphQL failure
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	if len(e) == 0 {
		return "graphql error"
	}
	if len(e) == 1 {
		return "graphql error: " + e[0].Message
	}
	return fmt.Sprintf("graphql error: %s (and %d more)", e[0].Message, len(e)-1)
}

// throttleError is retried by Execute
type throttleError struct {
	reason string
}

func (e *throttleError) Error() string { return "throttled: " + e.reason }

func isThrottle(err error) bool {
	var t *throttleError
	return errors.As(err, &t)
}

// CostBudget is the cross-process view of the platform cost bucket
type CostBudget interface {
	Wait(ctx context.Context, shop string, cost float64) error
	Observe(ctx context.Context, shop string, status ratelimit.ThrottleStatus) error
}

// Options configures a Client
type Options struct {
	APIVersion  string
	MaxAttempts int
	// InitialBackoff is the first throttle retry delay. Default: 1s.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	// Budget is optional; when set, calls pre-wait on the shared budget.
	Budget CostBudget
	// EstimatedCost is reserved from Budget before each call.
	EstimatedCost float64
	// BaseURL overrides https://{shop}.myshopify.com, for tests.
	BaseURL string
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Sleep waits for throttle backoff and cost restore; defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client executes Admin GraphQL calls for a single shop
type Client struct {
	shop   string
	tokens *TokenProvider
	opts   Options
	http   *http.Client
	logger *logging.Logger
}

// NewClient creates a client for shop
func NewClient(shop string, tokens *TokenProvider, opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.EstimatedCost <= 0 {
		opts.EstimatedCost = DefaultEstimatedCost
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.BaseURL == "" {
		opts.BaseURL = types.ShopBaseURL(shop)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Client{
		shop:   shop,
		tokens: tokens,
		opts:   opts,
		http:   httpClient,
		logger: logger.WithComponent("platform").WithShop(shop),
	}
}

// Shop returns the shop id this client is bound to
func (c *Client) Shop() string {
	return c.shop
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/admin/api/%s/graphql.json", c.opts.BaseURL, c.opts.APIVersion)
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data       json.RawMessage `json:"data"`
	Errors     GraphQLErrors   `json:"errors"`
	Extensions struct {
		Cost *queryCost `json:"cost"`
	} `json:"extensions"`
}

type queryCost struct {
	RequestedQueryCost float64 `json:"requestedQueryCost"`
	ActualQueryCost    float64 `json:"actualQueryCost"`
	ThrottleStatus     struct {
		MaximumAvailable   float64 `json:"maximumAvailable"`
		CurrentlyAvailable float64 `json:"currentlyAvailable"`
		RestoreRate        float64 `json:"restoreRate"`
	} `json:"throttleStatus"`
}

// Execute runs a GraphQL query or mutation and decodes "data" into out.
// Throttling (HTTP 429 or a THROTTLED error) is retried with exponential
// backoff; once attempts run out the error wraps ErrThrottled. Other errors
// are returned on the first occurrence.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode graphql request: %w", err)
	}

	if c.opts.Budget != nil {
		if err := c.opts.Budget.Wait(ctx, c.shop, c.opts.EstimatedCost); err != nil {
			return err
		}
	}

	cfg := &retry.RetryConfig{
		MaxAttempts:  c.opts.MaxAttempts,
		InitialDelay: c.opts.InitialBackoff,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		ShouldRetry:  isThrottle,
		Sleep:        c.opts.Sleep,
	}
	result := retry.WithExponentialBackoff(logging.WithLogger(ctx, c.logger), cfg, func(ctx context.Context, _ int) error {
		return c.do(ctx, body, out)
	})
	if result.Success {
		return nil
	}
	if result.Exhausted && isThrottle(result.LastError) {
		return apperrors.NewThrottledError(result.Attempts, fmt.Errorf("%w: %v", ErrThrottled, result.LastError))
	}
	return result.LastError
}

func (c *Client) do(ctx context.Context, body []byte, out interface{}) error {
	token, err := c.tokens.Get(ctx, c.shop)
	if err != nil {
		return retry.Permanent(apperrors.NewPlatformError("token", err))
	}

	resp, err := c.post(ctx, token, body)
	if err != nil {
		return retry.Permanent(apperrors.NewPlatformError("request", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.logger.Info("Access token rejected, refreshing")
		token, err = c.tokens.Refresh(ctx, c.shop, token)
		if err != nil {
			return retry.Permanent(apperrors.NewPlatformError("token refresh", err))
		}
		resp, err = c.post(ctx, token, body)
		if err != nil {
			return retry.Permanent(apperrors.NewPlatformError("request", err))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return retry.Permanent(apperrors.NewPlatformError("request", ErrUnauthorized))
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		drain(resp)
		return &throttleError{reason: "http 429"}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Permanent(apperrors.NewPlatformError("read response", err))
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Permanent(apperrors.NewPlatformError("request",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(raw), 200))))
	}

	var gql graphQLResponse
	if err := json.Unmarshal(raw, &gql); err != nil {
		return retry.Permanent(apperrors.NewPlatformError("decode response", err))
	}

	for _, e := range gql.Errors {
		if e.Extensions.Code == "THROTTLED" {
			return &throttleError{reason: e.Message}
		}
	}
	if len(gql.Errors) > 0 {
		return retry.Permanent(apperrors.NewPlatformError("graphql", gql.Errors))
	}

	if out != nil && len(gql.Data) > 0 {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return retry.Permanent(apperrors.NewPlatformError("decode data", err))
		}
	}

	if gql.Extensions.Cost != nil {
		c.respectCost(ctx, gql.Extensions.Cost)
	}
	return nil
}

// respectCost publishes the throttle status and sleeps when the remaining
// budget is below twice the cost just spent. The call has already succeeded,
// so an interrupted sleep is only logged; the next call's Budget.Wait covers
// the deficit.
func (c *Client) respectCost(ctx context.Context, cost *queryCost) {
	status := cost.ThrottleStatus
	if c.opts.Budget != nil {
		if err := c.opts.Budget.Observe(ctx, c.shop, ratelimit.ThrottleStatus{
			MaximumAvailable:   status.MaximumAvailable,
			CurrentlyAvailable: status.CurrentlyAvailable,
			RestoreRate:        status.RestoreRate,
		}); err != nil {
			c.logger.WithError(err).Warn("Failed to publish throttle status")
		}
	}

	wait := CostBackoff(cost.ActualQueryCost, status.CurrentlyAvailable, status.RestoreRate)
	if wait <= 0 {
		return
	}
	c.logger.WithFields(map[string]interface{}{
		"actualCost": cost.ActualQueryCost,
		"available":  status.CurrentlyAvailable,
		"wait":       wait.String(),
	}).Debug("Waiting for cost budget to restore")
	c.opts.Metrics.PlatformWait(wait)
	if err := c.opts.Sleep(ctx, wait); err != nil {
		c.logger.WithError(err).Warn("Cost backoff interrupted")
	}
}

// CostBackoff returns how long to wait after a call that cost actualCost when
// available points remain and restoreRate points return per second.
func CostBackoff(actualCost, available, restoreRate float64) time.Duration {
	deficit := 2*actualCost - available
	if deficit <= 0 || restoreRate <= 0 {
		return 0
	}
	return time.Duration(deficit / restoreRate * float64(time.Second))
}

func (c *Client) post(ctx context.Context, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", token)
	return c.http.Do(req)
}

// Downloader fetches bulk operation results. Result URLs are pre-signed, so
// no access token is sent. Only HTTPClient's transport is used: a bulk file
// can take far longer to stream than any request timeout, so the download is
// bounded by ctx and the transport's header and idle timeouts instead.
type Downloader struct {
	HTTPClient *http.Client
}

// NewDownloadTransport returns a transport for bulk downloads that gives up
// when the server is slow to answer but never caps the body read.
func NewDownloadTransport(responseHeaderTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = responseHeaderTimeout
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// OpenBulkResult opens a streaming download of a bulk operation result.
// The caller must close the returned reader.
func (d *Downloader) OpenBulkResult(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	httpClient := &http.Client{}
	if d != nil && d.HTTPClient != nil {
		httpClient = &http.Client{
			Transport:     d.HTTPClient.Transport,
			CheckRedirect: d.HTTPClient.CheckRedirect,
			Jar:           d.HTTPClient.Jar,
		}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewPlatformError("bulk download", err)
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, apperrors.NewPlatformError("bulk download", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// OpenBulkResult opens a streaming download of a bulk operation result
func (c *Client) OpenBulkResult(ctx context.Context, url string) (io.ReadCloser, error) {
	d := &Downloader{HTTPClient: &http.Client{Transport: c.http.Transport}}
	return d.OpenBulkResult(ctx, url)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
