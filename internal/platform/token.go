package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/storefront-crm/internal/types"
)

// DefaultRefreshBuffer is how long before expiry a token is refreshed proactively
const DefaultRefreshBuffer = 5 * time.Minute

// Token is an access token and its expiry. A zero ExpiresAt never expires.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (t *Token) usable(now time.Time, buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Add(buffer).Before(t.ExpiresAt)
}

// TokenSource fetches a fresh token for a shop
type TokenSource interface {
	FetchToken(ctx context.Context, shop string) (*Token, error)
}

// StaticTokenSource serves an offline access token that never expires
type StaticTokenSource struct {
	AccessToken string
}

// FetchToken implements TokenSource
func (s StaticTokenSource) FetchToken(_ context.Context, _ string) (*Token, error) {
	if s.AccessToken == "" {
		return nil, errors.New("static access token is empty")
	}
	return &Token{AccessToken: s.AccessToken}, nil
}

// ClientCredentialsSource exchanges app credentials for a shop token using the
// client_credentials grant.
type ClientCredentialsSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// BaseURL overrides https://{shop}.myshopify.com, for tests.
	BaseURL string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// FetchToken implements TokenSource
func (s *ClientCredentialsSource) FetchToken(ctx context.Context, shop string) (*Token, error) {
	base := s.BaseURL
	if base == "" {
		base = types.ShopBaseURL(shop)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.ClientID)
	form.Set("client_secret", s.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	token := &Token{AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token, nil
}

// TokenProvider caches one token per shop. Concurrent callers for the same
// shop share a single refresh; the shop's lock is held across the fetch, so a
// slow token endpoint for one shop never blocks another.
type TokenProvider struct {
	source        TokenSource
	refreshBuffer time.Duration
	now           func() time.Time

	mu    sync.Mutex
	shops map[string]*shopToken
}

type shopToken struct {
	mu    sync.Mutex
	token *Token
}

// NewTokenProvider creates a provider over source. A non-positive buffer uses
// DefaultRefreshBuffer.
func NewTokenProvider(source TokenSource, refreshBuffer time.Duration) *TokenProvider {
	if refreshBuffer <= 0 {
		refreshBuffer = DefaultRefreshBuffer
	}
	return &TokenProvider{
		source:        source,
		refreshBuffer: refreshBuffer,
		now:           time.Now,
		shops:         make(map[string]*shopToken),
	}
}

func (p *TokenProvider) shop(shop string) *shopToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.shops[shop]
	if !ok {
		st = &shopToken{}
		p.shops[shop] = st
	}
	return st
}

// Get returns a usable token for shop, refreshing when it is absent or inside
// the refresh buffer.
func (p *TokenProvider) Get(ctx context.Context, shop string) (string, error) {
	st := p.shop(shop)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.token.usable(p.now(), p.refreshBuffer) {
		return st.token.AccessToken, nil
	}
	return p.fetchLocked(ctx, shop, st)
}

// Refresh replaces the token for shop after an authorization failure. If
// another caller already replaced stale, the newer token is returned without
// another fetch.
func (p *TokenProvider) Refresh(ctx context.Context, shop, stale string) (string, error) {
	st := p.shop(shop)
	st.mu.Lock()
	defer st.mu.Unlock()

	if tok := st.token; tok != nil && tok.AccessToken != stale && tok.usable(p.now(), p.refreshBuffer) {
		return tok.AccessToken, nil
	}
	return p.fetchLocked(ctx, shop, st)
}

// fetchLocked must be called with st.mu held
func (p *TokenProvider) fetchLocked(ctx context.Context, shop string, st *shopToken) (string, error) {
	tok, err := p.source.FetchToken(ctx, shop)
	if err != nil {
		st.token = nil
		return "", fmt.Errorf("failed to fetch access token for %s: %w", shop, err)
	}
	st.token = tok
	return tok.AccessToken, nil
}
