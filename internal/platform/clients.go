package platform

import "sync"

// Clients hands out one Client per shop, sharing the token provider and the
// cost budget between them.
type Clients struct {
	tokens *TokenProvider
	opts   Options

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClients creates a per-shop client registry
func NewClients(tokens *TokenProvider, opts Options) *Clients {
	return &Clients{
		tokens:  tokens,
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// For returns the client bound to shop, creating it on first use
func (c *Clients) For(shop string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[shop]; ok {
		return client
	}
	client := NewClient(shop, c.tokens, c.opts)
	c.clients[shop] = client
	return client
}
