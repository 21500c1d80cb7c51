// Package mock provides a scripted llm.Client for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/halcyonlabs/murmur/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Client = (*Client)(nil)

// Client returns scripted responses keyed by a substring of the system
// prompt, falling back to Response. Every request is recorded.
type Client struct {
	// Response is the default completion text.
	Response string
	// BySystem maps a substring of the system prompt to a response,
	// letting one mock serve different task prompts.
	BySystem map[string]string
	// Err, when set, is returned from every call.
	Err error

	mu       sync.Mutex
	requests []llm.Request
}

// Complete implements llm.Client.
func (c *Client) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.Err != nil {
		return "", c.Err
	}
	for needle, resp := range c.BySystem {
		if needle != "" && strings.Contains(req.System, needle) {
			return resp, nil
		}
	}
	return c.Response, nil
}

// Requests returns a snapshot of all recorded requests.
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}
