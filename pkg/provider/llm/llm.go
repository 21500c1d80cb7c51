// Package llm defines the single-shot completion interface used by the
// enrichment tasks.
package llm

import "context"

// Request is one completion call. Enrichment prompts are single-turn: a
// system instruction plus the thought text.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Client produces a completion for a request. Implementations must be safe
// for concurrent use; the enrichment workers share one client.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
