package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrChainExhausted is returned when every entry in a [Chain] failed or had an
// open breaker.
var ErrChainExhausted = errors.New("resilience: all backends failed")

// ErrSkip can be returned by the function passed to [Run] to skip the current
// entry without tripping its breaker, e.g. when a transcriber does not accept
// the clip format.
var ErrSkip = errors.New("resilience: backend skipped")

// ChainConfig configures a [Chain].
type ChainConfig struct {
	// Breaker is the per-entry breaker template; the entry name overrides
	// Breaker.Name.
	Breaker BreakerConfig

	// Terminal reports whether an error is a definitive answer that should
	// end the chain without tripping the breaker or trying fallbacks. A
	// no-speech determination from a healthy transcriber is terminal: the
	// next backend would only hallucinate over the same silence.
	Terminal func(error) bool
}

type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain tries a primary and zero or more fallbacks of the same backend type
// in registration order, skipping entries whose breaker is open.
type Chain[T any] struct {
	cfg     ChainConfig
	entries []chainEntry[T]
}

// NewChain creates an empty [Chain]; register backends with [Chain.Add].
func NewChain[T any](cfg ChainConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. Entries are tried in the order they were added.
func (c *Chain[T]) Add(name string, value T) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bc),
	})
}

// Len returns the number of registered backends.
func (c *Chain[T]) Len() int { return len(c.entries) }

// Names returns the registered backend names in order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Run tries fn against each chain entry until one succeeds or returns a
// terminal error. Package-level because Go has no method type parameters.
func Run[T, R any](c *Chain[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.entries {
		e := &c.entries[i]
		var (
			result  R
			skipped bool
			termErr error
		)
		err := e.breaker.Do(func() error {
			r, ferr := fn(e.name, e.value)
			switch {
			case ferr == nil:
				result = r
				return nil
			case errors.Is(ferr, ErrSkip):
				skipped = true
				return nil
			case c.cfg.Terminal != nil && c.cfg.Terminal(ferr):
				termErr = ferr
				return nil
			default:
				return ferr
			}
		})
		switch {
		case err == nil && termErr != nil:
			return zero, termErr
		case err == nil && skipped:
			slog.Debug("backend skipped", "backend", e.name)
			continue
		case err == nil:
			return result, nil
		case errors.Is(err, ErrBreakerOpen):
			slog.Debug("backend bypassed, breaker open", "backend", e.name)
		default:
			slog.Warn("backend failed, trying next", "backend", e.name, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		return zero, ErrChainExhausted
	}
	return zero, fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
}
