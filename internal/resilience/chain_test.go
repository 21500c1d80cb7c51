package resilience

import (
	"errors"
	"testing"
	"time"
)

var errNoSpeech = errors.New("no speech")

func newTestChain(backends ...string) *Chain[string] {
	c := NewChain[string](ChainConfig{
		Breaker:  BreakerConfig{Trip: 1, Cooldown: time.Hour},
		Terminal: func(err error) bool { return errors.Is(err, errNoSpeech) },
	})
	for _, b := range backends {
		c.Add(b, b)
	}
	return c
}

func TestRun_PrimarySucceeds(t *testing.T) {
	c := newTestChain("primary", "fallback")
	var tried []string
	got, err := Run(c, func(name, v string) (string, error) {
		tried = append(tried, name)
		return v + "-ok", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "primary-ok" {
		t.Errorf("result = %q", got)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want primary only", tried)
	}
}

func TestRun_FallsBackOnFailure(t *testing.T) {
	c := newTestChain("primary", "fallback")
	got, err := Run(c, func(name, v string) (string, error) {
		if name == "primary" {
			return "", errBoom
		}
		return v + "-ok", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "fallback-ok" {
		t.Errorf("result = %q", got)
	}
}

func TestRun_AllFailed(t *testing.T) {
	c := newTestChain("a", "b")
	_, err := Run(c, func(string, string) (string, error) {
		return "", errBoom
	})
	if !errors.Is(err, ErrChainExhausted) {
		t.Fatalf("err = %v, want ErrChainExhausted", err)
	}
}

func TestRun_TerminalErrorStopsChain(t *testing.T) {
	c := newTestChain("primary", "fallback")
	var tried []string
	_, err := Run(c, func(name, v string) (string, error) {
		tried = append(tried, name)
		return "", errNoSpeech
	})
	if !errors.Is(err, errNoSpeech) {
		t.Fatalf("err = %v, want terminal error", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, terminal error should not fall through", tried)
	}
}

func TestRun_TerminalDoesNotTripBreaker(t *testing.T) {
	c := newTestChain("only")
	for range 3 {
		_, _ = Run(c, func(string, string) (string, error) {
			return "", errNoSpeech
		})
	}
	got, err := Run(c, func(_, v string) (string, error) { return v, nil })
	if err != nil || got != "only" {
		t.Fatalf("Run after terminal errors = %q, %v", got, err)
	}
}

func TestRun_SkipMovesToNextEntry(t *testing.T) {
	c := newTestChain("wav-only", "any-format")
	got, err := Run(c, func(name, v string) (string, error) {
		if name == "wav-only" {
			return "", ErrSkip
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "any-format" {
		t.Errorf("result = %q", got)
	}
}

func TestRun_OpenBreakerIsBypassed(t *testing.T) {
	c := newTestChain("flaky", "steady")

	// Trip the flaky breaker (Trip: 1).
	_, _ = Run(c, func(name, v string) (string, error) {
		if name == "flaky" {
			return "", errBoom
		}
		return v, nil
	})

	var tried []string
	got, err := Run(c, func(name, v string) (string, error) {
		tried = append(tried, name)
		return v, nil
	})
	if err != nil || got != "steady" {
		t.Fatalf("Run = %q, %v", got, err)
	}
	for _, name := range tried {
		if name == "flaky" {
			t.Error("flaky was tried despite open breaker")
		}
	}
}

func TestRun_EmptyChain(t *testing.T) {
	c := NewChain[string](ChainConfig{})
	_, err := Run(c, func(_, v string) (string, error) { return v, nil })
	if !errors.Is(err, ErrChainExhausted) {
		t.Fatalf("err = %v, want ErrChainExhausted", err)
	}
}

func TestChain_Names(t *testing.T) {
	c := newTestChain("a", "b", "c")
	names := c.Names()
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Errorf("Names() = %v", names)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d", c.Len())
	}
}
