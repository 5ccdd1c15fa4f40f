package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	appLog "concertcal/internal/log"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LLM completes a chat conversation and returns the assistant's text.
type LLM interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

// ErrUnavailable is returned while the circuit breaker for a backend is open.
var ErrUnavailable = errors.New("extract: llm backend unavailable")

// StatusError is a non-2xx response from an LLM backend.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Backend, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Backend, e.Code, e.Body)
}

// Temporary reports whether the request is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// Guarded wraps an LLM with retries for transient failures and a circuit
// breaker that trips after consecutive failed calls.
type Guarded struct {
	llm LLM
	cb  *gobreaker.CircuitBreaker[string]

	attempts uint
	delay    time.Duration
}

// BreakerThreshold is the number of consecutive failed calls that opens the
// breaker.
const BreakerThreshold = 3

// NewGuarded returns llm wrapped with retry-go and gobreaker.
func NewGuarded(name string, llm LLM) *Guarded {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= BreakerThreshold
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Warn("llm circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
	}
	return &Guarded{
		llm:      llm,
		cb:       gobreaker.NewCircuitBreaker[string](settings),
		attempts: 3,
		delay:    2 * time.Second,
	}
}

func (g *Guarded) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	out, err := g.cb.Execute(func() (string, error) {
		return retry.DoWithData(
			func() (string, error) {
				return g.llm.Complete(ctx, system, messages)
			},
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.Delay(g.delay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.OnRetry(func(n uint, err error) {
				appLog.Warn("llm request retry", "backend", g.cb.Name(), "attempt", n+1, "err", err.Error())
			}),
		)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, g.cb.Name(), err)
	}
	return out, err
}

func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
