// Package breaker isolates callers from a failing downstream. After a run of
// consecutive failures the breaker opens and calls short circuit with ErrOpen
// until a cooldown passes, after which a single trial call decides whether to
// close again.
//
// Outcomes of calls admitted before the breaker last changed state are
// ignored: a slow call started while closed cannot close or reopen a breaker
// that has since tripped.
package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

type Config struct {
	Name             string
	FailureThreshold uint32
	// OpenTimeout defaults to one minute.
	OpenTimeout time.Duration
}

type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func New(config Config) *Breaker {
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	return &Breaker{
		name: config.Name,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: config.Name,
			// One trial call while half open, and it alone decides.
			MaxRequests: 1,
			Timeout:     config.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info().
					Str("breaker", name).
					Str("from", fromGobreaker(from).String()).
					Str("to", fromGobreaker(to).String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

// Call runs fn unless the breaker is open. Errors from fn are returned
// wrapped, so both errors.Is(err, inner) and the breaker's own accounting
// see them.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	default:
		return fmt.Errorf("%s: %w", b.name, err)
	}
}

// Do is Call for operations that produce a value.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var value T
	err := b.Call(func() error {
		var err error
		value, err = fn()
		return err
	})
	return value, err
}

// State reports the current state. An open breaker whose cooldown has passed
// reports HalfOpen.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

func (b *Breaker) IsClosed() bool   { return b.State() == Closed }
func (b *Breaker) IsOpen() bool     { return b.State() == Open }
func (b *Breaker) IsHalfOpen() bool { return b.State() == HalfOpen }
