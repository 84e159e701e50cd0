// Package retry defines the "try again later" contract used when a replica cannot currently establish a session
// with the master, and a consumer loop that honours it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidDirective is returned when a directive violates attempt >= 1, attempt <= maxAttempts or sleep >= 0.
	ErrInvalidDirective = errors.New("invalid retry directive")
	// ErrNonMonotonicAttempt is returned by Do when an operation reports an attempt number that does not increase.
	ErrNonMonotonicAttempt = errors.New("retry attempt did not increase")
	// ErrAttemptsExhausted is wrapped by the error Do returns once the final attempt has been used.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)

// Directive tells the caller to sleep and then retry the same operation. It is an immutable value that also
// implements error, so operations can return it directly.
type Directive struct {
	Attempt     int
	MaxAttempts int
	Sleep       time.Duration
	Reason      string
}

// NewDirective validates and builds a directive.
func NewDirective(attempt, maxAttempts int, sleep time.Duration, reason string) (*Directive, error) {
	switch {
	case attempt < 1:
		return nil, fmt.Errorf("%w: attempt %d < 1", ErrInvalidDirective, attempt)
	case maxAttempts < attempt:
		return nil, fmt.Errorf("%w: attempt %d exceeds max attempts %d", ErrInvalidDirective, attempt, maxAttempts)
	case sleep < 0:
		return nil, fmt.Errorf("%w: negative sleep %v", ErrInvalidDirective, sleep)
	}
	return &Directive{Attempt: attempt, MaxAttempts: maxAttempts, Sleep: sleep, Reason: reason}, nil
}

func (d *Directive) Error() string {
	return fmt.Sprintf("retry attempt %d of %d after %v: %s", d.Attempt, d.MaxAttempts, d.Sleep, d.Reason)
}

// Exhausted reports whether this was the last permitted attempt.
func (d *Directive) Exhausted() bool {
	return d.Attempt >= d.MaxAttempts
}

// AsDirective extracts a Directive from err's chain.
func AsDirective(err error) (*Directive, bool) {
	var d *Directive
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Sequence produces directives for one logical retry sequence with a linearly growing, capped backoff. It is
// safe for concurrent use.
type Sequence struct {
	mu          sync.Mutex
	maxAttempts int
	base        time.Duration
	maxSleep    time.Duration
	attempt     int
}

// NewSequence creates a sequence allowing maxAttempts attempts. The n-th directive sleeps base*n, capped at
// maxSleep when maxSleep is positive.
func NewSequence(maxAttempts int, base, maxSleep time.Duration) *Sequence {
	return &Sequence{maxAttempts: maxAttempts, base: base, maxSleep: maxSleep}
}

// Next returns the directive for the next attempt, or ErrAttemptsExhausted when none remain.
func (s *Sequence) Next(reason string) (*Directive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt >= s.maxAttempts {
		return nil, fmt.Errorf("%w after %d attempts: %s", ErrAttemptsExhausted, s.attempt, reason)
	}
	s.attempt++

	sleep := s.base * time.Duration(s.attempt)
	if s.maxSleep > 0 && sleep > s.maxSleep {
		sleep = s.maxSleep
	}
	return NewDirective(s.attempt, s.maxAttempts, sleep, reason)
}

// Reset starts a new logical retry sequence.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Do calls op until it returns nil or an error that is not a Directive. When op returns a Directive, Do sleeps
// for the directive's duration and calls op again, up to the directive's MaxAttempts. The attempt numbers
// reported by op must strictly increase. Cancelling ctx aborts the sleep.
func Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lastAttempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		d, ok := AsDirective(err)
		if !ok {
			return err
		}
		if d.Attempt <= lastAttempt {
			return fmt.Errorf("%w: got %d after %d", ErrNonMonotonicAttempt, d.Attempt, lastAttempt)
		}
		lastAttempt = d.Attempt

		if d.Exhausted() {
			return fmt.Errorf("%w: %w", ErrAttemptsExhausted, d)
		}

		if d.Sleep > 0 {
			t := time.NewTimer(d.Sleep)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}
