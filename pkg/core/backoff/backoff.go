// Package backoff provides the exponential retry policy shared by every
// reconnecting leg: the client socket, the STT upstream, and the TTS upstream.
package backoff

import (
	"errors"
	"time"
)

var ErrRetriesExhausted = errors.New("backoff: retries exhausted")

// Policy computes reconnect delays. The zero value is not usable; call
// Default or fill in all fields.
type Policy struct {
	// Base scales the schedule: retry n waits Base*2^n.
	Base time.Duration
	// Cap bounds the computed delay.
	Cap time.Duration
	// MaxAttempts is the number of retries allowed after the initial failure.
	MaxAttempts int
}

// Default returns the policy used across all legs: 1s doubling, capped at
// 10s, three attempts.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         10 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before the given retry attempt. Attempts are
// 1-based: attempt 1 is the first retry and waits Base*2. Attempts beyond
// MaxAttempts return ErrRetriesExhausted.
func (p Policy) Delay(attempt int) (time.Duration, error) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, ErrRetriesExhausted
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d, nil
}

// Supervisor pairs a policy with an attempt counter for one connection leg.
// It is not safe for concurrent use; each leg owns its supervisor and drives
// it from a single goroutine.
type Supervisor struct {
	policy  Policy
	attempt int
}

func NewSupervisor(p Policy) *Supervisor {
	if p.Base <= 0 {
		p = Default()
	}
	return &Supervisor{policy: p}
}

// Next records a failure and returns the delay to wait before the next dial.
// Returns ErrRetriesExhausted once the policy's attempt budget is spent.
func (s *Supervisor) Next() (time.Duration, error) {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

// Reset clears the attempt counter. Callers invoke it after every successful
// open so a later drop starts the schedule from the base delay again.
func (s *Supervisor) Reset() {
	s.attempt = 0
}

// Attempt returns the number of consecutive failures recorded since the last
// Reset.
func (s *Supervisor) Attempt() int {
	return s.attempt
}
