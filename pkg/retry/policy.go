// Package retry decides whether a failed stage attempt is re-run and when.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 5 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 5 * time.Minute
)

// Policy is an exponential backoff retry policy.
//
// A step gets at most MaxAttempts attempts in total. Attempt n (1-based)
// that fails transiently is retried after InitialDelay * Multiplier^(n-1),
// capped at MaxDelay.
type Policy struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`

	// ShouldRetry classifies errors. Nil uses IsTransient.
	ShouldRetry func(err error) bool `mapstructure:"-" yaml:"-" json:"-"`
}

// Default returns the default policy: 3 attempts, 5s initial delay, doubling.
func Default() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry initial_delay must be >= 0, got %s", p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry max_delay must be >= 0, got %s", p.MaxDelay)
	}
	return nil
}

// Backoff returns the delay before the attempt following attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Decide evaluates err raised by the given attempt (1-based).
func (p Policy) Decide(err error, attempt int) Decision {
	if err == nil {
		return Decision{Reason: "no error"}
	}
	classify := p.ShouldRetry
	if classify == nil {
		classify = IsTransient
	}
	if !classify(err) {
		return Decision{Reason: "permanent error"}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Reason: fmt.Sprintf("attempts exhausted (%d/%d)", attempt, p.MaxAttempts)}
	}
	return Decision{
		Retry:  true,
		Delay:  p.Backoff(attempt),
		Reason: fmt.Sprintf("transient error, attempt %d/%d", attempt, p.MaxAttempts),
	}
}

// Permanence is implemented by errors that know whether retrying can help.
type Permanence interface {
	Permanent() bool
}

// IsTransient is the default classification: errors are retryable unless
// they declare themselves permanent. Cancellation and deadlines are
// transient; the attempt is re-run by whichever worker picks it up next.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var p Permanence
	if errors.As(err, &p) {
		return !p.Permanent()
	}
	return true
}
