// Package retry decides whether a failed job attempt is retried and how long
// to wait before the next attempt.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

type Kind string

const (
	KindFixed       Kind = "fixed"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindCustom      Kind = "custom"
)

// DelayFunc returns the wait after the given failed attempt (1-based).
type DelayFunc func(attempt int) time.Duration

// Strategy is an immutable retry policy. Build one with Fixed, Linear,
// Exponential or Custom.
type Strategy struct {
	kind       Kind
	maxRetries int
	maxDelay   time.Duration // 0 = uncapped
	initial    time.Duration // un-jittered wait after the first attempt
	delay      DelayFunc

	retryOn  []error
	ignoreOn []error
}

type Option func(*Strategy)

// WithRetryOn restricts retries to errors matching one of errs (errors.Is).
func WithRetryOn(errs ...error) Option {
	return func(s *Strategy) { s.retryOn = append(s.retryOn, errs...) }
}

// WithIgnoreOn never retries errors matching one of errs. Takes precedence over WithRetryOn.
func WithIgnoreOn(errs ...error) Option {
	return func(s *Strategy) { s.ignoreOn = append(s.ignoreOn, errs...) }
}

func newStrategy(kind Kind, maxRetries int, initial, maxDelay time.Duration, fn DelayFunc, opts []Option) *Strategy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if initial < 0 {
		initial = 0
	}
	s := &Strategy{kind: kind, maxRetries: maxRetries, initial: initial, maxDelay: maxDelay, delay: fn}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Fixed waits the same delay before every retry.
func Fixed(maxRetries int, delay time.Duration, opts ...Option) *Strategy {
	if delay < 0 {
		delay = 0
	}
	return newStrategy(KindFixed, maxRetries, delay, 0, func(int) time.Duration { return delay }, opts)
}

// Linear waits initial + increment*(attempt-1).
func Linear(maxRetries int, initial, increment time.Duration, opts ...Option) *Strategy {
	return newStrategy(KindLinear, maxRetries, initial, 0, func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := initial + increment*time.Duration(attempt-1)
		if d < 0 {
			return 0
		}
		return d
	}, opts)
}

// Exponential waits min(base*factor^(attempt-1), maxDelay). A jitter in (0,1]
// randomizes the delay by +/- jitter fraction, still capped at maxDelay.
func Exponential(maxRetries int, base time.Duration, factor float64, maxDelay time.Duration, jitter float64, opts ...Option) *Strategy {
	if factor < 1 {
		factor = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	initial := base
	if maxDelay > 0 && initial > maxDelay {
		initial = maxDelay
	}
	return newStrategy(KindExponential, maxRetries, initial, maxDelay, func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		f := float64(base) * math.Pow(factor, float64(attempt-1))
		if maxDelay > 0 && f > float64(maxDelay) {
			f = float64(maxDelay)
		}
		if jitter > 0 {
			f *= 1 + (rand.Float64()*2-1)*jitter
		}
		d := time.Duration(f)
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
		if d < 0 {
			d = 0
		}
		return d
	}, opts)
}

// Custom delegates delay computation to fn.
func Custom(maxRetries int, fn DelayFunc, opts ...Option) *Strategy {
	if fn == nil {
		fn = func(int) time.Duration { return 0 }
	}
	return newStrategy(KindCustom, maxRetries, fn(1), 0, fn, opts)
}

func (s *Strategy) Kind() Kind {
	if s == nil {
		return ""
	}
	return s.kind
}

func (s *Strategy) MaxRetries() int {
	if s == nil {
		return 0
	}
	return s.maxRetries
}

// InitialDelay is the wait after the first failed attempt, without jitter.
func (s *Strategy) InitialDelay() time.Duration {
	if s == nil {
		return 0
	}
	return s.initial
}

func (s *Strategy) MaxDelay() time.Duration {
	if s == nil {
		return 0
	}
	return s.maxDelay
}

// ShouldRetry reports whether a failure should be retried given the number of
// retries already performed for this run chain.
func (s *Strategy) ShouldRetry(err error, retries int) bool {
	if s == nil || err == nil {
		return false
	}
	if retries >= s.maxRetries {
		return false
	}
	for _, target := range s.ignoreOn {
		if errors.Is(err, target) {
			return false
		}
	}
	if IsNoRetry(err) {
		return false
	}
	if len(s.retryOn) == 0 {
		return true
	}
	for _, target := range s.retryOn {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Delay returns the wait after the given failed attempt (1-based).
func (s *Strategy) Delay(attempt int) time.Duration {
	if s == nil || s.delay == nil {
		return 0
	}
	return s.delay(attempt)
}

// DelayFor is Delay but honours a RetryAfter hint carried by err.
func (s *Strategy) DelayFor(err error, attempt int) time.Duration {
	var ra AfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if limit := s.MaxDelay(); limit > 0 && d > limit {
			d = limit
		}
		return d
	}
	return s.Delay(attempt)
}

func (s *Strategy) String() string {
	if s == nil {
		return "none"
	}
	return fmt.Sprintf("%s(max=%d, first=%s)", s.kind, s.maxRetries, s.initial)
}
