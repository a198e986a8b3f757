package retry

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Spec is the declarative form of a Strategy, used by config-defined jobs.
type Spec struct {
	Kind       string
	MaxRetries int
	Delay      time.Duration // fixed delay, linear initial, exponential base
	Increment  time.Duration // linear only
	Factor     float64       // exponential only (default 2)
	MaxDelay   time.Duration // exponential only (default 300s)
	Jitter     float64       // exponential only
}

// Build validates the spec and returns the strategy it describes.
func (sp Spec) Build() (*Strategy, error) {
	if sp.MaxRetries < 0 {
		return nil, errors.New("retry: max_retries must be >= 0")
	}
	if sp.Delay < 0 || sp.Increment < 0 || sp.MaxDelay < 0 {
		return nil, errors.New("retry: delays must be >= 0")
	}
	switch Kind(strings.ToLower(strings.TrimSpace(sp.Kind))) {
	case "", KindFixed:
		return Fixed(sp.MaxRetries, sp.Delay), nil
	case KindLinear:
		return Linear(sp.MaxRetries, sp.Delay, sp.Increment), nil
	case KindExponential:
		factor := sp.Factor
		if factor == 0 {
			factor = 2
		}
		if factor < 1 {
			return nil, errors.New("retry: factor must be >= 1")
		}
		maxDelay := sp.MaxDelay
		if maxDelay == 0 {
			maxDelay = 300 * time.Second
		}
		base := sp.Delay
		if base == 0 {
			base = time.Second
		}
		return Exponential(sp.MaxRetries, base, factor, maxDelay, sp.Jitter), nil
	default:
		return nil, errors.Newf("retry: unknown kind %q (use fixed, linear or exponential)", sp.Kind)
	}
}
