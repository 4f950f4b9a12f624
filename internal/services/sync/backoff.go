package sync

import (
	"math"
	"time"

	"github.com/lumenhealth/syncbox/internal/config"
)

// Backoff defaults, applied when config leaves the policy zero.
const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 30 * time.Second
)

// BackoffPolicy computes retry delays as Base * Factor^(attempt-1),
// capped at Cap. It is a pure function of the attempt number so retry
// timing can be tested without wall-clock waits.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultBackoff returns the stock policy: 1s doubling, capped at 30s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   DefaultBackoffBase,
		Factor: DefaultBackoffFactor,
		Cap:    DefaultBackoffCap,
	}
}

// BackoffFromConfig builds a policy from sync config, normalizing
// unset values to the defaults.
func BackoffFromConfig(cfg config.SyncConfig) BackoffPolicy {
	p := BackoffPolicy{
		Base:   cfg.BackoffBase,
		Factor: cfg.BackoffFactor,
		Cap:    cfg.BackoffCap,
	}
	if p.Base <= 0 {
		p.Base = DefaultBackoffBase
	}
	if p.Factor < 1 {
		p.Factor = DefaultBackoffFactor
	}
	if p.Cap <= 0 {
		p.Cap = DefaultBackoffCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based). Attempts past the cap all return Cap, so the result stays
// finite for any attempt count.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if math.IsNaN(d) || d >= float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}
