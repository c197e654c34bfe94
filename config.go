package callkit

import "time"

// Config carries the tunable timings of the engine. The heuristic values
// (offer resend, fallback window) are deliberately configuration, not
// behavior baked into the state machine.
type Config struct {
	// Sliding-window signaling rate limit.
	SignalRateWindow time.Duration `yaml:"signal_rate_window"`
	SignalRateLimit  int           `yaml:"signal_rate_limit"`

	// BackfillWindow is how far back the durable log is read when a
	// subscription starts.
	BackfillWindow time.Duration `yaml:"backfill_window"`

	// FallbackOfferDelay is how long a responder waits for an offer
	// before promoting itself to initiator.
	FallbackOfferDelay time.Duration `yaml:"fallback_offer_delay"`

	// OfferResendDelay is when the opening offer is re-sent verbatim in
	// case the first broadcast was lost.
	OfferResendDelay time.Duration `yaml:"offer_resend_delay"`

	// ConnectTimeout bounds how long an attempt may stay connecting.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxRetries is the initiator's retry budget after failures.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the pause between a failure and the next attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

func DefaultConfig() Config {
	return Config{
		SignalRateWindow:   time.Second,
		SignalRateLimit:    30,
		BackfillWindow:     2 * time.Minute,
		FallbackOfferDelay: 800 * time.Millisecond,
		OfferResendDelay:   2 * time.Second,
		ConnectTimeout:     10 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       time.Second,
	}
}

// withDefaults fills unset fields so a zero or partial Config behaves.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SignalRateWindow <= 0 {
		c.SignalRateWindow = def.SignalRateWindow
	}
	if c.SignalRateLimit <= 0 {
		c.SignalRateLimit = def.SignalRateLimit
	}
	if c.BackfillWindow <= 0 {
		c.BackfillWindow = def.BackfillWindow
	}
	if c.FallbackOfferDelay <= 0 {
		c.FallbackOfferDelay = def.FallbackOfferDelay
	}
	if c.OfferResendDelay <= 0 {
		c.OfferResendDelay = def.OfferResendDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}
