package conveyor

import (
	"time"

	"github.com/asqrzk/conveyor/backoff"
)

// Well-known queues of the billing platform.
const (
	QueuePaymentInitiation  = "q:sub:payment_initiation"
	QueueTrialPayment       = "q:sub:trial_payment"
	QueuePlanChange         = "q:sub:plan_change"
	QueueUsageSync          = "q:sub:usage_sync"
	QueueSubscriptionUpdate = "q:pay:subscription_update"
)

// QueueConfig describes one queue the engine serves.
type QueueConfig struct {
	// Name is the full queue name, e.g. q:sub:plan_change.
	Name string `mapstructure:"name"`

	// Concurrency is the number of claim loops for this queue. Zero falls
	// back to Config.Concurrency.
	Concurrency int `mapstructure:"concurrency"`

	// RateLimit caps claims per second from this queue. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the token-bucket burst for RateLimit.
	RateBurst int `mapstructure:"rate_burst"`

	// Policy holds the retry and visibility parameters.
	Policy backoff.Policy `mapstructure:"policy"`
}

// Config holds configuration for the engine.
type Config struct {
	// Concurrency is the default number of claim loops per queue.
	Concurrency int `mapstructure:"concurrency"`

	// ClaimTimeout bounds how long a single blocking claim waits.
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`

	// PumpInterval is how often ready delayed envelopes are promoted.
	PumpInterval time.Duration `mapstructure:"pump_interval"`

	// PumpBatch caps how many envelopes one pump moves per queue.
	PumpBatch int `mapstructure:"pump_batch"`

	// SweepInterval is how often processing lists are scanned for orphans.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SweepBatch caps how many processing entries one sweep inspects.
	SweepBatch int `mapstructure:"sweep_batch"`

	// HealthInterval is how often queue depths are checked. Zero disables.
	HealthInterval time.Duration `mapstructure:"health_interval"`

	// HighWaterMark is the main-list depth that triggers a warning.
	HighWaterMark int64 `mapstructure:"high_water_mark"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Queues lists the queues served by this process.
	Queues []QueueConfig `mapstructure:"queues"`
}

// DefaultConfig returns a Config with the platform's queue set.
func DefaultConfig() Config {
	standard := backoff.DefaultPolicy()
	trial := backoff.Policy{
		MaxRetries: 3,
		BaseDelay:  60 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   600 * time.Second,
		Jitter:     5 * time.Second,
		LockTTL:    120 * time.Second,
	}

	return Config{
		Concurrency:     2,
		ClaimTimeout:    5 * time.Second,
		PumpInterval:    5 * time.Second,
		PumpBatch:       100,
		SweepInterval:   20 * time.Second,
		SweepBatch:      500,
		HealthInterval:  5 * time.Minute,
		HighWaterMark:   1000,
		ShutdownTimeout: 30 * time.Second,
		Queues: []QueueConfig{
			{Name: QueuePaymentInitiation, Policy: standard},
			{Name: QueueTrialPayment, Policy: trial},
			{Name: QueuePlanChange, Policy: standard},
			{Name: QueueUsageSync, Policy: standard},
			{Name: QueueSubscriptionUpdate, Policy: standard},
		},
	}
}

// Queue returns the configuration for the named queue.
func (c Config) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// QueueNames returns the configured queue names in declaration order.
func (c Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for _, q := range c.Queues {
		names = append(names, q.Name)
	}
	return names
}

// Policies returns the retry policy of every configured queue.
func (c Config) Policies() map[string]backoff.Policy {
	out := make(map[string]backoff.Policy, len(c.Queues))
	for _, q := range c.Queues {
		out[q.Name] = q.Policy
	}
	return out
}
