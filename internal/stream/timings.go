package stream

import "time"

// Timings collects every interval the supervisor machinery sleeps or waits
// on. Production uses DefaultTimings; tests compress these so backoff and
// health scenarios run in milliseconds.
type Timings struct {
	// PollTick bounds cancellation latency: every background wait sleeps in
	// PollTick increments and re-checks the generation between ticks.
	PollTick time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// HealthGrace is the delay before the first segment freshness check.
	HealthGrace time.Duration
	// HealthInterval is the delay between freshness checks.
	HealthInterval time.Duration
	// StuckThreshold is the maximum segment age before the pipeline is
	// considered stalled.
	StuckThreshold time.Duration
	// NoSegmentSlack extends HealthGrace for the case where no segment was
	// ever produced.
	NoSegmentSlack time.Duration

	// RefreshInterval is how long platform pipelines run before a proactive
	// credential-bearing restart. It must stay materially shorter than the
	// upstream token lifetime.
	RefreshInterval time.Duration

	// RecoveryWindow is how long after a restart the supervisor waits before
	// checking for segments and resetting the attempt counter.
	RecoveryWindow time.Duration

	FeederStopWait     time.Duration
	TranscoderStopWait time.Duration

	FetchTimeout time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		PollTick:           time.Second,
		BackoffBase:        3 * time.Second,
		BackoffCap:         30 * time.Second,
		HealthGrace:        45 * time.Second,
		HealthInterval:     15 * time.Second,
		StuckThreshold:     90 * time.Second,
		NoSegmentSlack:     30 * time.Second,
		RefreshInterval:    50 * time.Minute,
		RecoveryWindow:     60 * time.Second,
		FeederStopWait:     3 * time.Second,
		TranscoderStopWait: 5 * time.Second,
		FetchTimeout:       10 * time.Minute,
	}
}
