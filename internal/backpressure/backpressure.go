// Package backpressure holds producers back while the event log is longer than downstream consumers can absorb.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/repoindex/repoindex/internal/common/logctx"
	"github.com/repoindex/repoindex/internal/common/logging"
)

const DefaultCheckInterval = 5 * time.Second

var logLengthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "repoindex_backpressure_log_length",
	Help: "Total length of the event log at the last backpressure check",
})

// Measurer reports the total number of entries currently held by the log.
type Measurer interface {
	Length(ctx context.Context) (int64, error)
}

type Config struct {
	// Producers wait while the log holds at least this many entries. Zero or less disables the policy.
	HighWaterMark int64
	// How long a successful check stays valid, and how long to sleep between failed ones.
	CheckInterval time.Duration
}

// Policy is a gate that blocks while the measured log length is at or above the high water mark. Measurement
// failures block too: it is safer to stall producers than to let the log grow unchecked.
type Policy struct {
	measurer Measurer
	config   Config
	clock    clock.Clock

	mu        sync.Mutex
	lastCheck time.Time
	checked   bool
}

func NewPolicy(measurer Measurer, config Config) *Policy {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	return &Policy{
		measurer: measurer,
		config:   config,
		clock:    clock.RealClock{},
	}
}

func (p *Policy) Enabled() bool {
	return p != nil && p.config.HighWaterMark > 0
}

// Wait returns once the log is below the high water mark, or with ctx.Err() if ctx ends first.
func (p *Policy) Wait(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	fresh := p.checked && p.clock.Since(p.lastCheck) < p.config.CheckInterval
	p.mu.Unlock()
	if fresh {
		return nil
	}

	log := logctx.FromContext(ctx).Log
	for {
		length, err := p.measurer.Length(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.WithStacktrace(log, errors.WithMessage(err, "measuring log length")).
				Warnf("backpressure check failed; waiting %s", p.config.CheckInterval)
		case length >= p.config.HighWaterMark:
			logLengthGauge.Set(float64(length))
			log.WithField("length", length).
				Infof("event log above high water mark of %d; waiting %s", p.config.HighWaterMark, p.config.CheckInterval)
		default:
			logLengthGauge.Set(float64(length))
			p.mu.Lock()
			p.lastCheck = p.clock.Now()
			p.checked = true
			p.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.config.CheckInterval):
		}
	}
}
