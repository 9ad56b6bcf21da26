// Package device runs the heartbeat watchdog: consoles that miss their
// heartbeat window are marked disconnected on the session record.
package device

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

const (
	defaultCheckInterval = 15 * time.Second
	defaultTimeout       = 30 * time.Second
)

// Sessions is the session surface the monitor needs.
type Sessions interface {
	LockCurrent() (*model.Session, func())
	MarkDisconnected(ctx context.Context, deviceID, reason string)
}

// Monitor sweeps the device roster on an interval.
type Monitor struct {
	sessions Sessions
	logger   zerolog.Logger
	now      func() time.Time

	interval time.Duration
	timeout  time.Duration
}

// Option configures the monitor.
type Option func(*Monitor)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout overrides the heartbeat window.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New constructs a monitor.
func New(sessions Sessions, opts ...Option) *Monitor {
	m := &Monitor{
		sessions: sessions,
		logger:   log.WithComponent("device"),
		now:      time.Now,
		interval: defaultCheckInterval,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run sweeps until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep marks every connected device past the heartbeat window as
// disconnected and refreshes the connected-devices gauge.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now().UTC()

	sess, unlock := m.sessions.LockCurrent()
	if sess == nil {
		unlock()
		return
	}
	var stale []string
	counts := map[model.DeviceType]int{
		model.DeviceGM:     0,
		model.DevicePlayer: 0,
		model.DeviceESP32:  0,
	}
	for _, d := range sess.Devices {
		if !d.Connected {
			continue
		}
		if d.HasTimedOut(m.timeout, now) {
			stale = append(stale, d.ID)
			continue
		}
		counts[d.Type]++
	}
	unlock()

	for _, id := range stale {
		m.logger.Info().Str(log.FieldDeviceID, id).Msg("device heartbeat timed out")
		m.sessions.MarkDisconnected(ctx, id, "heartbeat timeout")
	}
	for typ, n := range counts {
		metrics.ConnectedDevices.WithLabelValues(string(typ)).Set(float64(n))
	}
}
