// Package monitor flips device liveness based on last-seen recency.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/store"
)

const (
	// DefaultOfflineAfter is the last-seen age past which an online device
	// is marked offline.
	DefaultOfflineAfter = 30 * time.Second

	// DefaultSweepInterval is the period between liveness sweeps.
	DefaultSweepInterval = 10 * time.Second
)

type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Publisher events.Publisher
	Clock     clockwork.Clock

	OfflineAfter  time.Duration
	SweepInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	return nil
}

// Monitor sweeps the device inventory on a fixed interval and transitions
// stale online devices to offline and recently-seen offline devices back
// to online. A status-changed event is published per transition, never
// for a sweep that observes no change.
type Monitor struct {
	log       *slog.Logger
	store     store.Store
	publisher events.Publisher
	clock     clockwork.Clock

	offlineAfter time.Duration
	interval     time.Duration
}

func New(cfg *Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: error validating config: %w", err)
	}
	offlineAfter := cfg.OfflineAfter
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Monitor{
		log:          cfg.Logger,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		clock:        cfg.Clock,
		offlineAfter: offlineAfter,
		interval:     interval,
	}, nil
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("monitor: started", "interval", m.interval, "offlineAfter", m.offlineAfter)
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor: stopped")
			return
		case <-ticker.Chan():
			m.sweep(ctx)
		}
	}
}

// sweep partitions the fleet into devices that must flip offline and
// devices that must flip online, then applies each side as one batched
// write. Devices whose stored status already matches are untouched, which
// keeps repeated sweeps quiet.
func (m *Monitor) sweep(ctx context.Context) {
	sweeps.Inc()
	cutoff := m.clock.Now().Add(-m.offlineAfter)

	var toOffline, toOnline []string
	cursor := ""
	for {
		page, next, err := m.store.ListDevices(ctx, store.DeviceFilter{AfterID: cursor, Limit: store.MaxPageSize})
		if err != nil {
			m.log.Error("monitor: failed to list devices", "error", err)
			return
		}
		for _, dev := range page {
			fresh := dev.LastSeen != nil && !dev.LastSeen.Before(cutoff)
			switch {
			case dev.Status == store.DeviceOnline && !fresh:
				toOffline = append(toOffline, dev.ID)
			case dev.Status == store.DeviceOffline && fresh:
				toOnline = append(toOnline, dev.ID)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	m.apply(ctx, toOffline, store.DeviceOffline)
	m.apply(ctx, toOnline, store.DeviceOnline)
}

func (m *Monitor) apply(ctx context.Context, ids []string, status store.DeviceStatus) {
	if len(ids) == 0 {
		return
	}
	if err := m.store.SetDeviceStatus(ctx, ids, status); err != nil {
		m.log.Error("monitor: failed to update device status", "status", status, "count", len(ids), "error", err)
		return
	}
	for _, id := range ids {
		m.publisher.Publish(events.NewStatusChange(id, status))
	}
	transitions.WithLabelValues(string(status)).Add(float64(len(ids)))
	m.log.Info("monitor: device status transitions applied", "status", status, "count", len(ids))
}
