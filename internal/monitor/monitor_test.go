package monitor_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/monitor"
	"github.com/nocsys/conductor/internal/store"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

type fixture struct {
	store *store.Memory
	clock *clockwork.FakeClock
	pub   *capturingPublisher
	mon   *monitor.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClock()
	st := store.NewMemory()
	pub := &capturingPublisher{}
	mon, err := monitor.New(&monitor.Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     st,
		Publisher: pub,
		Clock:     clock,
	})
	require.NoError(t, err)
	return &fixture{store: st, clock: clock, pub: pub, mon: mon}
}

func (f *fixture) addDevice(t *testing.T, id string, status store.DeviceStatus, lastSeen *time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateDevice(context.Background(), &store.Device{
		ID:        id,
		Name:      "device " + id,
		Kind:      store.KindSensor,
		Transport: store.TransportEdgePush,
		Status:    status,
		LastSeen:  lastSeen,
	}))
}

// runSweeps starts the monitor and drives the fake clock through n sweep
// intervals, waiting for the ticker to re-arm between steps.
func (f *fixture) runSweeps(t *testing.T, n int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.mon.Run(ctx)
		close(done)
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
		f.clock.Advance(monitor.DefaultSweepInterval)
		// Let the sweep finish before the next tick.
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func (f *fixture) device(t *testing.T, id string) *store.Device {
	t.Helper()
	dev, err := f.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	return dev
}

func TestMonitor_MarksStaleDevicesOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	staleSeen := f.clock.Now().Add(-time.Minute)
	freshSeen := f.clock.Now()

	f.addDevice(t, "d1", store.DeviceOnline, &staleSeen)
	f.addDevice(t, "d2", store.DeviceOnline, &freshSeen)
	f.addDevice(t, "d3", store.DeviceOnline, nil) // registered, never seen

	f.runSweeps(t, 1)

	require.Equal(t, store.DeviceOffline, f.device(t, "d1").Status)
	require.Equal(t, store.DeviceOnline, f.device(t, "d2").Status)
	require.Equal(t, store.DeviceOffline, f.device(t, "d3").Status)

	got := f.pub.snapshot()
	require.Len(t, got, 2)
	for _, ev := range got {
		require.Equal(t, events.DeviceStatusChanged, ev.Type)
		require.Equal(t, store.DeviceOffline, ev.Status)
	}
}

func TestMonitor_MarksRecoveredDevicesOnline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seen := f.clock.Now()
	f.addDevice(t, "d1", store.DeviceOffline, &seen)

	f.runSweeps(t, 1)

	require.Equal(t, store.DeviceOnline, f.device(t, "d1").Status)
	got := f.pub.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "d1", got[0].DeviceID)
	require.Equal(t, store.DeviceOnline, got[0].Status)
}

func TestMonitor_QuietWhenNothingChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	staleSeen := f.clock.Now().Add(-time.Minute)
	f.addDevice(t, "d1", store.DeviceOffline, &staleSeen)
	f.addDevice(t, "d2", store.DeviceOnline, nil)

	// d2 flips offline on the first sweep; the following sweeps must not
	// publish anything further.
	f.runSweeps(t, 3)

	require.Equal(t, store.DeviceOffline, f.device(t, "d1").Status)
	require.Equal(t, store.DeviceOffline, f.device(t, "d2").Status)
	require.Len(t, f.pub.snapshot(), 1)
}

func TestMonitor_HeartbeatWithinWindowKeepsDeviceOnline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seen := f.clock.Now()
	f.addDevice(t, "d1", store.DeviceOnline, &seen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.mon.Run(ctx)
		close(done)
	}()

	// Heartbeat every two sweeps, which is inside the offline window.
	for i := 0; i < 4; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
		f.clock.Advance(monitor.DefaultSweepInterval)
		time.Sleep(10 * time.Millisecond)
		if i%2 == 1 {
			require.NoError(t, f.store.TouchDevice(ctx, "d1", f.clock.Now()))
		}
	}
	cancel()
	<-done

	require.Equal(t, store.DeviceOnline, f.device(t, "d1").Status)
	require.Empty(t, f.pub.snapshot())
}
