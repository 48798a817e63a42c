package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and the -store memory dev
// mode. It enforces the same uniqueness and windowing rules as the
// Postgres implementation.
type Memory struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	commands  map[string]*Command
	byKey     map[commandKey]string
	telemetry map[string][]*TelemetrySample
}

type commandKey struct {
	deviceID string
	key      string
}

func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[string]*Device),
		commands:  make(map[string]*Command),
		byKey:     make(map[commandKey]string),
		telemetry: make(map[string][]*TelemetrySample),
	}
}

func (m *Memory) CreateCommand(_ context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := commandKey{cmd.DeviceID, cmd.IdempotencyKey}
	if _, ok := m.byKey[k]; ok {
		return ErrDuplicateKey
	}
	c := *cmd
	m.commands[cmd.ID] = &c
	m.byKey[k] = cmd.ID
	return nil
}

func (m *Memory) GetCommand(_ context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) FindCommandByKey(_ context.Context, deviceID, key string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[commandKey{deviceID, key}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.commands[id]
	return &cp, nil
}

func (m *Memory) CompleteCommand(_ context.Context, id string, status CommandStatus, result string, latencyMS int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status.IsTerminal() {
		return false, nil
	}
	c.Status = status
	c.Result = result
	if c.LatencyMS == nil {
		l := latencyMS
		c.LatencyMS = &l
	}
	return true, nil
}

func (m *Memory) ListPendingBefore(_ context.Context, cutoff time.Time) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Command
	for _, c := range m.commands {
		if c.Status == CommandPending && c.CreatedAt.Before(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) AppendTelemetry(_ context.Context, sample *TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *sample
	window := append(m.telemetry[sample.DeviceID], &s)
	sort.Slice(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})
	if excess := len(window) - TelemetryWindow; excess > 0 {
		window = window[excess:]
	}
	m.telemetry[sample.DeviceID] = window
	return nil
}

func (m *Memory) RecentTelemetry(_ context.Context, deviceID string, limit int) ([]*TelemetrySample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window := m.telemetry[deviceID]
	if limit <= 0 || limit > len(window) {
		limit = len(window)
	}
	out := make([]*TelemetrySample, 0, limit)
	for i := len(window) - 1; i >= len(window)-limit; i-- {
		cp := *window[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateDevice(_ context.Context, dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[dev.ID]; ok {
		return ErrDuplicateKey
	}
	d := *dev
	if d.Revision == 0 {
		d.Revision = 1
	}
	m.devices[dev.ID] = &d
	dev.Revision = d.Revision
	return nil
}

func (m *Memory) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDevices(_ context.Context, filter DeviceFilter) ([]*Device, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Device, 0, limit)
	next := ""
	for _, id := range ids {
		if filter.AfterID != "" && id <= filter.AfterID {
			continue
		}
		d := m.devices[id]
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && d.Kind != filter.Kind {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(filter.NameContains)) {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, next, nil
}

func (m *Memory) TouchDevice(_ context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	t := seenAt
	d.LastSeen = &t
	return nil
}

func (m *Memory) SetDeviceStatus(_ context.Context, ids []string, status DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if d, ok := m.devices[id]; ok {
			d.Status = status
		}
	}
	return nil
}

func (m *Memory) UpdateDevice(_ context.Context, dev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[dev.ID]
	if !ok {
		return ErrNotFound
	}
	if d.Revision != dev.Revision {
		return ErrRevisionMismatch
	}
	d.Name = dev.Name
	d.Location = dev.Location
	d.Firmware = dev.Firmware
	d.Capabilities = append([]string(nil), dev.Capabilities...)
	d.Revision++
	dev.Revision = d.Revision
	return nil
}

func (m *Memory) Close() {}
