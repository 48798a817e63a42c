// Package events defines the state-change notifications fanned out to
// operator sessions. Delivery is best-effort; each event carries the
// fields needed to stand alone.
package events

import "github.com/nocsys/conductor/internal/store"

type Type string

const (
	DeviceStatusChanged Type = "device_status_changed"
	CommandCompleted    Type = "command_completed"
	TelemetryReceived   Type = "telemetry_received"
)

// Event is one broadcast notification. Exactly one of the payload fields
// is set, matching Type.
type Event struct {
	Type      Type
	DeviceID  string
	Status    store.DeviceStatus
	Command   *store.Command
	Telemetry *store.TelemetrySample
}

// Publisher fans events out to subscribed operator sessions. Publish must
// never block the caller; slow subscribers are skipped.
type Publisher interface {
	Publish(Event)
}

// NewStatusChange builds a device-status-changed event.
func NewStatusChange(deviceID string, status store.DeviceStatus) Event {
	return Event{Type: DeviceStatusChanged, DeviceID: deviceID, Status: status}
}

// NewCommandCompleted builds a command-completed event carrying the
// durable terminal snapshot.
func NewCommandCompleted(cmd *store.Command) Event {
	return Event{Type: CommandCompleted, DeviceID: cmd.DeviceID, Command: cmd}
}

// NewTelemetryReceived builds a telemetry-received event.
func NewTelemetryReceived(sample *store.TelemetrySample) Event {
	return Event{Type: TelemetryReceived, DeviceID: sample.DeviceID, Telemetry: sample}
}
