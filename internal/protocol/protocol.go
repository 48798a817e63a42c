// Package protocol defines the JSON frames exchanged on the device and
// operator websocket channels.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by devices.
const (
	TypeRegister      = "register"
	TypeTelemetry     = "telemetry"
	TypeCommandResult = "command_result"
)

// Frame types sent by the server.
const (
	TypeCommand             = "command"
	TypeRegistered          = "registered"
	TypeDeviceStatusChanged = "device_status_changed"
	TypeCommandCompleted    = "command_completed"
	TypeTelemetryReceived   = "telemetry_received"
)

// Result statuses a device may report.
const (
	ResultCompleted = "Completed"
	ResultFailed    = "Failed"
)

// Message is the envelope for every frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a payload into an envelope.
func NewMessage(msgType string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// ParsePayload decodes the envelope payload into v.
func (m *Message) ParsePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: parse %s payload: %w", m.Type, err)
	}
	return nil
}

// RegisterPayload associates a connection with a device group.
type RegisterPayload struct {
	DeviceID string `json:"deviceId"`
}

// RegisteredPayload acknowledges a registration.
type RegisteredPayload struct {
	DeviceID string `json:"deviceId"`
}

// TelemetryPayload is one opaque sample pushed by a device.
type TelemetryPayload struct {
	DeviceID string `json:"deviceId"`
	Payload  string `json:"payload"`
}

// CommandResultPayload reports the asynchronous outcome of a command.
type CommandResultPayload struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    string `json:"result"`
}

// CommandPayload is a command frame delivered to a device group.
type CommandPayload struct {
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
}
