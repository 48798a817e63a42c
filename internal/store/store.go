// Package store is the persistence gateway for devices, commands and
// recent telemetry. The unique constraint on (device id, idempotency key)
// is the authoritative deduplication mechanism for command submission.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned by CreateCommand when a command with the
	// same (device id, idempotency key) pair already exists.
	ErrDuplicateKey = errors.New("store: duplicate idempotency key")

	// ErrNotFound is returned by point lookups when no record matches.
	ErrNotFound = errors.New("store: not found")

	// ErrRevisionMismatch is returned by UpdateDevice when the caller's
	// revision is stale.
	ErrRevisionMismatch = errors.New("store: device revision mismatch")
)

// TelemetryWindow is the number of most-recent samples retained per device.
// Older samples are pruned on ingestion.
const TelemetryWindow = 50

// MaxPageSize caps device listing page sizes.
const MaxPageSize = 100

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

type DeviceKind string

const (
	KindDisplay  DeviceKind = "display"
	KindCodec    DeviceKind = "codec"
	KindSwitcher DeviceKind = "switcher"
	KindSensor   DeviceKind = "sensor"
)

type Transport string

const (
	TransportLineTCP  Transport = "line-oriented-tcp"
	TransportHTTPJSON Transport = "http-json"
	TransportEdgePush Transport = "edge-push"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed. Once a
// command is terminal its status and result never change.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// Device is an addressable piece of control-room equipment. The ID is an
// opaque string stable across restarts. Revision is an optimistic
// concurrency token bumped on every update.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         DeviceKind   `json:"kind"`
	Transport    Transport    `json:"transport"`
	Capabilities []string     `json:"capabilities"`
	Status       DeviceStatus `json:"status"`
	LastSeen     *time.Time   `json:"lastSeen,omitempty"`
	Firmware     string       `json:"firmware"`
	Location     string       `json:"location"`
	Revision     int64        `json:"revision"`
}

// Command is one logical operation dispatched to a device. The pair
// (DeviceID, IdempotencyKey) is unique across all commands ever created.
type Command struct {
	ID             string        `json:"id"`
	DeviceID       string        `json:"deviceId"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Verb           string        `json:"command"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         CommandStatus `json:"status"`
	Result         string        `json:"result,omitempty"`
	LatencyMS      *int64        `json:"latencyMs,omitempty"`
}

// TelemetrySample is one opaque payload pushed by a device.
type TelemetrySample struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
}

// DeviceFilter narrows ListDevices. AfterID is a keyset cursor: only
// devices with an id strictly greater than it are returned, ordered by id.
type DeviceFilter struct {
	Status       DeviceStatus
	Kind         DeviceKind
	NameContains string
	AfterID      string
	Limit        int
}

// Store is the durable gateway consumed by the router, hubs, monitor and
// API. All writes are transactional at the single-record level.
type Store interface {
	// CreateCommand persists a new pending command. It fails with
	// ErrDuplicateKey when the (device id, idempotency key) pair exists.
	CreateCommand(ctx context.Context, cmd *Command) error

	// GetCommand returns the command with the given id or ErrNotFound.
	GetCommand(ctx context.Context, id string) (*Command, error)

	// FindCommandByKey returns the command for (deviceID, key) or ErrNotFound.
	FindCommandByKey(ctx context.Context, deviceID, key string) (*Command, error)

	// CompleteCommand transitions a pending command to a terminal status.
	// It returns false when the command was already terminal; terminal
	// fields are then left untouched.
	CompleteCommand(ctx context.Context, id string, status CommandStatus, result string, latencyMS int64) (bool, error)

	// ListPendingBefore returns pending commands created before cutoff.
	// Used by the startup reconciliation scan.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Command, error)

	// AppendTelemetry persists a sample and prunes the device's window
	// down to TelemetryWindow newest samples.
	AppendTelemetry(ctx context.Context, sample *TelemetrySample) error

	// RecentTelemetry returns up to limit newest samples for a device,
	// newest first.
	RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetrySample, error)

	// CreateDevice provisions a new device record.
	CreateDevice(ctx context.Context, dev *Device) error

	// GetDevice returns the device with the given id or ErrNotFound.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices returns one page of devices ordered by id plus the
	// cursor for the next page ("" when exhausted).
	ListDevices(ctx context.Context, filter DeviceFilter) ([]*Device, string, error)

	// TouchDevice refreshes a device's last-seen timestamp.
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error

	// SetDeviceStatus updates the status of the given devices in one
	// batched write.
	SetDeviceStatus(ctx context.Context, ids []string, status DeviceStatus) error

	// UpdateDevice writes mutable device fields guarded by the revision
	// token. ErrRevisionMismatch when the token is stale.
	UpdateDevice(ctx context.Context, dev *Device) error

	// Close releases underlying resources.
	Close()
}
