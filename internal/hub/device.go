package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/protocol"
	"github.com/nocsys/conductor/internal/store"
)

// DeviceHub maintains the live bidirectional channels to devices. Each
// registered connection joins the logical group for its device id;
// SendCommand fans a command frame out to every connection in the group.
// The only guarantee offered upstream is "frame handed to transport":
// completion is reconciled by the router's timeout and the result frames
// arriving back here.
type DeviceHub struct {
	log       *slog.Logger
	store     store.Store
	publisher events.Publisher
	clock     clockwork.Clock
	upgrader  websocket.Upgrader

	mu     sync.RWMutex
	groups map[string]map[*client]struct{}
}

type DeviceHubConfig struct {
	Logger    *slog.Logger
	Store     store.Store
	Publisher events.Publisher
	Clock     clockwork.Clock
}

func (c *DeviceHubConfig) Validate() error {
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

func NewDeviceHub(cfg *DeviceHubConfig) (*DeviceHub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hub: error validating device hub config: %w", err)
	}
	return &DeviceHub{
		log:       cfg.Logger,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		groups: make(map[string]map[*client]struct{}),
	}, nil
}

// ServeHTTP upgrades a device connection and runs its pumps. The first
// frame must be a register frame; everything before it is dropped.
func (h *DeviceHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("hub: device upgrade failed", "error", err)
		return
	}
	c := newClient(conn)
	go c.writePump()
	// The request context dies when ServeHTTP returns; store writes on
	// this connection must outlive it.
	go h.readPump(context.WithoutCancel(r.Context()), c)
}

func (h *DeviceHub) readPump(ctx context.Context, c *client) {
	deviceID := ""
	defer func() {
		h.unregister(c, deviceID)
		c.close()
		_ = c.conn.Close()
	}()

	c.prepareRead()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("hub: device read error", "device", deviceID, "error", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("hub: malformed device frame", "device", deviceID, "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeRegister:
			var payload protocol.RegisterPayload
			if err := msg.ParsePayload(&payload); err != nil {
				h.log.Warn("hub: bad register payload", "error", err)
				continue
			}
			deviceID = h.register(ctx, c, deviceID, payload.DeviceID)

		case protocol.TypeTelemetry:
			var payload protocol.TelemetryPayload
			if err := msg.ParsePayload(&payload); err != nil {
				h.log.Warn("hub: bad telemetry payload", "device", deviceID, "error", err)
				continue
			}
			h.handleTelemetry(ctx, payload)

		case protocol.TypeCommandResult:
			var payload protocol.CommandResultPayload
			if err := msg.ParsePayload(&payload); err != nil {
				h.log.Warn("hub: bad command result payload", "device", deviceID, "error", err)
				continue
			}
			h.handleCommandResult(ctx, deviceID, payload)

		default:
			h.log.Warn("hub: unknown device frame type", "type", msg.Type, "device", deviceID)
		}
	}
}

// register moves the connection into the group for deviceID and acks.
func (h *DeviceHub) register(ctx context.Context, c *client, previousID, deviceID string) string {
	if deviceID == "" {
		h.log.Warn("hub: register frame without device id")
		return previousID
	}

	h.mu.Lock()
	if previousID != "" && previousID != deviceID {
		if group, ok := h.groups[previousID]; ok {
			delete(group, c)
			if len(group) == 0 {
				delete(h.groups, previousID)
			}
		}
	}
	group, ok := h.groups[deviceID]
	if !ok {
		group = make(map[*client]struct{})
		h.groups[deviceID] = group
	}
	_, present := group[c]
	group[c] = struct{}{}
	total := len(group)
	h.mu.Unlock()

	if !present {
		deviceConnections.Inc()
	}
	h.touch(ctx, deviceID)
	h.log.Info("hub: device registered", "device", deviceID, "connections", total)

	if ack, err := protocol.NewMessage(protocol.TypeRegistered, protocol.RegisteredPayload{DeviceID: deviceID}); err == nil {
		if data, err := json.Marshal(ack); err == nil {
			c.safeSend(data)
		}
	}
	return deviceID
}

func (h *DeviceHub) unregister(c *client, deviceID string) {
	if deviceID == "" {
		return
	}
	h.mu.Lock()
	if group, ok := h.groups[deviceID]; ok {
		if _, present := group[c]; present {
			delete(group, c)
			deviceConnections.Dec()
		}
		if len(group) == 0 {
			delete(h.groups, deviceID)
		}
	}
	h.mu.Unlock()
	h.log.Info("hub: device connection closed", "device", deviceID)
}

// touch refreshes the device's last-seen stamp; any inbound frame counts
// as a heartbeat.
func (h *DeviceHub) touch(ctx context.Context, deviceID string) {
	if err := h.store.TouchDevice(ctx, deviceID, h.clock.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error("hub: failed to refresh last-seen", "device", deviceID, "error", err)
	}
}

func (h *DeviceHub) handleTelemetry(ctx context.Context, payload protocol.TelemetryPayload) {
	if payload.DeviceID == "" {
		return
	}
	h.touch(ctx, payload.DeviceID)

	sample := &store.TelemetrySample{
		ID:        uuid.NewString(),
		DeviceID:  payload.DeviceID,
		Timestamp: h.clock.Now(),
		Payload:   payload.Payload,
	}
	if err := h.store.AppendTelemetry(ctx, sample); err != nil {
		h.log.Error("hub: failed to persist telemetry", "device", payload.DeviceID, "error", err)
		return
	}
	telemetryFrames.Inc()
	h.publisher.Publish(events.NewTelemetryReceived(sample))
}

func (h *DeviceHub) handleCommandResult(ctx context.Context, deviceID string, payload protocol.CommandResultPayload) {
	cmd, err := h.store.GetCommand(ctx, payload.CommandID)
	if err != nil {
		// Unknown ids are logged and dropped, never fatal.
		h.log.Warn("hub: result for unknown command", "command", payload.CommandID, "error", err)
		resultFrames.WithLabelValues("unknown").Inc()
		return
	}
	if deviceID != "" {
		h.touch(ctx, deviceID)
	}

	status := store.CommandFailed
	if payload.Status == protocol.ResultCompleted {
		status = store.CommandCompleted
	}
	latency := h.clock.Now().Sub(cmd.CreatedAt).Milliseconds()

	transitioned, err := h.store.CompleteCommand(ctx, cmd.ID, status, payload.Result, latency)
	if err != nil {
		h.log.Error("hub: failed to apply command result", "command", cmd.ID, "error", err)
		return
	}
	resultFrames.WithLabelValues(string(status)).Inc()
	if !transitioned {
		// Late or duplicate result; terminal fields already written.
		return
	}

	snapshot, err := h.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		h.log.Error("hub: failed to re-read command after result", "command", cmd.ID, "error", err)
		return
	}
	h.publisher.Publish(events.NewCommandCompleted(snapshot))
}

// SendCommand delivers a command frame to every connection in the device
// group. It reports true iff at least one connection accepted the frame;
// it does not wait for device execution.
func (h *DeviceHub) SendCommand(deviceID, commandID, verb string) bool {
	msg, err := protocol.NewMessage(protocol.TypeCommand, protocol.CommandPayload{
		DeviceID:  deviceID,
		CommandID: commandID,
		Command:   verb,
	})
	if err != nil {
		h.log.Error("hub: failed to build command frame", "command", commandID, "error", err)
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("hub: failed to marshal command frame", "command", commandID, "error", err)
		return false
	}

	h.mu.RLock()
	conns := make([]*client, 0, len(h.groups[deviceID]))
	for c := range h.groups[deviceID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if c.safeSend(data) {
			delivered = true
		}
	}
	if delivered {
		commandFrames.WithLabelValues("sent").Inc()
	} else {
		commandFrames.WithLabelValues("undeliverable").Inc()
	}
	return delivered
}

// Connected reports whether the device currently has a live connection.
func (h *DeviceHub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[deviceID]) > 0
}
