package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/protocol"
	"github.com/nocsys/conductor/internal/store"
)

// OperatorHub fans state-change events out to every connected operator
// session. Delivery is best-effort: a subscriber whose buffer is full is
// skipped so publishers never block.
type OperatorHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*client]struct{}
}

type OperatorHubConfig struct {
	Logger *slog.Logger

	// CheckOrigin optionally overrides the websocket origin check for the
	// operator UI.
	CheckOrigin func(*http.Request) bool
}

func (c *OperatorHubConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

func NewOperatorHub(cfg *OperatorHubConfig) (*OperatorHub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hub: error validating operator hub config: %w", err)
	}
	return &OperatorHub{
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		subscribers: make(map[*client]struct{}),
	}, nil
}

// ServeHTTP upgrades an operator session and subscribes it until the
// connection closes.
func (h *OperatorHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("hub: operator upgrade failed", "error", err)
		return
	}
	c := newClient(conn)

	h.mu.Lock()
	h.subscribers[c] = struct{}{}
	total := len(h.subscribers)
	h.mu.Unlock()
	operatorSessions.Set(float64(total))
	h.log.Info("hub: operator subscribed", "sessions", total)

	go c.writePump()
	go h.readPump(c)
}

// readPump drains inbound frames (operators only listen today) and
// unsubscribes on close.
func (h *OperatorHub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, c)
		total := len(h.subscribers)
		h.mu.Unlock()
		operatorSessions.Set(float64(total))

		c.close()
		_ = c.conn.Close()
		h.log.Info("hub: operator unsubscribed", "sessions", total)
	}()

	c.prepareRead()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish marshals the event into its wire frame and fans it out.
func (h *OperatorHub) Publish(ev events.Event) {
	data, err := marshalEvent(ev)
	if err != nil {
		h.log.Error("hub: failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*client, 0, len(h.subscribers))
	for c := range h.subscribers {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.safeSend(data) {
			eventsDropped.WithLabelValues(string(ev.Type)).Inc()
		}
	}
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

type statusChangedPayload struct {
	DeviceID string             `json:"deviceId"`
	Status   store.DeviceStatus `json:"status"`
}

func marshalEvent(ev events.Event) ([]byte, error) {
	var (
		msg *protocol.Message
		err error
	)
	switch ev.Type {
	case events.DeviceStatusChanged:
		msg, err = protocol.NewMessage(protocol.TypeDeviceStatusChanged, statusChangedPayload{
			DeviceID: ev.DeviceID,
			Status:   ev.Status,
		})
	case events.CommandCompleted:
		msg, err = protocol.NewMessage(protocol.TypeCommandCompleted, ev.Command)
	case events.TelemetryReceived:
		msg, err = protocol.NewMessage(protocol.TypeTelemetryReceived, ev.Telemetry)
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
