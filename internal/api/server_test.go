package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nocsys/conductor/internal/api"
	"github.com/nocsys/conductor/internal/breaker"
	"github.com/nocsys/conductor/internal/dispatch"
	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/retry"
	"github.com/nocsys/conductor/internal/store"
)

const testAPIKey = "test-secret"

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type acceptAllSender struct{}

func (acceptAllSender) SendCommand(_, _, _ string) bool { return true }

type fixture struct {
	handler http.Handler
	store   *store.Memory
	clock   *clockwork.FakeClock
	pub     *capturingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()
	st := store.NewMemory()
	pub := &capturingPublisher{}

	router, err := dispatch.NewRouter(&dispatch.Config{
		Logger:    logger,
		Store:     st,
		Breakers:  breaker.NewRegistry(clock),
		Retry:     retry.NewExecutor(clock),
		Sender:    acceptAllSender{},
		Publisher: pub,
		Clock:     clock,
	})
	require.NoError(t, err)

	stub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	server, err := api.NewServer(&api.Config{
		Logger:      logger,
		ListenAddr:  ":0",
		APIKey:      testAPIKey,
		Store:       st,
		Router:      router,
		DeviceHub:   stub,
		OperatorHub: stub,
		Publisher:   pub,
		Clock:       clock,
	})
	require.NoError(t, err)

	return &fixture{handler: server.Handler(), store: st, clock: clock, pub: pub}
}

func (f *fixture) addDevice(t *testing.T, id string, status store.DeviceStatus) *store.Device {
	t.Helper()
	dev := &store.Device{
		ID:        id,
		Name:      "rack device " + id,
		Kind:      store.KindCodec,
		Transport: store.TransportHTTPJSON,
		Status:    status,
	}
	require.NoError(t, f.store.CreateDevice(context.Background(), dev))
	return dev
}

func (f *fixture) do(t *testing.T, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", testAPIKey)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/devices", nil, func(r *http.Request) {
		r.Header.Del("X-Api-Key")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/devices", nil, func(r *http.Request) {
		r.Header.Set("X-Api-Key", "wrong")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/devices", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes and the operator stream stay open.
	rec = f.do(t, http.MethodGet, "/health", nil, func(r *http.Request) {
		r.Header.Del("X-Api-Key")
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, func(r *http.Request) {
		r.Header.Del("X-Api-Key")
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "d1", store.DeviceOnline)

	rec := f.do(t, http.MethodPost, "/devices/d1/commands",
		map[string]string{"idempotencyKey": "k1", "command": "reboot"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[map[string]string](t, rec)["commandId"]
	require.NotEmpty(t, first)

	// Same idempotency key resolves to the same command.
	rec = f.do(t, http.MethodPost, "/devices/d1/commands",
		map[string]string{"idempotencyKey": "k1", "command": "reboot"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, first, decode[map[string]string](t, rec)["commandId"])

	rec = f.do(t, http.MethodPost, "/devices/d1/commands",
		map[string]string{"idempotencyKey": "", "command": "reboot"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/devices/nope/commands",
		map[string]string{"idempotencyKey": "k1", "command": "reboot"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitCommandBackpressure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "d1", store.DeviceOnline)

	// The dispatch worker is not running, so the queue only fills.
	for i := 0; i < dispatch.DefaultQueueSize; i++ {
		rec := f.do(t, http.MethodPost, "/devices/d1/commands",
			map[string]string{"idempotencyKey": fmt.Sprintf("k-%02d", i), "command": "status"}, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/devices/d1/commands",
		map[string]string{"idempotencyKey": "overflow", "command": "status"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGetCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "d1", store.DeviceOnline)
	f.addDevice(t, "d2", store.DeviceOnline)

	rec := f.do(t, http.MethodPost, "/devices/d1/commands",
		map[string]string{"idempotencyKey": "k1", "command": "reboot"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]string](t, rec)["commandId"]

	rec = f.do(t, http.MethodGet, "/devices/d1/commands/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cmd := decode[store.Command](t, rec)
	require.Equal(t, store.CommandPending, cmd.Status)
	require.Equal(t, "reboot", cmd.Verb)

	// A command is only visible under its own device.
	rec = f.do(t, http.MethodGet, "/devices/d2/commands/"+id, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "d1", store.DeviceOffline)

	rec := f.do(t, http.MethodPost, "/devices/nope/heartbeat", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/devices/d1/heartbeat", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	dev, err := f.store.GetDevice(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, store.DeviceOnline, dev.Status)
	require.NotNil(t, dev.LastSeen)
	require.True(t, dev.LastSeen.Equal(f.clock.Now()))
	require.Equal(t, 1, f.pub.count(), "offline to online flip publishes once")

	// A second heartbeat refreshes last-seen without another event.
	rec = f.do(t, http.MethodPost, "/devices/d1/heartbeat", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.pub.count())
}

func TestListDevicesPagination(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "a1", store.DeviceOnline)
	f.addDevice(t, "b2", store.DeviceOffline)
	f.addDevice(t, "c3", store.DeviceOnline)

	type page struct {
		Items []*store.Device `json:"items"`
		Next  string          `json:"next"`
	}

	rec := f.do(t, http.MethodGet, "/devices?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p1 := decode[page](t, rec)
	require.Len(t, p1.Items, 2)
	require.Equal(t, "b2", p1.Next)

	rec = f.do(t, http.MethodGet, "/devices?limit=2&after="+p1.Next, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p2 := decode[page](t, rec)
	require.Len(t, p2.Items, 1)
	require.Equal(t, "c3", p2.Items[0].ID)
	require.Empty(t, p2.Next)

	rec = f.do(t, http.MethodGet, "/devices?status=online", nil, nil)
	p3 := decode[page](t, rec)
	require.Len(t, p3.Items, 2)

	rec = f.do(t, http.MethodGet, "/devices?limit=banana", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDeviceWithETag(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "d1", store.DeviceOnline)
	require.NoError(t, f.store.AppendTelemetry(context.Background(), &store.TelemetrySample{
		ID:        "s1",
		DeviceID:  "d1",
		Timestamp: f.clock.Now(),
		Payload:   `{"temp":41}`,
	}))

	rec := f.do(t, http.MethodGet, "/devices/d1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.Equal(t, `"1"`, etag)

	type detail struct {
		Device    *store.Device            `json:"device"`
		Telemetry []*store.TelemetrySample `json:"telemetry"`
	}
	d := decode[detail](t, rec)
	require.Equal(t, "d1", d.Device.ID)
	require.Len(t, d.Telemetry, 1)

	rec = f.do(t, http.MethodGet, "/devices/d1", nil, func(r *http.Request) {
		r.Header.Set("If-None-Match", etag)
	})
	require.Equal(t, http.StatusNotModified, rec.Code)
}

func TestUpdateDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addDevice(t, "d1", store.DeviceOnline)

	body := map[string]string{"name": "renamed", "location": "rack 4"}

	rec := f.do(t, http.MethodPatch, "/devices/d1", body, nil)
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)

	rec = f.do(t, http.MethodPatch, "/devices/d1", body, func(r *http.Request) {
		r.Header.Set("If-Match", `"99"`)
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = f.do(t, http.MethodPatch, "/devices/d1", body, func(r *http.Request) {
		r.Header.Set("If-Match", `"1"`)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `"2"`, rec.Header().Get("ETag"))
	dev := decode[store.Device](t, rec)
	require.Equal(t, "renamed", dev.Name)
	require.Equal(t, "rack 4", dev.Location)
	require.Equal(t, int64(2), dev.Revision)

	// The old tag is now stale.
	rec = f.do(t, http.MethodPatch, "/devices/d1", body, func(r *http.Request) {
		r.Header.Set("If-Match", `"1"`)
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestCreateDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/devices", map[string]any{
		"id":        "d1",
		"name":      "lobby display",
		"kind":      "display",
		"transport": "http-json",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	dev := decode[store.Device](t, rec)
	require.Equal(t, "d1", dev.ID)
	require.Equal(t, store.DeviceOffline, dev.Status, "new devices start offline until first contact")

	rec = f.do(t, http.MethodPost, "/devices", map[string]any{"id": "d1", "name": "dup"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/devices", map[string]any{"id": "d2"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Server-assigned id when omitted.
	rec = f.do(t, http.MethodPost, "/devices", map[string]any{"name": "unnamed sensor", "kind": "sensor"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, decode[store.Device](t, rec).ID)
}
