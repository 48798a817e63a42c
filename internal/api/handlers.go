package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nocsys/conductor/internal/dispatch"
	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitCommandRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Command        string `json:"command"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := s.store.GetDevice(r.Context(), deviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	commandID, err := s.router.Enqueue(r.Context(), deviceID, req.IdempotencyKey, req.Command)
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, dispatch.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "command queue is full, retry with the same idempotency key")
		default:
			s.log.Error("api: command submission failed", "device", deviceID, "error", err)
			writeError(w, http.StatusInternalServerError, "command submission failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"commandId": commandID})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	commandID := chi.URLParam(r, "commandID")

	cmd, err := s.store.GetCommand(r.Context(), commandID)
	if err != nil || cmd.DeviceID != deviceID {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "command lookup failed")
			return
		}
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleHeartbeat refreshes last-seen and forces the device online,
// publishing the status change when it flips.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	if err := s.store.TouchDevice(r.Context(), deviceID, s.clock.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	if dev.Status != store.DeviceOnline {
		if err := s.store.SetDeviceStatus(r.Context(), []string{deviceID}, store.DeviceOnline); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update device status")
			return
		}
		s.publisher.Publish(events.NewStatusChange(deviceID, store.DeviceOnline))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.DeviceOnline)})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, store.MaxPageSize)
	}

	filter := store.DeviceFilter{
		Status:       store.DeviceStatus(q.Get("status")),
		Kind:         store.DeviceKind(q.Get("kind")),
		NameContains: q.Get("q"),
		AfterID:      q.Get("after"),
		Limit:        limit,
	}

	items, next, err := s.store.ListDevices(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device listing failed")
		return
	}
	if items == nil {
		items = []*store.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next": next})
}

func deviceETag(dev *store.Device) string {
	return `"` + strconv.FormatInt(dev.Revision, 10) + `"`
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	etag := deviceETag(dev)
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	telemetry, err := s.store.RecentTelemetry(r.Context(), deviceID, store.TelemetryWindow)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "telemetry lookup failed")
		return
	}
	if telemetry == nil {
		telemetry = []*store.TelemetrySample{}
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, map[string]any{"device": dev, "telemetry": telemetry})
}

type updateDeviceRequest struct {
	Name     *string `json:"name"`
	Location *string `json:"location"`
	Firmware *string `json:"firmware"`
}

// handleUpdateDevice applies a partial update guarded by the If-Match
// revision tag.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	match := strings.TrimSpace(r.Header.Get("If-Match"))
	if match == "" {
		writeError(w, http.StatusPreconditionRequired, "If-Match header is required")
		return
	}
	revision, err := strconv.ParseInt(strings.Trim(match, `"`), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed If-Match header")
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown device")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if dev.Revision != revision {
		writeError(w, http.StatusPreconditionFailed, "device revision mismatch")
		return
	}

	if req.Name != nil {
		dev.Name = *req.Name
	}
	if req.Location != nil {
		dev.Location = *req.Location
	}
	if req.Firmware != nil {
		dev.Firmware = *req.Firmware
	}

	if err := s.store.UpdateDevice(r.Context(), dev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			writeError(w, http.StatusPreconditionFailed, "device revision mismatch")
			return
		}
		writeError(w, http.StatusInternalServerError, "device update failed")
		return
	}

	updated, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	w.Header().Set("ETag", deviceETag(updated))
	writeJSON(w, http.StatusOK, updated)
}

type createDeviceRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Transport    string   `json:"transport"`
	Capabilities []string `json:"capabilities"`
	Firmware     string   `json:"firmware"`
	Location     string   `json:"location"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	dev := &store.Device{
		ID:           req.ID,
		Name:         req.Name,
		Kind:         store.DeviceKind(req.Kind),
		Transport:    store.Transport(req.Transport),
		Capabilities: req.Capabilities,
		Status:       store.DeviceOffline,
		Firmware:     req.Firmware,
		Location:     req.Location,
	}
	if err := s.store.CreateDevice(r.Context(), dev); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, fmt.Sprintf("device %s already exists", req.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "device creation failed")
		return
	}

	created, err := s.store.GetDevice(r.Context(), dev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	w.Header().Set("ETag", deviceETag(created))
	writeJSON(w, http.StatusCreated, created)
}
