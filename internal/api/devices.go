package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/davenr/labfleet-core/internal/fleet"
)

// parseIDParam extracts the numeric {id} URL parameter.
func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// handleListDevices returns the full device roster.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.manager.ListDevices(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	dev, err := s.manager.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice registers a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev fleet.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.manager.RegisterDevice(r.Context(), &dev); err != nil {
		if errors.Is(err, fleet.ErrDeviceExists) {
			writeConflict(w, "device uid already registered")
			return
		}
		if errors.Is(err, fleet.ErrInvalidStatus) {
			writeBadRequest(w, "invalid device status")
			return
		}
		writeInternalError(w, "failed to create device")
		return
	}

	writeJSON(w, http.StatusCreated, dev)
}

// handleDeleteDevice removes a device by ID. Queued commands go with it.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	if err := s.manager.RemoveDevice(r.Context(), id); err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSlotOK reports whether the device may transmit in the current
// TDMA slot.
func (s *Server) handleSlotOK(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	ok, err := s.manager.SlotOK(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to check slot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    id,
		"slot_ok":      ok,
		"current_slot": s.manager.CurrentSlot(),
	})
}

// handleJoinChannel assigns the device its FDMA channel and announces
// the join on the broker.
func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	channel, err := s.manager.JoinChannel(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to join channel")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"channel":   channel,
	})
}

// handleStartDevice sends an immediate start command to the device.
func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	s.handleRunControl(w, r, s.manager.StartDevice)
}

// handleStopDevice sends an immediate stop command to the device.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	s.handleRunControl(w, r, s.manager.StopDevice)
}

// handleRunControl is the shared start/stop path. A missing device is a
// quiet no-op at the fleet layer, surfaced here as 404.
func (s *Server) handleRunControl(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, deviceID int64) (bool, error)) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	sent, err := op(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to send command")
		return
	}
	if !sent {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"status":    "sent",
	})
}

// handleWatchdogReset refreshes the device's last-seen stamp so the next
// sweep does not mark it offline.
func (s *Server) handleWatchdogReset(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	ok, err := s.manager.Watchdog().Reset(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to reset watchdog")
		return
	}
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"status":    "reset",
	})
}

// CodeUploadedRequest is the body for POST /devices/{id}/code-uploaded.
type CodeUploadedRequest struct {
	Uploaded bool `json:"uploaded"`
}

// handleCodeUploaded flags whether firmware has been uploaded to the device.
func (s *Server) handleCodeUploaded(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	var req CodeUploadedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.manager.MarkCodeUploaded(r.Context(), id, req.Uploaded); err != nil {
		if errors.Is(err, fleet.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to update device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":     id,
		"code_uploaded": req.Uploaded,
	})
}

// BroadcastTestRequest is the body for POST /devices/test.
type BroadcastTestRequest struct {
	Message string `json:"message"`
}

// handleBroadcastTest publishes a test event to every channel.
// An empty body or message falls back to the default greeting.
func (s *Server) handleBroadcastTest(w http.ResponseWriter, r *http.Request) {
	var req BroadcastTestRequest
	//nolint:errcheck // Empty or malformed body means the default message
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.manager.BroadcastTest(req.Message); err != nil {
		writeInternalError(w, "failed to broadcast test event")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}
