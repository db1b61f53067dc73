package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/davenr/labfleet-core/internal/fleet"
)

// CommandRequest is the body for enqueue and send-now endpoints.
type CommandRequest struct {
	Command string `json:"command"`
	UserID  int64  `json:"user_id"`
}

// handleEnqueueCommand appends a command to the device's durable queue.
// It stays pending until the device's next heartbeat drains the queue or
// a dispatch is triggered explicitly.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	entry, err := s.manager.Dispatcher().Enqueue(r.Context(), id, req.UserID, req.Command)
	if err != nil {
		if errors.Is(err, fleet.ErrInvalidCommand) {
			writeBadRequest(w, err.Error())
			return
		}
		writeInternalError(w, "failed to enqueue command")
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// handleDispatchPending pushes every pending command for the device to its
// assigned channel, oldest first.
func (s *Server) handleDispatchPending(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	dispatched, err := s.manager.Dispatcher().DispatchPending(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to dispatch commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  id,
		"dispatched": dispatched,
	})
}

// handleSendNow bypasses the pending queue and publishes the command
// immediately, recording it as sent.
func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sent, err := s.manager.Dispatcher().SendNow(r.Context(), id, req.UserID, req.Command)
	if err != nil {
		if errors.Is(err, fleet.ErrInvalidCommand) {
			writeBadRequest(w, err.Error())
			return
		}
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

// handleAckCommand marks a command acknowledged and broadcasts the ack.
// Acks normally arrive over MQTT; this endpoint exists for bench tooling
// and devices without a broker connection.
func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid command id")
		return
	}

	acked, err := s.manager.AcknowledgeCommand(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to acknowledge command")
		return
	}
	if !acked {
		writeNotFound(w, "command not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"command_id": id,
		"status":     string(fleet.CommandAck),
	})
}
