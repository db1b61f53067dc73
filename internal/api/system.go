package api

import (
	"net/http"
)

// handleSnapshot returns the aggregate fleet view: all users, all
// devices, and the newest queue entries.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.StatusSnapshot(r.Context())
	if err != nil {
		writeInternalError(w, "failed to build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCurrentSlot reports the TDMA slot open right now.
func (s *Server) handleCurrentSlot(w http.ResponseWriter, _ *http.Request) {
	sched := s.manager.Schedule()
	writeJSON(w, http.StatusOK, map[string]any{
		"current_slot": s.manager.CurrentSlot(),
		"slot_seconds": sched.SlotSeconds,
		"num_slots":    sched.NumSlots,
	})
}

// handleWatchdogSweep runs one watchdog pass over the roster and reports
// how many devices were marked offline. The sweep also runs on a timer;
// this endpoint lets bench tooling force one.
func (s *Server) handleWatchdogSweep(w http.ResponseWriter, r *http.Request) {
	flagged, err := s.manager.Watchdog().Sweep(r.Context())
	if err != nil {
		writeInternalError(w, "watchdog sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timed_out": flagged})
}

// handleUserOnline marks an operator present. Unknown users are ignored.
func (s *Server) handleUserOnline(w http.ResponseWriter, r *http.Request) {
	s.handlePresence(w, r, true)
}

// handleUserOffline marks an operator absent. Unknown users are ignored.
func (s *Server) handleUserOffline(w http.ResponseWriter, r *http.Request) {
	s.handlePresence(w, r, false)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, online bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid user id")
		return
	}

	if online {
		err = s.manager.SetUserOnline(r.Context(), id)
	} else {
		err = s.manager.SetUserOffline(r.Context(), id)
	}
	if err != nil {
		writeInternalError(w, "failed to update presence")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": id,
		"online":  online,
	})
}
