package fleet

import (
	"strconv"
	"time"
)

// SlotSchedule implements the TDMA slot discipline.
//
// The schedule is a pure function of the wall clock and two integers,
// so any caller can check "may device X transmit right now" in O(1)
// with no per-device timers.
type SlotSchedule struct {
	// SlotSeconds is the width of one transmission window.
	SlotSeconds int

	// NumSlots is the cycle length; the schedule repeats every
	// NumSlots*SlotSeconds seconds.
	NumSlots int
}

// CurrentSlot returns the active slot index at the given time:
// floor(unix_seconds / SlotSeconds) mod NumSlots.
func (s SlotSchedule) CurrentSlot(now time.Time) int {
	return int((now.Unix() / int64(s.SlotSeconds)) % int64(s.NumSlots))
}

// SlotOK reports whether the device may transmit at the given time.
//
// The policy is fail-open: a device with no slot assignment is
// unrestricted, and an unparseable slot value never blocks
// transmission. Device firmware relies on this permissive default, so
// it must not be hardened into a validation error.
func (s SlotSchedule) SlotOK(device *Device, now time.Time) bool {
	if device.Slot == nil || *device.Slot == "" {
		return true
	}
	assigned, err := strconv.Atoi(*device.Slot)
	if err != nil {
		return true
	}
	// Non-negative residue; Go's % would make a negative assignment
	// unmatchable and block the device forever.
	residue := ((assigned % s.NumSlots) + s.NumSlots) % s.NumSlots
	return s.CurrentSlot(now) == residue
}
