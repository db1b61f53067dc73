package fleet

import "time"

// DeviceStatus represents the lifecycle state of a device.
type DeviceStatus string

// Device status values.
const (
	StatusOffline DeviceStatus = "offline"
	StatusOnline  DeviceStatus = "online"
	StatusRunning DeviceStatus = "running"
	StatusStopped DeviceStatus = "stopped"
)

// Valid reports whether s is one of the known device statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusRunning, StatusStopped:
		return true
	}
	return false
}

// CommandStatus represents the state of a queued command.
//
// The engine only ever produces pending, sent, and ack. Failed and
// cancelled exist in the vocabulary for operator tooling but no code
// path transitions into them; a command stuck in sent stays there.
type CommandStatus string

// Command status values.
const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandAck       CommandStatus = "ack"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// Device is a registered lab device.
//
// Slot holds the TDMA slot assignment as raw text. It may be absent or
// unparseable; both cases leave the device unrestricted (see
// SlotSchedule.SlotOK).
type Device struct {
	ID  int64  `json:"id"`
	UID string `json:"device_uid"`

	Name   string `json:"name"`
	HWType string `json:"hw_type"`
	Slot   *string `json:"slot,omitempty"`

	Status   DeviceStatus `json:"status"`
	LastSeen *time.Time   `json:"last_seen,omitempty"`

	CodeUploaded   bool       `json:"code_uploaded"`
	CodeUploadedAt *time.Time `json:"code_uploaded_at,omitempty"`

	OwnerID   *int64    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandQueueEntry is one command in a device's durable queue.
type CommandQueueEntry struct {
	ID       int64 `json:"id"`
	DeviceID int64 `json:"device_id"`

	// UserID identifies the requesting operator. Controller-originated
	// commands (start/stop) use user id 0.
	UserID int64 `json:"user_id"`

	Command string        `json:"command"`
	Status  CommandStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	AckAt     *time.Time `json:"ack_at,omitempty"`
}

// User is an operator with a presence flag, independent of device
// liveness.
type User struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusSnapshot is the read-only aggregate view served to dashboards:
// every user, every device, and the 50 newest queue entries.
type StatusSnapshot struct {
	Users   []User              `json:"users"`
	Devices []Device            `json:"devices"`
	Queue   []CommandQueueEntry `json:"queue"`
}

// SnapshotQueueLimit caps the queue portion of a StatusSnapshot,
// newest first.
const SnapshotQueueLimit = 50
