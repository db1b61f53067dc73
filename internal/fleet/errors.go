package fleet

import "errors"

// Sentinel errors for fleet operations. Check with errors.Is.
//
// Not-found conditions are business-as-usual for this engine: callers
// translate them to a negative result (HTTP 404, dropped uplink frame),
// never a fault.
var (
	// ErrDeviceNotFound indicates the device id or UID is unknown.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrDeviceExists indicates a device with the same UID already exists.
	ErrDeviceExists = errors.New("fleet: device already exists")

	// ErrCommandNotFound indicates the command id is unknown.
	ErrCommandNotFound = errors.New("fleet: command not found")

	// ErrUserNotFound indicates the user id is unknown.
	ErrUserNotFound = errors.New("fleet: user not found")

	// ErrNoChannels indicates an empty channel list in configuration.
	ErrNoChannels = errors.New("fleet: no channels configured")

	// ErrInvalidCommand indicates an empty or oversized command string.
	ErrInvalidCommand = errors.New("fleet: invalid command")

	// ErrInvalidStatus indicates a device status outside the known set.
	ErrInvalidStatus = errors.New("fleet: invalid device status")
)
