package fleet

import "time"

// Event names broadcast by the engine. These are the wire-visible
// contract with device firmware and dashboards.
const (
	// EventDeviceCommand carries a command to a device channel.
	EventDeviceCommand = "device_command"

	// EventCommandAck announces a command acknowledgement, broadcast.
	EventCommandAck = "command_ack"

	// EventDeviceStatus announces a device status change, broadcast.
	EventDeviceStatus = "device_status"

	// EventDeviceTimeout announces a watchdog timeout, broadcast.
	EventDeviceTimeout = "device_timeout"

	// EventHeartbeatAck confirms receipt of a device heartbeat.
	EventHeartbeatAck = "heartbeat_ack"

	// EventDeviceTest is a connectivity probe for dashboards.
	EventDeviceTest = "device_test"
)

// Publisher is the outbound transport contract.
//
// Publish sends an event to one channel, or to the default broadcast
// scope when channel is empty. Broadcasts are fire-and-forget; the
// only delivery confirmation in the system is the application-level
// acknowledgement protocol.
type Publisher interface {
	Publish(event string, payload any, channel string) error

	// JoinChannel registers channel membership. Idempotent: joining a
	// channel twice has the same effect as once.
	JoinChannel(channel string) error
}

// CommandPayload is the body of a device_command event.
type CommandPayload struct {
	ID      int64  `json:"id"`
	Command string `json:"cmd"`
	UserID  int64  `json:"user_id,omitempty"`
}

// AckPayload is the body of a command_ack event.
type AckPayload struct {
	CommandID int64         `json:"command_id"`
	DeviceID  int64         `json:"device_id"`
	Status    CommandStatus `json:"status"`
	AckAt     *time.Time    `json:"ack_at"`
}

// StatusPayload is the body of a device_status event.
type StatusPayload struct {
	DeviceID int64        `json:"device_id"`
	UID      string       `json:"uid"`
	HWType   string       `json:"type"`
	Status   DeviceStatus `json:"status"`
	LastSeen *time.Time   `json:"last_seen"`
}

// TimeoutPayload is the body of a device_timeout event.
type TimeoutPayload struct {
	DeviceID int64        `json:"device_id"`
	UID      string       `json:"uid"`
	LastSeen *time.Time   `json:"last_seen"`
	Status   DeviceStatus `json:"status"`
}

// HeartbeatAckPayload is the body of a heartbeat_ack event.
type HeartbeatAckPayload struct {
	UID string `json:"uid"`
}

// TestPayload is the body of a device_test event.
type TestPayload struct {
	Message string `json:"msg"`
}

// Recorder receives telemetry points for fleet activity. Implementations
// must not block; the engine calls these inline on hot paths.
type Recorder interface {
	RecordHeartbeat(deviceUID, slot, channel string)
	RecordDispatch(deviceUID, command, channel string)
	RecordAckLatency(deviceUID, command string, latency time.Duration)
	RecordTimeout(deviceUID string, silentFor time.Duration)
}

// NopRecorder discards all telemetry. Used when InfluxDB is disabled.
type NopRecorder struct{}

func (NopRecorder) RecordHeartbeat(deviceUID, slot, channel string)                {}
func (NopRecorder) RecordDispatch(deviceUID, command, channel string)              {}
func (NopRecorder) RecordAckLatency(deviceUID, command string, _ time.Duration)    {}
func (NopRecorder) RecordTimeout(deviceUID string, _ time.Duration)                {}
