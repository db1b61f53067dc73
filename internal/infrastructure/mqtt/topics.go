package mqtt

import "fmt"

// Topic prefixes for the labfleet MQTT hierarchy.
//
// Fleet traffic is split into per-channel fan-out (the FDMA channels the
// devices listen on), per-event fan-out for dashboards, and per-device
// uplink topics (heartbeats and command acknowledgements).
const (
	// TopicPrefix is the base for all labfleet topics.
	TopicPrefix = "labfleet"

	// TopicPrefixSystem is the base for controller lifecycle topics.
	TopicPrefixSystem = "labfleet/system"
)

// Topics provides builders for labfleet MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.Channel("ch2")
//	// Returns: "labfleet/ch/ch2"
type Topics struct{}

// Channel returns the fan-out topic for an FDMA channel.
// Devices assigned to the channel subscribe here for their commands.
//
// Example: labfleet/ch/ch2
func (Topics) Channel(channel string) string {
	return fmt.Sprintf("%s/ch/%s", TopicPrefix, channel)
}

// Event returns the broadcast topic for a fleet event type.
//
// Example: labfleet/event/device_status
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// Heartbeat returns the uplink topic a device publishes heartbeats on.
//
// Example: labfleet/heartbeat/esp32-a1b2c3
func (Topics) Heartbeat(deviceUID string) string {
	return fmt.Sprintf("%s/heartbeat/%s", TopicPrefix, deviceUID)
}

// Ack returns the uplink topic a device publishes command acks on.
//
// Example: labfleet/ack/esp32-a1b2c3
func (Topics) Ack(deviceUID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceUID)
}

// SystemStatus returns the controller status topic, also used for the
// broker LWT so subscribers see an unexpected disconnect.
//
// Example: labfleet/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllHeartbeats returns a pattern matching heartbeats from every device.
//
// Pattern: labfleet/heartbeat/+
func (Topics) AllHeartbeats() string {
	return fmt.Sprintf("%s/heartbeat/+", TopicPrefix)
}

// AllAcks returns a pattern matching command acks from every device.
//
// Pattern: labfleet/ack/+
func (Topics) AllAcks() string {
	return fmt.Sprintf("%s/ack/+", TopicPrefix)
}

// AllEvents returns a pattern matching every fleet event broadcast.
//
// Pattern: labfleet/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefix)
}

// AllTopics returns a pattern matching all labfleet traffic.
// Use with caution.
//
// Pattern: labfleet/#
func (Topics) AllTopics() string {
	return "labfleet/#"
}
