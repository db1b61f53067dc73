// Package uplink consumes device-originated MQTT traffic.
//
// Devices publish heartbeats on labfleet/heartbeat/{uid} and command
// acknowledgements on labfleet/ack/{uid}. The uplink subscribes to both
// wildcards, decodes the JSON frames, and feeds them into the fleet
// engine. Malformed frames and unknown devices are logged and dropped;
// the uplink never fails the broker connection over bad input.
package uplink
