package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteHeartbeat records a device heartbeat.
//
// slot carries the device's TDMA slot index as a string tag; pass ""
// for devices with no slot assignment.
func (c *Client) WriteHeartbeat(deviceUID, slot, channel string) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"device_uid": deviceUID,
		"channel":    channel,
	}
	if slot != "" {
		tags["slot"] = slot
	}

	point := write.NewPoint(
		"fleet_heartbeat",
		tags,
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandDispatched records a command being sent to a device.
func (c *Client) WriteCommandDispatched(deviceUID, command, channel string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet_command",
		map[string]string{
			"device_uid": deviceUID,
			"command":    command,
			"channel":    channel,
			"phase":      "dispatched",
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandLatency records the queue-to-ack latency of a command.
func (c *Client) WriteCommandLatency(deviceUID, command string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet_command",
		map[string]string{
			"device_uid": deviceUID,
			"command":    command,
			"phase":      "acked",
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTimeout records a watchdog timeout marking a device offline.
func (c *Client) WriteTimeout(deviceUID string, silentFor time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet_timeout",
		map[string]string{
			"device_uid": deviceUID,
		},
		map[string]interface{}{
			"silent_seconds": silentFor.Seconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point for measurements the helpers
// don't cover. Tags should stay low cardinality.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
