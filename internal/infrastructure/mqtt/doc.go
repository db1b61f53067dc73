// Package mqtt provides the labfleet controller's connection to the
// MQTT broker.
//
// The controller publishes downlink traffic on per-channel topics
// (labfleet/ch/{channel}) and event broadcasts (labfleet/event/{type}),
// and consumes uplink traffic from devices on labfleet/heartbeat/+ and
// labfleet/ack/+. Controller liveness is advertised on
// labfleet/system/status, with an LWT covering unexpected disconnects.
//
// The wrapper adds subscription tracking with automatic restoration on
// reconnect, panic recovery around message handlers, and topic builders
// so topic strings are never assembled by hand.
package mqtt
