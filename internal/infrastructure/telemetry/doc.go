// Package telemetry records fleet metrics to InfluxDB.
//
// Heartbeats, command dispatch and latency, and watchdog timeouts are
// written as non-blocking batched points. The whole package is optional:
// when disabled in configuration, Connect returns ErrDisabled and the
// controller runs without it.
package telemetry
