package telemetry

import "errors"

var (
	// ErrDisabled indicates telemetry is disabled in configuration.
	ErrDisabled = errors.New("telemetry: disabled in configuration")

	// ErrConnectionFailed indicates the InfluxDB server could not be reached.
	ErrConnectionFailed = errors.New("telemetry: connection failed")

	// ErrNotConnected indicates an operation was attempted while disconnected.
	ErrNotConnected = errors.New("telemetry: not connected")
)
