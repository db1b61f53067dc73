package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
)

// Watchdog marks silent devices offline.
//
// Detection is level-triggered: each sweep recomputes liveness for
// every device with a known last-seen, so there are no per-device
// timers. Sweep cadence belongs to the caller (main runs a ticker);
// the watchdog only defines what one sweep does. Overlapping sweeps
// could double-emit timeout events, so the caller must serialize them.
type Watchdog struct {
	registry Registry
	pub      Publisher
	clock    Clock
	recorder Recorder
	logger   *logging.Logger

	timeout time.Duration

	// grace is a configured pre-offline warning window. It is carried
	// here but not consumed by Sweep; the warning stage is not
	// implemented.
	grace time.Duration
}

// NewWatchdog creates a Watchdog. recorder may be nil.
func NewWatchdog(registry Registry, pub Publisher, clock Clock, recorder Recorder, logger *logging.Logger, timeout, grace time.Duration) *Watchdog {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Watchdog{
		registry: registry,
		pub:      pub,
		clock:    clock,
		recorder: recorder,
		logger:   logger,
		timeout:  timeout,
		grace:    grace,
	}
}

// Timeout returns the configured silence threshold.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Sweep transitions every timed-out device to offline and emits one
// device_timeout event per transition. Returns the number of devices
// marked offline.
//
// Devices with no last-seen are skipped (never heard from, nothing to
// time out). Devices already offline are skipped so repeated sweeps do
// not re-emit.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.clock.Now()

	devices, err := w.registry.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing devices: %w", err)
	}

	count := 0
	for i := range devices {
		d := &devices[i]
		if d.LastSeen == nil {
			continue
		}
		silentFor := now.Sub(*d.LastSeen)
		if silentFor <= w.timeout || d.Status == StatusOffline {
			continue
		}

		if err := w.registry.UpdateDeviceStatus(ctx, d.ID, StatusOffline, d.LastSeen); err != nil {
			return count, fmt.Errorf("marking device %d offline: %w", d.ID, err)
		}

		payload := TimeoutPayload{
			DeviceID: d.ID,
			UID:      d.UID,
			LastSeen: d.LastSeen,
			Status:   StatusOffline,
		}
		if err := w.pub.Publish(EventDeviceTimeout, payload, ""); err != nil {
			return count, fmt.Errorf("broadcasting timeout for device %d: %w", d.ID, err)
		}

		w.recorder.RecordTimeout(d.UID, silentFor)
		w.logger.Warn("device timed out",
			"device_id", d.ID,
			"device_uid", d.UID,
			"silent_for", silentFor.String(),
		)
		count++
	}

	return count, nil
}

// Reset stamps a device's last-seen to now without changing its
// status, deferring the next timeout by a full window.
//
// Returns false without error if the device does not exist.
func (w *Watchdog) Reset(ctx context.Context, deviceID int64) (bool, error) {
	err := w.registry.TouchLastSeen(ctx, deviceID, w.clock.Now())
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resetting watchdog: %w", err)
	}

	w.logger.Debug("watchdog reset", "device_id", deviceID)
	return true, nil
}
