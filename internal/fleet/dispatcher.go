package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
)

// maxCommandLength caps the command string accepted into the queue.
const maxCommandLength = 4096

// Dispatcher drives the command queue lifecycle: pending -> sent -> ack.
//
// Two delivery paths exist. Enqueue followed by DispatchPending drains
// the durable queue in FIFO order; SendNow creates an entry already in
// sent state and publishes immediately, bypassing the queue. FIFO
// ordering is only guaranteed within one path: interleaving the two on
// the same device can deliver commands out of creation order. That
// relaxation is part of the delivery contract (at-least-once intent,
// no strict cross-path ordering).
type Dispatcher struct {
	registry Registry
	plan     *ChannelPlan
	pub      Publisher
	clock    Clock
	recorder Recorder
	logger   *logging.Logger
}

// NewDispatcher creates a Dispatcher. recorder may be nil, in which
// case telemetry is discarded.
func NewDispatcher(registry Registry, plan *ChannelPlan, pub Publisher, clock Clock, recorder Recorder, logger *logging.Logger) *Dispatcher {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Dispatcher{
		registry: registry,
		plan:     plan,
		pub:      pub,
		clock:    clock,
		recorder: recorder,
		logger:   logger,
	}
}

// Enqueue inserts a new pending entry for later dispatch.
//
// Device existence is not verified here; the registry's referential
// constraints reject an unknown device id.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID, userID int64, command string) (*CommandQueueEntry, error) {
	if command == "" || len(command) > maxCommandLength {
		return nil, ErrInvalidCommand
	}

	entry := &CommandQueueEntry{
		DeviceID:  deviceID,
		UserID:    userID,
		Command:   command,
		Status:    CommandPending,
		CreatedAt: d.clock.Now(),
	}
	if err := d.registry.InsertCommand(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueueing command: %w", err)
	}

	d.logger.Debug("command enqueued",
		"command_id", entry.ID,
		"device_id", deviceID,
		"command", command,
	)
	return entry, nil
}

// DispatchPending drains a device's pending queue in FIFO order,
// publishing each entry to the device's channel and marking it sent.
// Returns the number dispatched.
//
// A device that cannot be resolved is a silent no-op returning 0, not
// a failure: the queue stays intact for a later dispatch.
func (d *Dispatcher) DispatchPending(ctx context.Context, deviceID int64) (int, error) {
	device, err := d.registry.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("resolving device: %w", err)
	}

	pending, err := d.registry.PendingCommands(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("loading pending commands: %w", err)
	}

	channel := d.plan.ChannelFor(device.ID)
	count := 0
	for i := range pending {
		entry := &pending[i]

		payload := CommandPayload{ID: entry.ID, Command: entry.Command}
		if err := d.pub.Publish(EventDeviceCommand, payload, channel); err != nil {
			return count, fmt.Errorf("publishing command %d: %w", entry.ID, err)
		}
		if err := d.registry.MarkCommandSent(ctx, entry.ID, d.clock.Now()); err != nil {
			return count, fmt.Errorf("marking command %d sent: %w", entry.ID, err)
		}

		d.recorder.RecordDispatch(device.UID, entry.Command, channel)
		count++
	}

	if count > 0 {
		d.logger.Info("dispatched pending commands",
			"device_id", deviceID,
			"device_uid", device.UID,
			"channel", channel,
			"count", count,
		)
	}
	return count, nil
}

// SendNow creates an entry directly in sent state and publishes it
// immediately, bypassing the pending queue.
//
// Returns false without error if the device does not exist.
func (d *Dispatcher) SendNow(ctx context.Context, deviceID, userID int64, command string) (bool, error) {
	if command == "" || len(command) > maxCommandLength {
		return false, ErrInvalidCommand
	}

	device, err := d.registry.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolving device: %w", err)
	}

	now := d.clock.Now()
	entry := &CommandQueueEntry{
		DeviceID:  deviceID,
		UserID:    userID,
		Command:   command,
		Status:    CommandSent,
		CreatedAt: now,
		SentAt:    &now,
	}
	if err := d.registry.InsertCommand(ctx, entry); err != nil {
		return false, fmt.Errorf("recording command: %w", err)
	}

	channel := d.plan.ChannelFor(device.ID)
	payload := CommandPayload{ID: entry.ID, Command: command, UserID: userID}
	if err := d.pub.Publish(EventDeviceCommand, payload, channel); err != nil {
		return false, fmt.Errorf("publishing command %d: %w", entry.ID, err)
	}

	d.recorder.RecordDispatch(device.UID, command, channel)
	d.logger.Info("command sent",
		"command_id", entry.ID,
		"device_id", deviceID,
		"device_uid", device.UID,
		"channel", channel,
		"command", command,
	)
	return true, nil
}

// Acknowledge records a device's acknowledgement of a command and
// broadcasts a command_ack event.
//
// Acknowledgement is deliberately not idempotent: a second ack for the
// same id re-stamps ack-at to the later time and broadcasts again.
// Firmware that double-acks is tolerated rather than rejected.
//
// Returns false without error if the command id is unknown; no
// broadcast happens in that case.
func (d *Dispatcher) Acknowledge(ctx context.Context, commandID int64) (bool, error) {
	entry, err := d.registry.AckCommand(ctx, commandID, d.clock.Now())
	if err != nil {
		if errors.Is(err, ErrCommandNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("acknowledging command: %w", err)
	}

	payload := AckPayload{
		CommandID: entry.ID,
		DeviceID:  entry.DeviceID,
		Status:    entry.Status,
		AckAt:     entry.AckAt,
	}
	if err := d.pub.Publish(EventCommandAck, payload, ""); err != nil {
		return false, fmt.Errorf("broadcasting ack: %w", err)
	}

	if entry.AckAt != nil {
		if device, err := d.registry.GetDevice(ctx, entry.DeviceID); err == nil {
			d.recorder.RecordAckLatency(device.UID, entry.Command, entry.AckAt.Sub(entry.CreatedAt))
		}
	}

	d.logger.Info("command acknowledged",
		"command_id", entry.ID,
		"device_id", entry.DeviceID,
	)
	return true, nil
}
