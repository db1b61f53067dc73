package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
)

// Manager is the facade the API and uplink layers call. It composes
// the slot schedule, channel plan, dispatcher, and watchdog over one
// registry and one publisher.
type Manager struct {
	registry   Registry
	schedule   SlotSchedule
	plan       *ChannelPlan
	dispatcher *Dispatcher
	watchdog   *Watchdog
	pub        Publisher
	clock      Clock
	recorder   Recorder
	logger     *logging.Logger
}

// NewManager wires the engine together. recorder may be nil.
func NewManager(
	registry Registry,
	schedule SlotSchedule,
	plan *ChannelPlan,
	pub Publisher,
	clock Clock,
	recorder Recorder,
	logger *logging.Logger,
	watchdog *Watchdog,
) *Manager {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Manager{
		registry:   registry,
		schedule:   schedule,
		plan:       plan,
		dispatcher: NewDispatcher(registry, plan, pub, clock, recorder, logger),
		watchdog:   watchdog,
		pub:        pub,
		clock:      clock,
		recorder:   recorder,
		logger:     logger,
	}
}

// Dispatcher exposes the command dispatcher.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Watchdog exposes the watchdog monitor.
func (m *Manager) Watchdog() *Watchdog {
	return m.watchdog
}

// Schedule exposes the TDMA slot schedule.
func (m *Manager) Schedule() SlotSchedule {
	return m.schedule
}

// ChannelPlan exposes the FDMA channel plan.
func (m *Manager) ChannelPlan() *ChannelPlan {
	return m.plan
}

// CurrentSlot returns the active TDMA slot index right now.
func (m *Manager) CurrentSlot() int {
	return m.schedule.CurrentSlot(m.clock.Now())
}

// SlotOK reports whether a device may transmit right now.
// Returns ErrDeviceNotFound for an unknown device id.
func (m *Manager) SlotOK(ctx context.Context, deviceID int64) (bool, error) {
	device, err := m.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return m.schedule.SlotOK(device, m.clock.Now()), nil
}

// JoinChannel resolves a device's channel and registers membership
// with the publisher. Idempotent. Returns the channel name.
func (m *Manager) JoinChannel(ctx context.Context, deviceID int64) (string, error) {
	device, err := m.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	channel := m.plan.ChannelFor(device.ID)
	if err := m.pub.JoinChannel(channel); err != nil {
		return "", fmt.Errorf("joining channel %s: %w", channel, err)
	}
	return channel, nil
}

// RegisterDevice creates a device record. A blank UID gets a generated
// one so hardware without provisioned identity can still enroll.
func (m *Manager) RegisterDevice(ctx context.Context, device *Device) error {
	if strings.TrimSpace(device.UID) == "" {
		device.UID = "dev-" + uuid.NewString()[:8]
	}
	if device.Status == "" {
		device.Status = StatusOffline
	}
	if !device.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, device.Status)
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = m.clock.Now()
	}
	if err := m.registry.CreateDevice(ctx, device); err != nil {
		return err
	}

	m.logger.Info("device registered",
		"device_id", device.ID,
		"device_uid", device.UID,
		"hw_type", device.HWType,
		"channel", m.plan.ChannelFor(device.ID),
	)
	return nil
}

// RemoveDevice deletes a device; its queued commands cascade.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID int64) error {
	if err := m.registry.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	m.logger.Info("device removed", "device_id", deviceID)
	return nil
}

// GetDevice retrieves a device by id.
func (m *Manager) GetDevice(ctx context.Context, deviceID int64) (*Device, error) {
	return m.registry.GetDevice(ctx, deviceID)
}

// ListDevices retrieves all devices.
func (m *Manager) ListDevices(ctx context.Context) ([]Device, error) {
	return m.registry.ListDevices(ctx)
}

// HandleHeartbeat processes a device heartbeat: stamps last-seen,
// forces status online (a heartbeat from a running or stopped device
// still reads as online until the next control command), broadcasts
// the status change, confirms receipt with a heartbeat_ack, then
// drains any commands that queued up while the device was away.
//
// Returns false without error if the UID is unknown; unknown devices
// are dropped, not auto-registered.
func (m *Manager) HandleHeartbeat(ctx context.Context, deviceUID string) (bool, error) {
	device, err := m.registry.HeartbeatDevice(ctx, deviceUID, m.clock.Now())
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("handling heartbeat: %w", err)
	}

	status := StatusPayload{
		DeviceID: device.ID,
		UID:      device.UID,
		HWType:   device.HWType,
		Status:   device.Status,
		LastSeen: device.LastSeen,
	}
	if err := m.pub.Publish(EventDeviceStatus, status, ""); err != nil {
		return false, fmt.Errorf("broadcasting device status: %w", err)
	}
	if err := m.pub.Publish(EventHeartbeatAck, HeartbeatAckPayload{UID: device.UID}, ""); err != nil {
		return false, fmt.Errorf("sending heartbeat ack: %w", err)
	}

	var slot string
	if device.Slot != nil {
		slot = *device.Slot
	}
	m.recorder.RecordHeartbeat(device.UID, slot, m.plan.ChannelFor(device.ID))

	// The device just proved it is listening; flush its backlog. The
	// heartbeat is already recorded and broadcast at this point, so a
	// drain failure leaves the backlog pending rather than failing the
	// heartbeat.
	if _, err := m.dispatcher.DispatchPending(ctx, device.ID); err != nil {
		m.logger.Warn("post-heartbeat dispatch failed",
			"device_uid", device.UID,
			"error", err,
		)
	}

	return true, nil
}

// AcknowledgeCommand records a device's command acknowledgement.
// Returns false without error for an unknown command id.
func (m *Manager) AcknowledgeCommand(ctx context.Context, commandID int64) (bool, error) {
	return m.dispatcher.Acknowledge(ctx, commandID)
}

// StartDevice sends an immediate start command as the controller
// (user id 0).
func (m *Manager) StartDevice(ctx context.Context, deviceID int64) (bool, error) {
	return m.dispatcher.SendNow(ctx, deviceID, 0, "start")
}

// StopDevice sends an immediate stop command as the controller.
func (m *Manager) StopDevice(ctx context.Context, deviceID int64) (bool, error) {
	return m.dispatcher.SendNow(ctx, deviceID, 0, "stop")
}

// MarkCodeUploaded records whether firmware has been uploaded to a
// device. Clearing the flag also clears the timestamp.
func (m *Manager) MarkCodeUploaded(ctx context.Context, deviceID int64, uploaded bool) error {
	return m.registry.MarkCodeUploaded(ctx, deviceID, uploaded, m.clock.Now())
}

// SetUserOnline marks an operator online. Unknown users are a silent
// no-op.
func (m *Manager) SetUserOnline(ctx context.Context, userID int64) error {
	return m.setUserPresence(ctx, userID, true)
}

// SetUserOffline marks an operator offline. Unknown users are a silent
// no-op.
func (m *Manager) SetUserOffline(ctx context.Context, userID int64) error {
	return m.setUserPresence(ctx, userID, false)
}

func (m *Manager) setUserPresence(ctx context.Context, userID int64, online bool) error {
	err := m.registry.SetUserPresence(ctx, userID, online, m.clock.Now())
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	return err
}

// BroadcastTest emits a device_test probe so dashboards can verify
// their event feed end to end.
func (m *Manager) BroadcastTest(message string) error {
	if message == "" {
		message = "Hello from device!"
	}
	return m.pub.Publish(EventDeviceTest, TestPayload{Message: message}, "")
}

// StatusSnapshot assembles the dashboard view: all users, all devices,
// and the newest SnapshotQueueLimit queue entries.
func (m *Manager) StatusSnapshot(ctx context.Context) (*StatusSnapshot, error) {
	users, err := m.registry.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	devices, err := m.registry.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	queue, err := m.registry.RecentCommands(ctx, SnapshotQueueLimit)
	if err != nil {
		return nil, fmt.Errorf("listing recent commands: %w", err)
	}

	if users == nil {
		users = []User{}
	}
	if devices == nil {
		devices = []Device{}
	}
	if queue == nil {
		queue = []CommandQueueEntry{}
	}

	return &StatusSnapshot{Users: users, Devices: devices, Queue: queue}, nil
}
