package fleet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T, registry *SQLiteRegistry, pub Publisher, clock Clock) *Manager {
	t.Helper()
	plan := testPlan(t)
	schedule := SlotSchedule{SlotSeconds: 2, NumSlots: 16}
	watchdog := NewWatchdog(registry, pub, clock, nil, testLogger(), 30*time.Second, 5*time.Second)
	return NewManager(registry, schedule, plan, pub, clock, nil, testLogger(), watchdog)
}

func TestManager_HandleHeartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown device is dropped", func(t *testing.T) {
		registry := setupRegistry(t)
		pub := &capturePublisher{}
		clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
		manager := newTestManager(t, registry, pub, clock)

		ok, err := manager.HandleHeartbeat(ctx, "ghost-001")
		if err != nil {
			t.Fatalf("HandleHeartbeat() error = %v", err)
		}
		if ok {
			t.Error("HandleHeartbeat() = true for unknown device")
		}
		if len(pub.events) != 0 {
			t.Errorf("published %d events, want 0", len(pub.events))
		}
	})

	t.Run("stamps, broadcasts, and confirms", func(t *testing.T) {
		registry := setupRegistry(t)
		pub := &capturePublisher{}
		clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
		manager := newTestManager(t, registry, pub, clock)

		device := createDevice(t, registry, "pi-200")

		ok, err := manager.HandleHeartbeat(ctx, device.UID)
		if err != nil {
			t.Fatalf("HandleHeartbeat() error = %v", err)
		}
		if !ok {
			t.Fatal("HandleHeartbeat() = false, want true")
		}

		got, _ := registry.GetDevice(ctx, device.ID)
		if got.Status != StatusOnline {
			t.Errorf("status = %q, want %q", got.Status, StatusOnline)
		}
		if got.LastSeen == nil || !got.LastSeen.Equal(clock.Now()) {
			t.Errorf("LastSeen = %v, want %v", got.LastSeen, clock.Now())
		}

		statuses := pub.eventsOf(EventDeviceStatus)
		if len(statuses) != 1 {
			t.Fatalf("broadcast %d device_status events, want 1", len(statuses))
		}
		status := statuses[0].payload.(StatusPayload)
		if status.UID != device.UID || status.Status != StatusOnline {
			t.Errorf("status payload = %+v", status)
		}

		acks := pub.eventsOf(EventHeartbeatAck)
		if len(acks) != 1 {
			t.Fatalf("sent %d heartbeat_ack events, want 1", len(acks))
		}
		if acks[0].payload.(HeartbeatAckPayload).UID != device.UID {
			t.Errorf("heartbeat_ack payload = %+v", acks[0].payload)
		}
	})

	t.Run("forces online over running", func(t *testing.T) {
		registry := setupRegistry(t)
		pub := &capturePublisher{}
		clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
		manager := newTestManager(t, registry, pub, clock)

		device := createDevice(t, registry, "pi-201")
		lastSeen := clock.Now()
		if err := registry.UpdateDeviceStatus(ctx, device.ID, StatusRunning, &lastSeen); err != nil {
			t.Fatalf("UpdateDeviceStatus() error = %v", err)
		}

		if _, err := manager.HandleHeartbeat(ctx, device.UID); err != nil {
			t.Fatalf("HandleHeartbeat() error = %v", err)
		}

		got, _ := registry.GetDevice(ctx, device.ID)
		if got.Status != StatusOnline {
			t.Errorf("status = %q, want %q", got.Status, StatusOnline)
		}
	})

	t.Run("drains pending commands after heartbeat", func(t *testing.T) {
		registry := setupRegistry(t)
		pub := &capturePublisher{}
		clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
		manager := newTestManager(t, registry, pub, clock)

		device := createDevice(t, registry, "pi-202")
		entry, err := manager.Dispatcher().Enqueue(ctx, device.ID, 1, "collect_data")
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		if _, err := manager.HandleHeartbeat(ctx, device.UID); err != nil {
			t.Fatalf("HandleHeartbeat() error = %v", err)
		}

		commands := pub.eventsOf(EventDeviceCommand)
		if len(commands) != 1 {
			t.Fatalf("dispatched %d commands on heartbeat, want 1", len(commands))
		}
		got, _ := registry.GetCommand(ctx, entry.ID)
		if got.Status != CommandSent {
			t.Errorf("command status = %q, want %q", got.Status, CommandSent)
		}
	})

	t.Run("drain failure does not fail the heartbeat", func(t *testing.T) {
		registry := setupRegistry(t)
		pub := &selectivePublisher{failEvent: EventDeviceCommand}
		clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
		manager := newTestManager(t, registry, pub, clock)

		device := createDevice(t, registry, "pi-203")
		entry, err := manager.Dispatcher().Enqueue(ctx, device.ID, 1, "collect_data")
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		ok, err := manager.HandleHeartbeat(ctx, device.UID)
		if err != nil {
			t.Fatalf("HandleHeartbeat() error = %v", err)
		}
		if !ok {
			t.Fatal("HandleHeartbeat() = false, want true")
		}

		got, _ := registry.GetDevice(ctx, device.ID)
		if got.Status != StatusOnline {
			t.Errorf("status = %q, want %q", got.Status, StatusOnline)
		}
		cmd, _ := registry.GetCommand(ctx, entry.ID)
		if cmd.Status != CommandPending {
			t.Errorf("command status = %q, want %q left for the next heartbeat", cmd.Status, CommandPending)
		}
	})
}

// selectivePublisher fails publishes for one event name and records
// the rest.
type selectivePublisher struct {
	capturePublisher
	failEvent string
}

func (p *selectivePublisher) Publish(event string, payload any, channel string) error {
	if event == p.failEvent {
		return errors.New("broker unavailable")
	}
	return p.capturePublisher.Publish(event, payload, channel)
}

func TestManager_StartStopDevice(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	manager := newTestManager(t, registry, pub, clock)

	device := createDevice(t, registry, "pi-203")

	t.Run("start", func(t *testing.T) {
		ok, err := manager.StartDevice(ctx, device.ID)
		if err != nil {
			t.Fatalf("StartDevice() error = %v", err)
		}
		if !ok {
			t.Fatal("StartDevice() = false, want true")
		}

		events := pub.eventsOf(EventDeviceCommand)
		if len(events) == 0 {
			t.Fatal("no device_command published")
		}
		payload := events[len(events)-1].payload.(CommandPayload)
		if payload.Command != "start" || payload.UserID != 0 {
			t.Errorf("payload = %+v, want start as user 0", payload)
		}
	})

	t.Run("stop", func(t *testing.T) {
		ok, err := manager.StopDevice(ctx, device.ID)
		if err != nil {
			t.Fatalf("StopDevice() error = %v", err)
		}
		if !ok {
			t.Fatal("StopDevice() = false, want true")
		}

		events := pub.eventsOf(EventDeviceCommand)
		payload := events[len(events)-1].payload.(CommandPayload)
		if payload.Command != "stop" {
			t.Errorf("command = %q, want %q", payload.Command, "stop")
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		ok, err := manager.StartDevice(ctx, 9999)
		if err != nil {
			t.Fatalf("StartDevice() error = %v", err)
		}
		if ok {
			t.Error("StartDevice() = true for unknown device")
		}
	})
}

func TestManager_RegisterDevice(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Now())
	manager := newTestManager(t, registry, pub, clock)

	t.Run("generates UID when blank", func(t *testing.T) {
		device := &Device{Name: "new bench", HWType: "esp32"}
		if err := manager.RegisterDevice(ctx, device); err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}
		if device.UID == "" {
			t.Error("UID not generated")
		}
		if device.Status != StatusOffline {
			t.Errorf("status = %q, want %q", device.Status, StatusOffline)
		}
	})

	t.Run("stamps created_at from the clock", func(t *testing.T) {
		device := &Device{UID: "pi-299", Name: "clocked", HWType: "pi"}
		if err := manager.RegisterDevice(ctx, device); err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}
		if !device.CreatedAt.Equal(clock.Now()) {
			t.Errorf("created_at = %v, want clock time %v", device.CreatedAt, clock.Now())
		}
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		device := &Device{UID: "pi-301", Name: "bad", HWType: "pi", Status: "exploded"}
		err := manager.RegisterDevice(ctx, device)
		if !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("error = %v, want ErrInvalidStatus", err)
		}
	})

	t.Run("rejects duplicate UID", func(t *testing.T) {
		first := &Device{UID: "pi-300", Name: "one", HWType: "pi"}
		if err := manager.RegisterDevice(ctx, first); err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}

		second := &Device{UID: "pi-300", Name: "two", HWType: "pi"}
		err := manager.RegisterDevice(ctx, second)
		if !errors.Is(err, ErrDeviceExists) {
			t.Errorf("error = %v, want ErrDeviceExists", err)
		}
	})
}

func TestManager_RemoveDevice_CascadesCommands(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Now())
	manager := newTestManager(t, registry, pub, clock)

	device := createDevice(t, registry, "pi-301")
	entry, err := manager.Dispatcher().Enqueue(ctx, device.ID, 1, "blink")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := manager.RemoveDevice(ctx, device.ID); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}

	if _, err := registry.GetDevice(ctx, device.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := registry.GetCommand(ctx, entry.ID); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("GetCommand() error = %v, want ErrCommandNotFound (cascade)", err)
	}
}

func TestManager_MarkCodeUploaded(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	manager := newTestManager(t, registry, pub, clock)

	device := createDevice(t, registry, "pi-302")

	if err := manager.MarkCodeUploaded(ctx, device.ID, true); err != nil {
		t.Fatalf("MarkCodeUploaded(true) error = %v", err)
	}
	got, _ := registry.GetDevice(ctx, device.ID)
	if !got.CodeUploaded || got.CodeUploadedAt == nil {
		t.Errorf("device = %+v, want uploaded with timestamp", got)
	}

	if err := manager.MarkCodeUploaded(ctx, device.ID, false); err != nil {
		t.Fatalf("MarkCodeUploaded(false) error = %v", err)
	}
	got, _ = registry.GetDevice(ctx, device.ID)
	if got.CodeUploaded || got.CodeUploadedAt != nil {
		t.Errorf("device = %+v, want cleared flag and timestamp", got)
	}
}

func TestManager_UserPresence(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	manager := newTestManager(t, registry, pub, clock)

	user := &User{Username: "dave"}
	if err := registry.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	t.Run("online and offline toggle", func(t *testing.T) {
		if err := manager.SetUserOnline(ctx, user.ID); err != nil {
			t.Fatalf("SetUserOnline() error = %v", err)
		}
		got, _ := registry.GetUser(ctx, user.ID)
		if !got.Online || got.LastSeen == nil {
			t.Errorf("user = %+v, want online with LastSeen", got)
		}

		if err := manager.SetUserOffline(ctx, user.ID); err != nil {
			t.Fatalf("SetUserOffline() error = %v", err)
		}
		got, _ = registry.GetUser(ctx, user.ID)
		if got.Online {
			t.Error("user still online after SetUserOffline")
		}
	})

	t.Run("unknown user is a silent no-op", func(t *testing.T) {
		if err := manager.SetUserOnline(ctx, 9999); err != nil {
			t.Errorf("SetUserOnline() error = %v, want nil", err)
		}
	})
}

func TestManager_JoinChannel(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Now())
	manager := newTestManager(t, registry, pub, clock)

	device := createDevice(t, registry, "pi-303")
	want := manager.ChannelPlan().ChannelFor(device.ID)

	first, err := manager.JoinChannel(ctx, device.ID)
	if err != nil {
		t.Fatalf("JoinChannel() error = %v", err)
	}
	second, err := manager.JoinChannel(ctx, device.ID)
	if err != nil {
		t.Fatalf("second JoinChannel() error = %v", err)
	}

	if first != want || second != want {
		t.Errorf("channels = %q, %q; want %q both times", first, second, want)
	}
	if len(pub.joins) != 2 {
		t.Errorf("join calls = %d, want 2", len(pub.joins))
	}
}

func TestManager_StatusSnapshot(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	manager := newTestManager(t, registry, pub, clock)

	t.Run("empty system yields empty slices", func(t *testing.T) {
		snap, err := manager.StatusSnapshot(ctx)
		if err != nil {
			t.Fatalf("StatusSnapshot() error = %v", err)
		}
		if snap.Users == nil || snap.Devices == nil || snap.Queue == nil {
			t.Error("snapshot slices must be non-nil for JSON encoding")
		}
	})

	t.Run("queue is newest first and capped", func(t *testing.T) {
		device := createDevice(t, registry, "pi-304")

		var lastID int64
		for i := 0; i < SnapshotQueueLimit+5; i++ {
			entry, err := manager.Dispatcher().Enqueue(ctx, device.ID, 1, "blink")
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			lastID = entry.ID
			clock.Advance(time.Second)
		}

		snap, err := manager.StatusSnapshot(ctx)
		if err != nil {
			t.Fatalf("StatusSnapshot() error = %v", err)
		}
		if len(snap.Queue) != SnapshotQueueLimit {
			t.Fatalf("queue length = %d, want %d", len(snap.Queue), SnapshotQueueLimit)
		}
		if snap.Queue[0].ID != lastID {
			t.Errorf("first queue entry = %d, want newest %d", snap.Queue[0].ID, lastID)
		}
		if len(snap.Devices) != 1 {
			t.Errorf("devices length = %d, want 1", len(snap.Devices))
		}
	})
}

func TestManager_SlotOK(t *testing.T) {
	ctx := context.Background()
	registry := setupRegistry(t)
	pub := &capturePublisher{}
	// Unix 40 is slot 4 with 2-second slots over a 16-slot cycle.
	clock := newFakeClock(time.Unix(40, 0))
	manager := newTestManager(t, registry, pub, clock)

	slot := "4"
	device := &Device{UID: "pi-305", Name: "bench", HWType: "pi", Slot: &slot}
	if err := registry.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	ok, err := manager.SlotOK(ctx, device.ID)
	if err != nil {
		t.Fatalf("SlotOK() error = %v", err)
	}
	if !ok {
		t.Error("SlotOK() = false, want true for matching slot")
	}

	if _, err := manager.SlotOK(ctx, 9999); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SlotOK(unknown) error = %v, want ErrDeviceNotFound", err)
	}

	if got := manager.CurrentSlot(); got != 4 {
		t.Errorf("CurrentSlot() = %d, want 4", got)
	}
}
