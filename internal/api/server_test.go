package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davenr/labfleet-core/internal/fleet"
	"github.com/davenr/labfleet-core/internal/infrastructure/config"
	"github.com/davenr/labfleet-core/internal/infrastructure/database"
	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
	_ "github.com/davenr/labfleet-core/migrations"
)

// recordingPublisher captures broker publishes so handler tests can
// assert on dispatched events without a live broker.
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event   string
	channel string
}

func (p *recordingPublisher) Publish(event string, _ any, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{event: event, channel: channel})
	return nil
}

func (p *recordingPublisher) JoinChannel(_ string) error { return nil }

func (p *recordingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

// testServer creates a Server with a real fleet manager backed by
// in-memory SQLite.
func testServer(t *testing.T) (*Server, *recordingPublisher) {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:", BusyTimeout: 5})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	registry := fleet.NewSQLiteRegistry(db)
	plan, err := fleet.NewChannelPlan([]string{"ch0", "ch1", "ch2", "ch3"})
	if err != nil {
		t.Fatalf("channel plan: %v", err)
	}
	pub := &recordingPublisher{}
	clock := fleet.SystemClock{}
	watchdog := fleet.NewWatchdog(registry, pub, clock, fleet.NopRecorder{}, log, 30*time.Second, 5*time.Second)
	manager := fleet.NewManager(
		registry,
		fleet.SlotSchedule{SlotSeconds: 2, NumSlots: 16},
		plan,
		pub,
		clock,
		fleet.NopRecorder{},
		log,
		watchdog,
	)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  log,
		Manager: manager,
		MQTT:    nil,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Initialise hub for tests
	srv.hub = NewHub(srv.wsCfg, log)
	go srv.hub.Run(context.Background())

	return srv, pub
}

// createTestDevice registers a device through the API and returns its ID.
func createTestDevice(t *testing.T, router http.Handler, uid string) int64 {
	t.Helper()

	body := `{"device_uid": "` + uid + `", "name": "Bench Node", "hw_type": "esp32"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("create device status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var dev fleet.Device
	if err := json.Unmarshal(w.Body.Bytes(), &dev); err != nil {
		t.Fatalf("unmarshal created device: %v", err)
	}
	return dev.ID
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestListDevices_Empty(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(resp["count"].(float64)) != 0 {
		t.Errorf("count = %v, want 0", resp["count"])
	}
}

func TestCreateAndGetDevice(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+itoa(id), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", w.Code, http.StatusOK)
	}

	var got fleet.Device
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.UID != "bench-01" {
		t.Errorf("device_uid = %q, want %q", got.UID, "bench-01")
	}
	if got.Status != fleet.StatusOffline {
		t.Errorf("status = %q, want %q", got.Status, fleet.StatusOffline)
	}
}

func TestCreateDevice_DuplicateUID(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	createTestDevice(t, router, "bench-01")

	body := `{"device_uid": "bench-01", "name": "Clone", "hw_type": "esp32"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestCreateDevice_InvalidStatus(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	body := `{"device_uid": "bench-02", "name": "Bench Node", "hw_type": "esp32", "status": "exploded"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/9999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetDevice_InvalidID(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/banana", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeleteDevice(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/devices/"+itoa(id), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+itoa(id), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestEnqueueAndDispatch(t *testing.T) {
	srv, pub := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	// Enqueue stays pending and publishes nothing
	body := `{"command": "led_on", "user_id": 7}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/"+itoa(id)+"/commands", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var entry fleet.CommandQueueEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Status != fleet.CommandPending {
		t.Errorf("status = %q, want %q", entry.Status, fleet.CommandPending)
	}
	if got := pub.count(fleet.EventDeviceCommand); got != 0 {
		t.Errorf("publishes before dispatch = %d, want 0", got)
	}

	// Dispatch pushes it to the device's channel
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/"+itoa(id)+"/dispatch", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(resp["dispatched"].(float64)) != 1 {
		t.Errorf("dispatched = %v, want 1", resp["dispatched"])
	}
	if got := pub.count(fleet.EventDeviceCommand); got != 1 {
		t.Errorf("publishes after dispatch = %d, want 1", got)
	}
}

func TestEnqueue_EmptyCommand(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/"+itoa(id)+"/commands", strings.NewReader(`{"command": ""}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAckCommand(t *testing.T) {
	srv, pub := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	body := `{"command": "blink"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/"+itoa(id)+"/send-now", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("send-now status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	// The only command in the queue has id 1
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands/1/ack", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := pub.count(fleet.EventCommandAck); got != 1 {
		t.Errorf("ack broadcasts = %d, want 1", got)
	}
}

func TestAckCommand_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands/9999/ack", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestStartDevice(t *testing.T) {
	srv, pub := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/"+itoa(id)+"/start", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := pub.count(fleet.EventDeviceCommand); got != 1 {
		t.Errorf("command publishes = %d, want 1", got)
	}
}

func TestStartDevice_Unknown(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/9999/start", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSlotOK(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestDevice(t, router, "bench-01")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+itoa(id)+"/slot-ok", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// No slot assigned, so the device is unrestricted
	if resp["slot_ok"] != true {
		t.Errorf("slot_ok = %v, want true", resp["slot_ok"])
	}
}

func TestCurrentSlot(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/schedule/slot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	slot := int(resp["current_slot"].(float64))
	if slot < 0 || slot >= 16 {
		t.Errorf("current_slot = %d, want 0..15", slot)
	}
	if int(resp["num_slots"].(float64)) != 16 {
		t.Errorf("num_slots = %v, want 16", resp["num_slots"])
	}
}

func TestSnapshot(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	createTestDevice(t, router, "bench-01")
	createTestDevice(t, router, "bench-02")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/snapshot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var snap fleet.StatusSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Devices) != 2 {
		t.Errorf("devices = %d, want 2", len(snap.Devices))
	}
	if snap.Users == nil || snap.Queue == nil {
		t.Error("expected users and queue to be non-nil")
	}
}

func TestWatchdogSweep_NoDevices(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/watchdog/sweep", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(resp["timed_out"].(float64)) != 0 {
		t.Errorf("timed_out = %v, want 0", resp["timed_out"])
	}
}

func TestBroadcastTest(t *testing.T) {
	srv, pub := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/test", strings.NewReader(`{"message": "ping"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := pub.count(fleet.EventDeviceTest); got != 1 {
		t.Errorf("test publishes = %d, want 1", got)
	}
}

// itoa keeps URL building readable in tests.
func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
