package uplink

import (
	"context"
	"testing"

	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
	"github.com/davenr/labfleet-core/internal/infrastructure/mqtt"
)

// fakeSubscriber captures handlers so tests can inject frames.
type fakeSubscriber struct {
	handlers map[string]mqtt.MessageHandler
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]mqtt.MessageHandler)}
}

func (s *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	s.handlers[topic] = handler
	return nil
}

// fakeEngine records calls and returns scripted results.
type fakeEngine struct {
	heartbeats []string
	acks       []int64

	heartbeatKnown bool
	ackFound       bool
}

func (e *fakeEngine) HandleHeartbeat(_ context.Context, deviceUID string) (bool, error) {
	e.heartbeats = append(e.heartbeats, deviceUID)
	return e.heartbeatKnown, nil
}

func (e *fakeEngine) AcknowledgeCommand(_ context.Context, commandID int64) (bool, error) {
	e.acks = append(e.acks, commandID)
	return e.ackFound, nil
}

func setupUplink(t *testing.T) (*fakeSubscriber, *fakeEngine) {
	t.Helper()

	sub := newFakeSubscriber()
	engine := &fakeEngine{heartbeatKnown: true, ackFound: true}
	up := New(sub, engine, logging.Default(), 1)

	if err := up.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return sub, engine
}

func TestUplink_Start(t *testing.T) {
	sub, _ := setupUplink(t)

	for _, topic := range []string{"labfleet/heartbeat/+", "labfleet/ack/+"} {
		if _, ok := sub.handlers[topic]; !ok {
			t.Errorf("no subscription for %q", topic)
		}
	}
}

func TestUplink_Heartbeats(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    []string
	}{
		{
			name:    "uid from payload",
			topic:   "labfleet/heartbeat/pi-001",
			payload: `{"device_uid":"pi-001"}`,
			want:    []string{"pi-001"},
		},
		{
			name:    "uid falls back to topic",
			topic:   "labfleet/heartbeat/pi-002",
			payload: `{}`,
			want:    []string{"pi-002"},
		},
		{
			name:    "malformed json dropped",
			topic:   "labfleet/heartbeat/pi-003",
			payload: `{not json`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, engine := setupUplink(t)
			handler := sub.handlers["labfleet/heartbeat/+"]

			if err := handler(tt.topic, []byte(tt.payload)); err != nil {
				t.Fatalf("handler error = %v", err)
			}

			if len(engine.heartbeats) != len(tt.want) {
				t.Fatalf("heartbeats = %v, want %v", engine.heartbeats, tt.want)
			}
			for i, uid := range tt.want {
				if engine.heartbeats[i] != uid {
					t.Errorf("heartbeat[%d] = %q, want %q", i, engine.heartbeats[i], uid)
				}
			}
		})
	}
}

func TestUplink_Acks(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []int64
	}{
		{
			name:    "valid ack",
			payload: `{"device_uid":"pi-001","command_id":42}`,
			want:    []int64{42},
		},
		{
			name:    "missing command id dropped",
			payload: `{"device_uid":"pi-001"}`,
			want:    nil,
		},
		{
			name:    "malformed json dropped",
			payload: `not json`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, engine := setupUplink(t)
			handler := sub.handlers["labfleet/ack/+"]

			if err := handler("labfleet/ack/pi-001", []byte(tt.payload)); err != nil {
				t.Fatalf("handler error = %v", err)
			}

			if len(engine.acks) != len(tt.want) {
				t.Fatalf("acks = %v, want %v", engine.acks, tt.want)
			}
			for i, id := range tt.want {
				if engine.acks[i] != id {
					t.Errorf("ack[%d] = %d, want %d", i, engine.acks[i], id)
				}
			}
		})
	}
}
