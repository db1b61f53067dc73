package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davenr/labfleet-core/internal/infrastructure/logging"
	"github.com/davenr/labfleet-core/internal/infrastructure/mqtt"
)

// Engine is the slice of the fleet manager the uplink drives.
type Engine interface {
	HandleHeartbeat(ctx context.Context, deviceUID string) (bool, error)
	AcknowledgeCommand(ctx context.Context, commandID int64) (bool, error)
}

// Subscriber is the slice of the MQTT client the uplink needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// heartbeatFrame is the JSON body of a device heartbeat.
type heartbeatFrame struct {
	DeviceUID string `json:"device_uid"`
}

// ackFrame is the JSON body of a device command acknowledgement.
type ackFrame struct {
	DeviceUID string `json:"device_uid"`
	CommandID int64  `json:"command_id"`
}

// Uplink bridges inbound MQTT frames to the fleet engine.
type Uplink struct {
	sub    Subscriber
	engine Engine
	logger *logging.Logger
	qos    byte
}

// New creates an Uplink.
func New(sub Subscriber, engine Engine, logger *logging.Logger, qos byte) *Uplink {
	return &Uplink{
		sub:    sub,
		engine: engine,
		logger: logger,
		qos:    qos,
	}
}

// Start subscribes to the heartbeat and ack wildcards. Handlers run
// for the lifetime of the MQTT connection; ctx bounds the work done
// per frame.
func (u *Uplink) Start(ctx context.Context) error {
	topics := mqtt.Topics{}

	if err := u.sub.Subscribe(topics.AllHeartbeats(), u.qos, u.handleHeartbeat(ctx)); err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	if err := u.sub.Subscribe(topics.AllAcks(), u.qos, u.handleAck(ctx)); err != nil {
		return fmt.Errorf("subscribing to acks: %w", err)
	}

	u.logger.Info("uplink subscribed",
		"heartbeats", topics.AllHeartbeats(),
		"acks", topics.AllAcks(),
	)
	return nil
}

func (u *Uplink) handleHeartbeat(ctx context.Context) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var frame heartbeatFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			u.logger.Warn("dropping malformed heartbeat", "topic", topic, "error", err)
			return nil
		}
		if frame.DeviceUID == "" {
			// Older firmware omits the body field; the topic still
			// carries the UID.
			frame.DeviceUID = uidFromTopic(topic)
		}
		if frame.DeviceUID == "" {
			u.logger.Warn("dropping heartbeat without device uid", "topic", topic)
			return nil
		}

		known, err := u.engine.HandleHeartbeat(ctx, frame.DeviceUID)
		if err != nil {
			return fmt.Errorf("handling heartbeat from %s: %w", frame.DeviceUID, err)
		}
		if !known {
			u.logger.Warn("heartbeat from unregistered device", "device_uid", frame.DeviceUID)
		}
		return nil
	}
}

func (u *Uplink) handleAck(ctx context.Context) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var frame ackFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			u.logger.Warn("dropping malformed ack", "topic", topic, "error", err)
			return nil
		}
		if frame.CommandID == 0 {
			u.logger.Warn("dropping ack without command id", "topic", topic)
			return nil
		}

		found, err := u.engine.AcknowledgeCommand(ctx, frame.CommandID)
		if err != nil {
			return fmt.Errorf("acknowledging command %d: %w", frame.CommandID, err)
		}
		if !found {
			u.logger.Warn("ack for unknown command",
				"command_id", frame.CommandID,
				"device_uid", frame.DeviceUID,
			)
		}
		return nil
	}
}

// uidFromTopic extracts the device UID from labfleet/heartbeat/{uid}.
func uidFromTopic(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
