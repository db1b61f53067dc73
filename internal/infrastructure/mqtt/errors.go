package mqtt

import "errors"

// Sentinel errors for MQTT operations. Check with errors.Is.
var (
	// ErrConnectionFailed indicates the initial broker connection failed.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected indicates an operation was attempted while disconnected.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrPublishFailed indicates a publish did not complete.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed indicates a subscription could not be established.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed indicates an unsubscribe did not complete.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidTopic indicates an empty or malformed topic.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidQoS indicates a QoS level outside 0-2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")
)
