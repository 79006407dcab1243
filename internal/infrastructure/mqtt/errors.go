package mqtt

import "errors"

// Errors returned by the broker client. Failures reported by paho are
// wrapped, so callers match with errors.Is.
var (
	// ErrNotConnected means the broker session is down; reconnects happen
	// in the background and the call can be repeated later.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed wraps the error from the first connect attempt.
	ErrConnectionFailed = errors.New("mqtt: broker connection failed")

	// ErrInvalidTopic rejects an empty topic, or a publish topic holding
	// a + or # wildcard.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidQoS rejects a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid qos")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
)
