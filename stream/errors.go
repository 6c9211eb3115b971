package stream

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by AddDevice and RemoveDevice when the manager
// is not in the running state.
var ErrNotRunning = errors.New("stream is not running")

// ErrUnknownDevice is returned by RemoveDevice for a device that was never
// added to the stream.
var ErrUnknownDevice = errors.New("device is not part of the stream")

// ConnectionError is returned by Start when the handshake or authentication
// with the broker failed, after the one-shot certificate retry. The manager
// is in the failed state afterwards.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to the telemetry broker: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError is returned when the broker rejected a subscribe or
// unsubscribe for one topic. The connection stays up; only that topic's
// membership is left unchanged.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
