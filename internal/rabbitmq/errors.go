package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Link errors
	ErrLinkStopped       = errors.New("rabbitmq: link is stopped")
	ErrNotReady          = errors.New("rabbitmq: link not ready")
	ErrRetriesExhausted  = errors.New("rabbitmq: reconnect attempts exhausted")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
	ErrChannelClosed     = errors.New("rabbitmq: channel is closed")
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by broker")

	// Publisher errors
	ErrPublishFailed = errors.New("rabbitmq: publish failed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (redacted)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Consecutive failed attempts so far
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Link      string    // Link name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on link %s: %v", e.Op, e.Link, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed wire write
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed declare or bind
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if a link failure should lead to a reopen attempt
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrLinkStopped):
		return false
	}
	return true
}
