package amqplink

import (
	"errors"

	"github.com/glimte/amqplink/internal/rabbitmq"
)

// ErrClientClosed is returned when a component is requested from a closed client
var ErrClientClosed = errors.New("amqplink: client is closed")

// State is the lifecycle state of a link
type State = rabbitmq.State

// DeliveryStats summarizes broker confirmations for a publisher
type DeliveryStats = rabbitmq.DeliveryStats

// PublishOption sets a property on an outgoing message
type PublishOption = rabbitmq.PublishOption

// Link states a caller usually checks for
const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateReady        = rabbitmq.StateReady
	StateClosing      = rabbitmq.StateClosing
	StateStopped      = rabbitmq.StateStopped
)

var (
	WithCorrelationID = rabbitmq.WithCorrelationID
	WithReplyTo       = rabbitmq.WithReplyTo
	WithHeaders       = rabbitmq.WithHeaders
	WithContentType   = rabbitmq.WithContentType
	WithPersistent    = rabbitmq.WithPersistent
	WithMessageID     = rabbitmq.WithMessageID
)
