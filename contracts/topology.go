package contracts

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectReplyTo is the broker's built-in per-channel reply pseudo-queue
const DirectReplyTo = "amq.rabbitmq.reply-to"

// DefaultExchange is the broker's unnamed exchange that routes by queue name
const DefaultExchange = ""

// ExchangeKind is the routing algorithm of an exchange
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = amqp.ExchangeDirect
	ExchangeTopic   ExchangeKind = amqp.ExchangeTopic
	ExchangeFanout  ExchangeKind = amqp.ExchangeFanout
	ExchangeHeaders ExchangeKind = amqp.ExchangeHeaders
)

// Valid reports whether k is one of the four AMQP exchange kinds
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

// ExchangeSpec describes the exchange a client operates against
type ExchangeSpec struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
}

// DefaultExchangeSpec returns the spec of the broker's default exchange
func DefaultExchangeSpec() ExchangeSpec {
	return ExchangeSpec{Name: DefaultExchange, Kind: ExchangeDirect, Durable: true}
}

// IsDefault reports whether the spec names the default exchange, which is never declared
func (e ExchangeSpec) IsDefault() bool {
	return e.Name == DefaultExchange
}

// Validate checks the exchange kind
func (e ExchangeSpec) Validate() error {
	if e.IsDefault() {
		return nil
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: exchange %q has unknown kind %q", ErrInvalidDescriptor, e.Name, e.Kind)
	}
	return nil
}

// QueueSpec describes the queue a client consumes from and how it is bound
type QueueSpec struct {
	Name       string
	RoutingKey string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// DirectReplyQueue returns the spec of the direct reply-to pseudo-queue
func DirectReplyQueue() QueueSpec {
	return QueueSpec{Name: DirectReplyTo}
}

// IsReserved reports whether the queue is a broker built-in that must never be declared or bound
func (q QueueSpec) IsReserved() bool {
	return IsReservedQueue(q.Name)
}

// IsReservedQueue reports whether name carries the direct reply-to prefix
func IsReservedQueue(name string) bool {
	return strings.HasPrefix(name, DirectReplyTo)
}

// Validate checks the queue spec against the exchange it will be bound to
func (q QueueSpec) Validate() error {
	if q.IsReserved() && (q.Durable || q.Exclusive || q.AutoDelete) {
		return fmt.Errorf("%w: reserved queue %q cannot carry declaration flags", ErrInvalidDescriptor, q.Name)
	}
	return nil
}

// Topology pairs the exchange and queue a client operates against
type Topology struct {
	Exchange ExchangeSpec
	Queue    QueueSpec
	// Unbound keeps the queue off the exchange, for clients that publish to
	// the exchange but consume the queue directly
	Unbound bool
}

// NeedsBinding reports whether the queue must be bound to the exchange.
// The default exchange binds every queue implicitly.
func (t Topology) NeedsBinding() bool {
	return !t.Unbound && !t.Exchange.IsDefault() && !t.Queue.IsReserved()
}

// Validate validates both descriptors
func (t Topology) Validate() error {
	if err := t.Exchange.Validate(); err != nil {
		return err
	}
	return t.Queue.Validate()
}
