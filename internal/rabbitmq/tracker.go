package rabbitmq

import (
	"maps"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outbound is a message written to the channel and awaiting confirmation
type Outbound struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// DeliveryStats is a snapshot of confirmation bookkeeping
type DeliveryStats struct {
	Acked             uint64
	Nacked            uint64
	NextMessageNumber uint64
	Pending           int
}

// DeliveryTracker records outbound messages until the broker confirms them.
// It belongs to one channel and is only touched by the link goroutine.
type DeliveryTracker struct {
	pending map[uint64]Outbound
	next    uint64
	acked   uint64
	nacked  uint64
}

// NewDeliveryTracker creates a tracker for a freshly confirm-selected channel
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		pending: make(map[uint64]Outbound),
		next:    1, // tag 0 is the confirm.select handshake
	}
}

// OnPublish records msg under the next delivery tag
func (t *DeliveryTracker) OnPublish(msg Outbound) uint64 {
	tag := t.next
	t.next++
	t.pending[tag] = msg
	return tag
}

// Discard forgets a tag whose wire write failed
func (t *DeliveryTracker) Discard(tag uint64) {
	if _, ok := t.pending[tag]; !ok {
		return
	}
	delete(t.pending, tag)
	if tag == t.next-1 {
		t.next--
	}
}

// OnAck resolves tag, and every pending tag below it when multiple is set.
// It returns the number of deliveries resolved.
func (t *DeliveryTracker) OnAck(tag uint64, multiple bool) int {
	n := t.resolve(tag, multiple)
	t.acked += uint64(n)
	return n
}

// OnNack is OnAck for negative confirmations
func (t *DeliveryTracker) OnNack(tag uint64, multiple bool) int {
	n := t.resolve(tag, multiple)
	t.nacked += uint64(n)
	return n
}

func (t *DeliveryTracker) resolve(tag uint64, multiple bool) int {
	if !multiple {
		if _, ok := t.pending[tag]; !ok {
			return 0
		}
		delete(t.pending, tag)
		return 1
	}

	n := 0
	for pendingTag := range t.pending {
		if pendingTag <= tag {
			delete(t.pending, pendingTag)
			n++
		}
	}
	return n
}

// IsPending reports whether tag still awaits confirmation
func (t *DeliveryTracker) IsPending(tag uint64) bool {
	_, ok := t.pending[tag]
	return ok
}

// Unconfirmed returns the pending messages in tag order
func (t *DeliveryTracker) Unconfirmed() []Outbound {
	tags := slices.Sorted(maps.Keys(t.pending))
	out := make([]Outbound, 0, len(tags))
	for _, tag := range tags {
		out = append(out, t.pending[tag])
	}
	return out
}

// Stats returns the current counters
func (t *DeliveryTracker) Stats() DeliveryStats {
	return DeliveryStats{
		Acked:             t.acked,
		Nacked:            t.nacked,
		NextMessageNumber: t.next,
		Pending:           len(t.pending),
	}
}

// Reset drops all bookkeeping, as when the channel closes
func (t *DeliveryTracker) Reset() {
	clear(t.pending)
	t.next = 1
	t.acked = 0
	t.nacked = 0
}
