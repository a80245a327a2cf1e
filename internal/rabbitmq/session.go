package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is the link's view of its open channel. It is only valid inside
// functions run on the link goroutine (Do, Submit, delivery handlers).
type Session struct {
	link *Link
}

// Publish records msg with the delivery tracker and writes it to the channel.
// A failed write is not tracked.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (uint64, error) {
	l := s.link
	if l.ch == nil || l.tracker == nil {
		return 0, ErrNotReady
	}

	tag := l.tracker.OnPublish(Outbound{Exchange: exchange, RoutingKey: routingKey, Msg: msg})
	if err := l.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		l.tracker.Discard(tag)
		l.opts.metrics.RecordPublishFailed(l.name)
		return 0, &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	l.opts.metrics.RecordPublished(l.name)
	return tag, nil
}

// Stats returns the tracker counters of the open channel
func (s *Session) Stats() DeliveryStats {
	if s.link.tracker == nil {
		return DeliveryStats{}
	}
	return s.link.tracker.Stats()
}

// Pending reports whether tag still awaits confirmation on the open channel
func (s *Session) Pending(tag uint64) bool {
	return s.link.tracker != nil && s.link.tracker.IsPending(tag)
}

// Ready reports whether the channel is open and confirm-selected
func (s *Session) Ready() bool {
	return s.link.ch != nil && s.link.State() == StateReady
}

// Queue returns the queue name in use
func (s *Session) Queue() string {
	return s.link.Queue()
}
