package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outbound(body string) Outbound {
	return Outbound{Exchange: "orders", RoutingKey: "created", Msg: amqp.Publishing{Body: []byte(body)}}
}

func TestDeliveryTracker(t *testing.T) {
	t.Run("OnPublish assigns tags starting at 1", func(t *testing.T) {
		tracker := NewDeliveryTracker()

		assert.Equal(t, uint64(1), tracker.OnPublish(outbound("a")))
		assert.Equal(t, uint64(2), tracker.OnPublish(outbound("b")))
		assert.Equal(t, uint64(3), tracker.OnPublish(outbound("c")))

		stats := tracker.Stats()
		assert.Equal(t, uint64(4), stats.NextMessageNumber)
		assert.Equal(t, 3, stats.Pending)
	})

	t.Run("multiple ack on the last tag resolves every pending delivery", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		for _, body := range []string{"a", "b", "c"} {
			tracker.OnPublish(outbound(body))
		}

		resolved := tracker.OnAck(3, true)

		assert.Equal(t, 3, resolved)
		stats := tracker.Stats()
		assert.Equal(t, uint64(3), stats.Acked)
		assert.Equal(t, uint64(0), stats.Nacked)
		assert.Equal(t, 0, stats.Pending)
		assert.Empty(t, tracker.Unconfirmed())
	})

	t.Run("multiple ack leaves later tags pending", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		for i := 0; i < 5; i++ {
			tracker.OnPublish(outbound("m"))
		}

		tracker.OnAck(3, true)

		assert.False(t, tracker.IsPending(1))
		assert.False(t, tracker.IsPending(3))
		assert.True(t, tracker.IsPending(4))
		assert.True(t, tracker.IsPending(5))
		assert.Equal(t, uint64(3), tracker.Stats().Acked)
	})

	t.Run("multiple ack only counts tags still pending", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		for i := 0; i < 4; i++ {
			tracker.OnPublish(outbound("m"))
		}

		tracker.OnAck(2, false)
		tracker.OnNack(1, false)
		resolved := tracker.OnAck(4, true)

		assert.Equal(t, 2, resolved)
		stats := tracker.Stats()
		assert.Equal(t, uint64(3), stats.Acked)
		assert.Equal(t, uint64(1), stats.Nacked)
		assert.Equal(t, 0, stats.Pending)
	})

	t.Run("duplicate or unknown confirmations are ignored", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		tracker.OnPublish(outbound("a"))

		assert.Equal(t, 1, tracker.OnAck(1, false))
		assert.Equal(t, 0, tracker.OnAck(1, false))
		assert.Equal(t, 0, tracker.OnNack(42, false))
		assert.Equal(t, uint64(1), tracker.Stats().Acked)
		assert.Equal(t, uint64(0), tracker.Stats().Nacked)
	})

	t.Run("nack multiple counts as nacked", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		tracker.OnPublish(outbound("a"))
		tracker.OnPublish(outbound("b"))

		tracker.OnNack(2, true)

		stats := tracker.Stats()
		assert.Equal(t, uint64(0), stats.Acked)
		assert.Equal(t, uint64(2), stats.Nacked)
	})

	t.Run("Discard rolls back the last tag", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		tracker.OnPublish(outbound("a"))
		tag := tracker.OnPublish(outbound("b"))

		tracker.Discard(tag)

		assert.False(t, tracker.IsPending(tag))
		assert.Equal(t, tag, tracker.OnPublish(outbound("c")))
	})

	t.Run("Unconfirmed returns pending messages in tag order", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		for _, body := range []string{"a", "b", "c", "d"} {
			tracker.OnPublish(outbound(body))
		}
		tracker.OnAck(2, false)

		pending := tracker.Unconfirmed()

		require.Len(t, pending, 3)
		assert.Equal(t, "a", string(pending[0].Msg.Body))
		assert.Equal(t, "c", string(pending[1].Msg.Body))
		assert.Equal(t, "d", string(pending[2].Msg.Body))
	})

	t.Run("Reset clears everything", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		tracker.OnPublish(outbound("a"))
		tracker.OnAck(1, false)
		tracker.OnPublish(outbound("b"))

		tracker.Reset()

		assert.Equal(t, DeliveryStats{NextMessageNumber: 1}, tracker.Stats())
	})
}

func TestDeliveryTrackerInvariant(t *testing.T) {
	t.Run("acked plus nacked always equals resolved tags", func(t *testing.T) {
		tracker := NewDeliveryTracker()
		published := 0
		steps := []struct {
			publish  int
			tag      uint64
			ack      bool
			multiple bool
		}{
			{publish: 3, tag: 2, ack: true},
			{publish: 2, tag: 4, ack: false, multiple: true},
			{publish: 1, tag: 6, ack: true},
			{publish: 4, tag: 9, ack: true, multiple: true},
			{publish: 0, tag: 10, ack: false},
		}

		for _, step := range steps {
			for i := 0; i < step.publish; i++ {
				tracker.OnPublish(outbound("m"))
				published++
			}
			if step.ack {
				tracker.OnAck(step.tag, step.multiple)
			} else {
				tracker.OnNack(step.tag, step.multiple)
			}

			stats := tracker.Stats()
			assert.Equal(t, published, int(stats.Acked+stats.Nacked)+stats.Pending)
		}
		assert.Equal(t, 0, tracker.Stats().Pending)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "queue-binding", StateQueueBinding.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestRedeliveryPolicyString(t *testing.T) {
	assert.Equal(t, "discard", RedeliveryDiscard.String())
	assert.Equal(t, "republish", RedeliveryRepublish.String())
}
