package rabbitmq_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/internal/rabbitmq"
	"github.com/glimte/amqplink/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/amqplink/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ordersTopology() contracts.Topology {
	return contracts.Topology{
		Exchange: contracts.ExchangeSpec{Name: "orders", Kind: contracts.ExchangeTopic, Durable: true},
		Queue:    contracts.QueueSpec{Name: "orders.created", RoutingKey: "created", Durable: true},
	}
}

func linkOptions(broker *rabbitmqtest.Broker, opts ...rabbitmq.Option) []rabbitmq.Option {
	return append([]rabbitmq.Option{
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithLogger(quietLogger()),
		rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(5*time.Millisecond, 0)),
	}, opts...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func stopLink(t *testing.T, link *rabbitmq.Link) {
	t.Cleanup(func() {
		assert.NoError(t, link.Stop(context.Background()))
	})
}

func TestLinkSetup(t *testing.T) {
	t.Run("Start drives the setup sequence in order", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		var readyCalls atomic.Int32
		link.Start(func() { readyCalls.Add(1) })

		require.NoError(t, link.WaitReady(testContext(t)))
		assert.Equal(t, rabbitmq.StateReady, link.State())
		assert.Equal(t, []string{
			"dial",
			"channel.open",
			"exchange.declare orders",
			"queue.declare orders.created",
			"queue.bind orders.created orders created",
			"confirm.select",
		}, broker.Ops())
		assert.Eventually(t, func() bool { return readyCalls.Load() == 1 }, waitFor, time.Millisecond)
		assert.Equal(t, "orders.created", link.Queue())
	})

	t.Run("default exchange and reply pseudo-queue are never declared", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		topology := contracts.Topology{
			Exchange: contracts.DefaultExchangeSpec(),
			Queue:    contracts.DirectReplyQueue(),
		}
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), topology, linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)

		require.NoError(t, link.WaitReady(testContext(t)))
		assert.Equal(t, []string{"dial", "channel.open", "confirm.select"}, broker.Ops())
		assert.Equal(t, contracts.DirectReplyTo, link.Queue())
	})

	t.Run("publisher link without a queue only declares the exchange", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		topology := contracts.Topology{
			Exchange: contracts.ExchangeSpec{Name: "events", Kind: contracts.ExchangeFanout},
		}
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), topology, linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)

		require.NoError(t, link.WaitReady(testContext(t)))
		assert.Equal(t, []string{"dial", "channel.open", "exchange.declare events", "confirm.select"}, broker.Ops())
		assert.True(t, broker.HasExchange("events"))
	})

	t.Run("Start on a ready link is a no-op", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)
		require.NoError(t, link.WaitReady(testContext(t)))

		var called atomic.Bool
		link.Start(func() { called.Store(true) })

		assert.Equal(t, 1, broker.Dials())
		assert.False(t, called.Load())
	})

	t.Run("failed setup step is retried on a new connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailNext("queue.declare", errors.New("resource locked"))
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)

		require.NoError(t, link.WaitReady(testContext(t)))
		assert.Equal(t, 2, broker.Dials())
		assert.Contains(t, broker.Ops(), "connection.close")
	})

	t.Run("dial failures are retried until the broker answers", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(errors.New("connection refused"), errors.New("connection refused"))
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)

		require.NoError(t, link.WaitReady(testContext(t)))
		assert.Equal(t, 3, broker.Dials())
	})

	t.Run("exhausted retry policy stops the link", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		refused := errors.New("connection refused")
		broker.FailDials(refused, refused, refused)
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(),
			linkOptions(broker, rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))...)

		link.Start(nil)

		err := link.WaitReady(testContext(t))
		assert.ErrorIs(t, err, rabbitmq.ErrLinkStopped)
		assert.Equal(t, rabbitmq.StateStopped, link.State())
		assert.Equal(t, 3, broker.Dials())
	})
}

func TestLinkReconnect(t *testing.T) {
	t.Run("broker channel close schedules a reopen", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)
		require.NoError(t, link.WaitReady(testContext(t)))

		broker.LastChannel().CloseWithError(amqp.PreconditionFailed, "PRECONDITION_FAILED - test")

		assert.Eventually(t, func() bool {
			return broker.Dials() == 2 && link.State() == rabbitmq.StateReady
		}, waitFor, time.Millisecond)
		assert.Len(t, broker.Channels(), 2)
	})

	t.Run("connection loss schedules a reopen", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		link.Start(nil)
		require.NoError(t, link.WaitReady(testContext(t)))

		broker.Connections()[0].Drop()

		assert.Eventually(t, func() bool {
			return broker.Dials() == 2 && link.State() == rabbitmq.StateReady
		}, waitFor, time.Millisecond)
	})

	t.Run("broker consumer cancel reopens and resubscribes", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		received := make(chan string, 1)
		consumer := rabbitmq.NewConsumer(contracts.NewConnectionParams("localhost"), ordersTopology(),
			func(s *rabbitmq.Session, d amqp.Delivery) {
				received <- string(d.Body)
				assert.NoError(t, d.Ack(false))
			},
			linkOptions(broker)...)
		t.Cleanup(func() { assert.NoError(t, consumer.Stop(context.Background())) })

		consumer.Start(nil)
		require.NoError(t, consumer.WaitReady(testContext(t)))

		cancelled := broker.LastChannel()
		cancelled.CancelConsumers()

		assert.Eventually(t, func() bool {
			return broker.Dials() == 2 && consumer.State() == rabbitmq.StateReady
		}, waitFor, time.Millisecond)
		assert.True(t, cancelled.IsClosed())
		assert.Contains(t, broker.Ops(), "basic.cancel")

		broker.Publish("orders", "created", amqp.Publishing{Body: []byte("after cancel")})

		select {
		case body := <-received:
			assert.Equal(t, "after cancel", body)
		case <-time.After(waitFor):
			t.Fatal("delivery not received after resubscribe")
		}
	})

	t.Run("close hooks run when the channel goes away", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		var hooks atomic.Int32
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(),
			linkOptions(broker, rabbitmq.WithCloseHook(func() { hooks.Add(1) }))...)
		stopLink(t, link)

		link.Start(nil)
		require.NoError(t, link.WaitReady(testContext(t)))

		broker.Connections()[0].Drop()

		assert.Eventually(t, func() bool { return hooks.Load() == 1 }, waitFor, time.Millisecond)
	})

	t.Run("Start during the reconnect delay reconnects at once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(errors.New("connection refused"))
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(),
			linkOptions(broker, rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(time.Hour, 0)))...)
		stopLink(t, link)

		link.Start(nil)
		assert.Eventually(t, func() bool {
			return broker.Dials() == 1 && link.State() == rabbitmq.StateDisconnected
		}, waitFor, time.Millisecond)

		link.Start(nil)

		require.NoError(t, link.WaitReady(testContext(t)))
		assert.Equal(t, 2, broker.Dials())
	})
}

func TestLinkStop(t *testing.T) {
	t.Run("Stop closes channel then connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		link.Start(nil)
		require.NoError(t, link.WaitReady(testContext(t)))

		require.NoError(t, link.Stop(testContext(t)))

		ops := broker.Ops()
		require.GreaterOrEqual(t, len(ops), 2)
		assert.Equal(t, []string{"channel.close", "connection.close"}, ops[len(ops)-2:])
		assert.Equal(t, rabbitmq.StateStopped, link.State())
		assert.True(t, broker.LastChannel().IsClosed())
	})

	t.Run("Stop twice does not fail and leaves the link closed", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		link.Start(nil)
		require.NoError(t, link.WaitReady(testContext(t)))

		assert.NoError(t, link.Stop(testContext(t)))
		assert.Equal(t, rabbitmq.StateStopped, link.State())
		assert.NoError(t, link.Stop(testContext(t)))
		assert.Equal(t, rabbitmq.StateStopped, link.State())
		assert.True(t, broker.Connections()[0].IsClosed())
	})

	t.Run("Stop on a link never started returns nil", func(t *testing.T) {
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), rabbitmq.WithLogger(quietLogger()))

		assert.NoError(t, link.Stop(context.Background()))
		assert.Equal(t, rabbitmq.StateDisconnected, link.State())
	})

	t.Run("Stop during the reconnect delay ends the loop", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(errors.New("connection refused"))
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(),
			linkOptions(broker, rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(time.Hour, 0)))...)

		link.Start(nil)
		assert.Eventually(t, func() bool { return broker.Dials() == 1 }, waitFor, time.Millisecond)

		require.NoError(t, link.Stop(testContext(t)))
		assert.Equal(t, rabbitmq.StateStopped, link.State())
	})
}

func TestLinkCommands(t *testing.T) {
	t.Run("Do starts the link and runs on it", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		var ready bool
		err := link.Do(testContext(t), func(s *rabbitmq.Session) error {
			ready = s.Ready()
			return nil
		})

		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("Do returns the command error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		boom := errors.New("boom")
		err := link.Do(testContext(t), func(*rabbitmq.Session) error { return boom })

		assert.ErrorIs(t, err, boom)
	})

	t.Run("panicking command is recovered and the link keeps running", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), linkOptions(broker)...)
		stopLink(t, link)

		err := link.Do(testContext(t), func(*rabbitmq.Session) error { panic("bad command") })

		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad command")
		assert.NoError(t, link.Do(testContext(t), func(*rabbitmq.Session) error { return nil }))
	})

	t.Run("Do gives up when the context expires before ready", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(errors.New("connection refused"))
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(),
			linkOptions(broker, rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(time.Hour, 0)))...)
		stopLink(t, link)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := link.Do(ctx, func(*rabbitmq.Session) error { return nil })

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Submit on a stopped link fails", func(t *testing.T) {
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(), rabbitmq.WithLogger(quietLogger()))

		err := link.Submit(context.Background(), func(*rabbitmq.Session) error { return nil })

		assert.ErrorIs(t, err, rabbitmq.ErrLinkStopped)
	})

	t.Run("Session publish outside ready fails with ErrNotReady", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(errors.New("connection refused"))
		link := rabbitmq.NewLink(contracts.NewConnectionParams("localhost"), ordersTopology(),
			linkOptions(broker, rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(time.Hour, 0)))...)
		stopLink(t, link)
		link.Start(nil)

		var publishErr error
		err := link.Submit(testContext(t), func(s *rabbitmq.Session) error {
			_, publishErr = s.Publish(context.Background(), "orders", "created", amqp.Publishing{})
			return nil
		})

		require.NoError(t, err)
		assert.ErrorIs(t, publishErr, rabbitmq.ErrNotReady)
	})
}

func TestConsumerLink(t *testing.T) {
	t.Run("server-named queue is declared, bound and consumed", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		topology := contracts.Topology{
			Exchange: contracts.ExchangeSpec{Name: "events", Kind: contracts.ExchangeFanout},
			Queue:    contracts.QueueSpec{Exclusive: true, AutoDelete: true},
		}
		received := make(chan string, 1)
		consumer := rabbitmq.NewConsumer(contracts.NewConnectionParams("localhost"), topology,
			func(s *rabbitmq.Session, d amqp.Delivery) {
				received <- string(d.Body)
				assert.NoError(t, d.Ack(false))
			},
			linkOptions(broker, rabbitmq.WithPrefetchCount(5))...)
		t.Cleanup(func() { assert.NoError(t, consumer.Stop(context.Background())) })

		consumer.Start(nil)
		require.NoError(t, consumer.WaitReady(testContext(t)))

		assert.Equal(t, "amq.gen-1", consumer.Queue())
		assert.Equal(t, []string{
			"dial",
			"channel.open",
			"exchange.declare events",
			"queue.declare ",
			"queue.bind amq.gen-1 events ",
			"confirm.select",
			"basic.qos",
			"basic.consume amq.gen-1",
		}, broker.Ops())

		broker.Publish("events", "anything", amqp.Publishing{Body: []byte("hello")})

		select {
		case body := <-received:
			assert.Equal(t, "hello", body)
		case <-time.After(waitFor):
			t.Fatal("delivery not received")
		}
		assert.Eventually(t, func() bool { return len(broker.Settlements()) == 1 }, waitFor, time.Millisecond)
		assert.True(t, broker.Settlements()[0].Ack)
	})

	t.Run("panicking handler has the delivery rejected without requeue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		topology := contracts.Topology{
			Exchange: contracts.DefaultExchangeSpec(),
			Queue:    contracts.QueueSpec{Name: "jobs"},
		}
		consumer := rabbitmq.NewConsumer(contracts.NewConnectionParams("localhost"), topology,
			func(*rabbitmq.Session, amqp.Delivery) { panic("handler exploded") },
			linkOptions(broker)...)
		t.Cleanup(func() { assert.NoError(t, consumer.Stop(context.Background())) })

		consumer.Start(nil)
		require.NoError(t, consumer.WaitReady(testContext(t)))
		broker.Publish("", "jobs", amqp.Publishing{Body: []byte("job")})

		assert.Eventually(t, func() bool { return len(broker.Settlements()) == 1 }, waitFor, time.Millisecond)
		settlement := broker.Settlements()[0]
		assert.False(t, settlement.Ack)
		assert.False(t, settlement.Requeue)
		assert.Equal(t, rabbitmq.StateReady, consumer.State())
	})
}
