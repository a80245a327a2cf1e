package rabbitmq

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/amqplink"

// Metrics holds OpenTelemetry instruments for links, publishers and RPC.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	published     metric.Int64Counter
	publishFailed metric.Int64Counter
	confirmed     metric.Int64Counter
	reconnects    metric.Int64Counter
	stateChanges  metric.Int64Counter
	requests      metric.Int64Counter
	timeouts      metric.Int64Counter
	lateReplies   metric.Int64Counter
	replies       metric.Int64Counter
}

// NewMetrics creates the instruments on provider, or on the global provider when nil
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter(meterName),
	}

	var err error

	m.published, err = m.meter.Int64Counter(
		"amqplink.messages.published.total",
		metric.WithDescription("Messages written to a confirm-mode channel"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.publishFailed, err = m.meter.Int64Counter(
		"amqplink.messages.publish_failed.total",
		metric.WithDescription("Publishes that did not reach the wire"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishFailed counter: %w", err)
	}

	m.confirmed, err = m.meter.Int64Counter(
		"amqplink.messages.confirmed.total",
		metric.WithDescription("Broker confirmations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmed counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"amqplink.link.reconnects.total",
		metric.WithDescription("Scheduled link reopen attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.stateChanges, err = m.meter.Int64Counter(
		"amqplink.link.state_changes.total",
		metric.WithDescription("Link state transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateChanges counter: %w", err)
	}

	m.requests, err = m.meter.Int64Counter(
		"amqplink.rpc.requests.total",
		metric.WithDescription("RPC requests sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	m.timeouts, err = m.meter.Int64Counter(
		"amqplink.rpc.timeouts.total",
		metric.WithDescription("RPC requests that timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeouts counter: %w", err)
	}

	m.lateReplies, err = m.meter.Int64Counter(
		"amqplink.rpc.late_replies.total",
		metric.WithDescription("Replies with no pending request"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lateReplies counter: %w", err)
	}

	m.replies, err = m.meter.Int64Counter(
		"amqplink.rpc.replies.total",
		metric.WithDescription("RPC requests answered by a responder, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replies counter: %w", err)
	}

	return m, nil
}

func linkAttr(link string) metric.AddOption {
	return metric.WithAttributes(attribute.String("link", link))
}

func (m *Metrics) RecordPublished(link string) {
	if m == nil {
		return
	}
	m.published.Add(context.Background(), 1, linkAttr(link))
}

func (m *Metrics) RecordPublishFailed(link string) {
	if m == nil {
		return
	}
	m.publishFailed.Add(context.Background(), 1, linkAttr(link))
}

func (m *Metrics) RecordConfirmed(link string, ack bool) {
	if m == nil {
		return
	}
	m.confirmed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("link", link),
		attribute.Bool("ack", ack),
	))
}

func (m *Metrics) RecordReconnect(link string) {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, linkAttr(link))
}

func (m *Metrics) RecordStateChange(link string, to State) {
	if m == nil {
		return
	}
	m.stateChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("link", link),
		attribute.String("state", to.String()),
	))
}

func (m *Metrics) RecordRequest(link string) {
	if m == nil {
		return
	}
	m.requests.Add(context.Background(), 1, linkAttr(link))
}

func (m *Metrics) RecordTimeout(link string) {
	if m == nil {
		return
	}
	m.timeouts.Add(context.Background(), 1, linkAttr(link))
}

func (m *Metrics) RecordLateReply(link string) {
	if m == nil {
		return
	}
	m.lateReplies.Add(context.Background(), 1, linkAttr(link))
}

func (m *Metrics) RecordReply(link string, outcome string) {
	if m == nil {
		return
	}
	m.replies.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("link", link),
		attribute.String("outcome", outcome),
	))
}
