package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/amqplink/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

// Publisher publishes to one exchange over a confirm-mode link
type Publisher struct {
	link           *Link
	exchange       string
	defaultKey     string
	publishTimeout time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger
}

// NewPublisher creates a publisher. The link is opened lazily by the first
// Publish, or explicitly with Start.
func NewPublisher(params contracts.ConnectionParams, topology contracts.Topology, opts ...Option) *Publisher {
	o := buildOptions(opts)

	defaultKey := topology.Queue.RoutingKey
	if defaultKey == "" && topology.Exchange.IsDefault() {
		defaultKey = topology.Queue.Name
	}

	return &Publisher{
		link:           newLink(params, topology, nil, o),
		exchange:       topology.Exchange.Name,
		defaultKey:     defaultKey,
		publishTimeout: o.publishTimeout,
		limiter:        o.limiter,
		logger:         o.logger,
	}
}

// Publish hands body to the link goroutine for writing and reports whether
// the write was issued. It does not wait for the broker confirmation. An
// empty routingKey falls back to the topology's routing key.
func (p *Publisher) Publish(ctx context.Context, body []byte, routingKey string, opts ...PublishOption) bool {
	// Set context timeout if not already set
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if routingKey == "" {
		routingKey = p.defaultKey
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Warn("publish rate limited", "link", p.link.name, "routingKey", routingKey, "error", err)
			return false
		}
	}

	msg := amqp.Publishing{
		Body:      body,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	err := p.link.Do(ctx, func(s *Session) error {
		_, err := s.Publish(ctx, p.exchange, routingKey, msg)
		return err
	})
	if err != nil {
		p.logger.Error("failed to publish",
			"link", p.link.name,
			"exchange", p.exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return false
	}
	return true
}

// Start opens the link in the background
func (p *Publisher) Start(onReady func()) {
	p.link.Start(onReady)
}

// Stop closes the link; calling it again is a no-op
func (p *Publisher) Stop(ctx context.Context) error {
	return p.link.Stop(ctx)
}

// WaitReady blocks until the link is ready
func (p *Publisher) WaitReady(ctx context.Context) error {
	return p.link.WaitReady(ctx)
}

// State returns the link state
func (p *Publisher) State() State {
	return p.link.State()
}

// Stats returns the confirmation counters of the current channel
func (p *Publisher) Stats(ctx context.Context) (DeliveryStats, error) {
	var stats DeliveryStats
	err := p.link.Submit(ctx, func(s *Session) error {
		stats = s.Stats()
		return nil
	})
	return stats, err
}

// Link exposes the underlying link
func (p *Publisher) Link() *Link {
	return p.link
}
