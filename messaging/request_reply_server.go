package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHandlerTimeout = 30 * time.Second
	defaultPrefetch       = 1
)

// RequestHandler decides how a request is settled and what, if anything,
// is sent back. It runs on the responder's link goroutine.
type RequestHandler func(ctx context.Context, req Request) contracts.RPCResponse

// Responder serves requests from a queue and publishes correlated replies
type Responder struct {
	consumer       *rabbitmq.Consumer
	handler        RequestHandler
	handlerTimeout time.Duration
	metrics        *rabbitmq.Metrics
	logger         *slog.Logger
	name           string
}

// ResponderOption configures the responder
type ResponderOption func(*responderConfig)

type responderConfig struct {
	prefetch       int
	handlerTimeout time.Duration
	logger         *slog.Logger
	metrics        *rabbitmq.Metrics
	name           string
	linkOpts       []rabbitmq.Option
}

// WithPrefetch sets how many unsettled requests the broker may push
func WithPrefetch(count int) ResponderOption {
	return func(c *responderConfig) {
		c.prefetch = count
	}
}

// WithHandlerTimeout bounds the context handed to the handler
func WithHandlerTimeout(timeout time.Duration) ResponderOption {
	return func(c *responderConfig) {
		if timeout > 0 {
			c.handlerTimeout = timeout
		}
	}
}

// WithResponderLogger sets the logger
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(c *responderConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResponderMetrics records reply outcomes on m
func WithResponderMetrics(m *rabbitmq.Metrics) ResponderOption {
	return func(c *responderConfig) {
		c.metrics = m
	}
}

// WithResponderName names the responder in logs and metrics
func WithResponderName(name string) ResponderOption {
	return func(c *responderConfig) {
		c.name = name
	}
}

// WithResponderLinkOptions passes options to the underlying link
func WithResponderLinkOptions(opts ...rabbitmq.Option) ResponderOption {
	return func(c *responderConfig) {
		c.linkOpts = append(c.linkOpts, opts...)
	}
}

// NewResponder creates a responder consuming queue, bound to exchange with
// the queue's routing key
func NewResponder(params contracts.ConnectionParams, exchange contracts.ExchangeSpec, queue contracts.QueueSpec, handler RequestHandler, opts ...ResponderOption) *Responder {
	config := &responderConfig{
		prefetch:       defaultPrefetch,
		handlerTimeout: defaultHandlerTimeout,
		logger:         slog.Default(),
		name:           "rpc-responder",
	}
	for _, opt := range opts {
		opt(config)
	}

	r := &Responder{
		handler:        handler,
		handlerTimeout: config.handlerTimeout,
		metrics:        config.metrics,
		logger:         config.logger,
		name:           config.name,
	}

	linkOpts := []rabbitmq.Option{
		rabbitmq.WithName(config.name),
		rabbitmq.WithLogger(config.logger),
		rabbitmq.WithMetrics(config.metrics),
		rabbitmq.WithPrefetchCount(config.prefetch),
		rabbitmq.WithAutoAck(false),
	}
	linkOpts = append(linkOpts, config.linkOpts...)

	topology := contracts.Topology{Exchange: exchange, Queue: queue}
	r.consumer = rabbitmq.NewConsumer(params, topology, r.handleRequest, linkOpts...)
	return r
}

func (r *Responder) handleRequest(s *rabbitmq.Session, d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), r.handlerTimeout)
	defer cancel()

	resp, ok := r.invoke(ctx, requestFromDelivery(d))
	if !ok {
		r.metrics.RecordReply(r.name, "panic")
		if err := d.Nack(false, false); err != nil {
			r.logger.Error("failed to nack request", "responder", r.name, "error", err)
		}
		return
	}

	if !resp.Ack {
		if resp.Message != nil {
			r.logger.Warn("reply dropped for rejected request",
				"responder", r.name,
				"correlationId", d.CorrelationId,
			)
		}
		if err := d.Nack(false, resp.Requeue); err != nil {
			r.logger.Error("failed to nack request", "responder", r.name, "error", err)
		}
		r.metrics.RecordReply(r.name, "rejected")
		return
	}

	if err := d.Ack(false); err != nil {
		r.logger.Error("failed to ack request", "responder", r.name, "error", err)
	}

	if !resp.HasReply() {
		r.metrics.RecordReply(r.name, "acked")
		return
	}
	if d.ReplyTo == "" {
		r.logger.Warn("request has no reply address",
			"responder", r.name,
			"correlationId", d.CorrelationId,
		)
		r.metrics.RecordReply(r.name, "unaddressed")
		return
	}

	reply := amqp.Publishing{
		Body:          resp.Message,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
	}
	// replies always travel over the default exchange so they reach any
	// reply queue, including direct reply-to
	if _, err := s.Publish(ctx, contracts.DefaultExchange, d.ReplyTo, reply); err != nil {
		r.logger.Error("failed to publish reply",
			"responder", r.name,
			"replyTo", d.ReplyTo,
			"correlationId", d.CorrelationId,
			"error", err,
		)
		r.metrics.RecordReply(r.name, "failed")
		return
	}
	r.metrics.RecordReply(r.name, "replied")
}

func (r *Responder) invoke(ctx context.Context, req Request) (resp contracts.RPCResponse, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered panic in request handler",
				"responder", r.name,
				"panic", rec,
				"correlationId", req.CorrelationID,
			)
			ok = false
		}
	}()
	return r.handler(ctx, req), true
}

// Start opens the link and begins serving in the background
func (r *Responder) Start(onReady func()) {
	r.consumer.Start(onReady)
}

// WaitReady blocks until the responder is consuming
func (r *Responder) WaitReady(ctx context.Context) error {
	return r.consumer.WaitReady(ctx)
}

// Stop closes the link; calling it again is a no-op
func (r *Responder) Stop(ctx context.Context) error {
	return r.consumer.Stop(ctx)
}

// State returns the link state
func (r *Responder) State() rabbitmq.State {
	return r.consumer.State()
}

// Queue returns the consumed queue name
func (r *Responder) Queue() string {
	return r.consumer.Queue()
}
