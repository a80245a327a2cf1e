package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// DefaultRequestTimeout applies when SendRequest is given no timeout
const DefaultRequestTimeout = 30 * time.Second

type result struct {
	reply Reply
	err   error
}

// RPCClient sends requests to an exchange and waits for correlated replies.
// Safe for concurrent use.
type RPCClient struct {
	consumer   *rabbitmq.Consumer
	exchange   string
	routingKey string
	manualAck  bool
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
	metrics    *rabbitmq.Metrics
	logger     *slog.Logger
	name       string

	// owned by the link goroutine
	pending map[string]chan result
}

// RPCClientOption configures the client
type RPCClientOption func(*rpcClientConfig)

type rpcClientConfig struct {
	replyQueue contracts.QueueSpec
	timeout    time.Duration
	breaker    *gobreaker.Settings
	logger     *slog.Logger
	metrics    *rabbitmq.Metrics
	name       string
	linkOpts   []rabbitmq.Option
}

// WithReplyQueue consumes replies from a dedicated queue instead of direct
// reply-to. An empty name asks the broker for an exclusive server-named queue.
func WithReplyQueue(queue contracts.QueueSpec) RPCClientOption {
	return func(c *rpcClientConfig) {
		c.replyQueue = queue
	}
}

// WithRequestTimeout sets the timeout used when SendRequest is given none
func WithRequestTimeout(timeout time.Duration) RPCClientOption {
	return func(c *rpcClientConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCircuitBreaker fails requests fast with ErrCircuitOpen after
// failureThreshold consecutive failures, probing again after resetTimeout
func WithCircuitBreaker(failureThreshold uint32, resetTimeout time.Duration) RPCClientOption {
	return func(c *rpcClientConfig) {
		if failureThreshold == 0 {
			c.breaker = nil
			return
		}
		c.breaker = &gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failureThreshold
			},
			IsSuccessful: breakerSuccess,
		}
	}
}

// breakerSuccess keeps caller mistakes and cancellations from counting
// against the responder
func breakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, ErrDuplicateCorrelationID) ||
		errors.Is(err, context.Canceled)
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) RPCClientOption {
	return func(c *rpcClientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics records requests, timeouts and late replies on m
func WithClientMetrics(m *rabbitmq.Metrics) RPCClientOption {
	return func(c *rpcClientConfig) {
		c.metrics = m
	}
}

// WithClientName names the client in logs and metrics
func WithClientName(name string) RPCClientOption {
	return func(c *rpcClientConfig) {
		c.name = name
	}
}

// WithClientLinkOptions passes options to the underlying link
func WithClientLinkOptions(opts ...rabbitmq.Option) RPCClientOption {
	return func(c *rpcClientConfig) {
		c.linkOpts = append(c.linkOpts, opts...)
	}
}

// NewRPCClient creates a client publishing requests to exchange with
// routingKey. The link opens on the first request or on Start.
func NewRPCClient(params contracts.ConnectionParams, exchange contracts.ExchangeSpec, routingKey string, opts ...RPCClientOption) *RPCClient {
	config := &rpcClientConfig{
		replyQueue: contracts.DirectReplyQueue(),
		timeout:    DefaultRequestTimeout,
		logger:     slog.Default(),
		name:       "rpc-client",
	}
	for _, opt := range opts {
		opt(config)
	}

	replyQueue := config.replyQueue
	if replyQueue.Name == "" {
		replyQueue.Exclusive = true
		replyQueue.AutoDelete = true
	}
	// the broker only allows direct reply-to consumers in no-ack mode
	autoAck := replyQueue.IsReserved()

	c := &RPCClient{
		exchange:   exchange.Name,
		routingKey: routingKey,
		manualAck:  !autoAck,
		timeout:    config.timeout,
		metrics:    config.metrics,
		logger:     config.logger,
		name:       config.name,
		pending:    make(map[string]chan result),
	}

	if config.breaker != nil {
		settings := *config.breaker
		settings.Name = config.name
		settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("rpc circuit breaker state changed",
				"client", name,
				"from", from.String(),
				"to", to.String(),
			)
		}
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}

	linkOpts := []rabbitmq.Option{
		rabbitmq.WithName(config.name),
		rabbitmq.WithLogger(config.logger),
		rabbitmq.WithMetrics(config.metrics),
		rabbitmq.WithAutoAck(autoAck),
		rabbitmq.WithExclusive(replyQueue.Exclusive),
		rabbitmq.WithCloseHook(c.failPending),
	}
	linkOpts = append(linkOpts, config.linkOpts...)

	topology := contracts.Topology{
		Exchange: exchange,
		Queue:    replyQueue,
		Unbound:  true,
	}
	c.consumer = rabbitmq.NewConsumer(params, topology, c.handleReply, linkOpts...)
	return c
}

// SendRequest publishes req and blocks until the correlated reply arrives,
// the timeout elapses or ctx is done. A timeout of zero or less uses the
// client default. Timeouts return an error wrapping ErrRequestTimeout.
func (c *RPCClient) SendRequest(ctx context.Context, req Request, timeout time.Duration) (Reply, error) {
	if c.breaker == nil {
		return c.sendRequest(ctx, req, timeout)
	}

	var reply Reply
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var err error
		reply, err = c.sendRequest(ctx, req, timeout)
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Reply{}, &RequestError{RoutingKey: c.keyFor(req), Err: ErrCircuitOpen}
	}
	return reply, err
}

func (c *RPCClient) sendRequest(ctx context.Context, req Request, timeout time.Duration) (Reply, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	// the deadline runs from submission
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	routingKey := c.keyFor(req)
	slot := make(chan result, 1)

	msg := req.publishing()
	msg.CorrelationId = correlationID
	msg.Timestamp = time.Now()

	// Registration and publish happen together on the link goroutine, so a
	// fast reply always finds its pending entry.
	err := c.consumer.Do(sendCtx, func(s *rabbitmq.Session) error {
		if _, exists := c.pending[correlationID]; exists {
			return ErrDuplicateCorrelationID
		}
		msg.ReplyTo = s.Queue()
		c.pending[correlationID] = slot
		if _, err := s.Publish(sendCtx, c.exchange, routingKey, msg); err != nil {
			delete(c.pending, correlationID)
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil && sendCtx.Err() != nil {
			err = ErrRequestTimeout
		}
		c.noteTimeout(err)
		return Reply{}, &RequestError{
			CorrelationID: correlationID,
			RoutingKey:    routingKey,
			Timeout:       timeout,
			Err:           err,
		}
	}
	c.metrics.RecordRequest(c.name)

	select {
	case res := <-slot:
		if res.err != nil {
			return Reply{}, &RequestError{CorrelationID: correlationID, RoutingKey: routingKey, Timeout: timeout, Err: res.err}
		}
		return res.reply, nil

	case <-sendCtx.Done():
		c.forget(correlationID)
		// the reply may have landed while we were deregistering
		select {
		case res := <-slot:
			if res.err == nil {
				return res.reply, nil
			}
		default:
		}

		err := ctx.Err()
		if err == nil {
			err = ErrRequestTimeout
		}
		c.noteTimeout(err)
		return Reply{}, &RequestError{
			CorrelationID: correlationID,
			RoutingKey:    routingKey,
			Timeout:       timeout,
			Err:           err,
		}
	}
}

func (c *RPCClient) keyFor(req Request) string {
	if req.RoutingKey != "" {
		return req.RoutingKey
	}
	return c.routingKey
}

func (c *RPCClient) noteTimeout(err error) {
	if errors.Is(err, ErrRequestTimeout) {
		c.metrics.RecordTimeout(c.name)
	}
}

// forget drops a pending entry; a reply arriving afterwards is discarded
func (c *RPCClient) forget(correlationID string) {
	err := c.consumer.Submit(context.Background(), func(*rabbitmq.Session) error {
		delete(c.pending, correlationID)
		return nil
	})
	if err != nil && !errors.Is(err, rabbitmq.ErrLinkStopped) {
		c.logger.Warn("failed to deregister request", "client", c.name, "correlationId", correlationID, "error", err)
	}
}

// handleReply runs on the link goroutine for every delivery on the reply queue
func (c *RPCClient) handleReply(s *rabbitmq.Session, d amqp.Delivery) {
	// settle first so unmatched replies are never redelivered
	if c.manualAck {
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack reply", "client", c.name, "error", err)
		}
	}

	slot, ok := c.pending[d.CorrelationId]
	if !ok {
		c.metrics.RecordLateReply(c.name)
		c.logger.Warn("dropping reply with no pending request",
			"client", c.name,
			"correlationId", d.CorrelationId,
		)
		return
	}
	delete(c.pending, d.CorrelationId)
	slot <- result{reply: replyFromDelivery(d)}
}

// failPending resolves every pending request when the reply channel goes
// away, since their replies can no longer arrive on it
func (c *RPCClient) failPending() {
	if len(c.pending) == 0 {
		return
	}
	c.logger.Warn("failing pending requests", "client", c.name, "count", len(c.pending))
	for id, slot := range c.pending {
		slot <- result{err: ErrReplyChannelClosed}
		delete(c.pending, id)
	}
}

// Pending returns the number of requests awaiting a reply
func (c *RPCClient) Pending(ctx context.Context) (int, error) {
	var n int
	err := c.consumer.Submit(ctx, func(*rabbitmq.Session) error {
		n = len(c.pending)
		return nil
	})
	if errors.Is(err, rabbitmq.ErrLinkStopped) {
		return 0, nil
	}
	return n, err
}

// Start opens the link in the background
func (c *RPCClient) Start(onReady func()) {
	c.consumer.Start(onReady)
}

// WaitReady blocks until the reply consumer is subscribed
func (c *RPCClient) WaitReady(ctx context.Context) error {
	return c.consumer.WaitReady(ctx)
}

// Stop closes the link; pending requests fail with ErrReplyChannelClosed
func (c *RPCClient) Stop(ctx context.Context) error {
	return c.consumer.Stop(ctx)
}

// State returns the link state
func (c *RPCClient) State() rabbitmq.State {
	return c.consumer.State()
}
