// Copyright 2026 The amqplink Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package amqplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqplink/config"
	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/health"
	"github.com/glimte/amqplink/internal/rabbitmq"
	"github.com/glimte/amqplink/messaging"
	"go.opentelemetry.io/otel/metric"
)

// confirmBacklogLimit is the unconfirmed publish count above which the
// publisher reports degraded health
const confirmBacklogLimit = 1000

// Client provides the main entry point for amqplink. Components are created
// on first use and share one configuration, logger and metrics.
type Client struct {
	cfg      *config.Config
	params   contracts.ConnectionParams
	logger   *slog.Logger
	metrics  *rabbitmq.Metrics
	linkOpts []rabbitmq.Option
	health   *health.Registry

	mu         sync.Mutex
	closed     bool
	publisher  *rabbitmq.Publisher
	rpc        *messaging.RPCClient
	responders []*messaging.Responder
}

// NewClient creates a client for the broker at url with default settings
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := config.Default()
	cfg.Broker.URL = url
	return NewClientFromConfig(cfg, options...)
}

// NewClientFromConfig creates a client from a loaded configuration
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	params, err := cfg.Broker.Params()
	if err != nil {
		return nil, err
	}

	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = NewLogger(cfg.Log, nil)
	}

	metrics, err := rabbitmq.NewMetrics(cc.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	linkOpts := []rabbitmq.Option{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithMetrics(metrics),
		rabbitmq.WithRetryPolicy(cfg.Reconnect.Policy()),
	}
	linkOpts = append(linkOpts, cc.linkOpts...)

	return &Client{
		cfg:      cfg,
		params:   params,
		logger:   cc.logger,
		metrics:  metrics,
		linkOpts: linkOpts,
		health:   health.NewRegistry(),
	}, nil
}

// Publisher returns the confirm-mode publisher for the configured topology
func (c *Client) Publisher() *rabbitmq.Publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisher != nil {
		return c.publisher
	}

	pc := c.cfg.Publisher
	opts := append(c.options("publisher"),
		rabbitmq.WithPublishTimeout(pc.Timeout),
		rabbitmq.WithConfirmBuffer(pc.ConfirmBuffer),
	)
	if pc.RateLimit > 0 {
		opts = append(opts, rabbitmq.WithRateLimit(pc.RateLimit, pc.RateBurst))
	}
	if pc.Redelivery == "republish" {
		opts = append(opts, rabbitmq.WithRedelivery(rabbitmq.RedeliveryRepublish))
	}

	c.publisher = rabbitmq.NewPublisher(c.params, c.cfg.Topology(), opts...)
	c.health.Register(health.NewLinkChecker("publisher", c.publisher))
	c.health.Register(health.NewConfirmChecker("publisher-confirms", c.publisher, confirmBacklogLimit))
	return c.publisher
}

// Publish publishes body with the shared publisher. It reports whether the
// write was issued; broker confirmation arrives asynchronously.
func (c *Client) Publish(ctx context.Context, body []byte, routingKey string, opts ...PublishOption) bool {
	return c.Publisher().Publish(ctx, body, routingKey, opts...)
}

// RPC returns the request/reply client for the configured rpc section
func (c *Client) RPC() *messaging.RPCClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		return c.rpc
	}

	rc := c.cfg.RPC
	opts := []messaging.RPCClientOption{
		messaging.WithClientName("rpc-client"),
		messaging.WithClientLogger(c.logger),
		messaging.WithClientMetrics(c.metrics),
		messaging.WithRequestTimeout(rc.Timeout),
		messaging.WithClientLinkOptions(c.linkOpts...),
	}
	if rc.ReplyQueue != "" {
		opts = append(opts, messaging.WithReplyQueue(contracts.QueueSpec{Name: rc.ReplyQueue}))
	}
	if rc.CircuitBreaker.FailureThreshold > 0 {
		opts = append(opts, messaging.WithCircuitBreaker(rc.CircuitBreaker.FailureThreshold, rc.CircuitBreaker.ResetTimeout))
	}

	c.rpc = messaging.NewRPCClient(c.params, rc.Exchange.Spec(), rc.RoutingKey, opts...)
	c.health.Register(health.NewLinkChecker("rpc-client", c.rpc))
	return c.rpc
}

// Call sends body as a request and waits for the reply. A timeout of zero
// uses the configured rpc timeout.
func (c *Client) Call(ctx context.Context, body []byte, timeout time.Duration) (messaging.Reply, error) {
	return c.RPC().SendRequest(ctx, messaging.Request{Body: body}, timeout)
}

// Serve starts a responder on queue, bound to the rpc exchange with the
// queue's routing key. An empty routing key uses the rpc routing key.
func (c *Client) Serve(queue contracts.QueueSpec, handler messaging.RequestHandler) (*messaging.Responder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	rc := c.cfg.RPC
	if queue.RoutingKey == "" {
		queue.RoutingKey = rc.RoutingKey
	}
	if queue.Name == "" {
		queue.Name = rc.RoutingKey
	}
	name := "responder:" + queue.Name

	responder := messaging.NewResponder(c.params, rc.Exchange.Spec(), queue, handler,
		messaging.WithResponderName(name),
		messaging.WithResponderLogger(c.logger),
		messaging.WithResponderMetrics(c.metrics),
		messaging.WithPrefetch(rc.Prefetch),
		messaging.WithHandlerTimeout(rc.HandlerTimeout),
		messaging.WithResponderLinkOptions(c.linkOpts...),
	)
	c.responders = append(c.responders, responder)
	c.health.Register(health.NewLinkChecker(name, responder))

	responder.Start(func() {
		c.logger.Info("responder ready", "queue", responder.Queue())
	})
	return responder, nil
}

// Health returns the registry holding a check for every component created
// so far
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close stops every component, waiting up to ctx for each link to shut down
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	responders := c.responders
	c.responders = nil
	rpc, publisher := c.rpc, c.publisher
	c.mu.Unlock()

	var errs []error
	for _, r := range responders {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop responder %s: %w", r.Queue(), err))
		}
	}
	if rpc != nil {
		if err := rpc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop rpc client: %w", err))
		}
	}
	if publisher != nil {
		if err := publisher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) options(name string) []rabbitmq.Option {
	opts := make([]rabbitmq.Option, 0, len(c.linkOpts)+1)
	opts = append(opts, rabbitmq.WithName(name))
	return append(opts, c.linkOpts...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	linkOpts      []rabbitmq.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMeterProvider records metrics on provider instead of the global one
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = provider
	}
}

func withLinkOptions(opts ...rabbitmq.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.linkOpts = append(cfg.linkOpts, opts...)
	}
}
