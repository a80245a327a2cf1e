package rabbitmq

import (
	"log/slog"
	"time"

	"github.com/glimte/amqplink/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

const (
	defaultConfirmBuffer  = 4096
	defaultPublishTimeout = 10 * time.Second
	defaultPrefetchCount  = 10
)

// RedeliveryPolicy decides what happens to unconfirmed messages when the
// channel they were written to closes
type RedeliveryPolicy int

const (
	// RedeliveryDiscard drops unconfirmed messages with the channel
	RedeliveryDiscard RedeliveryPolicy = iota
	// RedeliveryRepublish writes them again, in tag order, once the link is
	// ready on a new channel
	RedeliveryRepublish
)

func (p RedeliveryPolicy) String() string {
	switch p {
	case RedeliveryDiscard:
		return "discard"
	case RedeliveryRepublish:
		return "republish"
	default:
		return "unknown"
	}
}

type options struct {
	name            string
	logger          *slog.Logger
	dialer          Dialer
	retryPolicy     reliability.RetryPolicy
	metrics         *Metrics
	redelivery      RedeliveryPolicy
	confirmBuffer   int
	publishTimeout  time.Duration
	limiter         *rate.Limiter
	prefetchCount   int
	autoAck         bool
	exclusive       bool
	consumerTag     string
	closeHooks      []func()
	confirmListener func(amqp.Confirmation)
}

func defaultOptions() options {
	return options{
		name:           "link",
		logger:         slog.Default(),
		dialer:         DialAMQP,
		retryPolicy:    reliability.DefaultPolicy(),
		redelivery:     RedeliveryDiscard,
		confirmBuffer:  defaultConfirmBuffer,
		publishTimeout: defaultPublishTimeout,
		prefetchCount:  defaultPrefetchCount,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a link and the publisher or consumer built on it
type Option func(*options)

// WithName sets the name used in logs and metrics
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dialer Dialer) Option {
	return func(o *options) {
		if dialer != nil {
			o.dialer = dialer
		}
	}
}

// WithRetryPolicy sets the reconnect policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(o *options) {
		if policy != nil {
			o.retryPolicy = policy
		}
	}
}

// WithMetrics records link activity on m
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRedelivery sets the policy for messages left unconfirmed by a closed channel
func WithRedelivery(policy RedeliveryPolicy) Option {
	return func(o *options) {
		o.redelivery = policy
	}
}

// WithConfirmBuffer sets the capacity of the confirmation channel
func WithConfirmBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.confirmBuffer = size
		}
	}
}

// WithPublishTimeout bounds a publish whose context carries no deadline
func WithPublishTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.publishTimeout = timeout
		}
	}
}

// WithRateLimit caps publishes per second; burst of at least 1
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) Option {
	return func(o *options) {
		o.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) Option {
	return func(o *options) {
		o.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) Option {
	return func(o *options) {
		o.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) Option {
	return func(o *options) {
		o.consumerTag = tag
	}
}

// WithCloseHook runs fn on the link goroutine whenever the channel goes away
func WithCloseHook(fn func()) Option {
	return func(o *options) {
		if fn != nil {
			o.closeHooks = append(o.closeHooks, fn)
		}
	}
}

// WithConfirmListener observes every broker confirmation on the link goroutine
func WithConfirmListener(fn func(amqp.Confirmation)) Option {
	return func(o *options) {
		o.confirmListener = fn
	}
}

// PublishOption adjusts an outgoing message
type PublishOption func(*amqp.Publishing)

// WithCorrelationID stamps the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(m *amqp.Publishing) {
		m.CorrelationId = id
	}
}

// WithReplyTo sets the reply address
func WithReplyTo(replyTo string) PublishOption {
	return func(m *amqp.Publishing) {
		m.ReplyTo = replyTo
	}
}

// WithHeaders merges headers into the message
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(m *amqp.Publishing) {
		if len(headers) == 0 {
			return
		}
		if m.Headers == nil {
			m.Headers = amqp.Table{}
		}
		for k, v := range headers {
			m.Headers[k] = v
		}
	}
}

// WithContentType sets the content type
func WithContentType(contentType string) PublishOption {
	return func(m *amqp.Publishing) {
		m.ContentType = contentType
	}
}

// WithPersistent marks the message persistent
func WithPersistent() PublishOption {
	return func(m *amqp.Publishing) {
		m.DeliveryMode = amqp.Persistent
	}
}

// WithMessageID sets the message id
func WithMessageID(id string) PublishOption {
	return func(m *amqp.Publishing) {
		m.MessageId = id
	}
}
