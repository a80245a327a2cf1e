package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/amqplink/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultDialTimeout = 30 * time.Second

// Connection is the subset of *amqp.Connection a link drives
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel a link drives.
// *amqp.Channel satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(ctx context.Context, params contracts.ConnectionParams) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP opens a real broker connection with amqp091-go
func DialAMQP(ctx context.Context, params contracts.ConnectionParams) (Connection, error) {
	timeout := params.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	props := amqp.NewConnectionProperties()
	if params.ConnectionName != "" {
		props.SetClientConnectionName(params.ConnectionName)
	}

	config := amqp.Config{
		Vhost:      params.VirtualHost,
		Heartbeat:  params.Heartbeat,
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(params.URL(), config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return amqpConnection{Connection: conn}, nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       params.Redacted(),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-dialCtx.Done():
		// A dial that completes after we gave up must not leak its socket.
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       params.Redacted(),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}
