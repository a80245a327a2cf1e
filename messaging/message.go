package messaging

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Request is an RPC request as sent by a client or seen by a responder
type Request struct {
	Body          []byte
	ContentType   string
	Headers       map[string]interface{}
	CorrelationID string
	// ReplyTo is where a responder sends the reply. SendRequest ignores it
	// and always uses the client's own reply queue, the only place its
	// replies are correlated.
	ReplyTo string
	// RoutingKey overrides the client's request routing key
	RoutingKey string
}

// Reply is the payload a responder sent back
type Reply struct {
	Body          []byte
	ContentType   string
	Headers       map[string]interface{}
	CorrelationID string
}

func (r Request) publishing() amqp.Publishing {
	msg := amqp.Publishing{
		Body:          r.Body,
		ContentType:   r.ContentType,
		CorrelationId: r.CorrelationID,
		ReplyTo:       r.ReplyTo,
	}
	if len(r.Headers) > 0 {
		msg.Headers = amqp.Table(r.Headers)
	}
	return msg
}

func requestFromDelivery(d amqp.Delivery) Request {
	return Request{
		Body:          d.Body,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		RoutingKey:    d.RoutingKey,
	}
}

func replyFromDelivery(d amqp.Delivery) Reply {
	return Reply{
		Body:          d.Body,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		CorrelationID: d.CorrelationId,
	}
}
