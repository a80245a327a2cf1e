// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq adapter interfaces, for tests that need routing, confirms,
// direct reply-to and failure injection without a live RabbitMQ.
package rabbitmqtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 1024

// Published is a message accepted by the broker
type Published struct {
	Channel    int
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Settlement is an ack, nack or reject issued by a consumer
type Settlement struct {
	Channel  int
	Tag      uint64
	Ack      bool
	Multiple bool
	Requeue  bool
}

type binding struct {
	queue    string
	exchange string
	key      string
}

type queue struct {
	name      string
	consumers []*consumer
	next      int
	backlog   []amqp.Delivery
}

type consumer struct {
	ch         *Channel
	tag        string
	autoAck    bool
	deliveries chan amqp.Delivery
}

// Broker is a single in-memory RabbitMQ node
type Broker struct {
	mu sync.Mutex

	exchanges   map[string]string
	queues      map[string]*queue
	bindings    []binding
	conns       []*Conn
	channels    []*Channel
	replyTo     map[string]*Channel
	ops         []string
	published   []Published
	settlements []Settlement

	dials          int
	dialErrs       []error
	failures       map[string]error
	manualConfirms bool
	generated      int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		replyTo:   make(map[string]*Channel),
		failures:  make(map[string]error),
	}
}

// Dial opens a connection. It matches rabbitmq.Dialer.
func (b *Broker) Dial(ctx context.Context, params contracts.ConnectionParams) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.ops = append(b.ops, "dial")
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	conn := &Conn{broker: b, id: len(b.conns) + 1}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next dials fail with err, one per error given
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// FailNext makes the next call of op fail with err. Ops are named after
// the AMQP method: channel.open, exchange.declare, queue.declare,
// queue.bind, confirm.select, basic.qos, basic.consume, basic.publish.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// ManualConfirms stops the broker from confirming publishes on its own;
// use Channel.SendConfirm to send them
func (b *Broker) ManualConfirms() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manualConfirms = true
}

// Dials returns how many dials were attempted
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Ops returns the methods invoked so far, in order
func (b *Broker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

// Published returns every accepted publish
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Settlements returns every ack, nack and reject
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// HasExchange reports whether name was declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether name was declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Channels returns every channel opened so far
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

// LastChannel returns the most recently opened channel, or nil
func (b *Broker) LastChannel() *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.channels) == 0 {
		return nil
	}
	return b.channels[len(b.channels)-1]
}

// Connections returns every connection opened so far
func (b *Broker) Connections() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// ReplyAddresses returns the live direct reply-to addresses
func (b *Broker) ReplyAddresses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.replyTo))
	for addr := range b.replyTo {
		out = append(out, addr)
	}
	return out
}

// Publish routes msg as if another client had published it
func (b *Broker) Publish(exchange, routingKey string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(exchange, routingKey, msg)
}

func (b *Broker) fail(op string) error {
	if err, ok := b.failures[op]; ok {
		delete(b.failures, op)
		return err
	}
	return nil
}

// route delivers msg to every matching queue; caller holds b.mu
func (b *Broker) route(exchange, routingKey string, msg amqp.Publishing) {
	if exchange == "" {
		if ch, ok := b.replyTo[routingKey]; ok {
			ch.deliverReply(routingKey, msg)
			return
		}
		if q, ok := b.queues[routingKey]; ok {
			q.push(b.delivery(exchange, routingKey, msg))
		}
		return
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return
	}
	for _, bd := range b.bindings {
		if bd.exchange != exchange || !matches(kind, bd.key, routingKey) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			q.push(b.delivery(exchange, routingKey, msg))
		}
	}
}

func (b *Broker) delivery(exchange, routingKey string, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		Exchange:        exchange,
		RoutingKey:      routingKey,
		Body:            append([]byte(nil), msg.Body...),
	}
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout, amqp.ExchangeHeaders:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// push hands d to the next consumer, or keeps it until one subscribes
func (q *queue) push(d amqp.Delivery) {
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.deliver(d)
}

func (c *consumer) deliver(d amqp.Delivery) {
	c.ch.deliveryTag++
	d.DeliveryTag = c.ch.deliveryTag
	d.ConsumerTag = c.tag
	d.Acknowledger = c.ch
	select {
	case c.deliveries <- d:
	default:
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker *Broker
	id     int
	closed bool
	notify []chan *amqp.Error
	owned  []*Channel
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Channel opens a channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = append(b.ops, "channel.open")
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.fail("channel.open"); err != nil {
		return nil, err
	}

	ch := &Channel{broker: b, conn: c, id: len(b.channels) + 1}
	b.channels = append(b.channels, ch)
	c.owned = append(c.owned, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	b.ops = append(b.ops, "connection.close")
	c.shutdown(nil)
	return nil
}

// Drop simulates a network failure: the connection and its channels close
// with a connection-forced error
func (c *Conn) Drop() {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return
	}
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - simulated network failure", Server: true})
}

// shutdown closes the connection; caller holds the broker lock
func (c *Conn) shutdown(reason *amqp.Error) {
	c.closed = true
	for _, ch := range c.owned {
		if !ch.closed {
			ch.shutdown(reason)
		}
	}
	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	c.notify = nil
}

// Channel is an in-memory channel
type Channel struct {
	broker *Broker
	conn   *Conn
	id     int

	closed      bool
	confirming  bool
	publishSeq  uint64
	confirmedTo uint64
	deliveryTag uint64
	notify      []chan *amqp.Error
	confirms    []chan amqp.Confirmation
	consumers   []*consumer
	replyAddr   string
	replies     *consumer
	prefetch    int
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

// ID returns the channel number, starting at 1 per broker
func (ch *Channel) ID() int {
	return ch.id
}

func (ch *Channel) op(name string) error {
	ch.broker.ops = append(ch.broker.ops, name)
	if ch.closed {
		return amqp.ErrClosed
	}
	return ch.broker.fail(strings.Fields(name)[0])
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("exchange.declare " + name); err != nil {
		return err
	}
	if name == "" || strings.HasPrefix(name, "amq.") {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - exchange name '" + name + "' is reserved", Server: true}
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type'", Server: true}
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("queue.declare " + name); err != nil {
		return amqp.Queue{}, err
	}
	if contracts.IsReservedQueue(name) {
		return amqp.Queue{}, &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - queue name '" + name + "' is reserved", Server: true}
	}
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("queue.bind " + name + " " + exchange + " " + key); err != nil {
		return err
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'", Server: true}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
	}
	b.bindings = append(b.bindings, binding{queue: name, exchange: exchange, key: key})
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("confirm.select"); err != nil {
		return err
	}
	ch.confirming = true
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("basic.qos"); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("basic.consume " + queueName); err != nil {
		return nil, err
	}

	c := &consumer{ch: ch, tag: tag, autoAck: autoAck, deliveries: make(chan amqp.Delivery, deliveryBuffer)}

	if queueName == contracts.DirectReplyTo {
		if !autoAck {
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - reply consumer cannot acknowledge", Server: true}
		}
		ch.replyAddr = fmt.Sprintf("%s.%d", contracts.DirectReplyTo, ch.id)
		ch.replies = c
		b.replyTo[ch.replyAddr] = ch
		ch.consumers = append(ch.consumers, c)
		return c.deliveries, nil
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'", Server: true}
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	backlog := q.backlog
	q.backlog = nil
	for _, d := range backlog {
		q.push(d)
	}
	return c.deliveries, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.op("basic.publish " + exchange + " " + key); err != nil {
		return err
	}

	if msg.ReplyTo == contracts.DirectReplyTo {
		if ch.replyAddr == "" {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - fast reply consumer does not exist", Server: true}
		}
		msg.ReplyTo = ch.replyAddr
	}

	b.published = append(b.published, Published{Channel: ch.id, Exchange: exchange, RoutingKey: key, Msg: msg})

	if ch.confirming {
		ch.publishSeq++
		if !b.manualConfirms {
			ch.sendConfirm(amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true})
		}
	}

	b.route(exchange, key, msg)
	return nil
}

// SendConfirm sends a broker confirmation for tag, as a broker does after
// persisting or rejecting a publish
func (ch *Channel) SendConfirm(tag uint64, ack bool) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.sendConfirm(amqp.Confirmation{DeliveryTag: tag, Ack: ack})
}

// SendConfirmMultiple confirms every publish up to and including tag that
// an earlier SendConfirmMultiple did not cover. amqp091-go expands a
// multiple confirmation into one Confirmation per tag in the same way.
func (ch *Channel) SendConfirmMultiple(tag uint64, ack bool) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	for t := ch.confirmedTo + 1; t <= tag; t++ {
		ch.sendConfirm(amqp.Confirmation{DeliveryTag: t, Ack: ack})
	}
	if tag > ch.confirmedTo {
		ch.confirmedTo = tag
	}
}

// PublishCount returns the number of publishes accepted in confirm mode
func (ch *Channel) PublishCount() uint64 {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.publishSeq
}

func (ch *Channel) sendConfirm(c amqp.Confirmation) {
	if ch.closed {
		return
	}
	for _, n := range ch.confirms {
		select {
		case n <- c:
		default:
		}
	}
}

func (ch *Channel) deliverReply(addr string, msg amqp.Publishing) {
	if ch.closed || ch.replies == nil {
		return
	}
	ch.replies.deliver(ch.broker.delivery("", addr, msg))
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.ops = append(b.ops, "channel.close")
	ch.shutdown(nil)
	return nil
}

// CloseWithError simulates a broker-initiated channel close
func (ch *Channel) CloseWithError(code int, reason string) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return
	}
	ch.shutdown(&amqp.Error{Code: code, Reason: reason, Server: true})
}

// CancelConsumers simulates a broker-sent basic.cancel, as when the queue
// is deleted: every consumer on the channel stops and its delivery channel
// closes, but the channel itself stays open
func (ch *Channel) CancelConsumers() {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return
	}
	b.ops = append(b.ops, "basic.cancel")
	for _, c := range ch.consumers {
		for _, q := range b.queues {
			q.remove(c)
		}
		close(c.deliveries)
	}
	ch.consumers = nil
	if ch.replyAddr != "" {
		delete(b.replyTo, ch.replyAddr)
		ch.replyAddr = ""
		ch.replies = nil
	}
}

// shutdown closes the channel; caller holds the broker lock
func (ch *Channel) shutdown(reason *amqp.Error) {
	b := ch.broker
	ch.closed = true

	for _, c := range ch.consumers {
		for _, q := range b.queues {
			q.remove(c)
		}
		close(c.deliveries)
	}
	ch.consumers = nil
	if ch.replyAddr != "" {
		delete(b.replyTo, ch.replyAddr)
		ch.replies = nil
	}

	for _, n := range ch.confirms {
		close(n)
	}
	ch.confirms = nil

	for _, n := range ch.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	ch.notify = nil
}

func (q *queue) remove(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(Settlement{Tag: tag, Ack: true, Multiple: multiple})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(Settlement{Tag: tag, Multiple: multiple, Requeue: requeue})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(Settlement{Tag: tag, Requeue: requeue})
}

func (ch *Channel) settle(s Settlement) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	s.Channel = ch.id
	b.settlements = append(b.settlements, s)
	return nil
}
