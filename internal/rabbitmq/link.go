package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqplink/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// closedChan is always ready; it drives one setup step per loop iteration
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Link owns one broker connection and one channel. A single goroutine opens,
// declares, binds and confirm-selects them, reopens them after unsolicited
// closes, and runs every command submitted by other goroutines.
type Link struct {
	name     string
	params   contracts.ConnectionParams
	topology contracts.Topology
	opts     options
	logger   *slog.Logger
	consume  DeliveryHandler
	session  *Session

	mu    sync.Mutex
	state State
	ready chan struct{}
	queue string
	lp    *loop

	// owned by the loop goroutine
	ctx        context.Context
	current    *loop
	conn       Connection
	ch         Channel
	tracker    *DeliveryTracker
	confirms   chan amqp.Confirmation
	deliveries <-chan amqp.Delivery
	chanClosed chan *amqp.Error
	connClosed chan *amqp.Error
	retry      *time.Timer
	attempt    int
	carry      []Outbound
	onReady    []func()
}

type loop struct {
	ctx      context.Context
	cancel   context.CancelFunc
	commands chan command
	starts   chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type command struct {
	fn        func(*Session) error
	needReady bool
	result    chan error
}

func newLoop() *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan command),
		starts:   make(chan func()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewLink creates a stopped link for the given endpoint and topology
func NewLink(params contracts.ConnectionParams, topology contracts.Topology, opts ...Option) *Link {
	return newLink(params, topology, nil, buildOptions(opts))
}

func newLink(params contracts.ConnectionParams, topology contracts.Topology, handler DeliveryHandler, o options) *Link {
	l := &Link{
		name:     o.name,
		params:   params,
		topology: topology,
		opts:     o,
		logger:   o.logger,
		consume:  handler,
		state:    StateDisconnected,
		ready:    make(chan struct{}),
	}
	l.session = &Session{link: l}
	return l
}

// Name returns the link name
func (l *Link) Name() string {
	return l.name
}

// State returns the current state
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ready returns a channel closed while the link is ready
func (l *Link) Ready() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Queue returns the queue name in use, including a broker-assigned one
func (l *Link) Queue() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue
}

func (l *Link) setQueue(name string) {
	l.mu.Lock()
	l.queue = name
	l.mu.Unlock()
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	prev := l.state
	if prev == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	switch {
	case s == StateReady:
		close(l.ready)
	case prev == StateReady:
		l.ready = make(chan struct{})
	}
	l.mu.Unlock()

	l.opts.metrics.RecordStateChange(l.name, s)
	l.logger.Debug("link state changed", "link", l.name, "from", prev, "to", s)
}

// Start opens the link in the background. onReady, when set, runs once on
// the link goroutine after setup completes. Start is a no-op on a ready link.
func (l *Link) Start(onReady func()) {
	_ = l.start(context.Background(), onReady)
}

func (l *Link) start(ctx context.Context, onReady func()) error {
	for {
		l.mu.Lock()
		if l.state == StateReady {
			l.mu.Unlock()
			return nil
		}
		lp := l.lp
		if lp == nil {
			lp = newLoop()
			l.lp = lp
			l.mu.Unlock()
			go l.run(lp, onReady)
			return nil
		}
		idle := l.state == StateDisconnected
		l.mu.Unlock()

		if onReady == nil && !idle {
			// already on its way to ready
			return nil
		}

		select {
		case lp.starts <- onReady:
			return nil
		case <-lp.done:
			// the loop exited under us; start a fresh one
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop closes the channel and connection and waits for the link goroutine to
// exit. Stopping a stopped link returns nil.
func (l *Link) Stop(ctx context.Context) error {
	l.mu.Lock()
	lp := l.lp
	l.mu.Unlock()
	if lp == nil {
		return nil
	}

	lp.stopOnce.Do(func() {
		close(lp.stop)
		lp.cancel()
	})

	select {
	case <-lp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitReady blocks until the link is ready, the link stops or ctx is done
func (l *Link) WaitReady(ctx context.Context) error {
	for {
		l.mu.Lock()
		ready, lp := l.ready, l.lp
		l.mu.Unlock()
		if lp == nil {
			return ErrLinkStopped
		}

		select {
		case <-ready:
			return nil
		case <-lp.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do starts the link if needed, waits until it is ready and runs fn on the
// link goroutine. ctx bounds the wait for readiness and the hand-off; once fn
// is running Do waits for it to return.
func (l *Link) Do(ctx context.Context, fn func(*Session) error) error {
	for {
		if err := l.start(ctx, nil); err != nil {
			return err
		}
		if err := l.WaitReady(ctx); err != nil {
			return err
		}
		err := l.submit(ctx, fn, true)
		if !errors.Is(err, ErrNotReady) {
			return err
		}
		// lost readiness between the wait and the hand-off
	}
}

// Submit runs fn on the link goroutine without waiting for readiness.
// It fails with ErrLinkStopped when no link goroutine is running.
func (l *Link) Submit(ctx context.Context, fn func(*Session) error) error {
	return l.submit(ctx, fn, false)
}

func (l *Link) submit(ctx context.Context, fn func(*Session) error, needReady bool) error {
	l.mu.Lock()
	lp := l.lp
	l.mu.Unlock()
	if lp == nil {
		return ErrLinkStopped
	}

	cmd := command{fn: fn, needReady: needReady, result: make(chan error, 1)}
	select {
	case lp.commands <- cmd:
	case <-lp.done:
		return ErrLinkStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-lp.done:
		select {
		case err := <-cmd.result:
			return err
		default:
			return ErrLinkStopped
		}
	}
}

func (l *Link) run(lp *loop, onReady func()) {
	l.ctx = lp.ctx
	l.current = lp
	l.attempt = 0
	if onReady != nil {
		l.onReady = append(l.onReady, onReady)
	}
	defer l.exit(lp)

	l.logger.Info("starting link", "link", l.name, "url", l.params.Redacted())
	l.setState(StateConnecting)

	for {
		var stepC <-chan struct{}
		if settingUp(l.State()) {
			stepC = closedChan
		}
		var retryC <-chan time.Time
		if l.retry != nil {
			retryC = l.retry.C
		}

		select {
		case <-lp.stop:
			l.shutdown()
			return

		case <-stepC:
			if !l.step() {
				return
			}

		case fn := <-lp.starts:
			l.handleStart(fn)

		case cmd := <-lp.commands:
			l.execute(cmd)

		case c, ok := <-l.confirms:
			if !ok {
				l.confirms = nil
				continue
			}
			l.handleConfirm(c)

		case d, ok := <-l.deliveries:
			if !ok {
				// basic.cancel from the broker closes deliveries while the
				// channel stays open
				l.deliveries = nil
				if !l.handleClose("consumer", l.pendingCloseReason()) {
					return
				}
				continue
			}
			l.handleDelivery(d)

		case reason := <-l.chanClosed:
			if !l.handleClose("channel", reason) {
				return
			}

		case reason := <-l.connClosed:
			if !l.handleClose("connection", reason) {
				return
			}

		case <-retryC:
			l.retry = nil
			l.setState(StateConnecting)
		}
	}
}

func (l *Link) exit(lp *loop) {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.onReady = nil
	l.setState(StateStopped)

	l.mu.Lock()
	if l.lp == lp {
		l.lp = nil
	}
	l.mu.Unlock()

	lp.cancel()
	close(lp.done)
	l.logger.Info("link stopped", "link", l.name)
}

// step runs the broker round trip for the current state and advances
func (l *Link) step() bool {
	state := l.State()
	t := transitions[state]

	if err := t.run(l); err != nil {
		l.teardown()
		if l.ctx.Err() != nil {
			return false
		}
		l.logger.Error("link setup failed", "link", l.name, "state", state, "error", err)
		return l.scheduleReconnect(err)
	}

	next := l.nextState(state)
	if next == StateReady {
		l.becomeReady()
		return true
	}
	l.setState(next)
	return true
}

func (l *Link) connect() error {
	if err := l.params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := l.topology.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	conn, err := l.opts.dialer(l.ctx, l.params)
	if err != nil {
		return err
	}
	l.conn = conn
	l.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	l.logger.Info("connected to broker", "link", l.name, "url", l.params.Redacted())
	return nil
}

func (l *Link) openChannel() error {
	ch, err := l.conn.Channel()
	if err != nil {
		return &ChannelError{Op: "open", Link: l.name, Err: err, Timestamp: time.Now()}
	}
	l.ch = ch
	l.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

func (l *Link) declareExchange() error {
	ex := l.topology.Exchange
	if ex.IsDefault() {
		return nil
	}
	if err := l.ch.ExchangeDeclare(ex.Name, string(ex.Kind), ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      ex.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (l *Link) declareQueue() error {
	q := l.topology.Queue
	if q.IsReserved() {
		l.setQueue(q.Name)
		return nil
	}
	// publishers without a queue only need the exchange
	if q.Name == "" && l.consume == nil {
		return nil
	}

	declared, err := l.ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, nil)
	if err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      q.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	l.setQueue(declared.Name)
	return nil
}

func (l *Link) bindQueue() error {
	queue := l.Queue()
	if !l.topology.NeedsBinding() || queue == "" {
		return nil
	}
	if err := l.ch.QueueBind(queue, l.topology.Queue.RoutingKey, l.topology.Exchange.Name, false, nil); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      queue,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (l *Link) enableConfirms() error {
	confirms := l.ch.NotifyPublish(make(chan amqp.Confirmation, l.opts.confirmBuffer))
	if err := l.ch.Confirm(false); err != nil {
		return &ChannelError{Op: "confirm", Link: l.name, Err: err, Timestamp: time.Now()}
	}
	l.confirms = confirms
	l.tracker = NewDeliveryTracker()
	return nil
}

func (l *Link) startConsuming() error {
	if l.opts.prefetchCount > 0 {
		if err := l.ch.Qos(l.opts.prefetchCount, 0, false); err != nil {
			return &ChannelError{Op: "qos", Link: l.name, Err: err, Timestamp: time.Now()}
		}
	}

	tag := l.opts.consumerTag
	if tag == "" {
		tag = l.name + "-" + uuid.NewString()
	}

	queue := l.Queue()
	deliveries, err := l.ch.Consume(queue, tag, l.opts.autoAck, l.opts.exclusive, false, false, nil)
	if err != nil {
		return &ChannelError{Op: "consume", Link: l.name, Err: err, Timestamp: time.Now()}
	}
	l.deliveries = deliveries

	l.logger.Info("consuming",
		"link", l.name,
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", l.opts.prefetchCount,
	)
	return nil
}

func (l *Link) becomeReady() {
	l.attempt = 0
	l.setState(StateReady)
	l.logger.Info("link ready", "link", l.name, "queue", l.Queue())

	l.republish()

	callbacks := l.onReady
	l.onReady = nil
	for _, fn := range callbacks {
		l.safeCall("ready callback", fn)
	}
}

func (l *Link) republish() {
	if len(l.carry) == 0 {
		return
	}
	carry := l.carry
	l.carry = nil

	l.logger.Info("republishing unconfirmed messages", "link", l.name, "count", len(carry))
	for i, out := range carry {
		if _, err := l.session.Publish(l.ctx, out.Exchange, out.RoutingKey, out.Msg); err != nil {
			l.carry = append(l.carry, carry[i:]...)
			l.logger.Warn("republish interrupted", "link", l.name, "remaining", len(l.carry), "error", err)
			return
		}
	}
}

func (l *Link) handleStart(onReady func()) {
	if l.State() == StateReady {
		if onReady != nil {
			l.safeCall("ready callback", onReady)
		}
		return
	}
	if onReady != nil {
		l.onReady = append(l.onReady, onReady)
	}
	if l.State() == StateDisconnected {
		if l.retry != nil {
			l.retry.Stop()
			l.retry = nil
		}
		l.setState(StateConnecting)
	}
}

func (l *Link) execute(cmd command) {
	if cmd.needReady && l.State() != StateReady {
		cmd.result <- ErrNotReady
		return
	}
	cmd.result <- l.call(cmd.fn)
}

func (l *Link) call(fn func(*Session) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in link command: %v", r)
			l.logger.Error("recovered panic in link command", "link", l.name, "panic", r)
		}
	}()
	return fn(l.session)
}

func (l *Link) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic", "link", l.name, "in", what, "panic", r)
		}
	}()
	fn()
}

func (l *Link) handleConfirm(c amqp.Confirmation) {
	if l.tracker != nil {
		if c.Ack {
			l.tracker.OnAck(c.DeliveryTag, false)
		} else {
			l.tracker.OnNack(c.DeliveryTag, false)
		}
	}
	l.opts.metrics.RecordConfirmed(l.name, c.Ack)
	if !c.Ack {
		l.logger.Warn("broker rejected message", "link", l.name, "deliveryTag", c.DeliveryTag)
	}
	if l.opts.confirmListener != nil {
		l.safeCall("confirm listener", func() { l.opts.confirmListener(c) })
	}
}

func (l *Link) handleDelivery(d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic in delivery handler",
				"link", l.name,
				"panic", r,
				"deliveryTag", d.DeliveryTag,
			)
			if !l.opts.autoAck {
				if err := d.Nack(false, false); err != nil {
					l.logger.Error("failed to nack message", "link", l.name, "error", err)
				}
			}
		}
	}()
	l.consume(l.session, d)
}

// handleClose reacts to an unsolicited channel or connection close. It
// reports whether the loop keeps running.
func (l *Link) handleClose(source string, reason *amqp.Error) bool {
	select {
	case <-l.current.stop:
		l.shutdown()
		return false
	default:
	}

	args := []any{"link", l.name, "source", source}
	var err error = ErrChannelClosed
	if source == "consumer" {
		err = ErrConsumerCancelled
	}
	if reason != nil {
		args = append(args, "code", reason.Code, "reason", reason.Reason)
		err = reason
	}
	l.logger.Warn("link closed unexpectedly", args...)

	l.teardown()
	return l.scheduleReconnect(err)
}

// pendingCloseReason returns the close reason already queued for the
// channel or connection, if any
func (l *Link) pendingCloseReason() *amqp.Error {
	select {
	case reason := <-l.chanClosed:
		return reason
	default:
	}
	select {
	case reason := <-l.connClosed:
		return reason
	default:
	}
	return nil
}

func (l *Link) scheduleReconnect(err error) bool {
	retry, delay := l.opts.retryPolicy.ShouldRetry(l.attempt, err)
	l.attempt++
	if !retry || !IsRetryable(err) {
		l.logger.Error("giving up on link", "link", l.name, "attempts", l.attempt, "error", err)
		return false
	}

	l.opts.metrics.RecordReconnect(l.name)
	l.logger.Info("scheduling reconnect", "link", l.name, "attempt", l.attempt, "delay", delay)
	l.retry = time.NewTimer(delay)
	return true
}

// teardown drops everything scoped to the current channel and closes it
func (l *Link) teardown() {
	if l.conn == nil && l.ch == nil {
		l.setState(StateDisconnected)
		return
	}
	l.setState(StateClosing)

	// drain confirmations already delivered so the tracker is accurate and
	// the client library is not blocked handing us more
	for drained := false; !drained && l.confirms != nil; {
		select {
		case c, ok := <-l.confirms:
			if !ok {
				drained = true
				continue
			}
			l.handleConfirm(c)
		default:
			drained = true
		}
	}

	if l.tracker != nil {
		unconfirmed := l.tracker.Unconfirmed()
		switch {
		case len(unconfirmed) == 0:
		case l.opts.redelivery == RedeliveryRepublish:
			l.carry = append(l.carry, unconfirmed...)
		default:
			l.logger.Warn("dropping unconfirmed messages", "link", l.name, "count", len(unconfirmed))
		}
		l.tracker = nil
	}

	for _, hook := range l.opts.closeHooks {
		l.safeCall("close hook", hook)
	}

	if l.ch != nil {
		if err := l.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			l.logger.Debug("error closing channel", "link", l.name, "error", err)
		}
		l.ch = nil
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			l.logger.Debug("error closing connection", "link", l.name, "error", err)
		}
		l.conn = nil
	}

	l.confirms = nil
	l.deliveries = nil
	l.chanClosed = nil
	l.connClosed = nil
	l.setState(StateDisconnected)
}

func (l *Link) shutdown() {
	l.teardown()
	if len(l.carry) > 0 {
		l.logger.Warn("dropping unconfirmed messages on stop", "link", l.name, "count", len(l.carry))
		l.carry = nil
	}
}
