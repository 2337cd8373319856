package amqp091

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// ChannelState is the lifecycle state of a channel
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transport is the send-side surface a channel requires of its owning
// connection.
type transport interface {
	sendFrame(*frame.Frame) error
	sendFrames(...*frame.Frame) error
	maxFrameSize() uint32
	serverSupports(capability string) bool
}

// replyExpectation names one reply verb a synchronous method may complete
// with, optionally narrowed by a predicate.
type replyExpectation struct {
	verb  protocol.Verb
	match methodPredicate
}

// pendingMethod is a synchronous method queued behind an in-flight one
type pendingMethod struct {
	method     *frame.Method
	completion methodHandler
	replies    []replyExpectation
}

// Channel multiplexes one AMQP channel over its connection. All methods are
// non-blocking: synchronous protocol methods take completion callbacks that
// fire when the broker's reply arrives.
//
// Channel state is owned by the connection's dispatch goroutine. Completion
// callbacks and listeners run on that goroutine, and may themselves call
// channel methods; cross-goroutine callers must serialize through
// Connection.Dispatch.
type Channel struct {
	conn      transport
	number    uint16
	callbacks *callbackRegistry
	assembler contentAssembler
	logger    *logrus.Entry
	metrics   MetricsCollector

	state         ChannelState
	closingReason *Error

	// In-flight synchronous method and the queue behind it. blocking is
	// zero when no reply is outstanding.
	blocking protocol.Verb
	blocked  []pendingMethod

	consumers      map[string]DeliveryHandler
	cancelling     map[string]struct{}
	noAckConsumers map[string]struct{}

	onOpen        func(*Channel)
	getHandler    GetHandler
	flowOkHandler func(active bool)
	flowActive    bool

	confirmsEnabled bool
	txSelected      bool
	publishSeq      uint64

	closeListeners  []CloseListener
	returnListeners []ReturnListener
	cancelListeners []CancelListener
	flowListeners   []FlowListener

	cleanupHooks []func(*Channel)
	cookie       interface{}
}

func newChannel(conn transport, number uint16, callbacks *callbackRegistry, logger *logrus.Entry, metrics MetricsCollector, onOpen func(*Channel)) *Channel {
	return &Channel{
		conn:           conn,
		number:         number,
		callbacks:      callbacks,
		logger:         logger.WithField("channel", number),
		metrics:        metrics,
		state:          ChannelClosed,
		flowActive:     true,
		consumers:      make(map[string]DeliveryHandler),
		cancelling:     make(map[string]struct{}),
		noAckConsumers: make(map[string]struct{}),
		onOpen:         onOpen,
	}
}

// Number returns the channel number on the connection
func (ch *Channel) Number() uint16 {
	return ch.number
}

// State returns the channel's lifecycle state
func (ch *Channel) State() ChannelState {
	return ch.state
}

// IsOpen reports whether the channel is open and usable
func (ch *Channel) IsOpen() bool {
	return ch.state == ChannelOpen
}

// SetCookie attaches an opaque application value to the channel. The value
// is dropped when the channel closes.
func (ch *Channel) SetCookie(v interface{}) {
	ch.cookie = v
}

// Cookie returns the value set with SetCookie, or nil
func (ch *Channel) Cookie() interface{} {
	return ch.cookie
}

// AddCloseListener registers a listener fired when the channel reaches the
// closed state.
func (ch *Channel) AddCloseListener(l CloseListener) {
	ch.closeListeners = append(ch.closeListeners, l)
}

// AddReturnListener registers a listener for unroutable published messages
func (ch *Channel) AddReturnListener(l ReturnListener) {
	ch.returnListeners = append(ch.returnListeners, l)
}

// AddCancelListener registers a listener for broker-initiated consumer
// cancellations.
func (ch *Channel) AddCancelListener(l CancelListener) {
	ch.cancelListeners = append(ch.cancelListeners, l)
}

// AddFlowListener registers a listener for broker-initiated flow control
func (ch *Channel) AddFlowListener(l FlowListener) {
	ch.flowListeners = append(ch.flowListeners, l)
}

// addCleanupHook registers an internal hook run after close listeners, when
// the channel's resources are released.
func (ch *Channel) addCleanupHook(hook func(*Channel)) {
	ch.cleanupHooks = append(ch.cleanupHooks, hook)
}

// open sends Channel.Open and registers the structural callbacks that stay
// in place for the channel's lifetime. Called by the connection when the
// channel is allocated.
func (ch *Channel) open() error {
	if ch.state != ChannelClosed {
		return &ContractError{Op: "Channel.Open", Reason: "channel is already " + ch.state.String()}
	}

	ch.state = ChannelOpening
	ch.logger.Debug("opening channel")

	// Structural callbacks: expected for the whole channel lifetime, not
	// tied to any one request.
	ch.callbacks.add(ch.number, protocol.ChannelClose, ch.onCloseFromBroker, true, nil)
	ch.callbacks.add(ch.number, protocol.ChannelFlow, ch.onFlowFromBroker, false, nil)
	ch.callbacks.add(ch.number, protocol.BasicCancel, ch.onCancelFromBroker, false, nil)
	ch.callbacks.add(ch.number, protocol.BasicGetEmpty, ch.onGetEmpty, false, nil)

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteShortString(""); err != nil { // reserved
		return err
	}

	return ch.invoke(
		frame.NewMethod(protocol.ChannelOpen, args.Bytes()),
		ch.onOpenOk,
		[]replyExpectation{{verb: protocol.ChannelOpenOk}},
	)
}

// onOpenOk completes Channel.Open. An OpenOk that races with a local close
// is suppressed: the close handshake already owns the channel's fate.
func (ch *Channel) onOpenOk(*frame.Method) {
	if ch.state == ChannelClosing {
		ch.logger.Debug("suppressing OpenOk received while closing")
		return
	}

	ch.state = ChannelOpen
	ch.logger.Debug("channel opened")
	ch.metrics.ChannelOpened()

	if ch.onOpen != nil {
		ch.onOpen(ch)
	}
}

// Close gracefully closes the channel with a normal shutdown reply
func (ch *Channel) Close() error {
	return ch.CloseWithCode(protocol.ReplySuccess, "normal shutdown")
}

// CloseWithCode gracefully closes the channel: consumers are cancelled, then
// Channel.Close is sent (queued behind any in-flight synchronous method).
// The channel reaches the closed state when CloseOk arrives; close listeners
// fire then. Calling Close on a closing or closed channel returns
// WrongStateError.
func (ch *Channel) CloseWithCode(code int, text string) error {
	if ch.state == ChannelClosing || ch.state == ChannelClosed {
		return &WrongStateError{Op: "Channel.Close", State: ch.state}
	}

	ch.logger.WithFields(logrus.Fields{"code": code, "text": text}).Info("closing channel")

	// The reason is recorded before the state flips so that anything
	// observing the closing state sees why.
	ch.closingReason = &Error{Code: code, Reason: text, Origin: OriginLocal}

	var errs *multierror.Error
	for tag := range ch.consumers {
		if _, already := ch.cancelling[tag]; already {
			continue
		}
		if err := ch.BasicCancel(tag, false, nil); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cancel consumer %q: %w", tag, err))
		}
	}

	ch.state = ChannelClosing

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(uint16(code)); err != nil {
		return multierror.Append(errs, err).ErrorOrNil()
	}
	if err := args.WriteShortString(text); err != nil {
		return multierror.Append(errs, err).ErrorOrNil()
	}
	if err := args.WriteUint16(0); err != nil { // failing class id
		return multierror.Append(errs, err).ErrorOrNil()
	}
	if err := args.WriteUint16(0); err != nil { // failing method id
		return multierror.Append(errs, err).ErrorOrNil()
	}

	err := ch.invoke(
		frame.NewMethod(protocol.ChannelClose, args.Bytes()),
		ch.onCloseOk,
		[]replyExpectation{{verb: protocol.ChannelCloseOk}},
	)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// onCloseOk completes a locally initiated close
func (ch *Channel) onCloseOk(*frame.Method) {
	ch.transitionToClosed()
}

// onCloseFromBroker handles Channel.Close sent by the broker. CloseOk is
// sent back immediately: after sending Close the broker ignores everything
// on the channel except the close handshake.
func (ch *Channel) onCloseFromBroker(m *frame.Method) {
	args := m.Fields()
	code, err := args.ReadUint16()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Channel.Close from broker")
	}
	text, _ := args.ReadShortString()

	ch.logger.WithFields(logrus.Fields{"code": code, "text": text}).Warn("channel closed by broker")

	if err := ch.sendMethod(frame.NewMethod(protocol.ChannelCloseOk, nil)); err != nil {
		ch.logger.WithError(err).Warn("failed to send Channel.CloseOk")
	}

	ch.closingReason = NewError(int(code), text)

	if ch.state == ChannelClosing {
		// The broker's Close crossed ours on the wire. Our own
		// Channel.Close may still be sitting in the blocked queue; it
		// will never be sent, and no CloseOk will ever arrive for it.
		ch.drainBlockedOnRemoteClose()
	} else {
		ch.transitionToClosed()
	}
}

// drainBlockedOnRemoteClose empties the blocked queue after the broker
// closed the channel out from under a local close. A queued Channel.Close is
// resolved as if its handshake had completed; everything else is discarded,
// and its completion callback never fires.
func (ch *Channel) drainBlockedOnRemoteClose() {
	ch.logger.WithField("count", len(ch.blocked)).Debug("draining blocked methods after broker close")

	for len(ch.blocked) > 0 {
		next := ch.blocked[0]
		ch.blocked = ch.blocked[1:]

		if next.method.Verb == protocol.ChannelClose {
			ch.onCloseMeta(ch.closingReason)
		} else {
			ch.logger.WithField("method", next.method.String()).Debug("discarding blocked method")
			ch.metrics.MethodDiscarded()
		}
	}
}

// onCloseMeta resolves the channel as closed without any protocol exchange:
// the close handshake already happened (broker-side) or never can (the
// connection died).
func (ch *Channel) onCloseMeta(reason *Error) {
	if ch.state == ChannelClosed {
		return
	}
	ch.closingReason = reason
	ch.transitionToClosed()
}

// transitionToClosed is the single terminal transition. Close listeners see
// the reason recorded before the transition; cleanup runs even if a listener
// panics.
func (ch *Channel) transitionToClosed() {
	defer ch.cleanup()

	ch.state = ChannelClosed
	reason := ch.closingReason
	ch.logger.WithField("reason", reason).Debug("channel closed")

	for _, l := range ch.closeListeners {
		l(ch, reason)
	}
}

// cleanup releases everything the channel holds: consumer handlers, pending
// callbacks, the cookie. After cleanup the channel number may be reused.
func (ch *Channel) cleanup() {
	ch.callbacks.cleanupChannel(ch.number)
	ch.consumers = make(map[string]DeliveryHandler)
	ch.cancelling = make(map[string]struct{})
	ch.noAckConsumers = make(map[string]struct{})
	ch.blocking = 0
	ch.blocked = nil
	ch.getHandler = nil
	ch.flowOkHandler = nil
	ch.cookie = nil

	hooks := ch.cleanupHooks
	ch.cleanupHooks = nil
	for _, hook := range hooks {
		hook(ch)
	}

	ch.metrics.ChannelClosed()
}

// invoke sends a synchronous method, or queues it if another synchronous
// method is awaiting its reply. Replies name the verbs that can complete the
// exchange; completion, if non-nil, fires with the reply that does.
//
// Passing a method that is not synchronous, or a completion with no reply
// expectations, is a caller bug and returns ContractError.
func (ch *Channel) invoke(m *frame.Method, completion methodHandler, replies []replyExpectation) error {
	if !m.Verb.Synchronous() {
		return &ContractError{Op: m.String(), Reason: "method is not synchronous"}
	}
	if completion != nil && len(replies) == 0 {
		return &ContractError{Op: m.String(), Reason: "completion callback without reply expectations"}
	}
	if ch.state == ChannelClosed {
		return &WrongStateError{Op: m.String(), State: ch.state}
	}

	if ch.blocking != 0 {
		ch.logger.WithFields(logrus.Fields{
			"method":   m.String(),
			"blocking": ch.blocking.String(),
		}).Debug("queueing synchronous method behind in-flight one")
		ch.metrics.MethodBlocked()
		ch.blocked = append(ch.blocked, pendingMethod{method: m, completion: completion, replies: replies})
		return nil
	}

	if err := ch.sendMethod(m); err != nil {
		return err
	}

	if len(replies) > 0 {
		ch.blocking = m.Verb
		for _, rep := range replies {
			// The advance handler registers first so the queue
			// drains before user completions observe the reply.
			ch.callbacks.add(ch.number, rep.verb, ch.onSynchronousComplete, true, rep.match)
			if completion != nil {
				ch.callbacks.add(ch.number, rep.verb, completion, true, rep.match)
			}
		}
	}

	return nil
}

// onSynchronousComplete runs when the in-flight synchronous method gets its
// reply. It releases the channel and sends queued methods until one of them
// blocks the channel again or the queue empties. Re-checking blocking every
// iteration matters: sending a queued synchronous method re-blocks
// immediately.
func (ch *Channel) onSynchronousComplete(*frame.Method) {
	ch.logger.WithField("blocked", len(ch.blocked)).Debug("synchronous method complete")

	ch.blocking = 0
	for len(ch.blocked) > 0 && ch.blocking == 0 {
		next := ch.blocked[0]
		ch.blocked = ch.blocked[1:]
		if err := ch.invoke(next.method, next.completion, next.replies); err != nil {
			ch.logger.WithError(err).WithField("method", next.method.String()).
				Warn("failed to send queued method")
		}
	}
}

// handleFrame routes one inbound frame for this channel. Called by the
// connection's dispatch goroutine.
func (ch *Channel) handleFrame(f *frame.Frame) {
	if f.Type == protocol.FrameMethod {
		m, err := f.ParseMethod()
		if err != nil {
			ch.logger.WithError(err).Warn("dropping malformed method frame")
			ch.metrics.UnexpectedFrame()
			return
		}

		if !m.Verb.CarriesContent() {
			if !ch.callbacks.fire(ch.number, m) {
				ch.logger.WithField("method", m.String()).Warn("dropping unexpected method")
				ch.metrics.UnexpectedFrame()
			}
			return
		}
	}

	content, err := ch.assembler.feed(f)
	if err != nil {
		ch.logger.WithError(err).Warn("dropping content frame")
		ch.metrics.UnexpectedFrame()
		return
	}
	if content != nil {
		ch.routeContent(content)
	}
}

// routeContent dispatches a fully assembled inbound message
func (ch *Channel) routeContent(content *Content) {
	switch content.Method.Verb {
	case protocol.BasicDeliver:
		ch.onDeliver(content)
	case protocol.BasicGetOk:
		ch.onGetOk(content)
	case protocol.BasicReturn:
		ch.onReturn(content)
	default:
		ch.logger.WithField("method", content.Method.String()).Warn("dropping unexpected content")
		ch.metrics.UnexpectedFrame()
	}
}

// onDeliver hands a pushed message to its consumer. Deliveries racing a
// local cancel are rejected back to the broker rather than handed to a
// consumer that asked to stop, except under auto-ack where the broker has
// already forgotten the message.
func (ch *Channel) onDeliver(content *Content) {
	args := content.Method.Fields()
	consumerTag, err := args.ReadShortString()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Basic.Deliver")
		return
	}
	deliveryTag, _ := args.ReadUint64()
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	props, err := DecodeProperties(content.Header.Properties)
	if err != nil {
		ch.logger.WithError(err).Warn("malformed content properties on Basic.Deliver")
		return
	}

	if _, cancelPending := ch.cancelling[consumerTag]; cancelPending {
		if _, noAck := ch.noAckConsumers[consumerTag]; !noAck && ch.state == ChannelOpen {
			if err := ch.BasicReject(deliveryTag, true); err != nil {
				ch.logger.WithError(err).Warn("failed to requeue delivery for cancelled consumer")
			}
		}
		return
	}

	handler, ok := ch.consumers[consumerTag]
	if !ok {
		ch.logger.WithField("consumer_tag", consumerTag).Warn("delivery for unknown consumer")
		return
	}

	ch.metrics.MessageDelivered()
	handler(ch, Delivery{
		ConsumerTag: consumerTag,
		DeliveryTag: deliveryTag,
		Redelivered: redelivered,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Properties:  props,
		Body:        content.Body,
		channel:     ch,
	})
}

// onGetOk completes a BasicGet that found a message
func (ch *Channel) onGetOk(content *Content) {
	handler := ch.getHandler
	ch.getHandler = nil
	if handler == nil {
		ch.logger.Warn("Basic.GetOk with no get in flight")
		ch.metrics.UnexpectedFrame()
		return
	}

	args := content.Method.Fields()
	deliveryTag, err := args.ReadUint64()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Basic.GetOk")
		return
	}
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()
	messageCount, _ := args.ReadUint32()

	props, err := DecodeProperties(content.Header.Properties)
	if err != nil {
		ch.logger.WithError(err).Warn("malformed content properties on Basic.GetOk")
		return
	}

	ch.metrics.MessageDelivered()
	handler(ch, &GetMessage{
		DeliveryTag:  deliveryTag,
		Redelivered:  redelivered,
		Exchange:     exchange,
		RoutingKey:   routingKey,
		MessageCount: messageCount,
		Properties:   props,
		Body:         content.Body,
		channel:      ch,
	})
}

// onGetEmpty completes a BasicGet that found the queue empty
func (ch *Channel) onGetEmpty(*frame.Method) {
	handler := ch.getHandler
	ch.getHandler = nil
	if handler == nil {
		ch.logger.Debug("Basic.GetEmpty with no get in flight")
		return
	}
	handler(ch, nil)
}

// onReturn hands an unroutable published message to return listeners
func (ch *Channel) onReturn(content *Content) {
	args := content.Method.Fields()
	replyCode, err := args.ReadUint16()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Basic.Return")
		return
	}
	replyText, _ := args.ReadShortString()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	props, err := DecodeProperties(content.Header.Properties)
	if err != nil {
		ch.logger.WithError(err).Warn("malformed content properties on Basic.Return")
		return
	}

	ch.metrics.MessageReturned()

	if len(ch.returnListeners) == 0 {
		ch.logger.WithFields(logrus.Fields{
			"reply_code": replyCode,
			"reply_text": replyText,
		}).Debug("unroutable message returned with no return listener")
		return
	}

	ret := Return{
		ReplyCode:  replyCode,
		ReplyText:  replyText,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Properties: props,
		Body:       content.Body,
	}
	for _, l := range ch.returnListeners {
		l(ch, ret)
	}
}

// onCancelFromBroker handles Basic.Cancel sent by the broker, e.g. when a
// consumed queue is deleted. A cancel that crosses a local BasicCancel on
// the wire is ignored; the pending CancelOk settles the consumer.
func (ch *Channel) onCancelFromBroker(m *frame.Method) {
	consumerTag, err := m.Fields().ReadShortString()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Basic.Cancel from broker")
		return
	}

	if _, cancelPending := ch.cancelling[consumerTag]; cancelPending {
		ch.logger.WithField("consumer_tag", consumerTag).
			Debug("broker cancel crossed local cancel; awaiting CancelOk")
		return
	}

	ch.logger.WithField("consumer_tag", consumerTag).Warn("consumer cancelled by broker")
	ch.forgetConsumer(consumerTag)

	for _, l := range ch.cancelListeners {
		l(ch, consumerTag)
	}
}

// onFlowFromBroker answers broker-initiated flow control and notifies flow
// listeners.
func (ch *Channel) onFlowFromBroker(m *frame.Method) {
	active, err := m.Fields().ReadBool()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Channel.Flow from broker")
		return
	}

	ch.flowActive = active
	ch.logger.WithField("active", active).Info("broker toggled channel flow")

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteBool(active); err == nil {
		if err := ch.sendMethod(frame.NewMethod(protocol.ChannelFlowOk, args.Bytes())); err != nil {
			ch.logger.WithError(err).Warn("failed to send Channel.FlowOk")
		}
	}

	for _, l := range ch.flowListeners {
		l(ch, active)
	}
}

// BasicConsume starts a consumer on a queue. An empty consumerTag asks for a
// generated one; the tag in use is returned. handler receives deliveries;
// completion, if non-nil, fires when the broker confirms the consumer (and
// is not allowed with NoWait).
func (ch *Channel) BasicConsume(queue, consumerTag string, opts ConsumeOptions, handler DeliveryHandler, completion func(consumerTag string)) (string, error) {
	if err := ch.requireOpen("Basic.Consume"); err != nil {
		return "", err
	}
	if handler == nil {
		return "", &ContractError{Op: "Basic.Consume", Reason: "nil delivery handler"}
	}

	tag := consumerTag
	if tag == "" {
		generated, err := generateConsumerTag()
		if err != nil {
			return "", err
		}
		tag = generated
	}

	if _, exists := ch.consumers[tag]; exists {
		return "", &ContractError{Op: "Basic.Consume", Reason: fmt.Sprintf("consumer tag %q already in use", tag)}
	}
	if _, exists := ch.cancelling[tag]; exists {
		return "", &ContractError{Op: "Basic.Consume", Reason: fmt.Sprintf("consumer tag %q is being cancelled", tag)}
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return "", err
	}
	if err := args.WriteShortString(queue); err != nil {
		return "", err
	}
	if err := args.WriteShortString(tag); err != nil {
		return "", err
	}
	if err := args.WriteFlags(opts.NoLocal, opts.AutoAck, opts.Exclusive, opts.NoWait); err != nil {
		return "", err
	}
	if err := args.WriteTable(opts.Arguments); err != nil {
		return "", err
	}

	ch.consumers[tag] = handler
	if opts.AutoAck {
		ch.noAckConsumers[tag] = struct{}{}
	}

	rollback := func() {
		delete(ch.consumers, tag)
		delete(ch.noAckConsumers, tag)
	}

	m := frame.NewMethod(protocol.BasicConsume, args.Bytes())

	if opts.NoWait {
		if completion != nil {
			rollback()
			return "", &ContractError{Op: "Basic.Consume", Reason: "completion callback with NoWait"}
		}
		if err := ch.invoke(m, nil, nil); err != nil {
			rollback()
			return "", err
		}
		return tag, nil
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(*frame.Method) { completion(tag) }
	}

	err := ch.invoke(m, wrapped, []replyExpectation{
		{verb: protocol.BasicConsumeOk, match: matchConsumerTag(tag)},
	})
	if err != nil {
		rollback()
		return "", err
	}

	return tag, nil
}

// BasicCancel stops a consumer. Cancelling a tag that is unknown or already
// being cancelled is a no-op. Deliveries that arrive before CancelOk are
// requeued instead of reaching the handler.
func (ch *Channel) BasicCancel(consumerTag string, noWait bool, completion func(consumerTag string)) error {
	if err := ch.requireOpen("Basic.Cancel"); err != nil {
		return err
	}
	if noWait && completion != nil {
		return &ContractError{Op: "Basic.Cancel", Reason: "completion callback with noWait"}
	}

	if _, exists := ch.consumers[consumerTag]; !exists {
		return nil
	}
	if _, already := ch.cancelling[consumerTag]; already {
		return nil
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteShortString(consumerTag); err != nil {
		return err
	}
	if err := args.WriteBool(noWait); err != nil {
		return err
	}

	m := frame.NewMethod(protocol.BasicCancel, args.Bytes())

	if noWait {
		if err := ch.invoke(m, nil, nil); err != nil {
			return err
		}
		ch.forgetConsumer(consumerTag)
		return nil
	}

	ch.cancelling[consumerTag] = struct{}{}

	wrapped := func(*frame.Method) {
		ch.forgetConsumer(consumerTag)
		if completion != nil {
			completion(consumerTag)
		}
	}

	return ch.invoke(m, wrapped, []replyExpectation{
		{verb: protocol.BasicCancelOk, match: matchConsumerTag(consumerTag)},
	})
}

// forgetConsumer drops every reference to a consumer tag
func (ch *Channel) forgetConsumer(consumerTag string) {
	delete(ch.consumers, consumerTag)
	delete(ch.cancelling, consumerTag)
	delete(ch.noAckConsumers, consumerTag)
}

// BasicGet fetches a single message from a queue. handler fires with the
// message, or with nil if the queue was empty. Only one get may be in flight
// on a channel at a time.
func (ch *Channel) BasicGet(queue string, autoAck bool, handler GetHandler) error {
	if err := ch.requireOpen("Basic.Get"); err != nil {
		return err
	}
	if handler == nil {
		return &ContractError{Op: "Basic.Get", Reason: "nil get handler"}
	}
	if ch.getHandler != nil {
		return &ContractError{Op: "Basic.Get", Reason: "another get is already in flight"}
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(queue); err != nil {
		return err
	}
	if err := args.WriteBool(autoAck); err != nil {
		return err
	}

	ch.getHandler = handler
	if err := ch.sendMethod(frame.NewMethod(protocol.BasicGet, args.Bytes())); err != nil {
		ch.getHandler = nil
		return err
	}

	return nil
}

// BasicAck acknowledges one delivery, or all deliveries up to and including
// deliveryTag when multiple is set.
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	if err := ch.requireOpen("Basic.Ack"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint64(deliveryTag); err != nil {
		return err
	}
	if err := args.WriteBool(multiple); err != nil {
		return err
	}

	return ch.sendMethod(frame.NewMethod(protocol.BasicAck, args.Bytes()))
}

// BasicNack negatively acknowledges one or more deliveries
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	if err := ch.requireOpen("Basic.Nack"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint64(deliveryTag); err != nil {
		return err
	}
	if err := args.WriteFlags(multiple, requeue); err != nil {
		return err
	}

	return ch.sendMethod(frame.NewMethod(protocol.BasicNack, args.Bytes()))
}

// BasicReject rejects a single delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	if err := ch.requireOpen("Basic.Reject"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint64(deliveryTag); err != nil {
		return err
	}
	if err := args.WriteBool(requeue); err != nil {
		return err
	}

	return ch.sendMethod(frame.NewMethod(protocol.BasicReject, args.Bytes()))
}

// BasicQos sets prefetch limits for the channel's consumers
func (ch *Channel) BasicQos(prefetchCount int, prefetchSize int, global bool, completion func()) error {
	if err := ch.requireOpen("Basic.Qos"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint32(uint32(prefetchSize)); err != nil {
		return err
	}
	if err := args.WriteUint16(uint16(prefetchCount)); err != nil {
		return err
	}
	if err := args.WriteBool(global); err != nil {
		return err
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(*frame.Method) { completion() }
	}

	return ch.invoke(
		frame.NewMethod(protocol.BasicQos, args.Bytes()),
		wrapped,
		[]replyExpectation{{verb: protocol.BasicQosOk}},
	)
}

// BasicRecover asks the broker to redeliver all unacknowledged deliveries on
// the channel.
func (ch *Channel) BasicRecover(requeue bool, completion func()) error {
	if err := ch.requireOpen("Basic.Recover"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteBool(requeue); err != nil {
		return err
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(*frame.Method) { completion() }
	}

	return ch.invoke(
		frame.NewMethod(protocol.BasicRecover, args.Bytes()),
		wrapped,
		[]replyExpectation{{verb: protocol.BasicRecoverOk}},
	)
}

// Flow asks the broker to pause (false) or resume (true) deliveries on the
// channel. completion fires with the state the broker acknowledged.
func (ch *Channel) Flow(active bool, completion func(active bool)) error {
	if err := ch.requireOpen("Channel.Flow"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteBool(active); err != nil {
		return err
	}

	ch.flowOkHandler = completion

	return ch.invoke(
		frame.NewMethod(protocol.ChannelFlow, args.Bytes()),
		ch.onFlowOk,
		[]replyExpectation{{verb: protocol.ChannelFlowOk}},
	)
}

// onFlowOk completes a locally initiated flow toggle
func (ch *Channel) onFlowOk(m *frame.Method) {
	active, err := m.Fields().ReadBool()
	if err != nil {
		ch.logger.WithError(err).Warn("malformed Channel.FlowOk")
		return
	}

	ch.flowActive = active

	handler := ch.flowOkHandler
	ch.flowOkHandler = nil
	if handler != nil {
		handler(active)
	}
}

// FlowActive reports the last flow state observed on the channel
func (ch *Channel) FlowActive() bool {
	return ch.flowActive
}

// BasicPublish publishes a message. The method, header and body frames are
// written as one unit so concurrent publishers on the connection never
// interleave. In confirm mode each publish consumes the next sequence
// number; see NextPublishSeqNo.
func (ch *Channel) BasicPublish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	if err := ch.requireOpen("Basic.Publish"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(exchange); err != nil {
		return err
	}
	if err := args.WriteShortString(routingKey); err != nil {
		return err
	}
	if err := args.WriteFlags(mandatory, immediate); err != nil {
		return err
	}

	properties, err := EncodeProperties(msg.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}

	frames := append(make([]*frame.Frame, 0, 3),
		frame.NewMethodFrame(ch.number, frame.NewMethod(protocol.BasicPublish, args.Bytes())),
		frame.NewHeaderFrame(ch.number, protocol.ClassBasic, uint64(len(msg.Body)), properties),
	)
	frames = append(frames, ch.splitBody(msg.Body)...)

	if err := ch.conn.sendFrames(frames...); err != nil {
		return err
	}

	if ch.confirmsEnabled {
		ch.publishSeq++
	}

	ch.metrics.MessagePublished()
	return nil
}

// splitBody slices a message body into body frames that fit the negotiated
// frame size. An empty body produces no body frames.
func (ch *Channel) splitBody(body []byte) []*frame.Frame {
	maxPayload := int(ch.conn.maxFrameSize()) - protocol.FrameHeaderSize - protocol.FrameEndSize

	var frames []*frame.Frame
	for offset := 0; offset < len(body); offset += maxPayload {
		end := offset + maxPayload
		if end > len(body) {
			end = len(body)
		}
		frames = append(frames, frame.NewBodyFrame(ch.number, body[offset:end]))
	}

	return frames
}

// NextPublishSeqNo returns the sequence number the next publish will consume
// in confirm mode. Sequence numbers start at 1 after ConfirmSelect.
func (ch *Channel) NextPublishSeqNo() uint64 {
	return ch.publishSeq + 1
}

// sendMethod writes a single method frame for this channel
func (ch *Channel) sendMethod(m *frame.Method) error {
	return ch.conn.sendFrame(frame.NewMethodFrame(ch.number, m))
}

// requireOpen guards operations that are only legal on an open channel
func (ch *Channel) requireOpen(op string) error {
	if ch.state != ChannelOpen {
		return &WrongStateError{Op: op, State: ch.state}
	}
	return nil
}

// matchConsumerTag narrows a reply expectation to methods whose first
// argument is the given consumer tag. ConsumeOk, CancelOk and broker Cancel
// all lead with the tag.
func matchConsumerTag(tag string) methodPredicate {
	return func(m *frame.Method) bool {
		got, err := m.Fields().ReadShortString()
		return err == nil && got == tag
	}
}
