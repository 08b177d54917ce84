// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/tethermq/tether/packets"
	"github.com/tethermq/tether/system"
)

var (
	ErrNotConnected         = errors.New("endpoint not connected")
	ErrAlreadyConnected     = errors.New("endpoint already connected")
	ErrDisconnectTimeout    = errors.New("disconnect timed out")
	ErrHandlerAlreadySet    = errors.New("handler already set")
	ErrMixedCompletionModes = errors.New("endpoint already using the other completion mode")
)

// completion modes for an endpoint. The first publish, subscribe or
// unsubscribe call latches the mode; the other surface then returns
// ErrMixedCompletionModes for the lifetime of the endpoint.
const (
	completionModeNone uint32 = iota
	completionModeSync
	completionModeAsync
)

// MessageFn is called for each application message delivered to the endpoint.
type MessageFn func(pk packets.Packet)

// CompletionFn is called when a publish, subscribe or unsubscribe operation
// completes. For the synchronous surface it fires when the matching ack
// arrives; for the asynchronous surface it fires once the packet has been
// queued for writing.
type CompletionFn func(packetID uint32, err error)

// EndpointOptions contains configurable options for a client endpoint.
type EndpointOptions struct {
	Will                  *Will        // optional last will and testament
	Logger                *slog.Logger // logger override, defaults to slog.Default
	ClientID              string       // client identifier, autogenerated if empty
	Username              []byte
	Password              []byte
	SessionExpiryInterval uint32
	MaximumPacketSize     uint32 // inbound packet size limit advertised to the server
	Keepalive             uint16 // seconds, 0 disables keepalive pings
	ReceiveMaximum        uint16 // inbound qos 1/2 concurrency advertised to the server
	TopicAliasMaximum     uint16
	ProtocolVersion       byte // 4 or 5, defaults to 4
	Clean                 bool
	WidePacketID          bool // use non-standard 32-bit packet ids; the server must agree
	ManualAcks            bool // inbound qos 1/2 messages must be acknowledged with Ack
}

// pendingAck tracks an inbound qos 1/2 publish awaiting an explicit
// acknowledgement when manual acks are enabled. Responses flush in receive
// order regardless of the order the application acknowledges them.
type pendingAck struct {
	pk    packets.Packet
	acked bool
}

// Endpoint is the client end of a broker connection. It dials nothing itself;
// the caller supplies any net.Conn-shaped stream to Connect.
type Endpoint struct {
	options    EndpointOptions
	cl         *Client
	ops        *ops
	onMessage  MessageFn
	onComplete CompletionFn
	onError    func(error)
	onClose    func()
	recvQos2    map[uint32]struct{} // inbound qos 2 packet ids pending pubrel
	pendingAcks []*pendingAck       // inbound messages awaiting Ack, in receive order
	closeOnce   *sync.Once          // per-connection handler guard, renewed on reconnect
	lastSent    int64               // unixnano of the last outbound packet, atomic
	mode        uint32              // completion mode, atomic
	connected   uint32              // atomic
	sync.Mutex                      // guards recvQos2, pendingAcks, closeOnce and handler assignment
}

// NewEndpoint returns a new client endpoint with the given options.
func NewEndpoint(options EndpointOptions) *Endpoint {
	if options.ProtocolVersion == 0 {
		options.ProtocolVersion = 4
	}

	if options.ClientID == "" {
		options.ClientID = xid.New().String()
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	capabilities := NewDefaultServerCapabilities()
	capabilities.TopicAliasMaximum = options.TopicAliasMaximum
	capabilities.WidePacketID = options.WidePacketID
	if options.WidePacketID {
		capabilities.maximumPacketID = math.MaxUint32 - 1
	}
	if options.MaximumPacketSize > 0 {
		capabilities.MaximumPacketSize = options.MaximumPacketSize
	}

	return &Endpoint{
		options: options,
		ops: &ops{
			options: &Options{
				Capabilities: capabilities,
			},
			info:  new(system.Info),
			hooks: new(Hooks),
			log:   options.Logger,
		},
		recvQos2:  map[uint32]struct{}{},
		closeOnce: new(sync.Once),
	}
}

// OnMessage sets the handler for inbound application messages. It may only
// be set once, before Connect.
func (e *Endpoint) OnMessage(fn MessageFn) error {
	e.Lock()
	defer e.Unlock()
	if e.onMessage != nil {
		return ErrHandlerAlreadySet
	}
	e.onMessage = fn
	return nil
}

// OnCompletion sets the ack handler for the synchronous surface. It may only
// be set once.
func (e *Endpoint) OnCompletion(fn CompletionFn) error {
	e.Lock()
	defer e.Unlock()
	if e.onComplete != nil {
		return ErrHandlerAlreadySet
	}
	e.onComplete = fn
	return nil
}

// OnError sets the handler for transport, protocol and timeout errors. It may
// only be set once.
func (e *Endpoint) OnError(fn func(error)) error {
	e.Lock()
	defer e.Unlock()
	if e.onError != nil {
		return ErrHandlerAlreadySet
	}
	e.onError = fn
	return nil
}

// OnClose sets the handler fired exactly once after the stream has closed and
// all pending writes have resolved. It may only be set once.
func (e *Endpoint) OnClose(fn func()) error {
	e.Lock()
	defer e.Unlock()
	if e.onClose != nil {
		return ErrHandlerAlreadySet
	}
	e.onClose = fn
	return nil
}

// Connect sends a connect packet over the supplied stream and waits for the
// connack. On success the endpoint read and write loops are started and the
// endpoint can be used to publish and subscribe. A closed endpoint can
// reconnect over a new stream; pending qos 1/2 messages are carried across
// and resent when the server reports an existing session.
func (e *Endpoint) Connect(c net.Conn) error {
	if !atomic.CompareAndSwapUint32(&e.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	cl := newClient(c, e.ops)
	cl.ID = e.options.ClientID
	cl.Properties.ProtocolVersion = e.options.ProtocolVersion
	cl.State.Keepalive = e.options.Keepalive
	if prev := e.cl; prev != nil {
		cl.State.Inflight = prev.State.Inflight
		atomic.StoreUint32(&cl.State.packetID, atomic.LoadUint32(&prev.State.packetID))
	}

	e.Lock()
	e.closeOnce = new(sync.Once)
	e.cl = cl
	e.Unlock()

	err := cl.WritePacket(e.connectPacket())
	if err != nil {
		atomic.StoreUint32(&e.connected, 0)
		return err
	}

	fh := new(packets.FixedHeader)
	err = cl.ReadFixedHeader(fh)
	if err != nil {
		atomic.StoreUint32(&e.connected, 0)
		return err
	}

	pk, err := cl.ReadPacket(fh)
	if err != nil {
		atomic.StoreUint32(&e.connected, 0)
		return err
	}

	if pk.FixedHeader.Type != packets.Connack {
		atomic.StoreUint32(&e.connected, 0)
		return packets.ErrProtocolViolation
	}

	if pk.ReasonCode != packets.CodeSuccess.Code {
		atomic.StoreUint32(&e.connected, 0)
		return packets.Code{Code: pk.ReasonCode, Reason: "connection refused"}
	}

	e.adoptServerProperties(pk)

	if pk.SessionPresent {
		// session resumed: pending publishes go out again with dup set,
		// pubrels are resent unchanged [MQTT-4.4.0-1]
		err = cl.ResendInflightMessages(true)
		if err != nil {
			atomic.StoreUint32(&e.connected, 0)
			return err
		}
	} else {
		cl.ClearInflights()
		e.Lock()
		e.recvQos2 = map[uint32]struct{}{}
		e.Unlock()
	}

	atomic.StoreInt64(&e.lastSent, time.Now().UnixNano())

	go cl.WriteLoop()
	go e.readLoop(cl)
	if cl.State.Keepalive > 0 {
		go e.pingLoop(cl)
	}

	return nil
}

// connectPacket builds the connect packet from the endpoint options.
func (e *Endpoint) connectPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: e.options.ProtocolVersion,
		Connect: packets.ConnectParams{
			ProtocolName:     []byte(packets.ProtocolName),
			ClientIdentifier: e.options.ClientID,
			Keepalive:        e.options.Keepalive,
			Clean:            e.options.Clean,
		},
	}

	if len(e.options.Username) > 0 {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = e.options.Username
	}

	if len(e.options.Password) > 0 {
		pk.Connect.PasswordFlag = true
		pk.Connect.Password = e.options.Password
	}

	if w := e.options.Will; w != nil {
		pk.Connect.WillFlag = true
		pk.Connect.WillTopic = w.TopicName
		pk.Connect.WillPayload = w.Payload
		pk.Connect.WillQos = w.Qos
		pk.Connect.WillRetain = w.Retain
		if w.WillDelayInterval > 0 {
			pk.Connect.WillProperties.WillDelayInterval = w.WillDelayInterval
		}
	}

	if e.options.ProtocolVersion == 5 {
		if e.options.SessionExpiryInterval > 0 {
			pk.Properties.SessionExpiryInterval = e.options.SessionExpiryInterval
			pk.Properties.SessionExpiryIntervalFlag = true
		}
		pk.Properties.ReceiveMaximum = e.options.ReceiveMaximum
		pk.Properties.MaximumPacketSize = e.options.MaximumPacketSize
		pk.Properties.TopicAliasMaximum = e.options.TopicAliasMaximum
	}

	return pk
}

// adoptServerProperties applies the negotiated values from the connack.
func (e *Endpoint) adoptServerProperties(pk packets.Packet) {
	if pk.Properties.AssignedClientID != "" {
		e.cl.ID = pk.Properties.AssignedClientID
	}

	if pk.Properties.ServerKeepAliveFlag {
		e.cl.State.Keepalive = pk.Properties.ServerKeepAlive // [MQTT-3.1.2-21]
	}

	sendQuota := int32(math.MaxUint16)
	if pk.Properties.ReceiveMaximum > 0 {
		sendQuota = int32(pk.Properties.ReceiveMaximum)
	}
	e.cl.State.Inflight.ResetSendQuota(sendQuota)
	e.cl.State.Inflight.ResetReceiveQuota(int32(e.options.ReceiveMaximum))

	if pk.Properties.MaximumPacketSize > 0 {
		e.cl.Properties.Props.MaximumPacketSize = pk.Properties.MaximumPacketSize
	}
}

// Publish sends a message to the server and returns the allocated packet id,
// 0 for qos 0. Completion is delivered through the OnCompletion handler when
// the matching ack arrives.
func (e *Endpoint) Publish(topic string, payload []byte, retain bool, qos byte) (uint32, error) {
	if err := e.latchMode(completionModeSync); err != nil {
		return 0, err
	}

	return e.publish(topic, payload, retain, qos)
}

// PublishAsync sends a message to the server, invoking the completion once
// the packet has been queued for writing, not when it is acknowledged.
func (e *Endpoint) PublishAsync(topic string, payload []byte, retain bool, qos byte, completion CompletionFn) error {
	if err := e.latchMode(completionModeAsync); err != nil {
		return err
	}

	id, err := e.publish(topic, payload, retain, qos)
	if err != nil {
		return err
	}

	if completion != nil {
		completion(id, nil)
	}

	return nil
}

func (e *Endpoint) publish(topic string, payload []byte, retain bool, qos byte) (uint32, error) {
	if !e.active() {
		return 0, ErrNotConnected
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	}

	if code := pk.PublishValidate(e.ops.options.Capabilities.TopicAliasMaximum); code != packets.CodeSuccess {
		return 0, code
	}

	if qos > 0 {
		i, err := e.cl.NextPacketID()
		if err != nil {
			return 0, err
		}

		pk.PacketID = i
		e.cl.State.Inflight.Set(pk) // [MQTT-4.3.2-3] [MQTT-4.3.3-3]
		e.cl.State.Inflight.TakeSendQuota()
	}

	err := e.send(pk)
	if err != nil && pk.PacketID > 0 {
		e.cl.State.Inflight.Delete(pk.PacketID)
		e.cl.State.Inflight.ReturnSendQuota()
	}

	return pk.PacketID, err
}

// Subscribe asks the server for a subscription to a topic filter and returns
// the allocated packet id. Completion is delivered through the OnCompletion
// handler when the suback arrives.
func (e *Endpoint) Subscribe(filter string, qos byte) (uint32, error) {
	return e.SubscribeWith(packets.Subscription{Filter: filter, Qos: qos})
}

// SubscribeWith is Subscribe carrying the full v5 subscription options
// (no-local, retain-as-published, retain handling, subscription identifier).
func (e *Endpoint) SubscribeWith(sub packets.Subscription) (uint32, error) {
	if err := e.latchMode(completionModeSync); err != nil {
		return 0, err
	}

	return e.subscribe(sub)
}

// SubscribeAsync asks the server for a subscription to a topic filter,
// invoking the completion once the packet has been queued for writing.
func (e *Endpoint) SubscribeAsync(filter string, qos byte, completion CompletionFn) error {
	if err := e.latchMode(completionModeAsync); err != nil {
		return err
	}

	id, err := e.subscribe(packets.Subscription{Filter: filter, Qos: qos})
	if err != nil {
		return err
	}

	if completion != nil {
		completion(id, nil)
	}

	return nil
}

func (e *Endpoint) subscribe(sub packets.Subscription) (uint32, error) {
	if !e.active() {
		return 0, ErrNotConnected
	}

	if !IsValidFilter(sub.Filter, false) {
		return 0, packets.ErrTopicFilterInvalid
	}

	i, err := e.cl.NextPacketID()
	if err != nil {
		return 0, err
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    i,
		Filters:     packets.Subscriptions{sub},
	}

	if e.options.ProtocolVersion == 5 && sub.Identifier > 0 {
		pk.Properties.SubscriptionIdentifier = []int{sub.Identifier}
	}

	return i, e.send(pk)
}

// Unsubscribe removes a subscription to a topic filter and returns the
// allocated packet id. Completion is delivered through the OnCompletion
// handler when the unsuback arrives.
func (e *Endpoint) Unsubscribe(filter string) (uint32, error) {
	if err := e.latchMode(completionModeSync); err != nil {
		return 0, err
	}

	return e.unsubscribe(filter)
}

// UnsubscribeAsync removes a subscription to a topic filter, invoking the
// completion once the packet has been queued for writing.
func (e *Endpoint) UnsubscribeAsync(filter string, completion CompletionFn) error {
	if err := e.latchMode(completionModeAsync); err != nil {
		return err
	}

	id, err := e.unsubscribe(filter)
	if err != nil {
		return err
	}

	if completion != nil {
		completion(id, nil)
	}

	return nil
}

func (e *Endpoint) unsubscribe(filter string) (uint32, error) {
	if !e.active() {
		return 0, ErrNotConnected
	}

	i, err := e.cl.NextPacketID()
	if err != nil {
		return 0, err
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		PacketID:    i,
		Filters: packets.Subscriptions{
			{Filter: filter},
		},
	}

	return i, e.send(pk)
}

// Disconnect sends a disconnect packet and waits for the server to close the
// stream. If the stream is still open when the timeout expires, it is closed
// forcibly and ErrDisconnectTimeout is returned.
func (e *Endpoint) Disconnect(timeout time.Duration) error {
	if !e.active() {
		return ErrNotConnected
	}

	pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}}
	if e.options.ProtocolVersion == 5 {
		pk.ReasonCode = packets.CodeDisconnect.Code
	}

	err := e.cl.WritePacket(pk)
	if err != nil {
		e.ForceDisconnect()
		return err
	}

	select {
	case <-e.cl.State.open.Done():
		e.shutdown(e.cl, nil)
		return nil
	case <-time.After(timeout):
		e.shutdown(e.cl, ErrDisconnectTimeout)
		return ErrDisconnectTimeout
	}
}

// ForceDisconnect closes the stream immediately without a disconnect packet.
func (e *Endpoint) ForceDisconnect() {
	e.shutdown(e.cl, nil)
}

// Closed returns true if the endpoint stream is closed.
func (e *Endpoint) Closed() bool {
	return e.cl == nil || e.cl.Closed()
}

func (e *Endpoint) active() bool {
	return atomic.LoadUint32(&e.connected) == 1 && !e.Closed()
}

// latchMode pins the endpoint to one completion surface.
func (e *Endpoint) latchMode(mode uint32) error {
	if atomic.CompareAndSwapUint32(&e.mode, completionModeNone, mode) {
		return nil
	}
	if atomic.LoadUint32(&e.mode) != mode {
		return ErrMixedCompletionModes
	}
	return nil
}

// send queues a packet on the outbound channel drained by the write loop.
func (e *Endpoint) send(pk packets.Packet) error {
	if e.Closed() {
		return ErrConnectionClosed
	}

	select {
	case e.cl.State.outbound <- &pk:
		atomic.AddInt32(&e.cl.State.outboundQty, 1)
		atomic.StoreInt64(&e.lastSent, time.Now().UnixNano())
		return nil
	default:
		return packets.ErrPendingClientWritesExceeded
	}
}

// readLoop reads packets from the stream until it closes or errors.
func (e *Endpoint) readLoop(cl *Client) {
	err := cl.Read(e.receive)

	var code packets.Code
	switch {
	case errors.As(err, &code) && code == packets.CodeDisconnect:
		err = nil // server-initiated graceful disconnect
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		err = nil // stream closed
	}

	if err == nil {
		if cause := cl.StopCause(); cause != nil && !errors.Is(cause, packets.CodeDisconnect) {
			err = cause // e.g. a write failure detected by the write loop
		}
	}

	e.shutdown(cl, err)
}

// pingLoop emits a pingreq once the connection has been idle for the
// keepalive interval. The idle window restarts with every outbound packet.
func (e *Endpoint) pingLoop(cl *Client) {
	interval := time.Duration(cl.State.Keepalive) * time.Second
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			idle := time.Since(time.Unix(0, atomic.LoadInt64(&e.lastSent)))
			if idle < interval {
				t.Reset(interval - idle)
				continue
			}

			err := e.send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
			if err != nil {
				return
			}
			t.Reset(interval)
		case <-cl.State.open.Done():
			return
		}
	}
}

// receive dispatches one inbound packet. Returning an error stops the read
// loop and closes the endpoint.
func (e *Endpoint) receive(cl *Client, pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return e.receivePublish(pk)
	case packets.Puback:
		cl.State.Inflight.Delete(pk.PacketID)
		cl.State.Inflight.ReturnSendQuota()
		e.complete(pk.PacketID, ackError(pk))
		return nil
	case packets.Pubrec:
		return e.receivePubrec(pk)
	case packets.Pubcomp:
		cl.State.Inflight.Delete(pk.PacketID)
		cl.State.Inflight.ReturnSendQuota()
		e.complete(pk.PacketID, ackError(pk))
		return nil
	case packets.Pubrel:
		e.Lock()
		delete(e.recvQos2, pk.PacketID)
		e.Unlock()
		cl.State.Inflight.ReturnReceiveQuota()
		return e.send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
			PacketID:    pk.PacketID,
		})
	case packets.Suback, packets.Unsuback:
		e.complete(pk.PacketID, subackError(pk))
		return nil
	case packets.Pingresp:
		return nil
	case packets.Disconnect:
		if pk.ReasonCode == packets.CodeDisconnect.Code {
			return packets.CodeDisconnect
		}
		return packets.Code{Code: pk.ReasonCode, Reason: "server disconnect"}
	default:
		return packets.ErrProtocolViolation
	}
}

// receivePublish handles an inbound application message, acknowledging by
// qos and delivering to the message handler. A duplicate qos 2 id is
// re-acknowledged but delivered at most once [MQTT-4.3.3-2]. With manual acks
// enabled the qos 1/2 response is deferred until the application calls Ack.
func (e *Endpoint) receivePublish(pk packets.Packet) error {
	if e.options.ProtocolVersion == 5 && pk.Properties.TopicAlias > 0 {
		pk.TopicName = e.cl.State.TopicAliases.Inbound.Set(pk.Properties.TopicAlias, pk.TopicName)
	}

	deliver := true

	switch pk.FixedHeader.Qos {
	case 1:
		if e.options.ManualAcks {
			e.Lock()
			e.pendingAcks = append(e.pendingAcks, &pendingAck{pk: pk})
			e.Unlock()
			break
		}

		err := e.send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
		if err != nil {
			return err
		}
	case 2:
		e.Lock()
		_, dup := e.recvQos2[pk.PacketID]
		if dup {
			deliver = false
		} else {
			e.recvQos2[pk.PacketID] = struct{}{}
			e.cl.State.Inflight.TakeReceiveQuota()
			if e.options.ManualAcks {
				e.pendingAcks = append(e.pendingAcks, &pendingAck{pk: pk})
			}
		}
		pending := dup && e.hasPendingAck(pk.PacketID)
		e.Unlock()

		if e.options.ManualAcks && (!dup || pending) {
			break // pubrec deferred until the original is acknowledged
		}

		err := e.send(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID,
		})
		if err != nil {
			return err
		}
	}

	if deliver && e.onMessage != nil {
		e.onMessage(pk)
	}

	return nil
}

// hasPendingAck reports whether an inbound message with the given id is still
// awaiting an explicit acknowledgement. Caller must hold the endpoint lock.
func (e *Endpoint) hasPendingAck(id uint32) bool {
	for _, p := range e.pendingAcks {
		if p.pk.PacketID == id {
			return true
		}
	}
	return false
}

// Ack acknowledges an inbound qos 1 or 2 message when manual acks are
// enabled. Responses are written in the order the messages were received;
// acknowledging out of order defers the response until all earlier messages
// have been acknowledged.
func (e *Endpoint) Ack(pk packets.Packet) error {
	if !e.options.ManualAcks || pk.FixedHeader.Qos == 0 {
		return nil
	}

	e.Lock()
	for _, p := range e.pendingAcks {
		if p.pk.PacketID == pk.PacketID && !p.acked {
			p.acked = true
			break
		}
	}

	var flush []packets.Packet
	for len(e.pendingAcks) > 0 && e.pendingAcks[0].acked {
		head := e.pendingAcks[0]
		e.pendingAcks = e.pendingAcks[1:]

		t := packets.Puback
		if head.pk.FixedHeader.Qos == 2 {
			t = packets.Pubrec
		}

		flush = append(flush, packets.Packet{
			FixedHeader: packets.FixedHeader{Type: t},
			PacketID:    head.pk.PacketID,
		})
	}
	e.Unlock()

	for _, out := range flush {
		if err := e.send(out); err != nil {
			return err
		}
	}

	return nil
}

// receivePubrec advances the outbound qos 2 flow, replacing the inflight
// publish with a pubrel awaiting the pubcomp.
func (e *Endpoint) receivePubrec(pk packets.Packet) error {
	if err := ackError(pk); err != nil {
		e.cl.State.Inflight.Delete(pk.PacketID)
		e.cl.State.Inflight.ReturnSendQuota()
		e.complete(pk.PacketID, err)
		return nil
	}

	out := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    pk.PacketID,
		Created:     time.Now().Unix(),
	}
	e.cl.State.Inflight.Set(out)

	return e.send(out)
}

func (e *Endpoint) complete(id uint32, err error) {
	if atomic.LoadUint32(&e.mode) == completionModeSync && e.onComplete != nil {
		e.onComplete(id, err)
	}
}

// shutdown stops the client and fires exactly one of the error or close
// handlers: the error handler when the connection ends with an error, the
// close handler on a graceful close. A stale loop from a previous connection
// cannot fire handlers for the current one.
func (e *Endpoint) shutdown(cl *Client, err error) {
	if cl == nil {
		return
	}

	cl.Stop(err)

	e.Lock()
	if e.cl != cl {
		e.Unlock()
		return
	}
	once := e.closeOnce
	e.Unlock()

	atomic.StoreUint32(&e.connected, 0)
	once.Do(func() {
		if err != nil {
			if e.onError != nil {
				e.onError(err)
			}
			return
		}
		if e.onClose != nil {
			e.onClose()
		}
	})
}

// ackError maps a v5 ack reason code to an error, nil for success codes.
func ackError(pk packets.Packet) error {
	if pk.ReasonCode >= packets.ErrUnspecifiedError.Code {
		return packets.Code{Code: pk.ReasonCode, Reason: "rejected"}
	}
	return nil
}

// subackError returns an error if any granted reason code in a suback or
// unsuback vector reports a failure.
func subackError(pk packets.Packet) error {
	for _, c := range pk.ReasonCodes {
		if c >= packets.ErrUnspecifiedError.Code {
			return packets.Code{Code: c, Reason: "rejected"}
		}
	}
	return nil
}
