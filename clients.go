// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/tethermq/tether/packets"
)

const defaultKeepalive uint16 = 10 // seconds

// ReadFn is the function signature for the packet handler invoked by the
// client read loop. Returning an error halts the loop.
type ReadFn func(*Client, packets.Packet) error

// Clients contains a map of the clients known by the broker, keyed on
// client id.
type Clients struct {
	internal map[string]*Client
	sync.RWMutex
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: make(map[string]*Client),
	}
}

// Add adds a new client to the clients map, keyed on client id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID] = val
}

// GetAll returns all the clients.
func (cl *Clients) GetAll() map[string]*Client {
	cl.RLock()
	defer cl.RUnlock()
	m := make(map[string]*Client, len(cl.internal))
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the length of the clients map.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	return len(cl.internal)
}

// Delete removes a client from the internal map.
func (cl *Clients) Delete(id string) {
	cl.Lock()
	defer cl.Unlock()
	delete(cl.internal, id)
}

// GetByListener returns clients matching a listener id.
func (cl *Clients) GetByListener(id string) []*Client {
	cl.RLock()
	defer cl.RUnlock()
	clients := make([]*Client, 0, len(cl.internal))
	for _, v := range cl.internal {
		if v.Net.Listener == id && !v.Closed() {
			clients = append(clients, v)
		}
	}
	return clients
}

// Client contains the state of a connected remote endpoint, either a client
// attached to the broker or the broker end of an outbound connection.
type Client struct {
	Properties ClientProperties
	State      ClientState
	Net        ClientConnection
	ID         string
	ops        *ops
	sync.RWMutex
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn
	bconn    *bufio.ReadWriter
	Remote   string // the remote address of the client
	Listener string // listener id of the client
	Inline   bool   // if true, the client is the built-in 'inline' embedded client
}

// ClientProperties contains the properties which define the client behaviour.
type ClientProperties struct {
	Props           packets.Properties
	Will            Will
	Username        []byte
	ProtocolVersion byte
	Clean           bool
}

// Will contains the last will and testament details for a client connection.
type Will struct {
	Payload           []byte
	User              []packets.UserProperty
	TopicName         string
	Flag              uint32 // 1 if will message should be sent, atomic
	WillDelayInterval uint32
	Qos               byte
	Retain            bool
}

// ClientState tracks the state of the client.
type ClientState struct {
	TopicAliases    TopicAliases
	stopCause       atomic.Value
	Inflight        *Inflight
	Subscriptions   *Subscriptions
	disconnected    int64 // the time the client disconnected in unix time, for calculating expiry
	outbound        chan *packets.Packet
	endOnce         sync.Once
	isTakenOver     uint32
	packetID        uint32
	open            context.Context
	cancelOpen      context.CancelFunc
	outboundQty     int32 // number of messages currently in the outbound queue
	Keepalive       uint16
	ServerKeepalive bool // if the keepalive was forced by the server
}

// newClient returns a new instance of Client. This is almost exclusively
// used by the broker for creating new clients, but it can also be used to
// create the local end of an outbound connection.
func newClient(c net.Conn, o *ops) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &Client{
		State: ClientState{
			Inflight:      NewInflights(),
			Subscriptions: NewSubscriptions(),
			TopicAliases:  NewTopicAliases(o.options.Capabilities.TopicAliasMaximum),
			open:          ctx,
			cancelOpen:    cancel,
			Keepalive:     defaultKeepalive,
			outbound:      make(chan *packets.Packet, o.options.Capabilities.MaximumClientWritesPending),
		},
		Properties: ClientProperties{
			ProtocolVersion: 4,
		},
		ops: o,
	}

	if c != nil {
		cl.Net = ClientConnection{
			Conn: c,
			bconn: bufio.NewReadWriter(
				bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize),
				bufio.NewWriterSize(c, o.options.ClientNetWriteBufferSize),
			),
			Remote: c.RemoteAddr().String(),
		}
	}

	cl.refreshDeadline(cl.State.Keepalive)

	return cl
}

// WriteLoop ranges over the outbound queue and writes packets to the client
// connection until the client is closed.
func (cl *Client) WriteLoop() {
	for {
		select {
		case pk := <-cl.State.outbound:
			if err := cl.WritePacket(*pk); err != nil {
				cl.ops.log.Debug("failed publishing packet", "error", err, "client", cl.ID, "packet", pk)
				cl.Stop(err) // surface the dead connection to the reader
			}
			atomic.AddInt32(&cl.State.outboundQty, -1)
		case <-cl.State.open.Done():
			return
		}
	}
}

// ParseConnect parses the connect parameters and properties for a client.
func (cl *Client) ParseConnect(lid string, pk packets.Packet) {
	cl.Net.Listener = lid

	cl.Properties.ProtocolVersion = pk.ProtocolVersion
	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.Properties.Props = pk.Properties.Copy(false)

	if cl.Properties.Props.ReceiveMaximum == 0 {
		cl.Properties.Props.ReceiveMaximum = math.MaxUint16 // default receive maximum
	}

	cl.State.Inflight.ResetReceiveQuota(int32(cl.ops.options.Capabilities.ReceiveMaximum))
	cl.State.Inflight.ResetSendQuota(int32(cl.Properties.Props.ReceiveMaximum))

	cl.State.Keepalive = pk.Connect.Keepalive // [MQTT-3.2.2-22]
	cl.State.TopicAliases.Outbound = NewOutboundTopicAliases(cl.Properties.Props.TopicAliasMaximum)

	cl.ID = pk.Connect.ClientIdentifier
	if cl.ID == "" {
		cl.ID = xid.New().String() // [MQTT-3.1.3-6] [MQTT-3.1.3-7]
		cl.Properties.Props.AssignedClientID = cl.ID
	}

	if pk.Connect.WillFlag {
		cl.Properties.Will = Will{
			Qos:       pk.Connect.WillQos,
			Retain:    pk.Connect.WillRetain,
			Payload:   pk.Connect.WillPayload,
			TopicName: pk.Connect.WillTopic,
			Flag:      1,
		}

		if pk.Connect.WillProperties.WillDelayInterval > 0 {
			cl.Properties.Will.WillDelayInterval = pk.Connect.WillProperties.WillDelayInterval
		}

		if pk.Properties.User != nil {
			cl.Properties.Will.User = pk.Properties.User
		}
	}

	cl.refreshDeadline(cl.State.Keepalive)
}

// refreshDeadline refreshes the read/write deadline for the net.Conn
// connection. A keepalive of 0 means the connection never times out.
func (cl *Client) refreshDeadline(keepalive uint16) {
	if cl.Net.Conn == nil {
		return
	}

	var expiry time.Time // nil time can be used to disable deadline if keepalive = 0
	if keepalive > 0 {
		expiry = time.Now().Add(time.Duration(keepalive+(keepalive/2)) * time.Second)
	}

	_ = cl.Net.Conn.SetDeadline(expiry)
}

// NextPacketID returns the next available (unused) packet id for the client.
// If no unused packet ids are available, an error is returned and the client
// should be disconnected.
func (cl *Client) NextPacketID() (i uint32, err error) {
	cl.Lock()
	defer cl.Unlock()

	i = atomic.LoadUint32(&cl.State.packetID)
	started := i + 1
	overflowed := false
	for {
		if overflowed && i == started {
			return 0, packets.ErrQuotaExceeded
		}

		if i >= cl.ops.options.Capabilities.maximumPacketID {
			overflowed = true
			i = 0
			continue
		}

		i++

		if _, ok := cl.State.Inflight.Get(i); !ok {
			atomic.StoreUint32(&cl.State.packetID, i)
			return i, nil
		}
	}
}

// ResendInflightMessages attempts to resend the unacknowledged inflight
// messages to the client, in their original send order. If force is false,
// only messages parked for immediate redelivery are sent.
func (cl *Client) ResendInflightMessages(force bool) error {
	if cl.State.Inflight.Len() == 0 {
		return nil
	}

	for _, tk := range cl.State.Inflight.GetAll(!force) {
		if tk.FixedHeader.Type == packets.Publish {
			tk.FixedHeader.Dup = true // [MQTT-3.3.1-1] [MQTT-3.3.1-3]
		}

		cl.ops.hooks.OnQosPublish(cl, tk, tk.Created, 0)
		err := cl.WritePacket(tk)
		if err != nil {
			return err
		}

		if tk.FixedHeader.Type == packets.Pubrel {
			v, ok := cl.State.Inflight.Get(tk.PacketID)
			if ok {
				v.Created = time.Now().Unix()
				cl.State.Inflight.Set(v)
			}
		}
	}

	return nil
}

// ClearInflights deletes all inflight messages for the client, e.g. for a
// takeover of a clean-start session.
func (cl *Client) ClearInflights() {
	for _, tk := range cl.State.Inflight.GetAll(false) {
		if ok := cl.State.Inflight.Delete(tk.PacketID); ok {
			cl.ops.hooks.OnQosDropped(cl, tk)
			atomic.AddInt64(&cl.ops.info.Inflight, -1)
		}
	}
}

// ClearExpiredInflights deletes any inflight messages which have expired.
func (cl *Client) ClearExpiredInflights(now, maximumExpiry int64) []uint32 {
	deleted := []uint32{}
	for _, tk := range cl.State.Inflight.GetAll(false) {
		expired := tk.ProtocolVersion == 5 && tk.Expiry > 0 && tk.Expiry < now // [MQTT-3.3.2-5]

		// If the maximum message expiry interval is set (greater than 0), and the message
		// retention period exceeds the maximum expiry, the message will be forcibly removed.
		enforced := maximumExpiry > 0 && now-tk.Created > maximumExpiry && tk.Created > 0

		if expired || enforced {
			if ok := cl.State.Inflight.Delete(tk.PacketID); ok {
				cl.ops.hooks.OnQosDropped(cl, tk)
				atomic.AddInt64(&cl.ops.info.Inflight, -1)
				deleted = append(deleted, tk.PacketID)
			}
		}
	}

	return deleted
}

// Read reads incoming packets from the connected client and transforms them
// into packets to be handled by the packetHandler.
func (cl *Client) Read(packetHandler ReadFn) error {
	for {
		if cl.Closed() {
			return nil
		}

		cl.refreshDeadline(cl.State.Keepalive)

		fh := new(packets.FixedHeader)
		err := cl.ReadFixedHeader(fh)
		if err != nil {
			return err
		}

		pk, err := cl.ReadPacket(fh)
		if err != nil {
			return err
		}

		err = packetHandler(cl, pk) // Process inbound packet.
		if err != nil {
			return err
		}
	}
}

// Stop instructs the client to shut down all processing goroutines and
// disconnect. The cause error is retrievable with StopCause.
func (cl *Client) Stop(err error) {
	cl.State.endOnce.Do(func() {
		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close() // omit close error
		}

		if err != nil {
			cl.State.stopCause.Store(err)
		}

		if cl.State.cancelOpen != nil {
			cl.State.cancelOpen()
		}

		atomic.StoreInt64(&cl.State.disconnected, time.Now().Unix())
	})
}

// StopCause returns the reason the client connection was stopped, if any.
func (cl *Client) StopCause() error {
	if cl.State.stopCause.Load() == nil {
		return nil
	}
	return cl.State.stopCause.Load().(error)
}

// StopTime returns the unix timestamp the client disconnected, or 0 if the
// client is still connected.
func (cl *Client) StopTime() int64 {
	return atomic.LoadInt64(&cl.State.disconnected)
}

// Closed returns true if the client connection is closed.
func (cl *Client) Closed() bool {
	return cl.State.open == nil || cl.State.open.Err() != nil
}

// IsTakenOver returns true if the client session was taken over by a newer
// connection with the same client id.
func (cl *Client) IsTakenOver() bool {
	return atomic.LoadUint32(&cl.State.isTakenOver) == 1
}

// markTakenOver flags the client session as having been taken over.
func (cl *Client) markTakenOver() {
	atomic.StoreUint32(&cl.State.isTakenOver, 1)
}

// ReadFixedHeader reads in the values of the next packet's fixed header.
func (cl *Client) ReadFixedHeader(fh *packets.FixedHeader) error {
	if cl.Net.bconn == nil {
		return ErrConnectionClosed
	}

	b, err := cl.Net.bconn.ReadByte()
	if err != nil {
		return err
	}

	err = fh.Decode(b)
	if err != nil {
		return err
	}

	var bu int
	fh.Remaining, bu, err = packets.ReadVarint(cl.Net.bconn)
	if err != nil {
		return err
	}

	if cl.ops.options.Capabilities.MaximumPacketSize > 0 &&
		uint32(fh.Remaining+1+bu) > cl.ops.options.Capabilities.MaximumPacketSize {
		return packets.ErrPacketTooLarge // [MQTT-3.2.2-15]
	}

	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(1+bu))

	return nil
}

// ReadPacket reads the remaining buffer into an MQTT packet.
func (cl *Client) ReadPacket(fh *packets.FixedHeader) (pk packets.Packet, err error) {
	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	if fh.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesReceived, 1)
	}

	pk.ProtocolVersion = cl.Properties.ProtocolVersion
	pk.FixedHeader = *fh
	pk.Mods.WidePacketID = cl.ops.options.Capabilities.WidePacketID
	if pk.FixedHeader.Remaining == 0 {
		return
	}

	px := make([]byte, pk.FixedHeader.Remaining)
	_, err = io.ReadFull(cl.Net.bconn, px)
	if err != nil {
		return pk, err
	}
	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(len(px)))

	err = pk.Decode(px)
	if err != nil {
		return pk, err
	}

	return cl.ops.hooks.OnPacketRead(cl, pk)
}

// WritePacket encodes and writes a packet to the client connection.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return ErrConnectionClosed
	}

	if cl.Net.Conn == nil {
		return nil
	}

	if pk.Expiry > 0 {
		pk.Properties.MessageExpiryInterval = uint32(pk.Expiry - time.Now().Unix()) // [MQTT-3.3.2-6]
	}

	cl.Lock()
	defer cl.Unlock()

	pk.ProtocolVersion = cl.Properties.ProtocolVersion
	pk.Mods.MaxSize = cl.Properties.Props.MaximumPacketSize
	pk.Mods.WidePacketID = cl.ops.options.Capabilities.WidePacketID

	pk = cl.ops.hooks.OnPacketEncode(cl, pk)

	buf := new(bytes.Buffer)
	err := pk.Encode(buf)
	if err != nil {
		return err
	}

	n, err := cl.Net.bconn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	err = cl.Net.bconn.Flush()
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	cl.ops.hooks.OnPacketSent(cl, pk, buf.Bytes())
	cl.refreshDeadline(cl.State.Keepalive)

	return nil
}
