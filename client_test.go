// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tethermq/tether/packets"
	"github.com/tethermq/tether/system"
)

// newTestEndpoint returns an endpoint rigged as connected over a pipe,
// skipping the connect handshake. The returned peer client wraps the far end
// of the pipe so tests can read and write packets the way a broker would.
func newTestEndpoint() (e *Endpoint, peer *Client) {
	r, w := net.Pipe()

	e = NewEndpoint(EndpointOptions{ClientID: "tethr", Logger: logger})
	e.cl = newClient(w, e.ops)
	e.cl.ID = e.options.ClientID
	atomic.StoreUint32(&e.connected, 1)
	go e.cl.WriteLoop()
	go e.readLoop(e.cl)

	peer = newClient(r, &ops{
		info:    new(system.Info),
		hooks:   new(Hooks),
		log:     logger,
		options: &Options{Capabilities: NewDefaultServerCapabilities()},
	})
	go peer.WriteLoop()

	return
}

func TestNewEndpointDefaults(t *testing.T) {
	e := NewEndpoint(EndpointOptions{})
	require.Equal(t, byte(4), e.options.ProtocolVersion)
	require.NotEmpty(t, e.options.ClientID)
	require.NotNil(t, e.options.Logger)
	require.NotNil(t, e.ops.options.Capabilities)
}

func TestNewEndpointWidePacketID(t *testing.T) {
	e := NewEndpoint(EndpointOptions{WidePacketID: true})
	require.True(t, e.ops.options.Capabilities.WidePacketID)
	require.Greater(t, e.ops.options.Capabilities.maximumPacketID, uint32(65535))
}

func TestEndpointHandlersSetOnce(t *testing.T) {
	e := NewEndpoint(EndpointOptions{})

	require.NoError(t, e.OnMessage(func(pk packets.Packet) {}))
	require.ErrorIs(t, e.OnMessage(func(pk packets.Packet) {}), ErrHandlerAlreadySet)

	require.NoError(t, e.OnCompletion(func(id uint32, err error) {}))
	require.ErrorIs(t, e.OnCompletion(func(id uint32, err error) {}), ErrHandlerAlreadySet)

	require.NoError(t, e.OnError(func(err error) {}))
	require.ErrorIs(t, e.OnError(func(err error) {}), ErrHandlerAlreadySet)

	require.NoError(t, e.OnClose(func() {}))
	require.ErrorIs(t, e.OnClose(func() {}), ErrHandlerAlreadySet)
}

func TestEndpointConnect(t *testing.T) {
	r, w := net.Pipe()

	peer := newClient(r, &ops{
		info:    new(system.Info),
		hooks:   new(Hooks),
		log:     logger,
		options: &Options{Capabilities: NewDefaultServerCapabilities()},
	})

	go func() {
		fh := new(packets.FixedHeader)
		err := peer.ReadFixedHeader(fh)
		require.NoError(t, err)

		pk, err := peer.ReadPacket(fh)
		require.NoError(t, err)
		require.Equal(t, packets.Connect, pk.FixedHeader.Type)
		require.Equal(t, "tethr", pk.Connect.ClientIdentifier)
		require.True(t, pk.Connect.Clean)

		err = peer.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connack},
		})
		require.NoError(t, err)
	}()

	e := NewEndpoint(EndpointOptions{ClientID: "tethr", Clean: true, Logger: logger})
	err := e.Connect(w)
	require.NoError(t, err)
	require.False(t, e.Closed())

	require.ErrorIs(t, e.Connect(w), ErrAlreadyConnected)

	e.ForceDisconnect()
	require.True(t, e.Closed())
}

func TestEndpointConnectRejected(t *testing.T) {
	r, w := net.Pipe()

	peer := newClient(r, &ops{
		info:    new(system.Info),
		hooks:   new(Hooks),
		log:     logger,
		options: &Options{Capabilities: NewDefaultServerCapabilities()},
	})

	go func() {
		fh := new(packets.FixedHeader)
		require.NoError(t, peer.ReadFixedHeader(fh))
		_, err := peer.ReadPacket(fh)
		require.NoError(t, err)

		err = peer.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connack},
			ReasonCode:  packets.ErrBadUsernameOrPassword.Code,
		})
		require.NoError(t, err)
	}()

	e := NewEndpoint(EndpointOptions{ClientID: "tethr", Logger: logger})
	err := e.Connect(w)
	require.Error(t, err)
}

func TestEndpointConnectNotConnack(t *testing.T) {
	r, w := net.Pipe()

	peer := newClient(r, &ops{
		info:    new(system.Info),
		hooks:   new(Hooks),
		log:     logger,
		options: &Options{Capabilities: NewDefaultServerCapabilities()},
	})

	go func() {
		fh := new(packets.FixedHeader)
		require.NoError(t, peer.ReadFixedHeader(fh))
		_, err := peer.ReadPacket(fh)
		require.NoError(t, err)

		err = peer.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
		})
		require.NoError(t, err)
	}()

	e := NewEndpoint(EndpointOptions{ClientID: "tethr", Logger: logger})
	err := e.Connect(w)
	require.ErrorIs(t, err, packets.ErrProtocolViolation)
}

func TestEndpointConnectAssignedClientID(t *testing.T) {
	r, w := net.Pipe()

	peer := newClient(r, &ops{
		info:    new(system.Info),
		hooks:   new(Hooks),
		log:     logger,
		options: &Options{Capabilities: NewDefaultServerCapabilities()},
	})
	peer.Properties.ProtocolVersion = 5

	go func() {
		fh := new(packets.FixedHeader)
		require.NoError(t, peer.ReadFixedHeader(fh))
		pk, err := peer.ReadPacket(fh)
		require.NoError(t, err)
		require.Empty(t, pk.Connect.ClientIdentifier)

		err = peer.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Connack},
			Properties: packets.Properties{
				AssignedClientID: "tethr-2",
			},
		})
		require.NoError(t, err)
	}()

	e := NewEndpoint(EndpointOptions{ProtocolVersion: 5, Logger: logger})
	e.options.ClientID = ""
	err := e.Connect(w)
	require.NoError(t, err)
	require.Equal(t, "tethr-2", e.cl.ID)

	e.ForceDisconnect()
}

func TestEndpointReconnectResumesSession(t *testing.T) {
	e := NewEndpoint(EndpointOptions{ClientID: "tethr", Logger: logger})

	resent := make(chan packets.Packet, 2)
	connect := func(sessionPresent bool) net.Conn {
		r, w := net.Pipe()
		peer := newClient(r, &ops{
			info:    new(system.Info),
			hooks:   new(Hooks),
			log:     logger,
			options: &Options{Capabilities: NewDefaultServerCapabilities()},
		})

		go func() {
			fh := new(packets.FixedHeader)
			require.NoError(t, peer.ReadFixedHeader(fh))
			pk, err := peer.ReadPacket(fh)
			require.NoError(t, err)
			require.Equal(t, packets.Connect, pk.FixedHeader.Type)
			require.False(t, pk.Connect.Clean)

			require.NoError(t, peer.WritePacket(packets.Packet{
				FixedHeader:    packets.FixedHeader{Type: packets.Connack},
				SessionPresent: sessionPresent,
			}))

			for i := 0; i < cap(resent) && sessionPresent; i++ {
				fh := new(packets.FixedHeader)
				require.NoError(t, peer.ReadFixedHeader(fh))
				pk, err := peer.ReadPacket(fh)
				require.NoError(t, err)
				resent <- pk
			}
		}()

		return w
	}

	require.NoError(t, e.Connect(connect(false)))

	// a qos 1 publish awaiting its puback and a pubrel awaiting its pubcomp
	e.cl.State.Inflight.Set(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b/c",
		Payload:     []byte("hello tethr"),
		PacketID:    3,
		Created:     time.Now().Unix(),
	})
	e.cl.State.Inflight.Set(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    7,
		Created:     time.Now().Unix(),
	})

	e.ForceDisconnect()
	require.True(t, e.Closed())

	// the session survives the reconnect: the publish goes out again with
	// dup set, the pubrel is resent unchanged
	require.NoError(t, e.Connect(connect(true)))
	defer e.ForceDisconnect()

	pk := <-resent
	require.Equal(t, packets.Publish, pk.FixedHeader.Type)
	require.True(t, pk.FixedHeader.Dup)
	require.Equal(t, uint32(3), pk.PacketID)
	require.Equal(t, "a/b/c", pk.TopicName)

	pk = <-resent
	require.Equal(t, packets.Pubrel, pk.FixedHeader.Type)
	require.False(t, pk.FixedHeader.Dup)
	require.Equal(t, uint32(7), pk.PacketID)

	require.Equal(t, 2, e.cl.State.Inflight.Len())
}

func TestEndpointReconnectCleanSessionClearsInflight(t *testing.T) {
	e := NewEndpoint(EndpointOptions{ClientID: "tethr", Logger: logger})

	connack := func(sessionPresent bool) net.Conn {
		r, w := net.Pipe()
		peer := newClient(r, &ops{
			info:    new(system.Info),
			hooks:   new(Hooks),
			log:     logger,
			options: &Options{Capabilities: NewDefaultServerCapabilities()},
		})

		go func() {
			fh := new(packets.FixedHeader)
			require.NoError(t, peer.ReadFixedHeader(fh))
			_, err := peer.ReadPacket(fh)
			require.NoError(t, err)

			require.NoError(t, peer.WritePacket(packets.Packet{
				FixedHeader:    packets.FixedHeader{Type: packets.Connack},
				SessionPresent: sessionPresent,
			}))
		}()

		return w
	}

	require.NoError(t, e.Connect(connack(false)))
	e.cl.State.Inflight.Set(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		PacketID:    3,
	})
	e.ForceDisconnect()

	// no session on the server side; pending state is discarded
	require.NoError(t, e.Connect(connack(false)))
	defer e.ForceDisconnect()
	require.Equal(t, 0, e.cl.State.Inflight.Len())
}

func TestEndpointPublishQos0(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	id, err := e.Publish("a/b/c", []byte("hello tethr"), false, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Publish, pk.FixedHeader.Type)
	require.Equal(t, "a/b/c", pk.TopicName)
	require.Equal(t, []byte("hello tethr"), pk.Payload)
}

func TestEndpointPublishQos1Completion(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	acked := make(chan uint32, 1)
	require.NoError(t, e.OnCompletion(func(id uint32, err error) {
		require.NoError(t, err)
		acked <- id
	}))

	id, err := e.Publish("a/b/c", []byte("hello tethr"), false, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)
	require.Equal(t, 1, e.cl.State.Inflight.Len())

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, byte(1), pk.FixedHeader.Qos)

	err = peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    pk.PacketID,
	})
	require.NoError(t, err)

	require.Equal(t, id, <-acked)
	require.Equal(t, 0, e.cl.State.Inflight.Len())
}

func TestEndpointPublishQos2Flow(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	acked := make(chan uint32, 1)
	require.NoError(t, e.OnCompletion(func(id uint32, err error) {
		require.NoError(t, err)
		acked <- id
	}))

	id, err := e.Publish("a/b/c", []byte("hello tethr"), false, 2)
	require.NoError(t, err)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, byte(2), pk.FixedHeader.Qos)

	err = peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    pk.PacketID,
	})
	require.NoError(t, err)

	fh = new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err = peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Pubrel, pk.FixedHeader.Type)

	err = peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    pk.PacketID,
	})
	require.NoError(t, err)

	require.Equal(t, id, <-acked)
	require.Equal(t, 0, e.cl.State.Inflight.Len())
}

func TestEndpointPublishNotConnected(t *testing.T) {
	e := NewEndpoint(EndpointOptions{})
	_, err := e.Publish("a/b/c", []byte("hello"), false, 0)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestEndpointPublishInvalidTopic(t *testing.T) {
	e, _ := newTestEndpoint()
	defer e.ForceDisconnect()

	_, err := e.Publish("a/+/c", []byte("hello"), false, 0)
	require.Error(t, err)
}

func TestEndpointMixedCompletionModes(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	_, err := e.Publish("a/b/c", []byte("hello"), false, 0)
	require.NoError(t, err)

	err = e.PublishAsync("a/b/c", []byte("hello"), false, 0, nil)
	require.ErrorIs(t, err, ErrMixedCompletionModes)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	_, err = peer.ReadPacket(fh)
	require.NoError(t, err)
}

func TestEndpointPublishAsync(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	queued := make(chan uint32, 1)
	err := e.PublishAsync("a/b/c", []byte("hello tethr"), false, 1, func(id uint32, err error) {
		require.NoError(t, err)
		queued <- id
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), <-queued) // fires on enqueue, before any ack

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Publish, pk.FixedHeader.Type)

	_, err = e.Subscribe("a/b/c", 0)
	require.ErrorIs(t, err, ErrMixedCompletionModes)
}

func TestEndpointSubscribeCompletion(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	acked := make(chan uint32, 1)
	require.NoError(t, e.OnCompletion(func(id uint32, err error) {
		require.NoError(t, err)
		acked <- id
	}))

	id, err := e.Subscribe("a/b/+", 1)
	require.NoError(t, err)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Subscribe, pk.FixedHeader.Type)
	require.Equal(t, "a/b/+", pk.Filters[0].Filter)

	err = peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: []byte{packets.CodeGrantedQos1.Code},
	})
	require.NoError(t, err)

	require.Equal(t, id, <-acked)
}

func TestEndpointSubscribeWithOptions(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()
	e.options.ProtocolVersion = 5
	e.cl.Properties.ProtocolVersion = 5
	peer.Properties.ProtocolVersion = 5

	acked := make(chan uint32, 1)
	require.NoError(t, e.OnCompletion(func(id uint32, err error) {
		require.NoError(t, err)
		acked <- id
	}))

	id, err := e.SubscribeWith(packets.Subscription{
		Filter:            "a/b/+",
		Qos:               2,
		NoLocal:           true,
		RetainAsPublished: true,
		RetainHandling:    2,
		Identifier:        5,
	})
	require.NoError(t, err)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Subscribe, pk.FixedHeader.Type)
	require.Len(t, pk.Filters, 1)
	require.Equal(t, "a/b/+", pk.Filters[0].Filter)
	require.Equal(t, byte(2), pk.Filters[0].Qos)
	require.True(t, pk.Filters[0].NoLocal)
	require.True(t, pk.Filters[0].RetainAsPublished)
	require.Equal(t, byte(2), pk.Filters[0].RetainHandling)
	require.Equal(t, 5, pk.Filters[0].Identifier)

	err = peer.WritePacket(packets.Packet{
		ProtocolVersion: 5,
		FixedHeader:     packets.FixedHeader{Type: packets.Suback},
		PacketID:        pk.PacketID,
		ReasonCodes:     []byte{packets.CodeGrantedQos2.Code},
	})
	require.NoError(t, err)

	require.Equal(t, id, <-acked)
}

func TestEndpointSubscribeInvalidFilter(t *testing.T) {
	e, _ := newTestEndpoint()
	defer e.ForceDisconnect()

	_, err := e.Subscribe("a/#/c", 0)
	require.ErrorIs(t, err, packets.ErrTopicFilterInvalid)
}

func TestEndpointSubscribeRejected(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	acked := make(chan error, 1)
	require.NoError(t, e.OnCompletion(func(id uint32, err error) {
		acked <- err
	}))

	_, err := e.Subscribe("a/b/c", 1)
	require.NoError(t, err)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)

	err = peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: []byte{packets.ErrNotAuthorized.Code},
	})
	require.NoError(t, err)

	require.Error(t, <-acked)
}

func TestEndpointUnsubscribeCompletion(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	acked := make(chan uint32, 1)
	require.NoError(t, e.OnCompletion(func(id uint32, err error) {
		require.NoError(t, err)
		acked <- id
	}))

	id, err := e.Unsubscribe("a/b/+")
	require.NoError(t, err)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	pk, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Unsubscribe, pk.FixedHeader.Type)
	require.Equal(t, "a/b/+", pk.Filters[0].Filter)

	err = peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID,
		ReasonCodes: []byte{packets.CodeSuccess.Code},
	})
	require.NoError(t, err)

	require.Equal(t, id, <-acked)
}

func TestEndpointReceivePublishQos0(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	recv := make(chan packets.Packet, 1)
	require.NoError(t, e.OnMessage(func(pk packets.Packet) {
		recv <- pk
	}))

	err := peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   "a/b/c",
		Payload:     []byte("hello tethr"),
	})
	require.NoError(t, err)

	pk := <-recv
	require.Equal(t, "a/b/c", pk.TopicName)
	require.Equal(t, []byte("hello tethr"), pk.Payload)
}

func TestEndpointReceivePublishQos1Acks(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	recv := make(chan packets.Packet, 1)
	require.NoError(t, e.OnMessage(func(pk packets.Packet) {
		recv <- pk
	}))

	err := peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b/c",
		Payload:     []byte("hello tethr"),
		PacketID:    7,
	})
	require.NoError(t, err)

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	ack, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Puback, ack.FixedHeader.Type)
	require.Equal(t, uint32(7), ack.PacketID)

	require.Equal(t, uint32(7), (<-recv).PacketID)
}

func TestEndpointReceivePublishQos2DeliversOnce(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()

	var delivered int32
	require.NoError(t, e.OnMessage(func(pk packets.Packet) {
		atomic.AddInt32(&delivered, 1)
	}))

	in := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2},
		TopicName:   "a/b/c",
		Payload:     []byte("hello tethr"),
		PacketID:    7,
	}

	// the duplicate is re-acknowledged but not re-delivered
	for i := 0; i < 2; i++ {
		require.NoError(t, peer.WritePacket(in))

		fh := new(packets.FixedHeader)
		require.NoError(t, peer.ReadFixedHeader(fh))
		ack, err := peer.ReadPacket(fh)
		require.NoError(t, err)
		require.Equal(t, packets.Pubrec, ack.FixedHeader.Type)
		require.Equal(t, uint32(7), ack.PacketID)
	}

	require.NoError(t, peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    7,
	}))

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	ack, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Pubcomp, ack.FixedHeader.Type)

	require.Equal(t, int32(1), atomic.LoadInt32(&delivered))
	e.Lock()
	require.Empty(t, e.recvQos2)
	e.Unlock()
}

func TestEndpointReceivePublishTopicAlias(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()
	e.options.ProtocolVersion = 5
	e.cl.Properties.ProtocolVersion = 5
	peer.Properties.ProtocolVersion = 5
	e.cl.State.TopicAliases = NewTopicAliases(10)

	recv := make(chan packets.Packet, 2)
	require.NoError(t, e.OnMessage(func(pk packets.Packet) {
		recv <- pk
	}))

	require.NoError(t, peer.WritePacket(packets.Packet{
		ProtocolVersion: 5,
		FixedHeader:     packets.FixedHeader{Type: packets.Publish},
		TopicName:       "a/b/c",
		Payload:         []byte("hello tethr"),
		Properties: packets.Properties{
			TopicAlias:     1,
			TopicAliasFlag: true,
		},
	}))
	require.Equal(t, "a/b/c", (<-recv).TopicName)

	// subsequent messages carry only the alias
	require.NoError(t, peer.WritePacket(packets.Packet{
		ProtocolVersion: 5,
		FixedHeader:     packets.FixedHeader{Type: packets.Publish},
		Payload:         []byte("hello tethr"),
		Properties: packets.Properties{
			TopicAlias:     1,
			TopicAliasFlag: true,
		},
	}))
	require.Equal(t, "a/b/c", (<-recv).TopicName)
}

func TestEndpointManualAcksFlushInReceiveOrder(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()
	e.options.ManualAcks = true

	recv := make(chan packets.Packet, 2)
	require.NoError(t, e.OnMessage(func(pk packets.Packet) {
		recv <- pk
	}))

	require.NoError(t, peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b/c",
		Payload:     []byte("hello tethr"),
		PacketID:    5,
	}))
	require.NoError(t, peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2},
		TopicName:   "a/b/c",
		Payload:     []byte("hello tethr"),
		PacketID:    6,
	}))

	first := <-recv
	second := <-recv
	require.Equal(t, uint32(5), first.PacketID)
	require.Equal(t, uint32(6), second.PacketID)

	// acknowledging out of order defers the response until the earlier
	// message is acknowledged, so both responses flush after the second Ack.
	require.NoError(t, e.Ack(second))
	e.Lock()
	require.Len(t, e.pendingAcks, 2)
	e.Unlock()

	require.NoError(t, e.Ack(first))

	fh := new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	ack, err := peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Puback, ack.FixedHeader.Type)
	require.Equal(t, uint32(5), ack.PacketID)

	fh = new(packets.FixedHeader)
	require.NoError(t, peer.ReadFixedHeader(fh))
	ack, err = peer.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, packets.Pubrec, ack.FixedHeader.Type)
	require.Equal(t, uint32(6), ack.PacketID)

	e.Lock()
	require.Empty(t, e.pendingAcks)
	e.Unlock()
}

func TestEndpointServerDisconnect(t *testing.T) {
	e, peer := newTestEndpoint()

	closed := make(chan struct{})
	require.NoError(t, e.OnClose(func() {
		close(closed)
	}))
	require.NoError(t, e.OnError(func(err error) {
		t.Errorf("unexpected error: %v", err)
	}))

	err := peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
	})
	require.NoError(t, err)

	<-closed
	require.True(t, e.Closed())
}

func TestEndpointServerDisconnectWithReason(t *testing.T) {
	e, peer := newTestEndpoint()
	e.cl.Properties.ProtocolVersion = 5
	peer.Properties.ProtocolVersion = 5

	errs := make(chan error, 1)
	require.NoError(t, e.OnError(func(err error) {
		errs <- err
	}))

	err := peer.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
		ReasonCode:  packets.ErrSessionTakenOver.Code,
	})
	require.NoError(t, err)

	require.Error(t, <-errs)
	require.True(t, e.Closed())
}

func TestEndpointSurfacesWriteLoopFailure(t *testing.T) {
	e, _ := newTestEndpoint()

	errs := make(chan error, 1)
	require.NoError(t, e.OnError(func(err error) {
		errs <- err
	}))

	// the write loop stops the client when the stream dies mid-write; the
	// stop cause reaches the error handler through the read loop
	e.cl.Stop(io.ErrClosedPipe)
	require.ErrorIs(t, <-errs, io.ErrClosedPipe)
	require.True(t, e.Closed())
}

func TestEndpointDisconnectTimeout(t *testing.T) {
	e, peer := newTestEndpoint()

	// consume the disconnect packet but never close the stream
	go func() {
		fh := new(packets.FixedHeader)
		_ = peer.ReadFixedHeader(fh)
		_, _ = peer.ReadPacket(fh)
	}()

	var closes int32
	require.NoError(t, e.OnClose(func() {
		atomic.AddInt32(&closes, 1)
	}))

	errs := make(chan error, 1)
	require.NoError(t, e.OnError(func(err error) {
		errs <- err
	}))

	err := e.Disconnect(time.Millisecond * 50)
	require.ErrorIs(t, err, ErrDisconnectTimeout)
	require.True(t, e.Closed())
	require.ErrorIs(t, <-errs, ErrDisconnectTimeout)

	// the error and close handlers are mutually exclusive; a timed-out
	// disconnect reports through the error handler only
	require.Equal(t, int32(0), atomic.LoadInt32(&closes))
	e.ForceDisconnect()
	require.Equal(t, int32(0), atomic.LoadInt32(&closes))
}

func TestEndpointPingLoopIdleWindowResets(t *testing.T) {
	e, peer := newTestEndpoint()
	defer e.ForceDisconnect()
	e.cl.State.Keepalive = 1

	pings := make(chan time.Time, 1)
	go func() {
		fh := new(packets.FixedHeader)
		if err := peer.ReadFixedHeader(fh); err != nil {
			return
		}
		pk, err := peer.ReadPacket(fh)
		if err != nil {
			return
		}
		if pk.FixedHeader.Type == packets.Pingreq {
			pings <- time.Now()
		}
	}()

	start := time.Now()
	go e.pingLoop(e.cl)

	// outbound traffic midway through the interval pushes the ping back
	time.Sleep(time.Millisecond * 600)
	atomic.StoreInt64(&e.lastSent, time.Now().UnixNano())

	at := <-pings
	require.GreaterOrEqual(t, at.Sub(start), time.Millisecond*1400)
}

func TestEndpointDisconnectGraceful(t *testing.T) {
	e, peer := newTestEndpoint()

	go func() {
		fh := new(packets.FixedHeader)
		require.NoError(t, peer.ReadFixedHeader(fh))
		pk, err := peer.ReadPacket(fh)
		require.NoError(t, err)
		require.Equal(t, packets.Disconnect, pk.FixedHeader.Type)
		_ = peer.Net.Conn.Close()
	}()

	err := e.Disconnect(time.Second)
	require.NoError(t, err)
	require.True(t, e.Closed())
}

func TestEndpointQueueFull(t *testing.T) {
	e, _ := newTestEndpoint()
	defer e.ForceDisconnect()
	e.cl.State.outbound = make(chan *packets.Packet) // unbuffered and undrained

	err := e.send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	require.ErrorIs(t, err, packets.ErrPendingClientWritesExceeded)
}
