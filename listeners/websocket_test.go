// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package listeners

import (
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewWebsocket(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
}

func TestWebsocketID(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "t1", l.ID())
}

func TestWebsocketAddress(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Equal(t, testAddr, l.Address())
}

func TestWebsocketProtocol(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Equal(t, "ws", l.Protocol())
}

func TestWebsocketProtocolTLS(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr, TLSConfig: tlsConfigBasic(t)})
	require.Equal(t, "wss", l.Protocol())
}

func TestWebsocketInit(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	require.Nil(t, l.listen)
	err := l.Init(logger)
	require.NoError(t, err)
	require.NotNil(t, l.listen)
}

func TestWebsocketServeAndClose(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	time.Sleep(time.Millisecond)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})

	require.True(t, closed)
	<-o
}

func TestWebsocketUpgrade(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	recv := make(chan []byte)
	o := make(chan bool)
	go func() {
		l.Serve(func(id string, c net.Conn) error {
			buf := make([]byte, 4)
			n, err := c.Read(buf)
			if err != nil {
				return err
			}
			recv <- buf[:n]
			return c.Close()
		})
		o <- true
	}()

	time.Sleep(time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost"+testAddr, nil)
	require.NoError(t, err)

	err = ws.WriteMessage(websocket.BinaryMessage, []byte("mqtt"))
	require.NoError(t, err)
	require.Equal(t, []byte("mqtt"), <-recv)
	_ = ws.Close()

	l.Close(MockCloser)
	<-o
}

func TestWebsocketConnReadRejectsText(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr})
	err := l.Init(logger)
	require.NoError(t, err)

	errs := make(chan error)
	o := make(chan bool)
	go func() {
		l.Serve(func(id string, c net.Conn) error {
			_, err := c.Read(make([]byte, 4))
			errs <- err
			return c.Close()
		})
		o <- true
	}()

	time.Sleep(time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost"+testAddr, nil)
	require.NoError(t, err)

	err = ws.WriteMessage(websocket.TextMessage, []byte("mqtt"))
	require.NoError(t, err)
	require.ErrorIs(t, <-errs, ErrInvalidMessage)
	_ = ws.Close()

	l.Close(MockCloser)
	<-o
}
