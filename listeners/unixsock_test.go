// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package listeners

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func unixAddr(t *testing.T) string {
	return filepath.Join(t.TempDir(), "tether.sock")
}

func TestNewUnixSock(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: "tether.sock"})
	require.Equal(t, "t1", l.id)
	require.Equal(t, "tether.sock", l.address)
}

func TestUnixSockID(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: "tether.sock"})
	require.Equal(t, "t1", l.ID())
}

func TestUnixSockAddress(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: "tether.sock"})
	require.Equal(t, "tether.sock", l.Address())
}

func TestUnixSockProtocol(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: "tether.sock"})
	require.Equal(t, "unix", l.Protocol())
}

func TestUnixSockInit(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: unixAddr(t)})
	err := l.Init(logger)
	l.Close(MockCloser)
	require.NoError(t, err)
}

func TestUnixSockInitFailure(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: "/this/path/does/not/exist/tether.sock"})
	err := l.Init(logger)
	require.Error(t, err)
}

func TestUnixSockServeAndClose(t *testing.T) {
	l := NewUnixSock(Config{ID: "t1", Address: unixAddr(t)})
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

	l.Close(MockCloser)      // coverage: close closed
	l.Serve(MockEstablisher) // coverage: serve closed
}

func TestUnixSockEstablishThenEnd(t *testing.T) {
	addr := unixAddr(t)
	l := NewUnixSock(Config{ID: "t1", Address: addr})
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	established := make(chan bool)
	go func() {
		l.Serve(func(id string, c net.Conn) error {
			established <- true
			return errors.New("ending") // return an error to exit immediately
		})
		o <- true
	}()

	time.Sleep(time.Millisecond)

	_, _ = net.Dial("unix", addr)
	<-established
	l.Close(MockCloser)
	<-o
}
