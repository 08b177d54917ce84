// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package listeners

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tethermq/tether/system"
)

func TestNewHTTPStats(t *testing.T) {
	l := NewHTTPStats(Config{ID: "t1", Address: testAddr}, &system.Info{})
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
}

func TestHTTPStatsID(t *testing.T) {
	l := NewHTTPStats(Config{ID: "t1", Address: testAddr}, &system.Info{})
	require.Equal(t, "t1", l.ID())
}

func TestHTTPStatsAddress(t *testing.T) {
	l := NewHTTPStats(Config{ID: "t1", Address: testAddr}, &system.Info{})
	require.Equal(t, testAddr, l.Address())
}

func TestHTTPStatsProtocol(t *testing.T) {
	l := NewHTTPStats(Config{ID: "t1", Address: testAddr}, &system.Info{})
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPStatsProtocolTLS(t *testing.T) {
	l := NewHTTPStats(Config{ID: "t1", Address: testAddr, TLSConfig: tlsConfigBasic(t)}, &system.Info{})
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPStatsInit(t *testing.T) {
	l := NewHTTPStats(Config{ID: "t1", Address: testAddr}, &system.Info{})
	require.Nil(t, l.listen)
	err := l.Init(logger)
	require.NoError(t, err)
	require.NotNil(t, l.listen)
	require.Equal(t, testAddr, l.listen.Addr)
}

func TestHTTPStatsServeAndClose(t *testing.T) {
	info := &system.Info{
		Version: "test",
	}

	l := NewHTTPStats(Config{ID: "t1", Address: testAddr}, info)
	err := l.Init(logger)
	require.NoError(t, err)

	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	time.Sleep(time.Millisecond)

	resp, err := http.Get("http://localhost" + testAddr)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	v := new(system.Info)
	err = json.Unmarshal(body, v)
	require.NoError(t, err)
	require.Equal(t, "test", v.Version)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})

	require.True(t, closed)
	<-o

	_, err = http.Get("http://localhost" + testAddr)
	require.Error(t, err)
}
