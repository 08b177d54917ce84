// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tethermq/tether/listeners"
)

const testConfigYaml = `
server:
  options:
    listeners:
      - type: tcp
        id: tcp1
        address: :1883
      - type: ws
        id: ws1
        address: :1882
    client_net_write_buffer_size: 2048
    client_net_read_buffer_size: 2048
    sys_topic_resend_interval: 10
    inline_client: true
    capabilities:
      maximum_message_expiry_interval: 86400
      maximum_qos: 1
      wide_packet_id: true
`

func TestOpenConfigFileEmptyPath(t *testing.T) {
	o, err := OpenConfigFile("")
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestOpenConfigFileNotFound(t *testing.T) {
	_, err := OpenConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOpenConfigFileBadYaml(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("server: ["), 0600))

	_, err := OpenConfigFile(p)
	require.Error(t, err)
}

func TestOpenConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testConfigYaml), 0600))

	o, err := OpenConfigFile(p)
	require.NoError(t, err)
	require.NotNil(t, o)

	require.Equal(t, []listeners.Config{
		{Type: listeners.TypeTCP, ID: "tcp1", Address: ":1883"},
		{Type: listeners.TypeWS, ID: "ws1", Address: ":1882"},
	}, o.Listeners)
	require.Equal(t, 2048, o.ClientNetWriteBufferSize)
	require.Equal(t, 2048, o.ClientNetReadBufferSize)
	require.Equal(t, int64(10), o.SysTopicResendInterval)
	require.True(t, o.InlineClient)

	require.NotNil(t, o.Capabilities)
	require.Equal(t, int64(86400), o.Capabilities.MaximumMessageExpiryInterval)
	require.Equal(t, byte(1), o.Capabilities.MaximumQos)
	require.True(t, o.Capabilities.WidePacketID)
}
