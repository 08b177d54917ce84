// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tethermq/tether"
	"github.com/tethermq/tether/packets"
)

func TestAllowAllID(t *testing.T) {
	h := new(AllowHook)
	require.Equal(t, "allow-all-auth", h.ID())
}

func TestAllowAllProvides(t *testing.T) {
	h := new(AllowHook)
	require.True(t, h.Provides(tether.OnACLCheck))
	require.True(t, h.Provides(tether.OnConnectAuthenticate))
	require.False(t, h.Provides(tether.OnPublished))
}

func TestAllowAllOnConnectAuthenticate(t *testing.T) {
	h := new(AllowHook)
	require.True(t, h.OnConnectAuthenticate(new(tether.Client), packets.Packet{}))
}

func TestAllowAllOnACLCheck(t *testing.T) {
	h := new(AllowHook)
	require.True(t, h.OnACLCheck(new(tether.Client), "any", true))
}
