// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package auth

import (
	"bytes"

	"github.com/tethermq/tether"
	"github.com/tethermq/tether/packets"
)

// AllowHook is an authentication hook which allows connection access
// for all users and read and write access to all topics.
type AllowHook struct {
	tether.HookBase
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AllowHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		tether.OnConnectAuthenticate,
		tether.OnACLCheck,
	}, []byte{b})
}

// OnConnectAuthenticate returns true/allowed for all requests.
func (h *AllowHook) OnConnectAuthenticate(cl *tether.Client, pk packets.Packet) bool {
	return true
}

// OnACLCheck returns true/allowed for all checks.
func (h *AllowHook) OnACLCheck(cl *tether.Client, topic string, write bool) bool {
	return true
}
