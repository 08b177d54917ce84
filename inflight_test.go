// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tethermq/tether/packets"
)

func TestInflightSetGet(t *testing.T) {
	i := NewInflights()

	ok := i.Set(packets.Packet{PacketID: 1, Created: 10})
	require.True(t, ok)
	require.Equal(t, 1, i.Len())

	ok = i.Set(packets.Packet{PacketID: 1, Created: 20})
	require.False(t, ok)
	require.Equal(t, 1, i.Len())

	pk, ok := i.Get(1)
	require.True(t, ok)
	require.Equal(t, int64(20), pk.Created)

	_, ok = i.Get(99)
	require.False(t, ok)
}

func TestInflightGetAllOrdering(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 3, Created: 30})
	i.Set(packets.Packet{PacketID: 1, Created: 10})
	i.Set(packets.Packet{PacketID: 2, Created: 20})
	i.Set(packets.Packet{PacketID: 4, Created: 20})

	out := i.GetAll(false)
	require.Len(t, out, 4)
	require.Equal(t, uint32(1), out[0].PacketID)
	require.Equal(t, uint32(2), out[1].PacketID)
	require.Equal(t, uint32(4), out[2].PacketID)
	require.Equal(t, uint32(3), out[3].PacketID)
}

func TestInflightNextImmediate(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 1, Created: 10})

	_, ok := i.NextImmediate()
	require.False(t, ok)

	i.Set(packets.Packet{PacketID: 2, Created: 20, Expiry: -1})
	pk, ok := i.NextImmediate()
	require.True(t, ok)
	require.Equal(t, uint32(2), pk.PacketID)
}

func TestInflightDelete(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 7})

	require.True(t, i.Delete(7))
	require.False(t, i.Delete(7))
	require.Equal(t, 0, i.Len())
}

func TestInflightClone(t *testing.T) {
	i := NewInflights()
	i.Set(packets.Packet{PacketID: 1})
	i.Set(packets.Packet{PacketID: 2})

	m := i.Clone()
	require.Equal(t, 2, m.Len())

	i.Delete(1)
	require.Equal(t, 2, m.Len())
}

func TestInflightReceiveQuota(t *testing.T) {
	i := NewInflights()
	i.ResetReceiveQuota(2)
	require.Equal(t, int32(2), i.ReceiveQuota())

	i.TakeReceiveQuota()
	i.TakeReceiveQuota()
	i.TakeReceiveQuota() // does not go below zero
	require.Equal(t, int32(0), i.ReceiveQuota())

	i.ReturnReceiveQuota()
	require.Equal(t, int32(1), i.ReceiveQuota())

	i.ReturnReceiveQuota()
	i.ReturnReceiveQuota() // does not exceed maximum
	require.Equal(t, int32(2), i.ReceiveQuota())
}

func TestInflightSendQuota(t *testing.T) {
	i := NewInflights()
	i.ResetSendQuota(1)
	require.Equal(t, int32(1), i.SendQuota())

	i.TakeSendQuota()
	require.Equal(t, int32(0), i.SendQuota())

	i.ReturnSendQuota()
	i.ReturnSendQuota()
	require.Equal(t, int32(1), i.SendQuota())
}
