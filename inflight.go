// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tethermq/tether/packets"
)

// Inflight is a ledger of unacknowledged qos 1 and 2 packets, keyed on
// packet id. A session keeps two of these, one per direction.
type Inflight struct {
	sync.RWMutex
	internal            map[uint32]packets.Packet
	receiveQuota        int32 // remaining inbound qos quota for flow control
	sendQuota           int32 // remaining outbound qos quota for flow control
	maximumReceiveQuota int32
	maximumSendQuota    int32
}

// NewInflights returns a new instance of an Inflight ledger.
func NewInflights() *Inflight {
	return &Inflight{
		internal: map[uint32]packets.Packet{},
	}
}

// Set adds or updates an inflight packet by packet id. Returns true if the
// packet id was not already present.
func (i *Inflight) Set(m packets.Packet) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[m.PacketID]
	i.internal[m.PacketID] = m
	return !ok
}

// Get returns an inflight packet by packet id.
func (i *Inflight) Get(id uint32) (packets.Packet, bool) {
	i.RLock()
	defer i.RUnlock()

	if m, ok := i.internal[id]; ok {
		return m, true
	}

	return packets.Packet{}, false
}

// Len returns the number of unacknowledged packets in the ledger.
func (i *Inflight) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// GetAll returns the inflight packets in their original send order, so a
// resumed session resends in the order of first transmission. If immediate
// is set, only packets flagged for immediate redelivery are returned.
func (i *Inflight) GetAll(immediate bool) []packets.Packet {
	i.RLock()
	defer i.RUnlock()
	return i.getAll(immediate)
}

func (i *Inflight) getAll(immediate bool) []packets.Packet {
	m := []packets.Packet{}
	for _, v := range i.internal {
		if !immediate || v.Expiry < 0 {
			m = append(m, v)
		}
	}

	sort.Slice(m, func(a, b int) bool {
		if m[a].Created == m[b].Created {
			return m[a].PacketID < m[b].PacketID
		}
		return m[a].Created < m[b].Created
	})

	return m
}

// NextImmediate returns the next inflight packet flagged for immediate
// delivery. This typically occurs when the send quota was exhausted and a
// packet had to be parked until an acknowledgement freed a slot.
func (i *Inflight) NextImmediate() (packets.Packet, bool) {
	i.RLock()
	defer i.RUnlock()

	if m := i.getAll(true); len(m) > 0 {
		return m[0], true
	}

	return packets.Packet{}, false
}

// Delete removes an inflight packet from the ledger. Returns true if the
// packet existed.
func (i *Inflight) Delete(id uint32) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	delete(i.internal, id)

	return ok
}

// Clone returns a new Inflight with a copy of the ledger contents, used when
// a session is inherited by a new connection.
func (i *Inflight) Clone() *Inflight {
	c := NewInflights()
	i.RLock()
	defer i.RUnlock()
	for k, v := range i.internal {
		c.internal[k] = v
	}
	return c
}

// TakeReceiveQuota reduces the receive quota by 1.
func (i *Inflight) TakeReceiveQuota() {
	if atomic.LoadInt32(&i.receiveQuota) > 0 {
		atomic.AddInt32(&i.receiveQuota, -1)
	}
}

// ReturnReceiveQuota increases the receive quota by 1.
func (i *Inflight) ReturnReceiveQuota() {
	if atomic.LoadInt32(&i.receiveQuota) < atomic.LoadInt32(&i.maximumReceiveQuota) {
		atomic.AddInt32(&i.receiveQuota, 1)
	}
}

// ResetReceiveQuota resets the receive quota to the maximum allowed value.
func (i *Inflight) ResetReceiveQuota(n int32) {
	atomic.StoreInt32(&i.receiveQuota, n)
	atomic.StoreInt32(&i.maximumReceiveQuota, n)
}

// ReceiveQuota returns the remaining receive quota.
func (i *Inflight) ReceiveQuota() int32 {
	return atomic.LoadInt32(&i.receiveQuota)
}

// TakeSendQuota reduces the send quota by 1.
func (i *Inflight) TakeSendQuota() {
	if atomic.LoadInt32(&i.sendQuota) > 0 {
		atomic.AddInt32(&i.sendQuota, -1)
	}
}

// ReturnSendQuota increases the send quota by 1.
func (i *Inflight) ReturnSendQuota() {
	if atomic.LoadInt32(&i.sendQuota) < atomic.LoadInt32(&i.maximumSendQuota) {
		atomic.AddInt32(&i.sendQuota, 1)
	}
}

// ResetSendQuota resets the send quota to the maximum allowed value.
func (i *Inflight) ResetSendQuota(n int32) {
	atomic.StoreInt32(&i.sendQuota, n)
	atomic.StoreInt32(&i.maximumSendQuota, n)
}

// SendQuota returns the remaining send quota.
func (i *Inflight) SendQuota() int32 {
	return atomic.LoadInt32(&i.sendQuota)
}
