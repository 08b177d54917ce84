// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tethermq/tether/packets"
)

func TestLevelAt(t *testing.T) {
	tests := []struct {
		filter  string
		d       int
		level   string
		hasNext bool
	}{
		{"a/b/c", 0, "a", true},
		{"a/b/c", 1, "b", true},
		{"a/b/c", 2, "c", false},
		{"a", 0, "a", false},
		{"/b", 0, "", true},
		{"/b", 1, "b", false},
		{"a//c", 1, "", true},
	}

	for _, tt := range tests {
		level, hasNext := levelAt(tt.filter, tt.d)
		require.Equal(t, tt.level, level, "filter %q d %d", tt.filter, tt.d)
		require.Equal(t, tt.hasNext, hasNext, "filter %q d %d", tt.filter, tt.d)
	}
}

func TestIsValidFilter(t *testing.T) {
	tests := []struct {
		filter     string
		forPublish bool
		ok         bool
	}{
		{"a/b/c", false, true},
		{"", false, false},
		{"", true, true},
		{"a/+/c", false, true},
		{"a/#", false, true},
		{"#", false, true},
		{"a/#/c", false, false},
		{"a/b+/c", false, false},
		{"a/#b", false, false},
		{"$share/grp/a/b", false, true},
		{"$share", false, false},
		{"$share/grp", false, false},
		{"$share/gr+p/a", false, false},
		{"a/+/c", true, false},
		{"a/#", true, false},
		{"$SYS/broker/uptime", true, false},
		{"a/b/c", true, true},
	}

	for _, tt := range tests {
		require.Equal(t, tt.ok, IsValidFilter(tt.filter, tt.forPublish), "filter %q publish %v", tt.filter, tt.forPublish)
	}
}

func TestIsSharedFilter(t *testing.T) {
	require.True(t, IsSharedFilter("$share/grp/a/b"))
	require.True(t, IsSharedFilter("$SHARE/grp/a/b"))
	require.False(t, IsSharedFilter("a/b"))
	require.False(t, IsSharedFilter("$SYS/broker"))
}

func TestTopicsSubscribeUnsubscribe(t *testing.T) {
	x := NewTopicsIndex()

	require.True(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 1}))
	require.False(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 2}))
	require.True(t, x.Subscribe("cl2", packets.Subscription{Filter: "a/b/c"}))

	require.True(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("a/b/c", "cl1"))
	require.False(t, x.Unsubscribe("d/e/f", "cl1"))
}

func TestTopicsSubscribersExactAndWildcards(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("exact", packets.Subscription{Filter: "a/b/c", Qos: 1})
	x.Subscribe("plus", packets.Subscription{Filter: "a/+/c", Qos: 2})
	x.Subscribe("hash", packets.Subscription{Filter: "a/#"})
	x.Subscribe("parent", packets.Subscription{Filter: "a/b/c/#"})
	x.Subscribe("other", packets.Subscription{Filter: "d/e"})

	subs := x.Subscribers("a/b/c")
	require.Len(t, subs.Subscriptions, 4)
	require.Contains(t, subs.Subscriptions, "exact")
	require.Contains(t, subs.Subscriptions, "plus")
	require.Contains(t, subs.Subscriptions, "hash")
	require.Contains(t, subs.Subscriptions, "parent") // a/b/c/# matches a/b/c per 4.7.1.2
	require.Equal(t, byte(1), subs.Subscriptions["exact"].Qos)
	require.Equal(t, byte(2), subs.Subscriptions["plus"].Qos)
}

func TestTopicsSubscribersMergeQos(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b", Qos: 0, Identifier: 1})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/+", Qos: 2, Identifier: 2})

	subs := x.Subscribers("a/b")
	require.Len(t, subs.Subscriptions, 1)
	require.Equal(t, byte(2), subs.Subscriptions["cl1"].Qos)
	require.ElementsMatch(t, []int{1, 2}, subs.Subscriptions["cl1"].Identifiers)
}

func TestTopicsSubscribersNoWildcardOnDollarTopics(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("wild", packets.Subscription{Filter: "#"})
	x.Subscribe("sys", packets.Subscription{Filter: "$SYS/broker/uptime"})

	subs := x.Subscribers("$SYS/broker/uptime")
	require.NotContains(t, subs.Subscriptions, "wild")
	require.Contains(t, subs.Subscriptions, "sys")

	subs = x.Subscribers("a/b")
	require.Contains(t, subs.Subscriptions, "wild")
}

func TestTopicsSharedRoundRobin(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "$share/grp/a/b", Qos: 1})
	x.Subscribe("cl2", packets.Subscription{Filter: "$share/grp/a/b", Qos: 1})
	x.Subscribe("cl3", packets.Subscription{Filter: "$share/grp/a/b", Qos: 1})

	seen := []string{}
	for i := 0; i < 6; i++ {
		subs := x.Subscribers("a/b")
		require.Len(t, subs.SharedSelected, 1)
		for id := range subs.SharedSelected {
			seen = append(seen, id)
		}
	}

	require.Equal(t, []string{"cl1", "cl2", "cl3", "cl1", "cl2", "cl3"}, seen)
}

func TestTopicsSharedMultipleGroups(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "$share/g1/a/b"})
	x.Subscribe("cl2", packets.Subscription{Filter: "$share/g2/a/b"})

	subs := x.Subscribers("a/b")
	require.Len(t, subs.SharedSelected, 2)
	require.Contains(t, subs.SharedSelected, "cl1")
	require.Contains(t, subs.SharedSelected, "cl2")
}

func TestTopicsSharedUnsubscribeShrinksRotation(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "$share/grp/t"})
	x.Subscribe("cl2", packets.Subscription{Filter: "$share/grp/t"})

	require.True(t, x.Unsubscribe("$share/grp/t", "cl1"))

	for i := 0; i < 3; i++ {
		subs := x.Subscribers("t")
		require.Len(t, subs.SharedSelected, 1)
		require.Contains(t, subs.SharedSelected, "cl2")
	}
}

func TestSubscribersMergeSharedSelected(t *testing.T) {
	subs := &Subscribers{
		SharedSelected: map[string]packets.Subscription{
			"cl1": {Filter: "$share/grp/a/b", Qos: 2},
		},
		Subscriptions: map[string]packets.Subscription{
			"cl1": {Filter: "a/b", Qos: 0},
			"cl2": {Filter: "a/b", Qos: 1},
		},
	}

	subs.MergeSharedSelected()
	require.Len(t, subs.Subscriptions, 2)
	require.Equal(t, byte(2), subs.Subscriptions["cl1"].Qos)
}

func TestTopicsRetainMessage(t *testing.T) {
	x := NewTopicsIndex()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b/c",
		Payload:     []byte("hello"),
	}
	require.Equal(t, int64(1), x.RetainMessage(pk))
	require.Equal(t, 1, x.Retained.Len())

	// replacing a retained message leaves the count unchanged
	require.Equal(t, int64(1), x.RetainMessage(pk))
	require.Equal(t, 1, x.Retained.Len())

	empty := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b/c",
	}
	require.Equal(t, int64(-1), x.RetainMessage(empty))
	require.Equal(t, 0, x.Retained.Len())

	// a second empty payload for the same topic is a no-op
	require.Equal(t, int64(0), x.RetainMessage(empty))
}

func TestTopicsMessages(t *testing.T) {
	x := NewTopicsIndex()
	for _, topic := range []string{"a/b/c", "a/b/d", "a/e", "q/w", "$SYS/broker/uptime"} {
		x.RetainMessage(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
			TopicName:   topic,
			Payload:     []byte("m"),
		})
	}

	require.Len(t, x.Messages("a/b/c"), 1)
	require.Len(t, x.Messages("a/b/+"), 2)
	require.Len(t, x.Messages("a/#"), 3)
	require.Len(t, x.Messages("#"), 4) // $SYS excluded from top level wildcard
	require.Len(t, x.Messages("$SYS/#"), 1)
	require.Len(t, x.Messages("x/y"), 0)
}

func TestInboundTopicAliases(t *testing.T) {
	a := NewInboundTopicAliases(5)

	require.Equal(t, "a/b", a.Set(1, "a/b"))
	require.Equal(t, "a/b", a.Set(1, "")) // empty topic resolves existing alias
	require.Equal(t, "c/d", a.Set(1, "c/d"))
	require.Equal(t, "c/d", a.Set(1, ""))
}

func TestOutboundTopicAliases(t *testing.T) {
	a := NewOutboundTopicAliases(2)

	id, existed := a.Set("a/b")
	require.Equal(t, uint16(1), id)
	require.False(t, existed)

	id, existed = a.Set("a/b")
	require.Equal(t, uint16(1), id)
	require.True(t, existed)

	id, existed = a.Set("c/d")
	require.Equal(t, uint16(2), id)
	require.False(t, existed)

	// alias space exhausted
	id, existed = a.Set("e/f")
	require.Equal(t, uint16(0), id)
	require.False(t, existed)
}

func TestOutboundTopicAliasesDisabled(t *testing.T) {
	a := NewOutboundTopicAliases(0)
	id, existed := a.Set("a/b")
	require.Equal(t, uint16(0), id)
	require.False(t, existed)
}
