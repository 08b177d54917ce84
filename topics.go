// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tethermq/tether/packets"
)

var (
	SharePrefix = "$share" // the prefix indicating a shared subscription filter
	SysPrefix   = "$SYS"   // the prefix indicating a system info topic
)

// TopicAliases contains inbound and outbound topic alias registrations for
// one connection. Aliases never survive the connection.
type TopicAliases struct {
	Inbound  *InboundTopicAliases
	Outbound *OutboundTopicAliases
}

// NewTopicAliases returns an instance of TopicAliases.
func NewTopicAliases(topicAliasMaximum uint16) TopicAliases {
	return TopicAliases{
		Inbound:  NewInboundTopicAliases(topicAliasMaximum),
		Outbound: NewOutboundTopicAliases(topicAliasMaximum),
	}
}

// InboundTopicAliases contains the topic aliases received from the remote end.
type InboundTopicAliases struct {
	internal map[uint16]string
	sync.RWMutex
	maximum uint16
}

// NewInboundTopicAliases returns a pointer to InboundTopicAliases.
func NewInboundTopicAliases(topicAliasMaximum uint16) *InboundTopicAliases {
	return &InboundTopicAliases{
		maximum:  topicAliasMaximum,
		internal: map[uint16]string{},
	}
}

// Set resolves an alias to its topic. A publish carrying both an alias and a
// topic name registers the mapping; an alias with an empty topic resolves to
// the previously registered name.
func (a *InboundTopicAliases) Set(id uint16, topic string) string {
	a.Lock()
	defer a.Unlock()

	if a.maximum == 0 {
		return topic
	}

	if existing, ok := a.internal[id]; ok && topic == "" {
		return existing
	}

	a.internal[id] = topic
	return topic
}

// OutboundTopicAliases contains the topic aliases assigned for packets sent
// to the remote end.
type OutboundTopicAliases struct {
	internal map[string]uint16
	sync.RWMutex
	cursor  uint32
	maximum uint16
}

// NewOutboundTopicAliases returns a pointer to OutboundTopicAliases.
func NewOutboundTopicAliases(topicAliasMaximum uint16) *OutboundTopicAliases {
	return &OutboundTopicAliases{
		maximum:  topicAliasMaximum,
		internal: map[string]uint16{},
	}
}

// Set assigns an alias for a topic, returning the alias and a boolean
// indicating if the alias already existed. Once the alias space is exhausted
// no new aliases are assigned.
func (a *OutboundTopicAliases) Set(topic string) (uint16, bool) {
	a.Lock()
	defer a.Unlock()

	if a.maximum == 0 {
		return 0, false
	}

	if i, ok := a.internal[topic]; ok {
		return i, true
	}

	i := atomic.LoadUint32(&a.cursor)
	if i+1 > uint32(a.maximum) {
		return 0, false
	}

	a.internal[topic] = uint16(i) + 1
	atomic.StoreUint32(&a.cursor, i+1)
	return uint16(i) + 1, false
}

// SharedSubscriptions contains the subscriptions to one shared filter, keyed
// on share group then client id. Members of a group are kept in subscription
// order so delivery can rotate through them.
type SharedSubscriptions struct {
	internal map[string]map[string]packets.Subscription
	order    map[string][]string
	cursor   map[string]int
	sync.RWMutex
}

// NewSharedSubscriptions returns a new instance of SharedSubscriptions.
func NewSharedSubscriptions() *SharedSubscriptions {
	return &SharedSubscriptions{
		internal: map[string]map[string]packets.Subscription{},
		order:    map[string][]string{},
		cursor:   map[string]int{},
	}
}

// Add creates a new shared subscription for a group and client id pair.
func (s *SharedSubscriptions) Add(group, id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.internal[group]; !ok {
		s.internal[group] = map[string]packets.Subscription{}
	}

	if _, ok := s.internal[group][id]; !ok {
		s.order[group] = append(s.order[group], id)
	}
	s.internal[group][id] = val
}

// Delete removes a client id from a shared subscription group.
func (s *SharedSubscriptions) Delete(group, id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal[group], id)

	for i, v := range s.order[group] {
		if v == id {
			s.order[group] = append(s.order[group][:i], s.order[group][i+1:]...)
			break
		}
	}

	if len(s.internal[group]) == 0 {
		delete(s.internal, group)
		delete(s.order, group)
		delete(s.cursor, group)
	}
}

// Get returns the subscription for a client id in a share group, if one exists.
func (s *SharedSubscriptions) Get(group, id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	if _, ok := s.internal[group]; !ok {
		return val, ok
	}

	val, ok = s.internal[group][id]
	return val, ok
}

// SelectNext returns the next group member in rotation, so each message to a
// shared filter goes to one subscriber per group in turn.
func (s *SharedSubscriptions) SelectNext(group string) (id string, val packets.Subscription, ok bool) {
	s.Lock()
	defer s.Unlock()

	members := s.order[group]
	if len(members) == 0 {
		return "", val, false
	}

	id = members[s.cursor[group]%len(members)]
	s.cursor[group] = (s.cursor[group] + 1) % len(members)
	return id, s.internal[group][id], true
}

// GroupLen returns the number of groups subscribed to the filter.
func (s *SharedSubscriptions) GroupLen() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Len returns the total number of shared subscriptions to a filter across
// all groups.
func (s *SharedSubscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	n := 0
	for _, group := range s.internal {
		n += len(group)
	}
	return n
}

// GetAll returns all shared subscription groups and their subscriptions.
func (s *SharedSubscriptions) GetAll() map[string]map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := map[string]map[string]packets.Subscription{}
	for group, subs := range s.internal {
		m[group] = map[string]packets.Subscription{}
		for id, sub := range subs {
			m[group][id] = sub
		}
	}
	return m
}

// Subscriptions is a concurrency safe map of subscriptions. Keys are filters
// when held by a session, or client ids when held by a trie node.
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds or replaces a subscription.
func (s *Subscriptions) Add(id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[id] = val
}

// GetAll returns a copy of all subscriptions.
func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := make(map[string]packets.Subscription, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Get returns the subscription for an id.
func (s *Subscriptions) Get(id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by id.
func (s *Subscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// InlineSubFn is the signature for a callback function which will be called
// when an inline client receives a message on a topic it is subscribed to.
// The sub argument is the subscription that was matched for the message.
type InlineSubFn func(cl *Client, sub packets.Subscription, pk packets.Packet)

// InlineSubscription represents an internal subscription with a message
// handler, attached directly by the embedding application.
type InlineSubscription struct {
	packets.Subscription
	Handler InlineSubFn
}

// InlineSubscriptions represents a map of inline subscriptions keyed on
// subscription identifier.
type InlineSubscriptions struct {
	internal map[int]InlineSubscription
	sync.RWMutex
}

// NewInlineSubscriptions returns a new instance of InlineSubscriptions.
func NewInlineSubscriptions() *InlineSubscriptions {
	return &InlineSubscriptions{
		internal: map[int]InlineSubscription{},
	}
}

// Add adds a new inline subscription, keyed on subscription identifier.
func (s *InlineSubscriptions) Add(val InlineSubscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[val.Identifier] = val
}

// GetAll returns all inline subscriptions.
func (s *InlineSubscriptions) GetAll() map[int]InlineSubscription {
	s.RLock()
	defer s.RUnlock()
	m := make(map[int]InlineSubscription, len(s.internal))
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Get returns an inline subscription by identifier.
func (s *InlineSubscriptions) Get(id int) (val InlineSubscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

// Len returns the number of inline subscriptions.
func (s *InlineSubscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes an inline subscription by identifier.
func (s *InlineSubscriptions) Delete(id int) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// Subscribers contains the shared and non-shared subscribers matching a topic.
type Subscribers struct {
	Shared              map[string]map[string]packets.Subscription
	SharedSelected      map[string]packets.Subscription
	Subscriptions       map[string]packets.Subscription
	InlineSubscriptions map[int]InlineSubscription
}

// MergeSharedSelected folds the selected shared group members into the
// non-shared subscribers, so a client holding both kinds of matching
// subscription receives a single message.
func (s *Subscribers) MergeSharedSelected() {
	for client, sub := range s.SharedSelected {
		cls, ok := s.Subscriptions[client]
		if !ok {
			cls = sub
		}

		s.Subscriptions[client] = cls.Merge(sub)
	}
}

// TopicsIndex is a prefix trie containing topic subscribers and retained
// messages.
type TopicsIndex struct {
	Retained *packets.Packets
	root     *segment
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		Retained: packets.NewPackets(),
		root: newSegment("", nil),
	}
}

// InlineSubscribe adds a new inline subscription for a topic filter, keyed
// on the subscription identifier.
func (x *TopicsIndex) InlineSubscribe(subscription InlineSubscription) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.set(subscription.Filter, 0)
	_, existed := n.inline.Get(subscription.Identifier)
	n.inline.Add(subscription)

	return !existed
}

// InlineUnsubscribe removes an inline subscription for a topic filter,
// returning true if the subscription existed.
func (x *TopicsIndex) InlineUnsubscribe(id int, filter string) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.seek(filter, 0)
	if n == nil {
		return false
	}

	_, existed := n.inline.Get(id)
	if !existed {
		return false
	}
	n.inline.Delete(id)

	x.trim(n)
	return true
}

// Subscribe adds a subscription for a client to a topic filter, returning
// true if the subscription was new.
func (x *TopicsIndex) Subscribe(client string, subscription packets.Subscription) bool {
	x.root.Lock()
	defer x.root.Unlock()

	var existed bool
	prefix, _ := levelAt(subscription.Filter, 0)
	if strings.EqualFold(prefix, SharePrefix) {
		group, _ := levelAt(subscription.Filter, 1)
		n := x.set(subscription.Filter, 2)
		_, existed = n.shared.Get(group, client)
		n.shared.Add(group, client, subscription)
	} else {
		n := x.set(subscription.Filter, 0)
		_, existed = n.subscriptions.Get(client)
		n.subscriptions.Add(client, subscription)
	}

	return !existed
}

// Unsubscribe removes a subscription filter for a client, returning true if
// the subscription existed.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.root.Lock()
	defer x.root.Unlock()

	var d int
	prefix, _ := levelAt(filter, 0)
	shared := strings.EqualFold(prefix, SharePrefix)
	if shared {
		d = 2
	}

	n := x.seek(filter, d)
	if n == nil {
		return false
	}

	if shared {
		group, _ := levelAt(filter, 1)
		if _, ok := n.shared.Get(group, client); !ok {
			return false
		}
		n.shared.Delete(group, client)
	} else {
		if _, ok := n.subscriptions.Get(client); !ok {
			return false
		}
		n.subscriptions.Delete(client)
	}

	x.trim(n)
	return true
}

// RetainMessage saves a message payload at a topic address. Returns 1 if a
// retained message was added, and -1 if an existing retained message was
// removed by an empty payload. 0 is returned for sequential empty payloads.
func (x *TopicsIndex) RetainMessage(pk packets.Packet) int64 {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.set(pk.TopicName, 0)
	n.Lock()
	defer n.Unlock()
	if len(pk.Payload) > 0 {
		n.retainPath = pk.TopicName
		x.Retained.Add(pk.TopicName, pk)
		return 1
	}

	var out int64
	if pke, ok := x.Retained.Get(pk.TopicName); ok && len(pke.Payload) > 0 && pke.FixedHeader.Retain {
		out = -1
	}

	n.retainPath = ""
	x.Retained.Delete(pk.TopicName) // [MQTT-3.3.1-6] [MQTT-3.3.1-7]
	x.trim(n)

	return out
}

// set creates a topic address in the index and returns the final segment.
func (x *TopicsIndex) set(topic string, d int) *segment {
	var key string
	var hasNext = true
	n := x.root
	for hasNext {
		key, hasNext = levelAt(topic, d)
		d++

		child := n.children.get(key)
		if child == nil {
			child = newSegment(key, n)
			n.children.add(child)
		}
		n = child
	}

	return n
}

// seek finds the segment at a topic address, or nil.
func (x *TopicsIndex) seek(filter string, d int) *segment {
	var key string
	var hasNext = true
	n := x.root
	for hasNext {
		key, hasNext = levelAt(filter, d)
		n = n.children.get(key)
		d++
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty branches from the index.
func (x *TopicsIndex) trim(n *segment) {
	for n.parent != nil && n.retainPath == "" && n.children.len()+n.subscriptions.Len()+n.shared.Len()+n.inline.Len() == 0 {
		key := n.key
		n = n.parent
		n.children.delete(key)
	}
}

// Messages returns the retained messages matching a filter.
func (x *TopicsIndex) Messages(filter string) []packets.Packet {
	return x.scanMessages(filter, 0, nil, []packets.Packet{})
}

func (x *TopicsIndex) scanMessages(filter string, d int, n *segment, pks []packets.Packet) []packets.Packet {
	if n == nil {
		n = x.root
	}

	if len(filter) == 0 || x.Retained.Len() == 0 {
		return pks
	}

	if !strings.ContainsRune(filter, '#') && !strings.ContainsRune(filter, '+') {
		if pk, ok := x.Retained.Get(filter); ok {
			pks = append(pks, pk)
		}
		return pks
	}

	key, hasNext := levelAt(filter, d)
	if key == "+" || key == "#" || d == -1 {
		for _, adjacent := range n.children.getAll() {
			if d == 0 && strings.HasPrefix(adjacent.key, "$") {
				// wildcards at the first level never match $ topics [MQTT-4.7.2-1]
				continue
			}

			if !hasNext {
				if adjacent.retainPath != "" {
					if pk, ok := x.Retained.Get(adjacent.retainPath); ok {
						pks = append(pks, pk)
					}
				}
			}

			if hasNext || (d >= 0 && key == "#") {
				pks = x.scanMessages(filter, d+1, adjacent, pks)
			}
		}
		return pks
	}

	if child := n.children.get(key); child != nil {
		if hasNext {
			return x.scanMessages(filter, d+1, child, pks)
		}

		if pk, ok := x.Retained.Get(child.retainPath); ok {
			pks = append(pks, pk)
		}
	}

	return pks
}

// Subscribers returns the clients subscribed to filters matching a topic,
// with their merged subscription options, and one selected member per shared
// subscription group.
func (x *TopicsIndex) Subscribers(topic string) *Subscribers {
	return x.scanSubscribers(topic, 0, nil, &Subscribers{
		Shared:              map[string]map[string]packets.Subscription{},
		SharedSelected:      map[string]packets.Subscription{},
		Subscriptions:       map[string]packets.Subscription{},
		InlineSubscriptions: map[int]InlineSubscription{},
	})
}

func (x *TopicsIndex) scanSubscribers(topic string, d int, n *segment, subs *Subscribers) *Subscribers {
	if n == nil {
		n = x.root
	}

	if len(topic) == 0 {
		return subs
	}

	key, hasNext := levelAt(topic, d)
	for _, segKey := range []string{key, "+", "#"} {
		if child := n.children.get(segKey); child != nil { // [MQTT-3.3.2-3]
			if !hasNext {
				x.gatherSubscriptions(topic, child, subs)
				x.gatherSharedSubscriptions(child, subs)
				x.gatherInlineSubscriptions(child, subs)
				if wild := child.children.get("#"); wild != nil && segKey != "#" {
					// filter/# also matches the parent level, per 4.7.1.2
					x.gatherSubscriptions(topic, wild, subs)
					x.gatherSharedSubscriptions(wild, subs)
					x.gatherInlineSubscriptions(wild, subs)
				}
			} else {
				if segKey == "#" {
					x.gatherSubscriptions(topic, child, subs)
					x.gatherSharedSubscriptions(child, subs)
					x.gatherInlineSubscriptions(child, subs)
				} else {
					x.scanSubscribers(topic, d+1, child, subs)
				}
			}
		}
	}

	return subs
}

// gatherInlineSubscriptions collects any inline subscriptions matching a topic.
func (x *TopicsIndex) gatherInlineSubscriptions(n *segment, subs *Subscribers) {
	if subs.InlineSubscriptions == nil {
		subs.InlineSubscriptions = map[int]InlineSubscription{}
	}

	for id, sub := range n.inline.GetAll() {
		subs.InlineSubscriptions[id] = sub
	}
}

// gatherSubscriptions merges matching subscriptions into the result set,
// accumulating identifiers and the highest granted qos per client.
func (x *TopicsIndex) gatherSubscriptions(topic string, n *segment, subs *Subscribers) {
	if subs.Subscriptions == nil {
		subs.Subscriptions = map[string]packets.Subscription{}
	}

	for client, sub := range n.subscriptions.GetAll() {
		if len(sub.Filter) > 0 && topic[0] == '$' && (sub.Filter[0] == '+' || sub.Filter[0] == '#') {
			// top level wildcards never match $ topics [MQTT-4.7.1-1] [MQTT-4.7.1-2]
			continue
		}

		cls, ok := subs.Subscriptions[client]
		if !ok {
			cls = sub
		}

		subs.Subscriptions[client] = cls.Merge(sub)
	}
}

// gatherSharedSubscriptions records the full group membership for a matching
// shared filter, and rotates each group's cursor to select the member which
// receives this message.
func (x *TopicsIndex) gatherSharedSubscriptions(n *segment, subs *Subscribers) {
	if subs.Shared == nil {
		subs.Shared = map[string]map[string]packets.Subscription{}
	}

	for group, shares := range n.shared.GetAll() {
		for client, sub := range shares {
			if _, ok := subs.Shared[sub.Filter]; !ok {
				subs.Shared[sub.Filter] = map[string]packets.Subscription{}
			}

			subs.Shared[sub.Filter][client] = sub
		}

		if client, sub, ok := n.shared.SelectNext(group); ok {
			cls, exists := subs.SharedSelected[client]
			if !exists {
				cls = sub
			}

			subs.SharedSelected[client] = cls.Merge(sub)
		}
	}
}

// levelAt extracts the topic level between the d'th and d+1'th separator
// without allocating.
func levelAt(filter string, d int) (level string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')

		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			level = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			level = filter[next:]
		}
	}

	return
}

// IsSharedFilter returns true if the filter uses the share prefix.
func IsSharedFilter(filter string) bool {
	prefix, _ := levelAt(filter, 0)
	return strings.EqualFold(prefix, SharePrefix)
}

// IsValidFilter returns true if the filter is valid. Publish topics accept a
// zero length name when a topic alias is in play, so emptiness is only
// enforced for subscriptions.
func IsValidFilter(filter string, forPublish bool) bool {
	if !forPublish && len(filter) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	if forPublish {
		if len(filter) >= len(SysPrefix) && strings.EqualFold(filter[0:len(SysPrefix)], SysPrefix) {
			// 4.7.2 Non-normative - $SYS topics are reserved for the broker
			return false
		}

		if strings.ContainsRune(filter, '+') || strings.ContainsRune(filter, '#') {
			return false // [MQTT-3.3.2-2]
		}

		return true
	}

	wildhash := strings.IndexRune(filter, '#')
	if wildhash >= 0 && wildhash != len(filter)-1 {
		return false // [MQTT-4.7.1-2]
	}

	for d, level := 0, ""; ; d++ {
		var hasNext bool
		level, hasNext = levelAt(filter, d)
		if strings.ContainsRune(level, '+') && level != "+" {
			return false // [MQTT-4.7.1-3]
		}
		if strings.ContainsRune(level, '#') && level != "#" {
			return false
		}
		if !hasNext {
			break
		}
	}

	prefix, hasNext := levelAt(filter, 0)
	if strings.EqualFold(prefix, SharePrefix) {
		if !hasNext {
			return false // [MQTT-4.8.2-1]
		}

		group, hasNext := levelAt(filter, 1)
		if !hasNext {
			return false // [MQTT-4.8.2-1]
		}

		if strings.ContainsRune(group, '+') || strings.ContainsRune(group, '#') {
			return false // [MQTT-4.8.2-2]
		}
	}

	return true
}

// segment is a node of the topic trie, one per topic level.
type segment struct {
	key           string               // the topic level this node represents
	parent        *segment             // a pointer to the parent node
	children      segments             // child nodes, keyed on topic level
	subscriptions *Subscriptions       // subscriptions ending at this address, keyed on client id
	shared        *SharedSubscriptions // shared subscriptions keyed on group name
	inline        *InlineSubscriptions // inline subscriptions keyed on subscription identifier
	retainPath    string               // topic of a retained message ending here
	sync.Mutex
}

// newSegment returns a pointer to a new instance of segment.
func newSegment(key string, parent *segment) *segment {
	return &segment{
		key:           key,
		parent:        parent,
		children:      newSegments(),
		subscriptions: NewSubscriptions(),
		shared:        NewSharedSubscriptions(),
		inline:        NewInlineSubscriptions(),
	}
}

// segments is a concurrency safe map of trie nodes.
type segments struct {
	internal map[string]*segment
	sync.RWMutex
}

func newSegments() segments {
	return segments{
		internal: map[string]*segment{},
	}
}

func (p *segments) add(val *segment) {
	p.Lock()
	p.internal[val.key] = val
	p.Unlock()
}

func (p *segments) getAll() map[string]*segment {
	p.RLock()
	defer p.RUnlock()
	m := make(map[string]*segment, len(p.internal))
	for k, v := range p.internal {
		m[k] = v
	}
	return m
}

func (p *segments) get(id string) *segment {
	p.RLock()
	defer p.RUnlock()
	return p.internal[id]
}

func (p *segments) len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

func (p *segments) delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
