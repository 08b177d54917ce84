// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package packets

import (
	"bytes"
	"fmt"
)

// MQTT v5 property identifiers [MQTT 2.2.2.2].
const (
	PropPayloadFormat          byte = 1
	PropMessageExpiryInterval  byte = 2
	PropContentType            byte = 3
	PropResponseTopic          byte = 8
	PropCorrelationData        byte = 9
	PropSubscriptionIdentifier byte = 11
	PropSessionExpiryInterval  byte = 17
	PropAssignedClientID       byte = 18
	PropServerKeepAlive        byte = 19
	PropAuthenticationMethod   byte = 21
	PropAuthenticationData     byte = 22
	PropRequestProblemInfo     byte = 23
	PropWillDelayInterval      byte = 24
	PropRequestResponseInfo    byte = 25
	PropResponseInfo           byte = 26
	PropServerReference        byte = 28
	PropReasonString           byte = 31
	PropReceiveMaximum         byte = 33
	PropTopicAliasMaximum      byte = 34
	PropTopicAlias             byte = 35
	PropMaximumQos             byte = 36
	PropRetainAvailable        byte = 37
	PropUser                   byte = 38
	PropMaximumPacketSize      byte = 39
	PropWildcardSubAvailable   byte = 40
	PropSubIDAvailable         byte = 41
	PropSharedSubAvailable     byte = 42
)

// validPacketProperties indicates which property identifiers may appear in
// which packet kinds (WillProperties is a pseudo-kind for the connect payload).
var validPacketProperties = map[byte]map[byte]byte{
	PropPayloadFormat:          {Publish: 1, WillProperties: 1},
	PropMessageExpiryInterval:  {Publish: 1, WillProperties: 1},
	PropContentType:            {Publish: 1, WillProperties: 1},
	PropResponseTopic:          {Publish: 1, WillProperties: 1},
	PropCorrelationData:        {Publish: 1, WillProperties: 1},
	PropSubscriptionIdentifier: {Publish: 1, Subscribe: 1},
	PropSessionExpiryInterval:  {Connect: 1, Connack: 1, Disconnect: 1},
	PropAssignedClientID:       {Connack: 1},
	PropServerKeepAlive:        {Connack: 1},
	PropAuthenticationMethod:   {Connect: 1, Connack: 1, Auth: 1},
	PropAuthenticationData:     {Connect: 1, Connack: 1, Auth: 1},
	PropRequestProblemInfo:     {Connect: 1},
	PropWillDelayInterval:      {WillProperties: 1},
	PropRequestResponseInfo:    {Connect: 1},
	PropResponseInfo:           {Connack: 1},
	PropServerReference:        {Connack: 1, Disconnect: 1},
	PropReasonString:           {Connack: 1, Puback: 1, Pubrec: 1, Pubrel: 1, Pubcomp: 1, Suback: 1, Unsuback: 1, Disconnect: 1, Auth: 1},
	PropReceiveMaximum:         {Connect: 1, Connack: 1},
	PropTopicAliasMaximum:      {Connect: 1, Connack: 1},
	PropTopicAlias:             {Publish: 1},
	PropMaximumQos:             {Connack: 1},
	PropRetainAvailable:        {Connack: 1},
	PropUser:                   {Connect: 1, Connack: 1, Publish: 1, Puback: 1, Pubrec: 1, Pubrel: 1, Pubcomp: 1, Subscribe: 1, Suback: 1, Unsubscribe: 1, Unsuback: 1, Disconnect: 1, Auth: 1, WillProperties: 1},
	PropMaximumPacketSize:      {Connect: 1, Connack: 1},
	PropWildcardSubAvailable:   {Connack: 1},
	PropSubIDAvailable:         {Connack: 1},
	PropSharedSubAvailable:     {Connack: 1},
}

// repeatableProperties may appear more than once in a property block; every
// other identifier is rejected on repetition as malformed.
var repeatableProperties = map[byte]bool{
	PropUser:                   true,
	PropSubscriptionIdentifier: true,
}

// UserProperty is an arbitrary utf-8 key-value pair [MQTT-1.5.7-1].
type UserProperty struct {
	Key string `json:"k"`
	Val string `json:"v"`
}

// Properties holds the typed values of all mqtt v5 properties a packet may
// carry. Identifiers for which zero is a meaningful wire value carry an
// additional presence flag, per the v5 2.2.2.2 property notes.
type Properties struct {
	CorrelationData           []byte         `json:"cd"`
	SubscriptionIdentifier    []int          `json:"si"`
	AuthenticationData        []byte         `json:"ad"`
	User                      []UserProperty `json:"user"`
	ContentType               string         `json:"ct"`
	ResponseTopic             string         `json:"rt"`
	AssignedClientID          string         `json:"aci"`
	AuthenticationMethod      string         `json:"am"`
	ResponseInfo              string         `json:"ri"`
	ServerReference           string         `json:"sr"`
	ReasonString              string         `json:"rs"`
	MessageExpiryInterval     uint32         `json:"me"`
	SessionExpiryInterval     uint32         `json:"sei"`
	WillDelayInterval         uint32         `json:"wdi"`
	MaximumPacketSize         uint32         `json:"mps"`
	ServerKeepAlive           uint16         `json:"ska"`
	ReceiveMaximum            uint16         `json:"rm"`
	TopicAliasMaximum         uint16         `json:"tam"`
	TopicAlias                uint16         `json:"ta"`
	PayloadFormat             byte           `json:"pf"`
	RequestProblemInfo        byte           `json:"rpi"`
	RequestResponseInfo       byte           `json:"rri"`
	MaximumQos                byte           `json:"mqos"`
	RetainAvailable           byte           `json:"ra"`
	WildcardSubAvailable      byte           `json:"wsa"`
	SubIDAvailable            byte           `json:"sida"`
	SharedSubAvailable        byte           `json:"ssa"`
	PayloadFormatFlag         bool           `json:"fpf"`
	SessionExpiryIntervalFlag bool           `json:"fsei"`
	ServerKeepAliveFlag       bool           `json:"fska"`
	RequestProblemInfoFlag    bool           `json:"frpi"`
	TopicAliasFlag            bool           `json:"fta"`
	MaximumQosFlag            bool           `json:"fmqos"`
	RetainAvailableFlag       bool           `json:"fra"`
	WildcardSubAvailableFlag  bool           `json:"fwsa"`
	SubIDAvailableFlag        bool           `json:"fsida"`
	SharedSubAvailableFlag    bool           `json:"fssa"`
}

// Copy returns a deep copy of the properties. Topic aliases are only carried
// over when transferAliases is set; a forwarded message must not inherit the
// inbound alias [MQTT-3.3.2-7].
func (p *Properties) Copy(transferAliases bool) Properties {
	pr := *p
	pr.TopicAlias = 0
	pr.TopicAliasFlag = false

	if transferAliases {
		pr.TopicAlias = p.TopicAlias
		pr.TopicAliasFlag = p.TopicAliasFlag
	}

	if len(p.CorrelationData) > 0 {
		pr.CorrelationData = append([]byte{}, p.CorrelationData...) // [MQTT-3.3.2-16]
	}

	if len(p.SubscriptionIdentifier) > 0 {
		pr.SubscriptionIdentifier = append([]int{}, p.SubscriptionIdentifier...)
	}

	if len(p.AuthenticationData) > 0 {
		pr.AuthenticationData = append([]byte{}, p.AuthenticationData...)
	}

	if len(p.User) > 0 {
		pr.User = append([]UserProperty{}, p.User...) // [MQTT-3.3.2-17]
	}

	return pr
}

// canEncode returns true if the property identifier is valid for the packet kind.
func (p *Properties) canEncode(pkt byte, k byte) bool {
	return validPacketProperties[k][pkt] == 1
}

// Encode writes the property length and property block for a packet kind.
func (p *Properties) Encode(pkt byte, mods Mods, b *bytes.Buffer, n int) {
	if p == nil {
		return
	}

	var buf bytes.Buffer
	if p.canEncode(pkt, PropPayloadFormat) && p.PayloadFormatFlag {
		buf.WriteByte(PropPayloadFormat)
		buf.WriteByte(p.PayloadFormat)
	}

	if p.canEncode(pkt, PropMessageExpiryInterval) && p.MessageExpiryInterval > 0 {
		buf.WriteByte(PropMessageExpiryInterval)
		writeUint32(&buf, p.MessageExpiryInterval)
	}

	if p.canEncode(pkt, PropContentType) && p.ContentType != "" {
		buf.WriteByte(PropContentType)
		writeString(&buf, p.ContentType) // [MQTT-3.3.2-19]
	}

	if p.canEncode(pkt, PropResponseTopic) && p.ResponseTopic != "" {
		buf.WriteByte(PropResponseTopic)
		writeString(&buf, p.ResponseTopic) // [MQTT-3.3.2-13]
	}

	if p.canEncode(pkt, PropCorrelationData) && len(p.CorrelationData) > 0 {
		buf.WriteByte(PropCorrelationData)
		writeBinary(&buf, p.CorrelationData)
	}

	if p.canEncode(pkt, PropSubscriptionIdentifier) {
		for _, v := range p.SubscriptionIdentifier {
			if v > 0 {
				buf.WriteByte(PropSubscriptionIdentifier)
				writeVarint(&buf, v)
			}
		}
	}

	if p.canEncode(pkt, PropSessionExpiryInterval) && p.SessionExpiryIntervalFlag { // [MQTT-3.14.2-2]
		buf.WriteByte(PropSessionExpiryInterval)
		writeUint32(&buf, p.SessionExpiryInterval)
	}

	if p.canEncode(pkt, PropAssignedClientID) && p.AssignedClientID != "" {
		buf.WriteByte(PropAssignedClientID)
		writeString(&buf, p.AssignedClientID)
	}

	if p.canEncode(pkt, PropServerKeepAlive) && p.ServerKeepAliveFlag {
		buf.WriteByte(PropServerKeepAlive)
		writeUint16(&buf, p.ServerKeepAlive)
	}

	if p.canEncode(pkt, PropAuthenticationMethod) && p.AuthenticationMethod != "" {
		buf.WriteByte(PropAuthenticationMethod)
		writeString(&buf, p.AuthenticationMethod)
	}

	if p.canEncode(pkt, PropAuthenticationData) && len(p.AuthenticationData) > 0 {
		buf.WriteByte(PropAuthenticationData)
		writeBinary(&buf, p.AuthenticationData)
	}

	if p.canEncode(pkt, PropRequestProblemInfo) && p.RequestProblemInfoFlag {
		buf.WriteByte(PropRequestProblemInfo)
		buf.WriteByte(p.RequestProblemInfo)
	}

	if p.canEncode(pkt, PropWillDelayInterval) && p.WillDelayInterval > 0 {
		buf.WriteByte(PropWillDelayInterval)
		writeUint32(&buf, p.WillDelayInterval)
	}

	if p.canEncode(pkt, PropRequestResponseInfo) && p.RequestResponseInfo > 0 {
		buf.WriteByte(PropRequestResponseInfo)
		buf.WriteByte(p.RequestResponseInfo)
	}

	if p.canEncode(pkt, PropResponseInfo) && p.ResponseInfo != "" {
		buf.WriteByte(PropResponseInfo)
		writeString(&buf, p.ResponseInfo)
	}

	if p.canEncode(pkt, PropServerReference) && p.ServerReference != "" {
		buf.WriteByte(PropServerReference)
		writeString(&buf, p.ServerReference)
	}

	// Reason strings and user properties are droppable: they must not push the
	// packet over the peer's maximum packet size [MQTT-3.2.2-19] [MQTT-3.4.2-2].
	if p.canEncode(pkt, PropReasonString) && p.ReasonString != "" {
		var rb bytes.Buffer
		writeString(&rb, p.ReasonString)
		if mods.MaxSize == 0 || uint32(n+rb.Len()+1) < mods.MaxSize {
			buf.WriteByte(PropReasonString)
			buf.Write(rb.Bytes())
		}
	}

	if p.canEncode(pkt, PropReceiveMaximum) && p.ReceiveMaximum > 0 {
		buf.WriteByte(PropReceiveMaximum)
		writeUint16(&buf, p.ReceiveMaximum)
	}

	if p.canEncode(pkt, PropTopicAliasMaximum) && p.TopicAliasMaximum > 0 {
		buf.WriteByte(PropTopicAliasMaximum)
		writeUint16(&buf, p.TopicAliasMaximum)
	}

	if p.canEncode(pkt, PropTopicAlias) && p.TopicAliasFlag && p.TopicAlias > 0 { // [MQTT-3.3.2-8]
		buf.WriteByte(PropTopicAlias)
		writeUint16(&buf, p.TopicAlias)
	}

	if p.canEncode(pkt, PropMaximumQos) && p.MaximumQosFlag && p.MaximumQos < 2 {
		buf.WriteByte(PropMaximumQos)
		buf.WriteByte(p.MaximumQos)
	}

	if p.canEncode(pkt, PropRetainAvailable) && p.RetainAvailableFlag {
		buf.WriteByte(PropRetainAvailable)
		buf.WriteByte(p.RetainAvailable)
	}

	if p.canEncode(pkt, PropUser) && len(p.User) > 0 {
		var ub bytes.Buffer
		for _, v := range p.User {
			ub.WriteByte(PropUser)
			writeString(&ub, v.Key)
			writeString(&ub, v.Val)
		}
		if mods.MaxSize == 0 || uint32(n+ub.Len()+1) < mods.MaxSize {
			buf.Write(ub.Bytes())
		}
	}

	if p.canEncode(pkt, PropMaximumPacketSize) && p.MaximumPacketSize > 0 {
		buf.WriteByte(PropMaximumPacketSize)
		writeUint32(&buf, p.MaximumPacketSize)
	}

	if p.canEncode(pkt, PropWildcardSubAvailable) && p.WildcardSubAvailableFlag {
		buf.WriteByte(PropWildcardSubAvailable)
		buf.WriteByte(p.WildcardSubAvailable)
	}

	if p.canEncode(pkt, PropSubIDAvailable) && p.SubIDAvailableFlag {
		buf.WriteByte(PropSubIDAvailable)
		buf.WriteByte(p.SubIDAvailable)
	}

	if p.canEncode(pkt, PropSharedSubAvailable) && p.SharedSubAvailableFlag {
		buf.WriteByte(PropSharedSubAvailable)
		buf.WriteByte(p.SharedSubAvailable)
	}

	writeVarint(b, buf.Len())
	_, _ = buf.WriteTo(b) // [MQTT-3.1.3-10]
}

// Decode reads a property length and block from the buffer into p, returning
// the total number of bytes consumed. Identifiers invalid for the packet kind
// or repeated (other than user properties and subscription identifiers) are
// malformed [MQTT-2.2.2-2].
func (p *Properties) Decode(pkt byte, b *bytes.Buffer) (n int, err error) {
	if p == nil {
		return 0, nil
	}

	var bu int
	n, bu, err = ReadVarint(b)
	if err != nil {
		return n + bu, err
	}

	if n == 0 {
		return n + bu, nil
	}

	bt := b.Bytes()
	if n > len(bt) {
		return n + bu, ErrMalformedProperties
	}

	seen := make(map[byte]bool)
	var k byte
	for offset := 0; offset < n; {
		k, offset, err = readByte(bt, offset)
		if err != nil {
			return n + bu, err
		}

		if _, ok := validPacketProperties[k][pkt]; !ok {
			return n + bu, fmt.Errorf("property type %v not valid for packet type %v: %w", k, pkt, ErrProtocolViolationUnsupportedProperty)
		}

		if seen[k] && !repeatableProperties[k] {
			return n + bu, fmt.Errorf("property type %v: %w", k, ErrMalformedDuplicateProperty)
		}
		seen[k] = true

		switch k {
		case PropPayloadFormat:
			p.PayloadFormat, offset, err = readByte(bt, offset)
			p.PayloadFormatFlag = true
		case PropMessageExpiryInterval:
			p.MessageExpiryInterval, offset, err = readUint32(bt, offset)
		case PropContentType:
			p.ContentType, offset, err = readString(bt, offset)
		case PropResponseTopic:
			p.ResponseTopic, offset, err = readString(bt, offset)
		case PropCorrelationData:
			p.CorrelationData, offset, err = readBinary(bt, offset)
		case PropSubscriptionIdentifier:
			var v int
			v, offset, err = readVarint(bt, offset)
			if err != nil {
				return n + bu, err
			}
			p.SubscriptionIdentifier = append(p.SubscriptionIdentifier, v)
		case PropSessionExpiryInterval:
			p.SessionExpiryInterval, offset, err = readUint32(bt, offset)
			p.SessionExpiryIntervalFlag = true
		case PropAssignedClientID:
			p.AssignedClientID, offset, err = readString(bt, offset)
		case PropServerKeepAlive:
			p.ServerKeepAlive, offset, err = readUint16(bt, offset)
			p.ServerKeepAliveFlag = true
		case PropAuthenticationMethod:
			p.AuthenticationMethod, offset, err = readString(bt, offset)
		case PropAuthenticationData:
			p.AuthenticationData, offset, err = readBinary(bt, offset)
		case PropRequestProblemInfo:
			p.RequestProblemInfo, offset, err = readByte(bt, offset)
			p.RequestProblemInfoFlag = true
		case PropWillDelayInterval:
			p.WillDelayInterval, offset, err = readUint32(bt, offset)
		case PropRequestResponseInfo:
			p.RequestResponseInfo, offset, err = readByte(bt, offset)
		case PropResponseInfo:
			p.ResponseInfo, offset, err = readString(bt, offset)
		case PropServerReference:
			p.ServerReference, offset, err = readString(bt, offset)
		case PropReasonString:
			p.ReasonString, offset, err = readString(bt, offset)
		case PropReceiveMaximum:
			p.ReceiveMaximum, offset, err = readUint16(bt, offset)
		case PropTopicAliasMaximum:
			p.TopicAliasMaximum, offset, err = readUint16(bt, offset)
		case PropTopicAlias:
			p.TopicAlias, offset, err = readUint16(bt, offset)
			p.TopicAliasFlag = true
		case PropMaximumQos:
			p.MaximumQos, offset, err = readByte(bt, offset)
			p.MaximumQosFlag = true
		case PropRetainAvailable:
			p.RetainAvailable, offset, err = readByte(bt, offset)
			p.RetainAvailableFlag = true
		case PropUser:
			var uk, uv string
			uk, offset, err = readString(bt, offset)
			if err != nil {
				return n + bu, err
			}
			uv, offset, err = readString(bt, offset)
			p.User = append(p.User, UserProperty{Key: uk, Val: uv})
		case PropMaximumPacketSize:
			p.MaximumPacketSize, offset, err = readUint32(bt, offset)
		case PropWildcardSubAvailable:
			p.WildcardSubAvailable, offset, err = readByte(bt, offset)
			p.WildcardSubAvailableFlag = true
		case PropSubIDAvailable:
			p.SubIDAvailable, offset, err = readByte(bt, offset)
			p.SubIDAvailableFlag = true
		case PropSharedSubAvailable:
			p.SharedSubAvailable, offset, err = readByte(bt, offset)
			p.SharedSubAvailableFlag = true
		}

		if err != nil {
			return n + bu, err
		}
	}

	b.Next(n)
	return n + bu, nil
}
