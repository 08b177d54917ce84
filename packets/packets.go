// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

// Package packets provides a stateless codec for all MQTT v3.1.1 and v5.0
// control packets. Packet values are encoded to and decoded from delimited
// frames; the package performs no I/O of its own.
package packets

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// All valid packet kinds, encoded in the high nibble of the first header byte.
const (
	Reserved    byte = iota // 0
	Connect                 // 1
	Connack                 // 2
	Publish                 // 3
	Puback                  // 4
	Pubrec                  // 5
	Pubrel                  // 6
	Pubcomp                 // 7
	Subscribe               // 8
	Suback                  // 9
	Unsubscribe             // 10
	Unsuback                // 11
	Pingreq                 // 12
	Pingresp                // 13
	Disconnect              // 14
	Auth                    // 15

	WillProperties byte = 99 // pseudo-kind for the connect payload will property block
)

// TypeNames is a map of packet kinds to human readable names.
var TypeNames = map[byte]string{
	Connect:     "Connect",
	Connack:     "Connack",
	Publish:     "Publish",
	Puback:      "Puback",
	Pubrec:      "Pubrec",
	Pubrel:      "Pubrel",
	Pubcomp:     "Pubcomp",
	Subscribe:   "Subscribe",
	Suback:      "Suback",
	Unsubscribe: "Unsubscribe",
	Unsuback:    "Unsuback",
	Pingreq:     "Pingreq",
	Pingresp:    "Pingresp",
	Disconnect:  "Disconnect",
	Auth:        "Auth",
}

// Packet is the decoded form of a single MQTT control packet of any kind and
// either protocol version.
type Packet struct {
	Connect         ConnectParams // connect packet parameters
	Properties      Properties    // mqtt v5 properties
	Payload         []byte        // the payload of a publish packet
	ReasonCodes     []byte        // the reason code vector of a suback or unsuback
	Filters         Subscriptions // the filters of a subscribe or unsubscribe packet
	TopicName       string        // the topic of a publish packet
	Origin          string        // the client id of the packet origin, used internally for routing
	FixedHeader     FixedHeader   // the fixed header values
	Created         int64         // unixtime the packet was created, used internally for ordering and expiry
	Expiry          int64         // unixtime after which the packet should be discarded
	Mods            Mods          // non-standard codec behaviours for this packet
	PacketID        uint32        // the packet identifier; 16 bits on the wire unless Mods.WidePacketID
	ProtocolVersion byte          // the protocol version of the connection the packet belongs to
	SessionPresent  bool          // connack session present flag
	ReasonCode      byte          // the reason code of an ack, disconnect or auth packet
	Ignore          bool          // the packet should be processed but not delivered onward
}

// Mods adjusts codec behaviour for a packet beyond the defaults of its
// protocol version.
type Mods struct {
	MaxSize      uint32 // the maximum packet size negotiated with the peer
	WidePacketID bool   // encode packet identifiers as 32 bits instead of 16 (both peers must opt in)
}

// ConnectParams holds the fields of a connect packet payload.
type ConnectParams struct {
	WillProperties   Properties `json:"willProperties"`
	Password         []byte     `json:"password"`
	Username         []byte     `json:"username"`
	ProtocolName     []byte     `json:"protocolName"`
	WillPayload      []byte     `json:"willPayload"`
	ClientIdentifier string     `json:"clientId"`
	WillTopic        string     `json:"willTopic"`
	Keepalive        uint16     `json:"keepalive"`
	PasswordFlag     bool       `json:"passwordFlag"`
	UsernameFlag     bool       `json:"usernameFlag"`
	WillQos          byte       `json:"willQos"`
	WillFlag         bool       `json:"willFlag"`
	WillRetain       bool       `json:"willRetain"`
	Clean            bool       `json:"clean"`
}

// Subscription is a topic filter subscription and its options.
type Subscription struct {
	ShareName         []string `json:"shareName,omitempty"` // the share group names the subscription has been merged from
	Identifiers       []int    `json:"identifiers"`         // subscription ids of all merged subscriptions
	Filter            string   `json:"filter"`
	Identifier        int      `json:"identifier"`
	RetainHandling    byte     `json:"retainHandling"`
	Qos               byte     `json:"qos"`
	RetainAsPublished bool     `json:"retainAsPub"`
	NoLocal           bool     `json:"noLocal"`
	FwdRetainedFlag   bool     `json:"fwdRetained"` // true when this subscription is being used to forward a retained message
}

// Subscriptions is a slice of subscriptions, as carried by subscribe and
// unsubscribe packets.
type Subscriptions []Subscription

// Merge combines the subscription with another subscription for the same
// client, keeping the highest qos and accumulating identifiers [MQTT-3.3.4-4].
func (s Subscription) Merge(n Subscription) Subscription {
	if s.Identifiers == nil {
		s.Identifiers = []int{s.Identifier}
	}

	if n.Identifier > 0 {
		s.Identifiers = append(s.Identifiers, n.Identifier)
	}

	if n.Qos > s.Qos {
		s.Qos = n.Qos // [MQTT-3.3.4-2]
	}

	if n.NoLocal {
		s.NoLocal = true // [MQTT-3.8.3-3]
	}

	return s
}

// encodeOptions encodes the subscription options byte for a subscribe packet.
func (s Subscription) encodeOptions() byte {
	return s.Qos |
		boolByte(s.NoLocal)<<2 |
		boolByte(s.RetainAsPublished)<<3 |
		s.RetainHandling<<4
}

// decodeOptions decodes a subscription options byte. Bits 6 and 7 are
// reserved and must be zero [MQTT-3.8.3-5].
func (s *Subscription) decodeOptions(b byte) error {
	s.Qos = b & 0x03
	s.NoLocal = b&0x04 > 0
	s.RetainAsPublished = b&0x08 > 0
	s.RetainHandling = (b >> 4) & 0x03

	if b&0xC0 > 0 || s.RetainHandling > 2 {
		return ErrProtocolViolationReservedBit
	}

	if s.Qos > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	return nil
}

// String returns a readable packet summary for logging.
func (pk *Packet) String() string {
	return TypeNames[pk.FixedHeader.Type] + " pid:" + strconv.FormatUint(uint64(pk.PacketID), 10)
}

// FormatID returns the packet id as a decimal string.
func (pk *Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// Copy creates a new instance of a packet. The fixed header dup flag is not
// copied unless allowTransfer is set, as forwarded publishes begin a new
// delivery attempt [MQTT-3.3.1-1] [MQTT-3.3.1-3].
func (pk *Packet) Copy(allowTransfer bool) Packet {
	fh := FixedHeader{
		Remaining: pk.FixedHeader.Remaining,
		Type:      pk.FixedHeader.Type,
		Qos:       pk.FixedHeader.Qos,
		Retain:    pk.FixedHeader.Retain,
	}

	if allowTransfer {
		fh.Dup = pk.FixedHeader.Dup
	}

	out := Packet{
		FixedHeader:     fh,
		Mods:            pk.Mods,
		ProtocolVersion: pk.ProtocolVersion,
		TopicName:       pk.TopicName,
		Properties:      pk.Properties.Copy(allowTransfer),
		Origin:          pk.Origin,
		Created:         pk.Created,
		Expiry:          pk.Expiry,
		SessionPresent:  pk.SessionPresent,
		ReasonCode:      pk.ReasonCode,
		Connect: ConnectParams{
			ClientIdentifier: pk.Connect.ClientIdentifier,
			Keepalive:        pk.Connect.Keepalive,
			WillQos:          pk.Connect.WillQos,
			WillTopic:        pk.Connect.WillTopic,
			WillFlag:         pk.Connect.WillFlag,
			WillRetain:       pk.Connect.WillRetain,
			WillProperties:   pk.Connect.WillProperties.Copy(allowTransfer),
			Clean:            pk.Connect.Clean,
			UsernameFlag:     pk.Connect.UsernameFlag,
			PasswordFlag:     pk.Connect.PasswordFlag,
		},
	}

	if allowTransfer {
		out.PacketID = pk.PacketID
	}

	if len(pk.Connect.ProtocolName) > 0 {
		out.Connect.ProtocolName = append([]byte{}, pk.Connect.ProtocolName...)
	}

	if len(pk.Connect.Username) > 0 {
		out.Connect.Username = append([]byte{}, pk.Connect.Username...)
	}

	if len(pk.Connect.Password) > 0 {
		out.Connect.Password = append([]byte{}, pk.Connect.Password...)
	}

	if len(pk.Connect.WillPayload) > 0 {
		out.Connect.WillPayload = append([]byte{}, pk.Connect.WillPayload...)
	}

	if len(pk.Payload) > 0 {
		out.Payload = append([]byte{}, pk.Payload...)
	}

	if len(pk.ReasonCodes) > 0 {
		out.ReasonCodes = append([]byte{}, pk.ReasonCodes...)
	}

	if len(pk.Filters) > 0 {
		out.Filters = append(Subscriptions{}, pk.Filters...)
	}

	return out
}

// writePacketID appends the packet identifier at its configured width.
func (pk *Packet) writePacketID(b *bytes.Buffer) {
	if pk.Mods.WidePacketID {
		writeUint32(b, pk.PacketID)
		return
	}
	writeUint16(b, uint16(pk.PacketID))
}

// readPacketID reads the packet identifier at its configured width.
func (pk *Packet) readPacketID(buf []byte, offset int) (int, error) {
	if pk.Mods.WidePacketID {
		id, n, err := readUint32(buf, offset)
		pk.PacketID = id
		return n, err
	}

	id, n, err := readUint16(buf, offset)
	pk.PacketID = uint32(id)
	return n, err
}

// packetIDBytes is the encoded size of a packet identifier for this packet.
func (pk *Packet) packetIDBytes() int {
	if pk.Mods.WidePacketID {
		return 4
	}
	return 2
}

// Encode encodes the packet to the buffer based on its fixed header kind.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.encodeConnect(buf)
	case Connack:
		return pk.encodeConnack(buf)
	case Publish:
		return pk.encodePublish(buf)
	case Puback, Pubrec, Pubrel, Pubcomp:
		return pk.encodePubackFamily(buf)
	case Subscribe:
		return pk.encodeSubscribe(buf)
	case Suback:
		return pk.encodeSuback(buf)
	case Unsubscribe:
		return pk.encodeUnsubscribe(buf)
	case Unsuback:
		return pk.encodeUnsuback(buf)
	case Pingreq, Pingresp:
		return pk.encodeEmpty(buf)
	case Disconnect:
		return pk.encodeDisconnect(buf)
	case Auth:
		return pk.encodeAuth(buf)
	default:
		return fmt.Errorf("cannot encode packet type %v: %w", pk.FixedHeader.Type, ErrProtocolViolation)
	}
}

// Decode decodes a delimited packet body into the packet based on its fixed
// header kind, which must have been decoded beforehand.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.decodeConnect(buf)
	case Connack:
		return pk.decodeConnack(buf)
	case Publish:
		return pk.decodePublish(buf)
	case Puback, Pubrec, Pubrel, Pubcomp:
		return pk.decodePubackFamily(buf)
	case Subscribe:
		return pk.decodeSubscribe(buf)
	case Suback:
		return pk.decodeSuback(buf)
	case Unsubscribe:
		return pk.decodeUnsubscribe(buf)
	case Unsuback:
		return pk.decodeUnsuback(buf)
	case Pingreq, Pingresp:
		return nil
	case Disconnect:
		return pk.decodeDisconnect(buf)
	case Auth:
		return pk.decodeAuth(buf)
	default:
		return fmt.Errorf("cannot decode packet type %v: %w", pk.FixedHeader.Type, ErrProtocolViolation)
	}
}

// finish writes the fixed header followed by the encoded body to the buffer.
func (pk *Packet) finish(buf *bytes.Buffer, body *bytes.Buffer) error {
	pk.FixedHeader.Remaining = body.Len()
	pk.FixedHeader.Encode(buf)
	_, err := body.WriteTo(buf)
	return err
}

func (pk *Packet) encodeConnect(buf *bytes.Buffer) error {
	var body bytes.Buffer
	writeBinary(&body, []byte(ProtocolName)) // [MQTT-3.1.2-1]
	body.WriteByte(pk.ProtocolVersion)

	flags := boolByte(pk.Connect.Clean)<<1 |
		boolByte(pk.Connect.WillFlag)<<2 |
		pk.Connect.WillQos<<3 |
		boolByte(pk.Connect.WillRetain)<<5 |
		boolByte(pk.Connect.PasswordFlag)<<6 |
		boolByte(pk.Connect.UsernameFlag)<<7
	body.WriteByte(flags)
	writeUint16(&body, pk.Connect.Keepalive)

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Connect, pk.Mods, &body, body.Len())
	}

	writeString(&body, pk.Connect.ClientIdentifier)

	if pk.Connect.WillFlag { // [MQTT-3.1.3-9]
		if pk.ProtocolVersion == 5 {
			pk.Connect.WillProperties.Encode(WillProperties, pk.Mods, &body, body.Len())
		}
		writeString(&body, pk.Connect.WillTopic)
		writeBinary(&body, pk.Connect.WillPayload)
	}

	if pk.Connect.UsernameFlag { // [MQTT-3.1.3-12]
		writeBinary(&body, pk.Connect.Username)
	}

	if pk.Connect.PasswordFlag {
		writeBinary(&body, pk.Connect.Password)
	}

	pk.FixedHeader.Type = Connect
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeConnect(buf []byte) error {
	var offset int
	var err error

	pk.Connect.ProtocolName, offset, err = readBinary(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedProtocolName)
	}

	pk.ProtocolVersion, offset, err = readByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedProtocolVersion)
	}

	// Reject only when the name actually differs; the protocol name check is
	// strict equality with `MQTT` for both versions [MQTT-3.1.2-1].
	if !bytes.Equal(pk.Connect.ProtocolName, []byte(ProtocolName)) {
		return ErrProtocolViolationProtocolName
	}

	flags, offset, err := readByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedFlags)
	}

	if flags&0x01 > 0 {
		return ErrProtocolViolationReservedBit // [MQTT-3.1.2-3]
	}

	pk.Connect.Clean = flags&0x02 > 0
	pk.Connect.WillFlag = flags&0x04 > 0
	pk.Connect.WillQos = (flags >> 3) & 0x03
	pk.Connect.WillRetain = flags&0x20 > 0
	pk.Connect.PasswordFlag = flags&0x40 > 0
	pk.Connect.UsernameFlag = flags&0x80 > 0

	pk.Connect.Keepalive, offset, err = readUint16(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedKeepalive)
	}

	if pk.ProtocolVersion == 5 {
		n, err := pk.Properties.Decode(Connect, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
		offset += n
	}

	pk.Connect.ClientIdentifier, offset, err = readString(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrClientIdentifierNotValid)
	}

	if pk.Connect.WillFlag {
		if pk.ProtocolVersion == 5 {
			n, err := pk.Connect.WillProperties.Decode(WillProperties, bytes.NewBuffer(buf[offset:]))
			if err != nil {
				return fmt.Errorf("%s: %w", err, ErrMalformedWillProperties)
			}
			offset += n
		}

		pk.Connect.WillTopic, offset, err = readString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedWillTopic)
		}

		pk.Connect.WillPayload, offset, err = readBinary(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedWillPayload)
		}
	}

	if pk.Connect.UsernameFlag {
		if offset >= len(buf) { // [MQTT-3.1.2-17]
			return ErrProtocolViolationFlagNoUsername
		}

		pk.Connect.Username, offset, err = readBinary(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedUsername)
		}
	}

	if pk.Connect.PasswordFlag {
		pk.Connect.Password, _, err = readBinary(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedPassword)
		}
	}

	return nil
}

// ConnectValidate ensures the connect packet is compliant.
func (pk *Packet) ConnectValidate() Code {
	if !bytes.Equal(pk.Connect.ProtocolName, []byte(ProtocolName)) { // [MQTT-3.1.2-1]
		return ErrProtocolViolationProtocolName
	}

	if pk.ProtocolVersion != 4 && pk.ProtocolVersion != 5 { // [MQTT-3.1.2-2]
		return ErrProtocolViolationProtocolVersion
	}

	if pk.Connect.UsernameFlag && len(pk.Connect.Username) == 0 {
		return ErrProtocolViolationFlagNoUsername // [MQTT-3.1.2-17]
	}

	if !pk.Connect.UsernameFlag && len(pk.Connect.Username) > 0 {
		return ErrProtocolViolationUsernameNoFlag // [MQTT-3.1.2-16]
	}

	if len(pk.Connect.Username) > 65535 {
		return ErrProtocolViolationUsernameTooLong
	}

	if !pk.Connect.PasswordFlag && len(pk.Connect.Password) > 0 {
		return ErrProtocolViolationPasswordNoFlag // [MQTT-3.1.2-18]
	}

	if len(pk.Connect.Password) > 65535 {
		return ErrProtocolViolationPasswordTooLong
	}

	if pk.Connect.WillFlag {
		if pk.Connect.WillQos > 2 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.1.2-12]
		}
		if len(pk.Connect.WillTopic) == 0 {
			return ErrProtocolViolationWillFlagNoPayload // [MQTT-3.1.2-9]
		}
	} else if pk.Connect.WillRetain {
		return ErrProtocolViolationWillFlagSurplusRetain // [MQTT-3.1.2-13]
	}

	if len(pk.Connect.ClientIdentifier) > 65535 {
		return ErrClientIdentifierTooLong
	}

	return CodeSuccess
}

func (pk *Packet) encodeConnack(buf *bytes.Buffer) error {
	var body bytes.Buffer
	body.WriteByte(boolByte(pk.SessionPresent)) // [MQTT-3.2.2-1] reserved bits zero
	body.WriteByte(pk.ReasonCode)

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Connack, pk.Mods, &body, body.Len())
	}

	pk.FixedHeader.Type = Connack
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeConnack(buf []byte) error {
	var offset int
	var err error

	pk.SessionPresent, offset, err = readBool(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedSessionPresent)
	}

	if buf[0]&0xFE > 0 {
		return ErrMalformedSessionPresent // [MQTT-3.2.2-1]
	}

	pk.ReasonCode, offset, err = readByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedReasonCode)
	}

	if pk.ProtocolVersion == 5 {
		if _, err := pk.Properties.Decode(Connack, bytes.NewBuffer(buf[offset:])); err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
	}

	return nil
}

func (pk *Packet) encodePublish(buf *bytes.Buffer) error {
	var body bytes.Buffer
	writeString(&body, pk.TopicName) // [MQTT-3.3.2-1]

	if pk.FixedHeader.Qos > 0 {
		pk.writePacketID(&body)
	}

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Publish, pk.Mods, &body, body.Len()+len(pk.Payload))
	}

	body.Write(pk.Payload)

	pk.FixedHeader.Type = Publish
	return pk.finish(buf, &body)
}

func (pk *Packet) decodePublish(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = readString(buf, 0) // [MQTT-3.3.2-1]
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
	}

	if pk.FixedHeader.Qos > 0 { // [MQTT-2.2.1-2]
		n, err := pk.readPacketID(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
		}
		offset = n
	}

	if pk.ProtocolVersion == 5 {
		n, err := pk.Properties.Decode(Publish, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
		offset += n
	}

	pk.Payload = buf[offset:]

	return nil
}

// PublishValidate validates a publish packet for routing.
func (pk *Packet) PublishValidate(topicAliasMaximum uint16) Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.2.1-3] [MQTT-2.2.1-4]
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrProtocolViolationSurplusPacketID // [MQTT-2.2.1-2]
	}

	if strings.ContainsAny(pk.TopicName, "+#") {
		return ErrProtocolViolationSurplusWildcard // [MQTT-3.3.2-2]
	}

	if pk.Properties.TopicAlias > topicAliasMaximum {
		return ErrTopicAliasInvalid // [MQTT-3.2.2-17]
	}

	if pk.TopicName == "" && !pk.Properties.TopicAliasFlag {
		return ErrProtocolViolationNoTopic // [MQTT-3.3.2-3] [MQTT-4.7.3-1]
	}

	if pk.Properties.TopicAliasFlag && pk.Properties.TopicAlias == 0 {
		return ErrTopicAliasInvalid // [MQTT-3.3.2-8]
	}

	if len(pk.Properties.SubscriptionIdentifier) > 0 {
		return ErrProtocolViolationSurplusSubID // [MQTT-3.3.4-6]
	}

	return CodeSuccess
}

// encodePubackFamily encodes puback, pubrec, pubrel and pubcomp packets, which
// share a body layout. Pubrel carries qos 1 flags in the fixed header.
func (pk *Packet) encodePubackFamily(buf *bytes.Buffer) error {
	var body bytes.Buffer
	pk.writePacketID(&body)

	if pk.ProtocolVersion == 5 && (pk.ReasonCode != CodeSuccess.Code || hasProperties(&pk.Properties)) {
		body.WriteByte(pk.ReasonCode) // [MQTT-3.4.2-1]
		pk.Properties.Encode(pk.FixedHeader.Type, pk.Mods, &body, body.Len())
	}

	return pk.finish(buf, &body)
}

func (pk *Packet) decodePubackFamily(buf []byte) error {
	offset, err := pk.readPacketID(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	if pk.ProtocolVersion == 5 && len(buf) > offset {
		pk.ReasonCode, offset, err = readByte(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedReasonCode)
		}

		if !pk.ReasonCodeValid() {
			return ErrProtocolViolationInvalidReason
		}

		if len(buf) > offset {
			if _, err := pk.Properties.Decode(pk.FixedHeader.Type, bytes.NewBuffer(buf[offset:])); err != nil {
				return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
			}
		}
	}

	return nil
}

// ReasonCodeValid returns true if the reason code is valid for the packet kind.
func (pk *Packet) ReasonCodeValid() bool {
	switch pk.FixedHeader.Type {
	case Pubrec:
		return bytes.Contains([]byte{
			CodeSuccess.Code,
			CodeNoMatchingSubscribers.Code,
			ErrUnspecifiedError.Code,
			ErrImplementationSpecificError.Code,
			ErrNotAuthorized.Code,
			ErrTopicNameInvalid.Code,
			ErrPacketIdentifierInUse.Code,
			ErrQuotaExceeded.Code,
			ErrPayloadFormatInvalid.Code,
		}, []byte{pk.ReasonCode})
	case Pubrel, Pubcomp:
		return bytes.Contains([]byte{
			CodeSuccess.Code,
			ErrPacketIdentifierNotFound.Code,
		}, []byte{pk.ReasonCode})
	case Suback:
		for _, c := range pk.ReasonCodes {
			if c > CodeGrantedQos2.Code && c < ErrUnspecifiedError.Code {
				return false
			}
		}
	}

	return true
}

func (pk *Packet) encodeSubscribe(buf *bytes.Buffer) error {
	var body bytes.Buffer
	pk.writePacketID(&body)

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Subscribe, pk.Mods, &body, body.Len())
	}

	for _, opt := range pk.Filters {
		writeString(&body, opt.Filter) // [MQTT-3.8.3-1]
		if pk.ProtocolVersion == 5 {
			body.WriteByte(opt.encodeOptions())
		} else {
			body.WriteByte(opt.Qos)
		}
	}

	pk.FixedHeader.Type = Subscribe
	pk.FixedHeader.Qos = 1 // mandatory 0b0010 low nibble
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeSubscribe(buf []byte) error {
	offset, err := pk.readPacketID(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	if pk.ProtocolVersion == 5 {
		n, err := pk.Properties.Decode(Subscribe, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
		offset += n
	}

	var filter string
	pk.Filters = Subscriptions{}
	for offset < len(buf) {
		filter, offset, err = readString(buf, offset) // [MQTT-3.8.3-1]
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
		}

		sub := Subscription{Filter: filter}
		if len(pk.Properties.SubscriptionIdentifier) > 0 {
			sub.Identifier = pk.Properties.SubscriptionIdentifier[0]
		}

		opts, next, err := readByte(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedQos)
		}
		offset = next

		if pk.ProtocolVersion == 5 {
			if err := sub.decodeOptions(opts); err != nil {
				return err
			}
		} else {
			sub.Qos = opts
		}

		if sub.Qos > 2 {
			return ErrProtocolViolationQosOutOfRange
		}

		pk.Filters = append(pk.Filters, sub)
	}

	return nil
}

// SubscribeValidate ensures the packet is compliant.
func (pk *Packet) SubscribeValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.2.1-3] [MQTT-2.2.1-4]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	for _, v := range pk.Filters {
		if v.Identifier > 268435455 { // 3.8.2.1.2 The Subscription Identifier can have the value of 1 to 268,435,455
			return ErrProtocolViolationOversizeSubID
		}
	}

	return CodeSuccess
}

func (pk *Packet) encodeSuback(buf *bytes.Buffer) error {
	var body bytes.Buffer
	pk.writePacketID(&body)

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Suback, pk.Mods, &body, body.Len())
	}

	body.Write(pk.ReasonCodes) // [MQTT-3.8.4-6]

	pk.FixedHeader.Type = Suback
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeSuback(buf []byte) error {
	offset, err := pk.readPacketID(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	if pk.ProtocolVersion == 5 {
		n, err := pk.Properties.Decode(Suback, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
		offset += n
	}

	pk.ReasonCodes = buf[offset:]

	return nil
}

func (pk *Packet) encodeUnsubscribe(buf *bytes.Buffer) error {
	var body bytes.Buffer
	pk.writePacketID(&body)

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Unsubscribe, pk.Mods, &body, body.Len())
	}

	for _, sub := range pk.Filters {
		writeString(&body, sub.Filter)
	}

	pk.FixedHeader.Type = Unsubscribe
	pk.FixedHeader.Qos = 1 // mandatory 0b0010 low nibble
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeUnsubscribe(buf []byte) error {
	offset, err := pk.readPacketID(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	if pk.ProtocolVersion == 5 {
		n, err := pk.Properties.Decode(Unsubscribe, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
		offset += n
	}

	var filter string
	pk.Filters = Subscriptions{}
	for offset < len(buf) {
		filter, offset, err = readString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
		}

		pk.Filters = append(pk.Filters, Subscription{Filter: filter})
	}

	return nil
}

// UnsubscribeValidate validates an unsubscribe packet.
func (pk *Packet) UnsubscribeValidate() Code {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return ErrProtocolViolationNoPacketID // [MQTT-2.2.1-3] [MQTT-2.2.1-4]
	}

	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	return CodeSuccess
}

func (pk *Packet) encodeUnsuback(buf *bytes.Buffer) error {
	var body bytes.Buffer
	pk.writePacketID(&body)

	if pk.ProtocolVersion == 5 {
		pk.Properties.Encode(Unsuback, pk.Mods, &body, body.Len())
		body.Write(pk.ReasonCodes)
	}

	pk.FixedHeader.Type = Unsuback
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeUnsuback(buf []byte) error {
	offset, err := pk.readPacketID(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	if pk.ProtocolVersion == 5 {
		n, err := pk.Properties.Decode(Unsuback, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
		offset += n
		pk.ReasonCodes = buf[offset:]
	}

	return nil
}

// encodeEmpty encodes the bodyless pingreq and pingresp packets.
func (pk *Packet) encodeEmpty(buf *bytes.Buffer) error {
	var body bytes.Buffer
	return pk.finish(buf, &body)
}

func (pk *Packet) encodeDisconnect(buf *bytes.Buffer) error {
	var body bytes.Buffer

	if pk.ProtocolVersion == 5 {
		body.WriteByte(pk.ReasonCode)
		pk.Properties.Encode(Disconnect, pk.Mods, &body, body.Len())
	}

	pk.FixedHeader.Type = Disconnect
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeDisconnect(buf []byte) error {
	if pk.ProtocolVersion != 5 || len(buf) == 0 {
		return nil
	}

	var offset int
	var err error

	pk.ReasonCode, offset, err = readByte(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedReasonCode)
	}

	if len(buf) > offset {
		if _, err := pk.Properties.Decode(Disconnect, bytes.NewBuffer(buf[offset:])); err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
	}

	return nil
}

func (pk *Packet) encodeAuth(buf *bytes.Buffer) error {
	var body bytes.Buffer
	body.WriteByte(pk.ReasonCode)
	pk.Properties.Encode(Auth, pk.Mods, &body, body.Len())

	pk.FixedHeader.Type = Auth
	return pk.finish(buf, &body)
}

func (pk *Packet) decodeAuth(buf []byte) error {
	var offset int
	var err error

	pk.ReasonCode, offset, err = readByte(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedReasonCode)
	}

	if len(buf) > offset {
		if _, err := pk.Properties.Decode(Auth, bytes.NewBuffer(buf[offset:])); err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
	}

	return nil
}

// AuthValidate returns success if the auth packet is valid.
func (pk *Packet) AuthValidate() Code {
	if pk.ReasonCode != CodeSuccess.Code &&
		pk.ReasonCode != CodeContinueAuth.Code &&
		pk.ReasonCode != CodeReAuthenticate.Code {
		return ErrProtocolViolationInvalidReason // [MQTT-3.15.2-1]
	}

	return CodeSuccess
}

// hasProperties returns true if any droppable ack property is present.
func hasProperties(p *Properties) bool {
	return p.ReasonString != "" || len(p.User) > 0
}

// ProtocolName is the protocol name bytes carried by every connect packet.
// The 3.1.0 name `MQIsdp` is not accepted.
const ProtocolName = "MQTT"

// Packets is a concurrency safe map of packets, keyed on a string id, used
// for retained messages and delayed will tracking.
type Packets struct {
	internal map[string]Packet
	sync.RWMutex
}

// NewPackets returns a new instance of Packets.
func NewPackets() *Packets {
	return &Packets{
		internal: map[string]Packet{},
	}
}

// Add adds or replaces a packet for an id.
func (p *Packets) Add(id string, val Packet) {
	p.Lock()
	defer p.Unlock()
	p.internal[id] = val
}

// GetAll returns all packets in the map.
func (p *Packets) GetAll() map[string]Packet {
	p.RLock()
	defer p.RUnlock()
	m := map[string]Packet{}
	for k, v := range p.internal {
		m[k] = v
	}
	return m
}

// Get returns a packet for an id.
func (p *Packets) Get(id string) (val Packet, ok bool) {
	p.RLock()
	defer p.RUnlock()
	val, ok = p.internal[id]
	return val, ok
}

// Len returns the number of packets in the map.
func (p *Packets) Len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

// Delete removes a packet by id.
func (p *Packets) Delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
