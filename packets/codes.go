// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package packets

// Code pairs an MQTT reason code with a human readable reason. It implements
// error so protocol outcomes can flow through normal Go error paths.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	// QosCodes maps a granted qos byte to its success reason code.
	QosCodes = map[byte]Code{
		0: CodeGrantedQos0,
		1: CodeGrantedQos1,
		2: CodeGrantedQos2,
	}

	CodeSuccessIgnore         = Code{Code: 0x00, Reason: "ignore packet"}
	CodeSuccess               = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect            = Code{Code: 0x00, Reason: "disconnected"}
	CodeGrantedQos0           = Code{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1           = Code{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2           = Code{Code: 0x02, Reason: "granted qos 2"}
	CodeDisconnectWillMessage = Code{Code: 0x04, Reason: "disconnect with will message"}
	CodeNoMatchingSubscribers = Code{Code: 0x10, Reason: "no matching subscribers"}
	CodeNoSubscriptionExisted = Code{Code: 0x11, Reason: "no subscription existed"}
	CodeContinueAuth          = Code{Code: 0x18, Reason: "continue authentication"}
	CodeReAuthenticate        = Code{Code: 0x19, Reason: "re-authenticate"}

	ErrUnspecifiedError             = Code{Code: 0x80, Reason: "unspecified error"}
	ErrMalformedPacket              = Code{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedProtocolName        = Code{Code: 0x81, Reason: "malformed packet: protocol name"}
	ErrMalformedProtocolVersion     = Code{Code: 0x81, Reason: "malformed packet: protocol version"}
	ErrMalformedFlags               = Code{Code: 0x81, Reason: "malformed packet: flags"}
	ErrMalformedKeepalive           = Code{Code: 0x81, Reason: "malformed packet: keepalive"}
	ErrMalformedPacketID            = Code{Code: 0x81, Reason: "malformed packet: packet identifier"}
	ErrMalformedTopic               = Code{Code: 0x81, Reason: "malformed packet: topic"}
	ErrMalformedWillTopic           = Code{Code: 0x81, Reason: "malformed packet: will topic"}
	ErrMalformedWillPayload         = Code{Code: 0x81, Reason: "malformed packet: will message"}
	ErrMalformedUsername            = Code{Code: 0x81, Reason: "malformed packet: username"}
	ErrMalformedPassword            = Code{Code: 0x81, Reason: "malformed packet: password"}
	ErrMalformedQos                 = Code{Code: 0x81, Reason: "malformed packet: qos"}
	ErrMalformedUintTruncated       = Code{Code: 0x81, Reason: "malformed packet: truncated uint"}
	ErrMalformedBytesTruncated      = Code{Code: 0x81, Reason: "malformed packet: truncated bytes"}
	ErrMalformedByteTruncated       = Code{Code: 0x81, Reason: "malformed packet: truncated byte"}
	ErrMalformedInvalidUTF8         = Code{Code: 0x81, Reason: "malformed packet: invalid utf-8 string"}
	ErrMalformedVariableByteInteger = Code{Code: 0x81, Reason: "malformed packet: variable byte integer out of range"}
	ErrMalformedBadProperty         = Code{Code: 0x81, Reason: "malformed packet: unknown property"}
	ErrMalformedDuplicateProperty   = Code{Code: 0x81, Reason: "malformed packet: duplicate property"}
	ErrMalformedProperties          = Code{Code: 0x81, Reason: "malformed packet: properties"}
	ErrMalformedWillProperties      = Code{Code: 0x81, Reason: "malformed packet: will properties"}
	ErrMalformedSessionPresent      = Code{Code: 0x81, Reason: "malformed packet: session present"}
	ErrMalformedReasonCode          = Code{Code: 0x81, Reason: "malformed packet: reason code"}

	ErrProtocolViolation                     = Code{Code: 0x82, Reason: "protocol violation"}
	ErrProtocolViolationProtocolName         = Code{Code: 0x82, Reason: "protocol violation: protocol name"}
	ErrProtocolViolationProtocolVersion      = Code{Code: 0x82, Reason: "protocol violation: protocol version"}
	ErrProtocolViolationReservedBit          = Code{Code: 0x82, Reason: "protocol violation: reserved bit not 0"}
	ErrProtocolViolationFlagNoUsername       = Code{Code: 0x82, Reason: "protocol violation: username flag set but no value"}
	ErrProtocolViolationFlagNoPassword       = Code{Code: 0x82, Reason: "protocol violation: password flag set but no value"}
	ErrProtocolViolationUsernameNoFlag       = Code{Code: 0x82, Reason: "protocol violation: username set but no flag"}
	ErrProtocolViolationUsernameTooLong      = Code{Code: 0x82, Reason: "protocol violation: username too long"}
	ErrProtocolViolationPasswordTooLong      = Code{Code: 0x82, Reason: "protocol violation: password too long"}
	ErrProtocolViolationPasswordNoFlag       = Code{Code: 0x82, Reason: "protocol violation: password set but no flag"}
	ErrProtocolViolationNoPacketID           = Code{Code: 0x82, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationSurplusPacketID      = Code{Code: 0x82, Reason: "protocol violation: surplus packet id"}
	ErrProtocolViolationQosOutOfRange        = Code{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationSecondConnect        = Code{Code: 0x82, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationZeroNonZeroExpiry    = Code{Code: 0x82, Reason: "protocol violation: non-zero expiry"}
	ErrProtocolViolationRequireFirstConnect  = Code{Code: 0x82, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationWillFlagNoPayload    = Code{Code: 0x82, Reason: "protocol violation: will flag set but no payload"}
	ErrProtocolViolationWillFlagSurplusRetain = Code{Code: 0x82, Reason: "protocol violation: will retain set but will flag not set"}
	ErrProtocolViolationSurplusWildcard      = Code{Code: 0x82, Reason: "protocol violation: wildcard found in topic name"}
	ErrProtocolViolationSurplusSubID         = Code{Code: 0x82, Reason: "protocol violation: subscription identifier from client"}
	ErrProtocolViolationInvalidTopic         = Code{Code: 0x82, Reason: "protocol violation: invalid topic"}
	ErrProtocolViolationInvalidSharedNoLocal = Code{Code: 0x82, Reason: "protocol violation: invalid shared no local"}
	ErrProtocolViolationNoFilters            = Code{Code: 0x82, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationInvalidReason        = Code{Code: 0x82, Reason: "protocol violation: invalid reason"}
	ErrProtocolViolationOversizeSubID        = Code{Code: 0x82, Reason: "protocol violation: oversize subscription id"}
	ErrProtocolViolationDupConnect           = Code{Code: 0x82, Reason: "protocol violation: duplicate connect"}
	ErrProtocolViolationUnsupportedProperty  = Code{Code: 0x82, Reason: "protocol violation: unsupported property"}
	ErrProtocolViolationNoTopic              = Code{Code: 0x82, Reason: "protocol violation: no topic or alias"}

	ErrImplementationSpecificError      = Code{Code: 0x83, Reason: "implementation specific error"}
	ErrRejectPacket                     = Code{Code: 0x83, Reason: "packet rejected"}
	ErrInlineSubscriptionHandlerInvalid = Code{Code: 0x83, Reason: "inline subscription handler not valid"}
	ErrUnsupportedProtocolVersion  = Code{Code: 0x84, Reason: "unsupported protocol version"}
	ErrClientIdentifierNotValid    = Code{Code: 0x85, Reason: "client identifier not valid"}
	ErrClientIdentifierTooLong     = Code{Code: 0x85, Reason: "client identifier too long"}
	ErrBadUsernameOrPassword       = Code{Code: 0x86, Reason: "bad username or password"}
	ErrNotAuthorized               = Code{Code: 0x87, Reason: "not authorized"}
	ErrServerUnavailable           = Code{Code: 0x88, Reason: "server unavailable"}
	ErrServerBusy                  = Code{Code: 0x89, Reason: "server busy"}
	ErrBanned                      = Code{Code: 0x8A, Reason: "banned"}
	ErrServerShuttingDown          = Code{Code: 0x8B, Reason: "server shutting down"}
	ErrBadAuthenticationMethod     = Code{Code: 0x8C, Reason: "bad authentication method"}
	ErrKeepAliveTimeout            = Code{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver            = Code{Code: 0x8E, Reason: "session taken over"}
	ErrTopicFilterInvalid          = Code{Code: 0x8F, Reason: "topic filter invalid"}
	ErrTopicNameInvalid            = Code{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierInUse       = Code{Code: 0x91, Reason: "packet identifier in use"}
	ErrPacketIdentifierNotFound    = Code{Code: 0x92, Reason: "packet identifier not found"}
	ErrReceiveMaximum              = Code{Code: 0x93, Reason: "receive maximum exceeded"}
	ErrTopicAliasInvalid           = Code{Code: 0x94, Reason: "topic alias invalid"}
	ErrPacketTooLarge              = Code{Code: 0x95, Reason: "packet too large"}
	ErrMessageRateTooHigh          = Code{Code: 0x96, Reason: "message rate too high"}
	ErrQuotaExceeded               = Code{Code: 0x97, Reason: "quota exceeded"}
	ErrPendingClientWritesExceeded = Code{Code: 0x97, Reason: "too many pending writes"}
	ErrAdministrativeAction        = Code{Code: 0x98, Reason: "administrative action"}
	ErrPayloadFormatInvalid        = Code{Code: 0x99, Reason: "payload format invalid"}
	ErrRetainNotSupported          = Code{Code: 0x9A, Reason: "retain not supported"}
	ErrQosNotSupported             = Code{Code: 0x9B, Reason: "qos not supported"}
	ErrUseAnotherServer            = Code{Code: 0x9C, Reason: "use another server"}
	ErrServerMoved                 = Code{Code: 0x9D, Reason: "server moved"}
	ErrSharedSubscriptionsNotSupported = Code{Code: 0x9E, Reason: "shared subscriptions not supported"}
	ErrConnectionRateExceeded          = Code{Code: 0x9F, Reason: "connection rate exceeded"}
	ErrMaxConnectTime                  = Code{Code: 0xA0, Reason: "maximum connect time"}
	ErrSubscriptionIdentifiersNotSupported = Code{Code: 0xA1, Reason: "subscription identifiers not supported"}
	ErrWildcardSubscriptionsNotSupported   = Code{Code: 0xA2, Reason: "wildcard subscriptions not supported"}

	// V3 CONNACK return codes [v3 3.2.2.3], used when translating v5 codes down.
	Err3UnsupportedProtocolVersion = Code{Code: 0x01, Reason: "unacceptable protocol version"}
	Err3ClientIdentifierNotValid   = Code{Code: 0x02, Reason: "identifier rejected"}
	Err3ServerUnavailable          = Code{Code: 0x03, Reason: "server unavailable"}
	Err3BadUsernameOrPassword      = Code{Code: 0x04, Reason: "bad username or password"}
	Err3NotAuthorized              = Code{Code: 0x05, Reason: "not authorized"}
)

// V5CodesToV3 maps v5 connack reason codes to their v3.1.1 return code equivalents.
var V5CodesToV3 = map[Code]Code{
	ErrUnsupportedProtocolVersion: Err3UnsupportedProtocolVersion,
	ErrClientIdentifierNotValid:   Err3ClientIdentifierNotValid,
	ErrClientIdentifierTooLong:    Err3ClientIdentifierNotValid,
	ErrServerUnavailable:          Err3ServerUnavailable,
	ErrServerBusy:                 Err3ServerUnavailable,
	ErrServerShuttingDown:         Err3ServerUnavailable,
	ErrBadUsernameOrPassword:      Err3BadUsernameOrPassword,
	ErrNotAuthorized:              Err3NotAuthorized,
	ErrBanned:                     Err3NotAuthorized,
}
