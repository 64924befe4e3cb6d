package packet

import "fmt"

// ReasonCode is an MQTT v5 reason code (v3.1.1 CONNACK return codes share the
// shape). It implements error so protocol failures can carry their wire code
// through ordinary error returns.
type ReasonCode struct {
	Code   uint8
	Reason string
}

func (rc ReasonCode) Error() string {
	return fmt.Sprintf("0x%02X:%s", rc.Code, rc.Reason)
}

// Is lets errors.Is match two reason codes by code alone.
func (rc ReasonCode) Is(target error) bool {
	t, ok := target.(ReasonCode)
	return ok && t.Code == rc.Code
}

// MQTT 3.1.1 CONNACK return codes (3.2.2.3).
var (
	Err3UnsupportedProtocolVersion = ReasonCode{Code: 0x01, Reason: "unacceptable protocol version"}
	Err3ClientIdentifierNotValid   = ReasonCode{Code: 0x02, Reason: "identifier rejected"}
	Err3ServerUnavailable          = ReasonCode{Code: 0x03, Reason: "server unavailable"}
	Err3BadUsernameOrPassword      = ReasonCode{Code: 0x04, Reason: "bad user name or password"}
	Err3NotAuthorized              = ReasonCode{Code: 0x05, Reason: "not authorized"}
)

// MQTT 5.0 reason codes (2.4, 4.13).
var (
	Success      = ReasonCode{Code: 0x00, Reason: "success"}
	GrantedQoS0  = ReasonCode{Code: 0x00, Reason: "granted QoS 0"}
	GrantedQoS1  = ReasonCode{Code: 0x01, Reason: "granted QoS 1"}
	GrantedQoS2  = ReasonCode{Code: 0x02, Reason: "granted QoS 2"}
	DisconnectWithWill = ReasonCode{Code: 0x04, Reason: "disconnect with will message"}

	ErrNoMatchingSubscribers  = ReasonCode{Code: 0x10, Reason: "no matching subscribers"}
	ErrNoSubscriptionExisted  = ReasonCode{Code: 0x11, Reason: "no subscription existed"}
	ErrContinueAuthentication = ReasonCode{Code: 0x18, Reason: "continue authentication"}
	ReAuthenticate            = ReasonCode{Code: 0x19, Reason: "re-authenticate"}

	ErrUnspecifiedError               = ReasonCode{Code: 0x80, Reason: "unspecified error"}
	ErrMalformedPacket                = ReasonCode{Code: 0x81, Reason: "malformed packet"}
	ErrProtocolError                  = ReasonCode{Code: 0x82, Reason: "protocol error"}
	ErrImplementationSpecificError    = ReasonCode{Code: 0x83, Reason: "implementation specific error"}
	ErrUnsupportedProtocolVersion     = ReasonCode{Code: 0x84, Reason: "unsupported protocol version"}
	ErrClientIdentifierNotValid       = ReasonCode{Code: 0x85, Reason: "client identifier not valid"}
	ErrBadUsernameOrPassword          = ReasonCode{Code: 0x86, Reason: "bad user name or password"}
	ErrNotAuthorized                  = ReasonCode{Code: 0x87, Reason: "not authorized"}
	ErrServerUnavailable              = ReasonCode{Code: 0x88, Reason: "server unavailable"}
	ErrServerBusy                     = ReasonCode{Code: 0x89, Reason: "server busy"}
	ErrBanned                         = ReasonCode{Code: 0x8A, Reason: "banned"}
	ErrServerShuttingDown             = ReasonCode{Code: 0x8B, Reason: "server shutting down"}
	ErrBadAuthenticationMethod        = ReasonCode{Code: 0x8C, Reason: "bad authentication method"}
	ErrKeepAliveTimeout               = ReasonCode{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver               = ReasonCode{Code: 0x8E, Reason: "session taken over"}
	ErrTopicFilterInvalid             = ReasonCode{Code: 0x8F, Reason: "topic filter invalid"}
	ErrTopicNameInvalid               = ReasonCode{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierInUse          = ReasonCode{Code: 0x91, Reason: "packet identifier in use"}
	ErrPacketIdentifierNotFound       = ReasonCode{Code: 0x92, Reason: "packet identifier not found"}
	ErrReceiveMaximumExceeded         = ReasonCode{Code: 0x93, Reason: "receive maximum exceeded"}
	ErrTopicAliasInvalid              = ReasonCode{Code: 0x94, Reason: "topic alias invalid"}
	ErrPacketTooLarge                 = ReasonCode{Code: 0x95, Reason: "packet too large"}
	ErrMessageRateTooHigh             = ReasonCode{Code: 0x96, Reason: "message rate too high"}
	ErrQuotaExceeded                  = ReasonCode{Code: 0x97, Reason: "quota exceeded"}
	ErrAdministrativeAction           = ReasonCode{Code: 0x98, Reason: "administrative action"}
	ErrPayloadFormatInvalid           = ReasonCode{Code: 0x99, Reason: "payload format invalid"}
	ErrRetainNotSupported             = ReasonCode{Code: 0x9A, Reason: "retain not supported"}
	ErrQoSNotSupported                = ReasonCode{Code: 0x9B, Reason: "QoS not supported"}
	ErrUseAnotherServer               = ReasonCode{Code: 0x9C, Reason: "use another server"}
	ErrServerMoved                    = ReasonCode{Code: 0x9D, Reason: "server moved"}
	ErrSharedSubscriptionsNotSupported = ReasonCode{Code: 0x9E, Reason: "shared subscriptions not supported"}
	ErrConnectionRateExceeded         = ReasonCode{Code: 0x9F, Reason: "connection rate exceeded"}
	ErrMaximumConnectTime             = ReasonCode{Code: 0xA0, Reason: "maximum connect time"}
	ErrSubscriptionIDsNotSupported    = ReasonCode{Code: 0xA1, Reason: "subscription identifiers not supported"}
	ErrWildcardSubscriptionsNotSupported = ReasonCode{Code: 0xA2, Reason: "wildcard subscriptions not supported"}
)

// Codec-internal malformed-packet variants. They all unwrap to the 0x81 and
// 0x82 wire codes but keep a distinct reason for logs.
var (
	ErrMalformedProtocolName   = ReasonCode{Code: 0x81, Reason: "malformed protocol name"}
	ErrMalformedProtocolVersion = ReasonCode{Code: 0x84, Reason: "malformed protocol version"}
	ErrMalformedFlags          = ReasonCode{Code: 0x81, Reason: "malformed fixed header flags"}
	ErrMalformedProperties     = ReasonCode{Code: 0x81, Reason: "malformed properties"}
	ErrMalformedPassword       = ReasonCode{Code: 0x81, Reason: "password flag set without user name"}
	ErrMalformedReasonCode     = ReasonCode{Code: 0x81, Reason: "malformed reason code"}
	ErrQoSOutOfRange           = ReasonCode{Code: 0x81, Reason: "QoS out of range"}
	ErrNoTopicFilter           = ReasonCode{Code: 0x82, Reason: "subscribe carries no topic filter"}
)
