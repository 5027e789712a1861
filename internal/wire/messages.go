// Package wire implements the SSH binary packet codec and the message
// builder/parser primitives (RFC 4251 §5, RFC 4253 §6).
package wire

// Message numbers (RFC 4250 §4.1).
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6

	MsgKexInit    byte = 20
	MsgNewKeys    byte = 21
	MsgKexDHInit  byte = 30
	MsgKexDHReply byte = 31

	MsgUserAuthRequest      byte = 50
	MsgUserAuthFailure      byte = 51
	MsgUserAuthSuccess      byte = 52
	MsgUserAuthBanner       byte = 53
	MsgUserAuthPKOK         byte = 60
	MsgUserAuthInfoRequest  byte = 60
	MsgUserAuthInfoResponse byte = 61

	MsgGlobalRequest           byte = 80
	MsgRequestSuccess          byte = 81
	MsgRequestFailure          byte = 82
	MsgChannelOpen             byte = 90
	MsgChannelOpenConfirmation byte = 91
	MsgChannelOpenFailure      byte = 92
	MsgChannelWindowAdjust     byte = 93
	MsgChannelData             byte = 94
	MsgChannelExtendedData     byte = 95
	MsgChannelEOF              byte = 96
	MsgChannelClose            byte = 97
	MsgChannelRequest          byte = 98
	MsgChannelSuccess          byte = 99
	MsgChannelFailure          byte = 100
)

// Disconnect reason codes (RFC 4253 §11.1).
const (
	DisconnectProtocolError        uint32 = 2
	DisconnectKeyExchangeFailed    uint32 = 3
	DisconnectMACError             uint32 = 5
	DisconnectHostKeyNotVerifiable uint32 = 9
	DisconnectByApplication        uint32 = 11
	DisconnectNoMoreAuthMethods    uint32 = 14
)

// IsTransportMessage reports whether msg belongs to the transport layer
// (1-49). These may be exchanged while a key exchange is in progress.
func IsTransportMessage(msg byte) bool {
	return msg >= 1 && msg <= 49
}

// MessageName returns a readable name for logging.
func MessageName(msg byte) string {
	switch msg {
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgIgnore:
		return "IGNORE"
	case MsgUnimplemented:
		return "UNIMPLEMENTED"
	case MsgDebug:
		return "DEBUG"
	case MsgServiceRequest:
		return "SERVICE_REQUEST"
	case MsgServiceAccept:
		return "SERVICE_ACCEPT"
	case MsgKexInit:
		return "KEXINIT"
	case MsgNewKeys:
		return "NEWKEYS"
	case MsgKexDHInit:
		return "KEXDH_INIT"
	case MsgKexDHReply:
		return "KEXDH_REPLY"
	case MsgUserAuthRequest:
		return "USERAUTH_REQUEST"
	case MsgUserAuthFailure:
		return "USERAUTH_FAILURE"
	case MsgUserAuthSuccess:
		return "USERAUTH_SUCCESS"
	case MsgUserAuthBanner:
		return "USERAUTH_BANNER"
	case MsgUserAuthInfoRequest:
		return "USERAUTH_PK_OK/INFO_REQUEST"
	case MsgUserAuthInfoResponse:
		return "USERAUTH_INFO_RESPONSE"
	case MsgGlobalRequest:
		return "GLOBAL_REQUEST"
	case MsgRequestSuccess:
		return "REQUEST_SUCCESS"
	case MsgRequestFailure:
		return "REQUEST_FAILURE"
	case MsgChannelOpen:
		return "CHANNEL_OPEN"
	case MsgChannelOpenConfirmation:
		return "CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFailure:
		return "CHANNEL_OPEN_FAILURE"
	case MsgChannelWindowAdjust:
		return "CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "CHANNEL_DATA"
	case MsgChannelExtendedData:
		return "CHANNEL_EXTENDED_DATA"
	case MsgChannelEOF:
		return "CHANNEL_EOF"
	case MsgChannelClose:
		return "CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "CHANNEL_FAILURE"
	default:
		return "UNKNOWN"
	}
}
