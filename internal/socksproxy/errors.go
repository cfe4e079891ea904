// Package socksproxy provides the top-level dispatcher and shared error
// types for the SOCKS4/SOCKS4a/SOCKS5 proxy server.
package socksproxy

// Kind classifies a protocol-level failure so handlers can map it to the
// appropriate reply code without string matching.
type Kind int

const (
	// KindVersionMismatch is returned when a SOCKS5 greeting or request
	// carries a version byte other than 5.
	KindVersionMismatch Kind = iota
	// KindNoAcceptableAuthMethods is returned when a SOCKS5 client
	// offers no method this server supports.
	KindNoAcceptableAuthMethods
	// KindAddressTypeNotSupported names an ATYP byte outside
	// {0x01, 0x03, 0x04}. The address codec reports that case with
	// socksaddr.ErrAddressTypeNotSupported; no handler returns this Kind.
	KindAddressTypeNotSupported
	// KindCommandNotSupported is returned for a SOCKS5 CMD outside
	// CONNECT/BIND/UDP ASSOCIATE, or a SOCKS4 command other than
	// CONNECT/BIND.
	KindCommandNotSupported
	// KindInvalidDomainName is returned when a domain name is empty,
	// exceeds the protocol's length limit, or is not valid UTF-8/ASCII.
	KindInvalidDomainName
	// KindFragmentationNotSupported is returned for a non-zero FRAG
	// byte in a UDP ASSOCIATE datagram header.
	KindFragmentationNotSupported
	// KindInvalidUDPPacket is returned when a UDP datagram's header
	// cannot be parsed.
	KindInvalidUDPPacket
)

var kindMessages = map[Kind]string{
	KindVersionMismatch:           "version mismatch",
	KindNoAcceptableAuthMethods:   "no acceptable authentication methods",
	KindAddressTypeNotSupported:   "address type not supported",
	KindCommandNotSupported:       "command not supported",
	KindInvalidDomainName:         "invalid domain name",
	KindFragmentationNotSupported: "fragmentation not supported",
	KindInvalidUDPPacket:          "invalid udp packet received",
}

// Error is a protocol-level SOCKS error carrying a Kind that handlers use
// to pick the appropriate wire reply.
type Error struct {
	Kind Kind
}

// NewError returns a protocol Error of the given Kind.
func NewError(kind Kind) *Error {
	return &Error{Kind: kind}
}

func (e *Error) Error() string {
	if msg, ok := kindMessages[e.Kind]; ok {
		return msg
	}
	return "unknown socks error"
}
