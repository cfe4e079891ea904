// Package socksaddr implements the SOCKS address codec shared by the
// SOCKS4a and SOCKS5 handlers: a tagged union of IPv4, domain name, and
// IPv6 destinations, with a port.
package socksaddr

import "errors"

// Error kinds surfaced by the codec. Handlers map these to wire replies.
var (
	ErrAddressTypeNotSupported = errors.New("address type not supported")
	ErrInvalidDomainName       = errors.New("invalid domain name")
)
