package socksaddr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Kind identifies which variant of the address union is populated.
type Kind byte

// Wire type bytes, shared by SOCKS5 requests and UDP headers.
const (
	KindIPv4   Kind = 0x01
	KindDomain Kind = 0x03
	KindIPv6   Kind = 0x04
)

// Address is a tagged union of the three SOCKS destination forms plus a
// port. Exactly one of IP (for KindIPv4/KindIPv6) or Domain (for
// KindDomain) is meaningful for a given Kind.
type Address struct {
	Kind   Kind
	IP     net.IP
	Domain string
	Port   uint16
}

// New builds an Address from a textual host, auto-detecting its kind in
// the order IPv4, IPv6, DomainName, per spec.
func New(host string, port uint16) Address {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return Address{Kind: KindIPv4, IP: v4, Port: port}
		}
		return Address{Kind: KindIPv6, IP: ip.To16(), Port: port}
	}
	return Address{Kind: KindDomain, Domain: host, Port: port}
}

// Host returns the textual form of the address, suitable for net.Dial.
func (a Address) Host() string {
	switch a.Kind {
	case KindIPv4, KindIPv6:
		return a.IP.String()
	default:
		return a.Domain
	}
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), fmt.Sprintf("%d", a.Port))
}

// ReadFrom reads a wire-encoded address from a stream: 1 byte type, body,
// then 2 bytes big-endian port.
func ReadFrom(r io.Reader) (Address, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return Address{}, err
	}

	addr := Address{Kind: Kind(kindByte[0])}

	switch addr.Kind {
	case KindIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, err
		}
		addr.IP = net.IP(buf)

	case KindIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, err
		}
		addr.IP = net.IP(buf)

	case KindDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return Address{}, err
		}
		domainLen := int(lenByte[0])
		if domainLen == 0 {
			return Address{}, ErrInvalidDomainName
		}
		buf := make([]byte, domainLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, err
		}
		addr.Domain = string(buf)

	default:
		return Address{}, ErrAddressTypeNotSupported
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Address{}, err
	}
	addr.Port = binary.BigEndian.Uint16(portBuf[:])

	return addr, nil
}

// WriteTo writes the wire encoding of addr to w, following it with a
// flush if w supports one.
func (a Address) WriteTo(w io.Writer) error {
	buf, err := a.Pack()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if f, ok := w.(*bufio.Writer); ok {
		return f.Flush()
	}
	return nil
}

// Parse decodes a wire-encoded address from an in-memory buffer reader.
// The bytes consumed are those read from r; anything after the port is
// left unread in r.
func Parse(r io.Reader) (Address, error) {
	return ReadFrom(r)
}

// Pack encodes the address to its wire form. Fails with
// ErrInvalidDomainName before emitting any bytes if a domain name is
// empty or exceeds 255 bytes when UTF-8 encoded.
func (a Address) Pack() ([]byte, error) {
	var body []byte

	switch a.Kind {
	case KindIPv4:
		v4 := a.IP.To4()
		if v4 == nil {
			return nil, ErrAddressTypeNotSupported
		}
		body = append([]byte{byte(KindIPv4)}, v4...)

	case KindIPv6:
		v6 := a.IP.To16()
		if v6 == nil {
			return nil, ErrAddressTypeNotSupported
		}
		body = append([]byte{byte(KindIPv6)}, v6...)

	case KindDomain:
		encoded := []byte(a.Domain)
		if len(encoded) == 0 || len(encoded) > 255 {
			return nil, ErrInvalidDomainName
		}
		body = make([]byte, 0, 2+len(encoded))
		body = append(body, byte(KindDomain), byte(len(encoded)))
		body = append(body, encoded...)

	default:
		return nil, ErrAddressTypeNotSupported
	}

	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, a.Port)
	return append(body, portBuf...), nil
}

// FromSocketOrigin builds a reply Address tagging it by which egress
// socket a datagram actually arrived on, rather than by inspecting the
// IP bytes. This preserves the source behavior spec.md §9 calls out
// verbatim: a datagram delivered over the IPv6 egress socket is always
// reported with an IPv6 address type, even if it carries an
// IPv4-mapped address (e.g. ::ffff:1.2.3.4) — Go's net.IP normalizes
// such addresses back to dotted-quad form, so the origin socket, not
// the byte pattern, is what distinguishes the two.
func FromSocketOrigin(ip net.IP, port uint16, fromV6Socket bool) Address {
	if fromV6Socket {
		return Address{Kind: KindIPv6, IP: ip.To16(), Port: port}
	}
	v4 := ip.To4()
	if v4 == nil {
		v4 = ip
	}
	return Address{Kind: KindIPv4, IP: v4, Port: port}
}
