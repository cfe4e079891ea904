package socks5

import (
	"bytes"
	"net"
	"sync"
	"syscall"

	"github.com/postalsys/socks5d/internal/socksaddr"
	"github.com/postalsys/socks5d/internal/socksproxy"
	"github.com/postalsys/socks5d/internal/udpsession"
)

// UDPHeader is the envelope SOCKS5 wraps around every UDP ASSOCIATE
// datagram (RFC 1928 §7): 2 reserved bytes, a fragment number we never
// support, then a destination address.
type UDPHeader struct {
	Frag byte
	Addr socksaddr.Address
}

// syscallConn is the subset of net.UDPConn that exposes the raw file
// descriptor for socket-option calls.
type syscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// ParseUDPHeader parses the header from a raw client datagram, returning
// the header and the payload that follows it.
func ParseUDPHeader(data []byte) (UDPHeader, []byte, error) {
	if len(data) < 4 {
		return UDPHeader{}, nil, socksproxy.NewError(socksproxy.KindInvalidUDPPacket)
	}
	if data[0] != 0 || data[1] != 0 {
		return UDPHeader{}, nil, socksproxy.NewError(socksproxy.KindInvalidUDPPacket)
	}
	frag := data[2]
	if frag != 0 {
		return UDPHeader{}, nil, socksproxy.NewError(socksproxy.KindFragmentationNotSupported)
	}

	r := bytes.NewReader(data[3:])
	addr, err := socksaddr.Parse(r)
	if err != nil {
		return UDPHeader{}, nil, err
	}

	payload := make([]byte, r.Len())
	r.Read(payload)

	return UDPHeader{Frag: frag, Addr: addr}, payload, nil
}

// BuildUDPHeader packs the RSV+FRAG+address envelope in front of payload.
func BuildUDPHeader(addr socksaddr.Address, payload []byte) ([]byte, error) {
	body, err := addr.Pack()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 3+len(body)+len(payload))
	out = append(out, 0, 0, 0)
	out = append(out, body...)
	out = append(out, payload...)
	return out, nil
}

// resolveCache maps a destination's wire form to its resolved UDP
// address for the lifetime of one association. There is deliberately no
// eviction: an association is short-lived and the whole cache is
// discarded when it closes.
type resolveCache struct {
	mu      sync.Mutex
	entries map[string]*net.UDPAddr
}

func newResolveCache() *resolveCache {
	return &resolveCache{entries: make(map[string]*net.UDPAddr)}
}

func (c *resolveCache) resolve(addr socksaddr.Address) (*net.UDPAddr, error) {
	key := addr.String()

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	resolved, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = resolved
	c.mu.Unlock()

	return resolved, nil
}

func (c *resolveCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// udpAssociation owns the client-facing ingress socket plus the two
// shared egress sockets (one IPv4, one IPv6) for a single UDP ASSOCIATE
// request. Grounded on the dual-stack "one IPv4 + one IPv6 datagram
// endpoint per association" design of the Python original's
// handle_udp: both transports are opened up front and shared by every
// destination the client talks to through this association.
type udpAssociation struct {
	ingress *udpsession.Server

	egressV4 *net.UDPConn
	egressV6 *net.UDPConn

	cache *resolveCache

	clientSession *udpsession.Session
	clientMu      sync.Mutex

	done chan struct{}

	metrics Metrics
}

func newUDPAssociation(bindIP net.IP, expectedClientIP net.IP, metrics Metrics) (*udpAssociation, error) {
	ingressConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, err
	}

	egressV4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		ingressConn.Close()
		return nil, err
	}

	egressV6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: 0})
	if err != nil {
		ingressConn.Close()
		egressV4.Close()
		return nil, err
	}
	if err := enforceV6Only(egressV6); err != nil {
		ingressConn.Close()
		egressV4.Close()
		egressV6.Close()
		return nil, err
	}

	a := &udpAssociation{
		egressV4: egressV4,
		egressV6: egressV6,
		cache:    newResolveCache(),
		done:     make(chan struct{}),
		metrics:  metrics,
	}

	admit := func(remote net.Addr) bool {
		if expectedClientIP == nil || expectedClientIP.IsUnspecified() {
			return true
		}
		host, _, err := net.SplitHostPort(remote.String())
		if err != nil {
			return false
		}
		return net.ParseIP(host).Equal(expectedClientIP)
	}

	a.ingress = udpsession.New(ingressConn, a.onClientSession, admit)

	go a.egressReadLoop(a.egressV4, false)
	go a.egressReadLoop(a.egressV6, true)

	return a, nil
}

// LocalAddr is the address the client should send its UDP datagrams to.
func (a *udpAssociation) LocalAddr() net.Addr {
	return a.ingress.LocalAddr()
}

func (a *udpAssociation) onClientSession(sess *udpsession.Session) {
	a.clientMu.Lock()
	if a.clientSession == nil {
		a.clientSession = sess
	}
	a.clientMu.Unlock()

	for {
		data, ok := sess.Recv()
		if !ok {
			return
		}
		if !a.handleClientDatagram(data) {
			return
		}
	}
}

// handleClientDatagram forwards one client datagram to its destination.
// It returns false when the header cannot be parsed (including a
// non-zero FRAG), which ends the session's processing loop: later
// datagrams from that endpoint are no longer forwarded.
func (a *udpAssociation) handleClientDatagram(data []byte) bool {
	header, payload, err := ParseUDPHeader(data)
	if err != nil {
		a.metrics.RecordUDPDatagramDropped()
		return false
	}

	dest, err := a.cache.resolve(header.Addr)
	if err != nil {
		a.metrics.RecordUDPDatagramDropped()
		return true
	}

	egress := a.egressV4
	if dest.IP.To4() == nil {
		egress = a.egressV6
	}
	if _, err := egress.WriteToUDP(payload, dest); err != nil {
		a.metrics.RecordUDPDatagramDropped()
	}
	return true
}

// egressReadLoop relays datagrams arriving on one of the shared egress
// sockets back to the client, tagging the reply address type by which
// socket it arrived on (see socksaddr.FromSocketOrigin).
func (a *udpAssociation) egressReadLoop(conn *net.UDPConn, fromV6 bool) {
	buf := make([]byte, 65535)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.done:
				return
			default:
				continue
			}
		}

		a.clientMu.Lock()
		sess := a.clientSession
		a.clientMu.Unlock()
		if sess == nil {
			continue
		}

		replyAddr := socksaddr.FromSocketOrigin(remote.IP, uint16(remote.Port), fromV6)
		payload := make([]byte, n)
		copy(payload, buf[:n])

		packet, err := BuildUDPHeader(replyAddr, payload)
		if err != nil {
			continue
		}
		sess.Send(packet)
	}
}

// Close tears down both egress sockets and the ingress listener. Calls
// after the first are no-ops; the handler calls it when the TCP control
// connection closes.
func (a *udpAssociation) Close() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	a.ingress.Close()
	a.egressV4.Close()
	a.egressV6.Close()
}

// cacheSize reports the number of distinct destinations resolved during
// the association's lifetime. Nothing feeds it into the metrics sink.
func (a *udpAssociation) cacheSize() int {
	return a.cache.size()
}
