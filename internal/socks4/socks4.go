// Package socks4 implements the SOCKS4 and SOCKS4a CONNECT handshake.
// BIND is parsed but always rejected; no other command is recognized.
package socks4

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/postalsys/socks5d/internal/relay"
	"github.com/postalsys/socks5d/internal/socksproxy"
)

// Command codes (RFC 1928 predecessor).
const (
	CmdConnect = 0x01
	CmdBind    = 0x02
)

// Reply codes. Every SOCKS4 reply is 8 bytes: a zero version byte, the
// reply code, 2 unused port bytes, and 4 unused address bytes.
const (
	ReplyGranted          = 0x5A
	ReplyRejectedOrFailed = 0x5B
)

// Dialer makes outbound connections on behalf of CONNECT requests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations.
type DirectDialer struct{}

// DialContext makes a direct TCP connection.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// Handler processes SOCKS4/SOCKS4a connections. It is stateless and
// safe for concurrent use across goroutines.
type Handler struct {
	dialer Dialer
	logger *slog.Logger
}

// NewHandler creates a SOCKS4 handler. dialer defaults to DirectDialer
// when nil.
func NewHandler(dialer Dialer) *Handler {
	if dialer == nil {
		dialer = &DirectDialer{}
	}
	return &Handler{dialer: dialer, logger: slog.Default()}
}

// SetLogger overrides the handler's logger.
func (h *Handler) SetLogger(logger *slog.Logger) {
	h.logger = logger
}

// Handle processes a single SOCKS4/SOCKS4a connection. The version byte
// has already been read by the caller (the dispatcher) to decide
// routing; this reads and discards it from the buffered stream before
// continuing with the command byte.
func (h *Handler) Handle(conn net.Conn) error {
	r := bufio.NewReader(conn)

	var verByte [1]byte
	if _, err := io.ReadFull(r, verByte[:]); err != nil {
		return err
	}

	var cmdByte [1]byte
	if _, err := io.ReadFull(r, cmdByte[:]); err != nil {
		return err
	}
	cmd := cmdByte[0]

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return err
	}
	port := uint16(portBuf[0])<<8 | uint16(portBuf[1])

	var ipBuf [4]byte
	if _, err := io.ReadFull(r, ipBuf[:]); err != nil {
		return err
	}

	// userid, discarded.
	if _, err := r.ReadBytes(0x00); err != nil {
		return err
	}

	host, err := h.resolveHost(r, ipBuf)
	if err != nil {
		return err
	}

	switch cmd {
	case CmdConnect:
		return h.handleConnect(conn, r, host, port)
	case CmdBind:
		sendReply(conn, ReplyRejectedOrFailed)
		return fmt.Errorf("socks4 BIND not supported")
	default:
		sendReply(conn, ReplyRejectedOrFailed)
		return fmt.Errorf("%w: unsupported command %d", socksproxy.NewError(socksproxy.KindCommandNotSupported), cmd)
	}
}

// resolveHost applies SOCKS4a detection: if the IPv4 field's first 3
// octets are zero and the 4th is non-zero, a second NUL-terminated
// hostname string follows; otherwise the 4 bytes are a literal IPv4.
func (h *Handler) resolveHost(r *bufio.Reader, ipBuf [4]byte) (string, error) {
	if ipBuf[0] == 0 && ipBuf[1] == 0 && ipBuf[2] == 0 && ipBuf[3] != 0 {
		raw, err := r.ReadBytes(0x00)
		if err != nil {
			return "", err
		}
		name := string(raw[:len(raw)-1])
		if len(name) < 1 || len(name) > 255 || !utf8.ValidString(name) {
			return "", socksproxy.NewError(socksproxy.KindInvalidDomainName)
		}
		return name, nil
	}
	return net.IP(ipBuf[:]).String(), nil
}

// handleConnect dials the destination and, on success, relays
// bidirectionally; on failure it sends the generic rejection reply.
func (h *Handler) handleConnect(conn net.Conn, buffered io.Reader, host string, port uint16) error {
	targetAddr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target, err := h.dialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		sendReply(conn, ReplyRejectedOrFailed)
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer target.Close()

	if tcpConn, ok := target.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	if err := sendReply(conn, ReplyGranted); err != nil {
		return err
	}

	h.logger.Debug("tcp connect established", "remote_addr", targetAddr)
	err = relay.Copy(bufferedConn{Conn: conn, r: buffered}, target)
	h.logger.Debug("tcp connect closed", "remote_addr", targetAddr)
	return err
}

// sendReply writes the fixed 8-byte SOCKS4 reply.
func sendReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{0x00, rep, 0, 0, 0, 0, 0, 0})
	return err
}

// bufferedConn lets relay.Copy read through the bufio.Reader used to
// parse the handshake (which may hold buffered client bytes already
// past the handshake) while writing directly to the underlying conn.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
