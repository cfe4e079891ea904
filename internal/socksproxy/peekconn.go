package socksproxy

import (
	"bufio"
	"net"
	"time"
)

// halfCloser mirrors internal/relay's unexported interface locally so
// peekConn can forward CloseWrite to an underlying *net.TCPConn.
type halfCloser interface {
	CloseWrite() error
}

// peekConn wraps a net.Conn with a buffered reader so the dispatcher can
// inspect the first byte of a connection without consuming it from the
// stream the SOCKS4/SOCKS5 handlers subsequently read from.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, r: bufio.NewReader(c)}
}

// peekVersion returns the first byte of the stream without consuming it.
func (p *peekConn) peekVersion() (byte, error) {
	b, err := p.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// CloseWrite forwards half-close to the underlying TCP connection so
// internal/relay's half-close detection still works through this
// wrapper.
func (p *peekConn) CloseWrite() error {
	if hc, ok := p.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// SetDeadline, SetReadDeadline, SetWriteDeadline are promoted from the
// embedded net.Conn already; declared here only where behavior differs
// from the default promotion (none do), so no overrides are needed
// beyond Read/CloseWrite above.
var _ net.Conn = (*peekConn)(nil)

// idleDeadline is a convenience used by the dispatcher to bound how
// long it waits for the version byte before giving up on a connection
// that never speaks.
const idleDeadline = 30 * time.Second
