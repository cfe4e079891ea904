// Package relay implements the bidirectional byte-stream copy shared by
// the SOCKS4 and SOCKS5 CONNECT handlers.
package relay

import (
	"io"
	"net"
)

// halfCloser is implemented by connections that support half-close
// (plain TCP). Signaling write-done on one side without tearing down
// the read side lets the peer finish draining its own direction.
type halfCloser interface {
	CloseWrite() error
}

const copyBufSize = 16 * 1024

// Copy relays data bidirectionally between client and target until both
// directions have reached EOF or errored. Each direction is served by
// its own goroutine; an EOF or peer-closed-for-write half-closes the
// destination side rather than tearing down the whole connection. TCP
// sockets have TCP_NODELAY set before the copy begins.
func Copy(client, target net.Conn) error {
	setNoDelay(client)
	setNoDelay(target)

	errCh := make(chan error, 2)

	go func() {
		_, err := io.CopyBuffer(target, client, make([]byte, copyBufSize))
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.CopyBuffer(client, target, make([]byte, copyBufSize))
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return err1
	}
	return err2
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}
