// Package udpsession implements a connection-oriented abstraction over a
// single connectionless UDP socket: one goroutine owns the listener and
// demultiplexes inbound datagrams into per-source-endpoint sessions,
// each with a bounded, non-blocking-enqueue inbound queue.
package udpsession

import (
	"net"
	"sync"
)

// queueCapacity is the number of datagrams a session buffers before new
// arrivals are dropped.
const queueCapacity = 128

// Session represents one logical peer talking to the shared listener.
// It is created the first time a datagram arrives from a new remote
// endpoint and lives until the owning Server closes.
type Session struct {
	RemoteAddr net.Addr

	server *Server
	inbox  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Recv blocks for the next inbound datagram, or returns ok=false once
// the session (and its owning listener) has closed.
func (s *Session) Recv() (data []byte, ok bool) {
	select {
	case data, ok = <-s.inbox:
		if !ok {
			return nil, false
		}
		return data, true
	case <-s.closed:
		return nil, false
	}
}

// Send writes a datagram directly to the session's remote endpoint via
// the shared listener socket. Fails if the listener is closing.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	_, err := s.server.conn.WriteTo(data, s.RemoteAddr)
	return err
}

// IsClosing reports whether the session's listener has begun shutting
// down.
func (s *Session) IsClosing() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) feed(data []byte) {
	select {
	case s.inbox <- data:
	default:
		// Queue full: drop the newest datagram. The listener goroutine
		// must never block on a session.
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}
