package udpsession

import (
	"net"
	"sync"
)

const maxDatagramSize = 65535

// OnNewSession is invoked once, in its own goroutine, the first time a
// datagram arrives from a remote endpoint the Server has not seen
// before. The first datagram is already delivered through sess.Recv().
type OnNewSession func(sess *Session)

// Server owns a single net.PacketConn and demultiplexes inbound
// datagrams into per-remote-endpoint Sessions.
type Server struct {
	conn    net.PacketConn
	onNew   OnNewSession
	admit   func(remote net.Addr) bool

	mu       sync.Mutex
	sessions map[string]*Session

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New starts demultiplexing datagrams on conn. onNew is called for each
// newly observed remote endpoint. admit, if non-nil, is consulted
// before a session is created; returning false drops the datagram
// silently without ever creating a session or invoking onNew — used for
// the UDP ASSOCIATE source-IP check (spec.md §4.8, §9).
func New(conn net.PacketConn, onNew OnNewSession, admit func(remote net.Addr) bool) *Server {
	s := &Server{
		conn:     conn,
		onNew:    onNew,
		admit:    admit,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

// LocalAddr returns the listener's bound address.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close shuts down the listener socket. Every live session observes
// Recv return ok=false; no further sessions are created.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()

		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.teardown()
		}
		s.sessions = make(map[string]*Session)
		s.mu.Unlock()
	})
	s.wg.Wait()
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		key := remote.String()

		s.mu.Lock()
		sess, exists := s.sessions[key]
		if !exists {
			if s.admit != nil && !s.admit(remote) {
				s.mu.Unlock()
				continue
			}
			sess = &Session{
				RemoteAddr: remote,
				server:     s,
				inbox:      make(chan []byte, queueCapacity),
				closed:     make(chan struct{}),
			}
			s.sessions[key] = sess
		}
		s.mu.Unlock()

		sess.feed(payload)

		if !exists {
			go s.onNew(sess)
		}
	}
}
