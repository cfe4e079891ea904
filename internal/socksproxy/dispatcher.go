// Package socksproxy implements the top-level dispatcher: it accepts
// TCP connections, sniffs the first byte to decide SOCKS4 vs SOCKS5,
// and routes the rest of the stream to the matching handler. Grounded
// on _examples/original_source/socks.py's client_connected_cb (read one
// version byte, dispatch on 4 vs 5, log-and-continue on any handler
// error without killing the listener) and
// internal/socks5/server.go's acceptLoop/connTracker shape for the
// surrounding server lifecycle.
package socksproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// TCPHandler processes one dispatched TCP connection end to end.
type TCPHandler interface {
	Handle(conn net.Conn) error
}

// Metrics is the subset of internal/metrics.Metrics the dispatcher
// touches directly. Declared locally so this package stays free of a
// dependency on internal/metrics; cmd/socks5d supplies the concrete
// type.
type Metrics interface {
	RecordTCPConnect(protocol string)
	RecordTCPDisconnect()
}

type nopMetrics struct{}

func (nopMetrics) RecordTCPConnect(string) {}
func (nopMetrics) RecordTCPDisconnect()    {}

// Config configures a Dispatcher.
type Config struct {
	// Address to listen on, e.g. "0.0.0.0:1080".
	Address string

	// SOCKS4 and SOCKS5 handle the respective protocol versions once
	// the dispatcher has sniffed the first byte.
	SOCKS4 TCPHandler
	SOCKS5 TCPHandler

	// MetricsAddress, if non-empty, serves a Prometheus /metrics
	// endpoint on this address for the lifetime of the dispatcher.
	MetricsAddress string

	// ConnectionsPerSecond, if greater than zero, caps the rate at which
	// the accept loop hands connections off for handling; Burst sets the
	// token bucket's burst size (defaults to 1 if unset). Zero means
	// unlimited.
	ConnectionsPerSecond float64
	Burst                int

	Logger  *slog.Logger
	Metrics Metrics
}

// Dispatcher owns the TCP listener, the accept loop, the optional
// Prometheus metrics HTTP server, and graceful shutdown. Closing the
// dispatcher closes every connection it has ever accepted.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	listener   net.Listener
	metricsSrv *http.Server
	limiter    *rate.Limiter

	tracker *connTracker

	stopOnce      sync.Once
	stopCh        chan struct{}
	stopCtx       context.Context
	stopCtxCancel context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a Dispatcher. Start must be called to begin accepting
// connections.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	stopCtx, stopCtxCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:           cfg,
		logger:        cfg.Logger,
		tracker:       newConnTracker(),
		stopCh:        make(chan struct{}),
		stopCtx:       stopCtx,
		stopCtxCancel: stopCtxCancel,
	}
	if cfg.ConnectionsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSecond), burst)
	}
	return d
}

// Start binds the listener (and, if configured, the metrics server) and
// begins accepting connections in the background.
func (d *Dispatcher) Start(metricsHandler http.Handler) error {
	listener, err := net.Listen("tcp", d.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	d.listener = listener

	if d.cfg.MetricsAddress != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddress, Handler: mux}
		ln, err := net.Listen("tcp", d.cfg.MetricsAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("metrics listen: %w", err)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	d.wg.Add(1)
	go d.acceptLoop()

	return nil
}

// Addr returns the bound listener address.
func (d *Dispatcher) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Shutdown stops accepting new connections, closes every tracked
// connection, and stops the metrics server, respecting ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	var listenErr error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.stopCtxCancel()
		if d.listener != nil {
			listenErr = d.listener.Close()
		}
		if d.metricsSrv != nil {
			d.metricsSrv.Shutdown(ctx)
		}
		d.tracker.closeAll()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return listenErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionCount reports the number of connections currently being
// dispatched or handled.
func (d *Dispatcher) ConnectionCount() int64 {
	return d.tracker.count()
}

func (d *Dispatcher) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Error("accept failed", "error", err)
				continue
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(d.stopCtx); err != nil {
				conn.Close()
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		d.tracker.add(conn)
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn sniffs the version byte and routes to the matching
// handler. Any handler error is logged; the connection is always
// closed on exit, and the accept loop is never affected by a
// per-connection failure.
func (d *Dispatcher) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer d.tracker.remove(conn)
	defer conn.Close()
	defer d.cfg.Metrics.RecordTCPDisconnect()

	remote := conn.RemoteAddr()
	d.logger.Debug("client connected", "remote_addr", remote)
	defer d.logger.Debug("client disconnected", "remote_addr", remote)

	pc := newPeekConn(conn)
	conn.SetReadDeadline(time.Now().Add(idleDeadline))
	version, err := pc.peekVersion()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		d.logger.Debug("failed to read version byte", "remote_addr", remote, "error", err)
		return
	}

	var handler TCPHandler
	var protocol string
	switch version {
	case 4:
		handler, protocol = d.cfg.SOCKS4, "socks4"
	case 5:
		handler, protocol = d.cfg.SOCKS5, "socks5"
	default:
		d.logger.Error("version mismatch", "remote_addr", remote, "version", version)
		return
	}

	d.cfg.Metrics.RecordTCPConnect(protocol)
	defer d.cfg.Metrics.RecordTCPDisconnect()
	d.logger.Debug("dispatching request", "remote_addr", remote, "protocol", protocol)

	if err := handler.Handle(pc); err != nil {
		d.logger.Error("failed to handle socks request", "remote_addr", remote, "protocol", protocol, "error", err)
	}
}

// connTracker closes every connection it has ever been given, once,
// when the dispatcher shuts down. Grounded on internal/socks5's generic
// connTracker[T]; specialized to net.Conn here since a single
// dispatcher only ever tracks one concrete connection type.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	n     atomic.Int64
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

func (t *connTracker) add(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c] = struct{}{}
	t.n.Add(1)
}

func (t *connTracker) remove(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[c]; ok {
		delete(t.conns, c)
		t.n.Add(-1)
	}
}

func (t *connTracker) count() int64 {
	return t.n.Load()
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		c.Close()
	}
	t.conns = make(map[net.Conn]struct{})
	t.n.Store(0)
}
