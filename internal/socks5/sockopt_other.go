//go:build !linux && !darwin

package socks5

// enforceV6Only is a no-op on platforms without a golang.org/x/sys/unix
// socket-option binding; net.ListenUDP("udp6", ...) already keeps the
// egress socket IPv6-only at the Go runtime level there.
func enforceV6Only(conn syscallConn) error {
	return nil
}
