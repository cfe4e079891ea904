//go:build linux || darwin

package socks5

import (
	"golang.org/x/sys/unix"
)

// enforceV6Only sets IPV6_V6ONLY on conn's socket. net.ListenUDP("udp6", ...)
// already restricts Go's own read/write path to IPv6, but this makes the
// restriction explicit at the socket-option level for platforms whose
// default differs, the same per-OS split the teacher uses for its service
// install/uninstall logic (service_linux.go / service_darwin.go).
func enforceV6Only(conn syscallConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return setErr
}
