//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly

package rserver

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen opens a TCP listener with SO_REUSEADDR set, matching the
// reference's acceptor.set_option(reuse_address(true)) so a restarted
// server can rebind a port still draining TIME_WAIT connections.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
