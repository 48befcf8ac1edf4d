//go:build !(linux || freebsd || openbsd || darwin || netbsd || dragonfly)

package rserver

import (
	"context"
	"net"
)

// listen falls back to a plain listener on platforms without the
// SO_REUSEADDR plumbing in listen_unix.go.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
