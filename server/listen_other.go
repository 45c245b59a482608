//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import (
	"context"
	"net"
)

// ListenReusable falls back to a plain listener where SO_REUSEPORT is not
// available; only one instance can own the client port there.
func ListenReusable(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
