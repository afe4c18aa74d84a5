//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package main

import (
	"context"
	"net"
)

func listenReusable(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
