package main

import (
	"fmt"
	"net"

	"golang.org/x/net/netutil"
)

// listen opens the API listener. A positive max caps concurrently accepted
// connections; further clients wait in the kernel backlog.
func listen(addr string, max int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if max > 0 {
		return netutil.LimitListener(ln, max), nil
	}
	return ln, nil
}
