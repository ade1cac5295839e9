package server

import (
	"context"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

type ListenOpts struct {
	// ProxyProtocol accepts the PROXY protocol header in front of every
	// connection, so that client addresses survive an L4 load balancer.
	ProxyProtocol bool

	// ProxyHeaderTimeout bounds the wait for the PROXY header.
	// Default is 5s.
	ProxyHeaderTimeout time.Duration
}

// Listen opens a TCP listener on addr with SO_REUSEADDR set.
func Listen(ctx context.Context, addr string, opts ListenOpts) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s, %w", addr, err)
	}
	if !opts.ProxyProtocol {
		return l, nil
	}

	timeout := opts.ProxyHeaderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: timeout,
	}, nil
}
