/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Delay before accepting again after a temporary accept error.
const acceptRetryDelay = 5 * time.Millisecond

// onceCloseConn makes Close idempotent, so that the handler and a
// concurrent Server.Close close the socket only once.
type onceCloseConn struct {
	net.Conn
	once sync.Once
	err  error
}

func (c *onceCloseConn) Close() error {
	c.once.Do(func() {
		c.err = c.Conn.Close()
	})
	return c.err
}

// ServeTCP accepts connections from l and serves each of them in its own
// goroutine. It returns ErrServerClosed once the Server is closed.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				s.opts.Logger.Warn("accept failed, skipping connection", zap.Error(err))
				time.Sleep(acceptRetryDelay)
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		tc := &onceCloseConn{Conn: c}
		if !s.trackCloser(tc, true) {
			tc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.handleConnectionTcp(ctx, handler, tc)
	}
}

func (s *Server) handleConnectionTcp(ctx context.Context, h ConnHandler, c *onceCloseConn) {
	defer s.wg.Done()
	defer s.trackCloser(c, false)
	defer c.Close()

	s.opts.Logger.Debug("new connection", zap.Stringer("from", c.RemoteAddr()))
	h.ServeConn(ctx, c)
}

// isTemporary reports whether err is a non fatal accept error such as
// running out of file descriptors.
func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}
