/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package proxy_handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/cacheproxy/pkg/admission"
	"github.com/pmkol/cacheproxy/pkg/cache"
	"github.com/pmkol/cacheproxy/pkg/httpreq"
	"github.com/pmkol/cacheproxy/pkg/pool"
	"github.com/pmkol/cacheproxy/pkg/upstream"
)

const (
	defaultMaxRequestSize = 4096
	defaultMaxElementSize = 10 << 10
	defaultClientTimeout  = 30 * time.Second
)

var nopLogger = zap.NewNop()

var headerEnd = []byte("\r\n\r\n")

// Connector opens upstream exchanges. *upstream.Connector implements it.
type Connector interface {
	Connect(ctx context.Context) (*upstream.Conn, error)
}

type HandlerOpts struct {
	// Cache, Connector and Gate are required.
	Cache     cache.Backend
	Connector Connector
	Gate      *admission.Gate

	// MaxElementSize bounds declared request bodies and the responses that
	// are kept for caching. Default is 10KiB.
	MaxElementSize int64

	// MaxRequestSize is the size of the buffer for the request line and
	// headers. Default is 4096.
	MaxRequestSize int

	// ClientTimeout bounds every read from and write to the client.
	// Default is 30s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this Handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Metrics is optional.
	Metrics *Metrics
}

func (opts *HandlerOpts) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Connector == nil {
		return errors.New("nil upstream connector")
	}
	if opts.Gate == nil {
		return errors.New("nil admission gate")
	}
	if opts.MaxElementSize <= 0 {
		opts.MaxElementSize = defaultMaxElementSize
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = defaultMaxRequestSize
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultClientTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Handler serves one client connection per ServeConn call.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

// ServeConn waits for an admission permit, serves the single request sent
// on c and closes c. c is always closed and the permit always returned,
// whatever happens to the request.
func (h *Handler) ServeConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	if err := h.opts.Gate.Acquire(ctx); err != nil {
		h.opts.Logger.Debug("admission canceled", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
		return
	}
	defer h.opts.Gate.Release()

	h.serve(ctx, c)
}

func (h *Handler) serve(ctx context.Context, c net.Conn) {
	buf := pool.GetBuf(h.opts.MaxRequestSize)
	defer buf.Release()

	raw, err := h.readHead(c, buf.Bytes())
	if err != nil {
		h.opts.Logger.Debug("client read failed", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
		return
	}

	req, err := httpreq.Parse(raw, h.opts.MaxElementSize)
	if err != nil && !errors.Is(err, httpreq.ErrEntityTooLarge) {
		h.reject(c, http.StatusBadRequest, nil, err)
		return
	}
	if req.Method != http.MethodGet {
		h.reject(c, http.StatusMethodNotAllowed, req, fmt.Errorf("method %s not allowed", req.Method))
		return
	}
	if err != nil {
		h.reject(c, http.StatusRequestEntityTooLarge, req, err)
		return
	}

	raw, err = h.readBody(c, raw, req)
	if err != nil {
		h.opts.Logger.Debug("client read body failed", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
		return
	}

	if payload, ok := h.opts.Cache.Get(req.Target); ok {
		h.opts.Metrics.request(resultHit)
		if err := h.write(c, payload); err != nil {
			h.opts.Logger.Debug("failed to write cached response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
			return
		}
		h.opts.Logger.Debug("cache hit", zap.String("target", req.Target), zap.Int("size", len(payload)))
		return
	}
	h.opts.Metrics.request(resultMiss)
	h.fetch(ctx, c, req, raw)
}

// fetch forwards raw to the upstream and relays the response to c,
// caching it if it is small enough.
func (h *Handler) fetch(ctx context.Context, c net.Conn, req *httpreq.Request, raw []byte) {
	uc, err := h.opts.Connector.Connect(ctx)
	if err != nil {
		h.opts.Metrics.upstreamErr(upstreamErrConnect)
		h.opts.Logger.Warn("upstream connect failed", zap.String("target", req.Target), zap.Error(err))
		h.reject(c, http.StatusBadGateway, req, err)
		return
	}
	defer uc.Close()

	if err := uc.Forward(raw); err != nil {
		h.opts.Metrics.upstreamErr(upstreamErrSend)
		h.opts.Logger.Warn("upstream forward failed", zap.String("target", req.Target), zap.Error(err))
		h.reject(c, http.StatusInternalServerError, req, err)
		return
	}

	acc := newAccumulator(h.opts.MaxElementSize)
	var sent int64
	n, err := uc.Relay(func(b []byte) error {
		if err := h.write(c, b); err != nil {
			return err
		}
		sent += int64(len(b))
		acc.add(b)
		return nil
	})
	h.opts.Metrics.relayed(n)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrClientWrite):
			h.opts.Logger.Debug("client went away during relay", zap.String("target", req.Target), zap.Int64("sent", sent), zap.Error(err))
		case sent == 0:
			h.opts.Metrics.upstreamErr(upstreamErrRecv)
			h.opts.Logger.Warn("upstream receive failed", zap.String("target", req.Target), zap.Error(err))
			h.reject(c, http.StatusInternalServerError, req, err)
		default:
			// Part of the response is already on the wire.
			h.opts.Metrics.upstreamErr(upstreamErrRecv)
			h.opts.Logger.Warn("upstream relay interrupted", zap.String("target", req.Target), zap.Int64("sent", sent), zap.Error(err))
		}
		return
	}

	if payload, ok := acc.bytes(); ok {
		stored := h.opts.Cache.Store(req.Target, payload)
		h.opts.Logger.Debug("response relayed", zap.String("target", req.Target), zap.Int64("size", n), zap.Bool("cached", stored))
		return
	}
	h.opts.Logger.Debug("response relayed, too large to cache", zap.String("target", req.Target), zap.Int64("size", n))
}

// readHead reads into b until the header block is complete or b is full.
// It fails if the client stops sending before the header block is complete.
func (h *Handler) readHead(c net.Conn, b []byte) ([]byte, error) {
	if err := c.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout)); err != nil {
		return nil, err
	}
	n := 0
	for n < len(b) {
		m, err := c.Read(b[n:])
		n += m
		if bytes.Contains(b[max(0, n-m-len(headerEnd)+1):n], headerEnd) {
			return b[:n], nil
		}
		if err != nil {
			if n == 0 && errors.Is(err, io.EOF) {
				return nil, errors.New("client closed without sending a request")
			}
			return nil, fmt.Errorf("incomplete request after %d bytes, %w", n, err)
		}
	}
	// Full buffer without terminator, let the parser reject it.
	return b[:n], nil
}

// readBody makes sure the declared body of req is present in the returned
// request bytes. The result does not alias the pooled head buffer.
func (h *Handler) readBody(c net.Conn, raw []byte, req *httpreq.Request) ([]byte, error) {
	want := req.ExpectedLen()
	if int64(len(raw)) >= want {
		return append([]byte(nil), raw[:want]...), nil
	}

	out := make([]byte, want)
	copy(out, raw)
	if err := c.SetReadDeadline(time.Now().Add(h.opts.ClientTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c, out[len(raw):]); err != nil {
		return nil, fmt.Errorf("incomplete request body, %w", err)
	}
	return out, nil
}

func (h *Handler) write(c net.Conn, b []byte) error {
	if err := c.SetWriteDeadline(time.Now().Add(h.opts.ClientTimeout)); err != nil {
		return err
	}
	_, err := c.Write(b)
	return err
}

// reject sends a minimal error response. req may be nil.
func (h *Handler) reject(c net.Conn, code int, req *httpreq.Request, cause error) {
	h.opts.Metrics.request(resultRejected)
	h.opts.Metrics.errorResponse(code)

	fields := []zap.Field{zap.Stringer("from", c.RemoteAddr()), zap.Int("status", code), zap.Error(cause)}
	if req != nil {
		fields = append(fields, zap.String("method", req.Method), zap.String("target", req.Target))
	}
	h.opts.Logger.Debug("request rejected", fields...)

	if err := h.write(c, errorResponse(code)); err != nil {
		h.opts.Logger.Debug("failed to write error response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
	}
}
