package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

const (
	defaultAddr      = "localhost:3000"
	defaultTimeout   = 5 * time.Second
	defaultChunkSize = 4096
)

var (
	ErrConnect     = errors.New("upstream connect failed")
	ErrSend        = errors.New("upstream send failed")
	ErrRecv        = errors.New("upstream receive failed")
	ErrClientWrite = errors.New("client write failed")
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Addr is the "host:port" of the upstream server. Default is localhost:3000.
	Addr string

	// DialTimeout, ReadTimeout and WriteTimeout bound every single network
	// operation. Default is 5s each.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Socks5 optionally specifies a "host:port" socks5 proxy used to reach Addr.
	Socks5     string
	S5Username string
	S5Password string

	// ChunkSize is the size of a single relay read. Default is 4096.
	ChunkSize int

	// Logger is the *zap.Logger for this Connector.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if len(opts.Addr) == 0 {
		opts.Addr = defaultAddr
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if _, _, err := net.SplitHostPort(opts.Addr); err != nil {
		return fmt.Errorf("invalid upstream addr %s, %w", opts.Addr, err)
	}
	return nil
}

// Connector opens connections to the one configured upstream. The Host
// header of a request never changes the destination.
type Connector struct {
	opts   Opts
	dialer proxy.ContextDialer
}

func NewConnector(opts Opts) (*Connector, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	var d proxy.ContextDialer = &net.Dialer{Timeout: opts.DialTimeout}
	if len(opts.Socks5) > 0 {
		var auth *proxy.Auth
		if len(opts.S5Username) > 0 || len(opts.S5Password) > 0 {
			auth = &proxy.Auth{User: opts.S5Username, Password: opts.S5Password}
		}
		s5, err := proxy.SOCKS5("tcp", opts.Socks5, auth, &net.Dialer{Timeout: opts.DialTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to init socks5 dialer, %w", err)
		}
		cd, ok := s5.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support context")
		}
		d = cd
	}
	return &Connector{opts: opts, dialer: d}, nil
}

func (c *Connector) Addr() string {
	return c.opts.Addr
}

// Connect opens a new connection to the upstream. Errors wrap ErrConnect.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	nc, err := c.dialer.DialContext(dialCtx, "tcp", c.opts.Addr)
	if err != nil {
		c.opts.Logger.Debug("upstream dial failed", zap.String("addr", c.opts.Addr), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return NewConn(nc, c.opts), nil
}
