package upstream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pmkol/cacheproxy/pkg/pool"
)

// Conn is one upstream exchange.
type Conn struct {
	nc           net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	chunkSize    int
}

// NewConn wraps an established connection. Zero values in opts are
// replaced by defaults.
func NewConn(nc net.Conn, opts Opts) *Conn {
	_ = opts.Init()
	return &Conn{
		nc:           nc,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		chunkSize:    opts.ChunkSize,
	}
}

// Forward writes the raw request b to the upstream. Errors wrap ErrSend.
func (c *Conn) Forward(b []byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if _, err := c.nc.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// Relay reads the upstream response chunk by chunk and calls onChunk for each
// of them. The chunk is only valid during the call. Relay returns the number
// of bytes passed to onChunk.
//
// The response ends at EOF, or once a response with a Content-Length header
// has been fully received. Read errors wrap ErrRecv and onChunk errors wrap
// ErrClientWrite.
func (c *Conn) Relay(onChunk func(b []byte) error) (int64, error) {
	buf := pool.GetBuf(c.chunkSize)
	defer buf.Release()
	b := buf.Bytes()

	var (
		total int64
		rt    responseTracker
	)
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return total, fmt.Errorf("%w: %w", ErrRecv, err)
		}
		n, err := c.nc.Read(b)
		if n > 0 {
			total += int64(n)
			if werr := onChunk(b[:n]); werr != nil {
				return total, fmt.Errorf("%w: %w", ErrClientWrite, werr)
			}
			if rt.feed(b[:n]) {
				return total, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return 0, fmt.Errorf("%w: %w", ErrRecv, io.ErrUnexpectedEOF)
				}
				return total, nil
			}
			return total, fmt.Errorf("%w: %w", ErrRecv, err)
		}
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.nc.Close()
}
