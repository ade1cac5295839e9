package coremain

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upstreamResp = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

// startUpstream serves upstreamResp to every connection.
func startUpstream(t *testing.T) (addr *net.TCPAddr, hits *atomic.Int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	hits = new(atomic.Int32)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			hits.Add(1)
			go func() {
				defer c.Close()
				b := make([]byte, 4096)
				if _, err := c.Read(b); err != nil {
					return
				}
				c.Write([]byte(upstreamResp))
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr), hits
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(upstream *net.TCPAddr) *Config {
	return &Config{
		Server:   ServerConfig{Addr: "127.0.0.1", MaxClients: 4, ClientTimeout: 5, MaxRequestSize: 4096},
		Upstream: UpstreamConfig{Host: upstream.IP.String(), Port: upstream.Port, Timeout: 2},
		Cache:    CacheConfig{MaxSize: 1 << 20, MaxElementSize: 10 << 10},
	}
}

func TestNewProxy_invalidConfig(t *testing.T) {
	_, err := NewProxy(&Config{})
	assert.Error(t, err)

	up, _ := startUpstream(t)
	cfg := testConfig(up)
	cfg.Server.Port = 8080
	cfg.Log.Level = "no_such_level"
	_, err = NewProxy(cfg)
	assert.Error(t, err)
}

func TestProxy_stats(t *testing.T) {
	up, _ := startUpstream(t)
	cfg := testConfig(up)
	cfg.Server.Port = 8080
	p, err := NewProxy(cfg)
	require.NoError(t, err)
	require.True(t, p.cache.Store("GET /x", []byte("payload")))

	rec := httptest.NewRecorder()
	p.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var s statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 1, s.Cache.Entries)
	assert.Equal(t, cfg.Cache.MaxSize, s.Cache.MaxSize)
	assert.Equal(t, 4, s.Admission.Cap)
	assert.Equal(t, 0, s.Admission.InUse)

	rec = httptest.NewRecorder()
	p.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cacheproxy_cache_entries 1")
	assert.Contains(t, rec.Body.String(), "cacheproxy_admission_capacity 4")
}

func TestProxy_Run(t *testing.T) {
	up, hits := startUpstream(t)
	cfg := testConfig(up)
	cfg.Server.Port = freePort(t)
	p, err := NewProxy(cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run() }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port))
	get := func() string {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return ""
		}
		defer c.Close()
		c.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Write([]byte("GET /index.html HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
			return ""
		}
		b, _ := io.ReadAll(c)
		return string(b)
	}

	require.Eventually(t, func() bool { return get() == upstreamResp }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, upstreamResp, get())
	assert.Equal(t, int32(1), hits.Load(), "second request must be a cache hit")
	assert.Equal(t, uint64(1), p.cache.Stats().Hits)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c.Write([]byte("POST / HTTP/1.1\r\n\r\n"))
	b, _ := io.ReadAll(c)
	c.Close()
	assert.True(t, strings.HasPrefix(string(b), "HTTP/1.1 405"))

	p.Close()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, 0, p.cache.Len(), "cache is released on exit")
}

func TestProxy_Run_bindFailure(t *testing.T) {
	up, _ := startUpstream(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(up)
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	// SO_REUSEADDR does not allow two listeners on one port.
	p, err := NewProxy(cfg)
	require.NoError(t, err)
	assert.Error(t, p.Run())
}
