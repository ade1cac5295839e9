package coremain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pmkol/cacheproxy/mlog"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	API      APIConfig      `yaml:"api"`
}

type ServerConfig struct {
	// Addr is the listen host. Empty means all interfaces.
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`

	ProxyProtocol  bool `yaml:"proxy_protocol"`   // accepting the PROXY protocol
	MaxClients     int  `yaml:"max_clients"`      // connections processed at the same time
	ClientTimeout  uint `yaml:"client_timeout"`   // (sec) client read/write timeout
	MaxRequestSize int  `yaml:"max_request_size"` // request line + headers buffer
}

type UpstreamConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Timeout    uint   `yaml:"timeout"` // (sec) connect/read/write timeout
	Socks5     string `yaml:"socks5"`
	S5Username string `yaml:"s5_username"`
	S5Password string `yaml:"s5_password"`
}

type CacheConfig struct {
	MaxSize        int64 `yaml:"max_size"`         // bytes
	MaxElementSize int64 `yaml:"max_element_size"` // bytes
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// defaultValues are registered as viper defaults, keyed by yaml path.
var defaultValues = map[string]any{
	"log.level":               "info",
	"server.addr":             "",
	"server.port":             8080,
	"server.proxy_protocol":   false,
	"server.max_clients":      10,
	"server.client_timeout":   30,
	"server.max_request_size": 4096,
	"upstream.host":           "localhost",
	"upstream.port":           3000,
	"upstream.timeout":        5,
	"cache.max_size":          200 << 20,
	"cache.max_element_size":  10 << 10,
}

func (c *Config) Validate() error {
	if err := validPort(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port, %w", err)
	}
	if err := validPort(c.Upstream.Port); err != nil {
		return fmt.Errorf("invalid upstream port, %w", err)
	}
	if len(c.Upstream.Host) == 0 {
		return errors.New("missing upstream host")
	}
	if c.Server.MaxClients <= 0 {
		return fmt.Errorf("invalid max clients %d", c.Server.MaxClients)
	}
	if c.Cache.MaxSize <= 0 || c.Cache.MaxElementSize <= 0 {
		return errors.New("cache sizes must be positive")
	}
	if c.Cache.MaxElementSize > c.Cache.MaxSize {
		return fmt.Errorf("max element size %d exceeds max cache size %d", c.Cache.MaxElementSize, c.Cache.MaxSize)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Addr, strconv.Itoa(c.Server.Port))
}

func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.Upstream.Host, strconv.Itoa(c.Upstream.Port))
}

func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.Server.ClientTimeout) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.Timeout) * time.Second
}

func validPort(p int) error {
	if p <= 0 || p > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", p)
	}
	return nil
}

// parsePort parses a port given on the command line.
func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port number %q, use 1-65535", s)
	}
	if err := validPort(p); err != nil {
		return 0, fmt.Errorf("invalid port number %q, use 1-65535", s)
	}
	return p, nil
}
