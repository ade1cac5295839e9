package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/cacheproxy/mlog"
	"github.com/pmkol/cacheproxy/pkg/admission"
	"github.com/pmkol/cacheproxy/pkg/cache"
	"github.com/pmkol/cacheproxy/pkg/cache/mem_cache"
	"github.com/pmkol/cacheproxy/pkg/safe_close"
	"github.com/pmkol/cacheproxy/pkg/server"
	"github.com/pmkol/cacheproxy/pkg/server/proxy_handler"
	"github.com/pmkol/cacheproxy/pkg/upstream"
)

type Proxy struct {
	logger *zap.Logger
	cfg    *Config

	cache     *mem_cache.MemCache
	gate      *admission.Gate
	connector *upstream.Connector
	server    *server.Server

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewProxy builds every component from cfg. Nothing is listening until
// Run is called.
func NewProxy(cfg *Config) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	p := &Proxy{
		logger:     lg,
		cfg:        cfg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	p.cache, err = mem_cache.NewMemCache(mem_cache.Opts{
		MaxSize:        cfg.Cache.MaxSize,
		MaxElementSize: cfg.Cache.MaxElementSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}

	p.connector, err = upstream.NewConnector(upstream.Opts{
		Addr:         cfg.UpstreamAddr(),
		DialTimeout:  cfg.UpstreamTimeout(),
		ReadTimeout:  cfg.UpstreamTimeout(),
		WriteTimeout: cfg.UpstreamTimeout(),
		Socks5:       cfg.Upstream.Socks5,
		S5Username:   cfg.Upstream.S5Username,
		S5Password:   cfg.Upstream.S5Password,
		Logger:       lg.Named("upstream"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstream connector, %w", err)
	}

	p.gate = admission.NewGate(cfg.Server.MaxClients)

	reg := p.GetMetricsReg()
	handlerMetrics, err := proxy_handler.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register handler metrics, %w", err)
	}
	if err := registerStateMetrics(reg, p.cache, p.gate); err != nil {
		return nil, fmt.Errorf("failed to register state metrics, %w", err)
	}

	h, err := proxy_handler.NewHandler(proxy_handler.HandlerOpts{
		Cache:          p.cache,
		Connector:      p.connector,
		Gate:           p.gate,
		MaxElementSize: cfg.Cache.MaxElementSize,
		MaxRequestSize: cfg.Server.MaxRequestSize,
		ClientTimeout:  cfg.ClientTimeout(),
		Logger:         lg.Named("handler"),
		Metrics:        handlerMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init handler, %w", err)
	}
	p.server = server.NewServer(server.ServerOpts{Logger: lg, Handler: h})

	p.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(p.metricsReg, promhttp.HandlerOpts{}))
	p.httpAPIMux.HandleFunc("/stats", p.serveStats)
	p.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	p.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	p.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	p.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	p.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return p, nil
}

// RunProxy builds a Proxy from cfg and runs it until it exits.
func RunProxy(cfg *Config) error {
	p, err := NewProxy(cfg)
	if err != nil {
		return err
	}
	return p.Run()
}

// Run binds the proxy listener and the optional api server, then blocks
// until Close is called or one of them fails. A failed bind is returned
// immediately.
func (p *Proxy) Run() error {
	addr := p.cfg.ListenAddr()
	l, err := server.Listen(context.Background(), addr, server.ListenOpts{ProxyProtocol: p.cfg.Server.ProxyProtocol})
	if err != nil {
		return fmt.Errorf("failed to start proxy server, %w", err)
	}
	p.startServer(l)

	if httpAddr := p.cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: p.httpAPIMux,
		}
		p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				p.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				p.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	<-p.sc.ReceiveCloseSignal()
	p.sc.Done()
	p.sc.CloseWait()
	p.cache.Close()
	p.logger.Info("proxy exited", zap.Error(p.sc.Err()))
	return p.sc.Err()
}

func (p *Proxy) startServer(l net.Listener) {
	p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			p.logger.Info("proxy server started",
				zap.Stringer("addr", l.Addr()),
				zap.String("upstream", p.connector.Addr()),
				zap.Int("max_clients", p.gate.Cap()),
			)
			errChan <- p.server.ServeTCP(l)
		}()
		select {
		case err := <-errChan:
			p.sc.SendCloseSignal(fmt.Errorf("proxy server exited, %w", err))
		case <-closeSignal:
		}
		// Closes the listener and live connections.
		p.server.Close()
	})
}

// Close asks a running proxy to shut down. Run returns after in-flight
// connections are finished.
func (p *Proxy) Close() {
	p.sc.SendCloseSignal(nil)
}

func (p *Proxy) GetSafeClose() *safe_close.SafeClose {
	return p.sc
}

func (p *Proxy) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("cacheproxy_", p.metricsReg)
}

func (p *Proxy) GetHTTPAPIMux() *http.ServeMux {
	return p.httpAPIMux
}

type statsResponse struct {
	Cache     cache.Stats    `json:"cache"`
	Admission admissionStats `json:"admission"`
}

type admissionStats struct {
	InUse int `json:"in_use"`
	Cap   int `json:"cap"`
}

func (p *Proxy) serveStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Cache:     p.cache.Stats(),
		Admission: admissionStats{InUse: p.gate.InUse(), Cap: p.gate.Cap()},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		p.logger.Warn("failed to write stats", zap.Error(err))
	}
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
