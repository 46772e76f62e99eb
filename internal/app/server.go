package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricepush/pkg/logx"
)

// opsServer manages the lifecycle of the operational HTTP listener
// (/metrics, /healthz, /status).
type opsServer struct {
	mu     sync.Mutex
	log    logx.Logger
	gather prometheus.Gatherer
	status func() any
	health func() error

	srv *http.Server
	ln  net.Listener
	cur opsConfig
}

type opsConfig struct {
	Enabled bool
	Address string
	Pprof   bool
}

func newOpsServer(g prometheus.Gatherer, status func() any, health func() error, log logx.Logger) *opsServer {
	return &opsServer{
		log:    log.With(logx.String("comp", "ops")),
		gather: g,
		status: status,
		health: health,
	}
}

func (o *opsServer) handler(withPprof bool) http.Handler {
	mux := http.NewServeMux()
	if withPprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(o.gather, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := o.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(o.status()); err != nil {
			o.log.Warn("status encode failed", logx.Err(err))
		}
	})
	return mux
}

// Apply starts, restarts or stops the listener according to cfg.
func (o *opsServer) Apply(ctx context.Context, cfg opsConfig) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:9090"
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if !cfg.Enabled {
		o.stopLocked(ctx)
		return
	}
	if o.srv != nil && o.cur == cfg {
		return
	}
	o.stopLocked(ctx)
	o.startLocked(cfg)
}

func (o *opsServer) startLocked(cfg opsConfig) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		o.log.Warn("ops listen failed", logx.String("addr", cfg.Address), logx.Err(err))
		return
	}
	srv := &http.Server{Handler: o.handler(cfg.Pprof), ReadHeaderTimeout: 5 * time.Second}
	o.srv, o.ln, o.cur = srv, ln, cfg

	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Warn("ops server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	o.log.Info("ops server listening", logx.String("addr", bound), logx.Bool("pprof", cfg.Pprof))
}

func (o *opsServer) Stop(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked(ctx)
}

func (o *opsServer) stopLocked(ctx context.Context) {
	if o.srv == nil {
		return
	}
	srv, ln := o.srv, o.ln
	o.srv, o.ln, o.cur = nil, nil, opsConfig{}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		o.log.Warn("ops shutdown error", logx.Err(err))
	}
	_ = ln.Close()
	o.log.Info("ops server stopped")
}

// Addr reports the bound address while running.
func (o *opsServer) Addr() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ln == nil {
		return ""
	}
	return o.ln.Addr().String()
}
