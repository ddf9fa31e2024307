//go:build linux

// Package supervisor wires the address codec, socket facade, event core,
// balancer, and listener packages together at startup: it owns
// the InterfacePool and the set of listening endpoints, and hands control
// to the event core's Run once everything is registered.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchng/netdispatch/internal/balancer"
	"github.com/dispatchng/netdispatch/internal/evcore"
	"github.com/dispatchng/netdispatch/internal/listener"
	"github.com/dispatchng/netdispatch/internal/netaddr"
)

// PoolEntry is one `addr@metric` CLI argument, already parsed.
type PoolEntry struct {
	Source netaddr.HostAddress
	Metric uint32
}

// Config supplies the Supervisor its full startup configuration. Logger and
// Clock are optional, filled with defaults by Validate; Pool is required
// (Validate rejects an empty pool).
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// BindAddrs is the set of inbound endpoints to listen on. If empty,
	// Validate fills in the defaults: 127.0.0.1:1080 and [::1]:1080.
	BindAddrs []netaddr.SocketAddress

	// Pool is the administrator-supplied source interface list. Must be
	// non-empty or startup fails.
	Pool []PoolEntry

	// MetricsAddr, if non-empty, starts a /metrics HTTP server on this
	// address. Empty disables it.
	MetricsAddr string

	// Registerer overrides the Prometheus registerer metrics are recorded
	// against; nil uses prometheus.DefaultRegisterer. Tests supply an
	// isolated registry to avoid collisions between Supervisor instances.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config with the default loopback listeners and
// no pool entries; callers must still supply Pool.
func DefaultConfig() *Config {
	return &Config{
		BindAddrs: defaultBindAddrs(),
	}
}

func defaultBindAddrs() []netaddr.SocketAddress {
	loopback4, _ := netaddr.ParseSocket("127.0.0.1:1080")
	loopback6, _ := netaddr.ParseSocket("[::1]:1080")
	return []netaddr.SocketAddress{loopback4, loopback6}
}

// Validate fills in defaults and rejects a configuration that cannot start.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.BindAddrs) == 0 {
		c.BindAddrs = defaultBindAddrs()
	}
	if len(c.Pool) == 0 {
		return errors.New("interface pool is empty: at least one addr@metric is required")
	}
	for _, e := range c.Pool {
		if e.Metric < 1 {
			return fmt.Errorf("interface %s: metric must be >= 1, got %d", netaddr.FormatHost(e.Source), e.Metric)
		}
	}
	return nil
}

// Supervisor owns the pool, the event core, and the listener set for one
// running process.
type Supervisor struct {
	log  *slog.Logger
	core *evcore.Core
	pool *balancer.Pool

	listeners []*listener.Listener
	metrics   *Metrics

	metricsAddr string
	gatherer    prometheus.Gatherer
	metricsSrv  *http.Server
}

// New builds and registers every component but does not yet call Run. The
// pool and listeners are live (bound/listening) once New returns
// successfully.
func New(cfg *Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}

	core, err := evcore.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create event core: %w", err)
	}

	pool := balancer.NewPool()
	for _, e := range cfg.Pool {
		if _, err := pool.Add(e.Source, e.Metric); err != nil {
			core.Close()
			return nil, fmt.Errorf("add interface %s: %w", netaddr.FormatHost(e.Source), err)
		}
	}

	reg := cfg.Registerer
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	metrics := NewMetrics(reg)
	pool.SetObserver(func(iface *balancer.Interface) {
		metrics.ObserveBalancer(netaddr.FormatHost(iface.Source), iface.Source.Family().String(), iface.InUse())
	})
	pool.Each(func(iface *balancer.Interface) {
		metrics.ObserveBalancer(netaddr.FormatHost(iface.Source), iface.Source.Family().String(), iface.InUse())
	})

	s := &Supervisor{
		log:         cfg.Logger,
		core:        core,
		pool:        pool,
		metrics:     metrics,
		metricsAddr: cfg.MetricsAddr,
		gatherer:    gatherer,
	}

	for _, addr := range cfg.BindAddrs {
		lis, err := listener.New(listener.Config{
			Logger:  cfg.Logger,
			Core:    core,
			Pool:    pool,
			Metrics: metrics,
			Clock:   cfg.Clock,
			Addr:    addr,
		})
		if err != nil {
			s.closeListeners()
			core.Close()
			return nil, fmt.Errorf("listen on %s: %w", netaddr.FormatSocket(addr), err)
		}
		if err := lis.Start(); err != nil {
			lis.Close()
			s.closeListeners()
			core.Close()
			return nil, fmt.Errorf("register listener on %s: %w", netaddr.FormatSocket(addr), err)
		}
		s.listeners = append(s.listeners, lis)
		cfg.Logger.Info("listening", "addr", netaddr.FormatSocket(lis.Addr()))
	}

	return s, nil
}

// Run starts the optional metrics server, then hands control to the event
// core until ctx is canceled, every registered source is gone, or a
// listener reports a fatal socket error. It always closes every listener
// and the metrics server on return.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	for _, lis := range s.listeners {
		lis.SetFatalHandler(func(err error) {
			cancel(fmt.Errorf("listener failed fatally: %w", err))
		})
	}

	if s.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Addr: s.metricsAddr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics server stopped", "error", err)
			}
		}()
		s.log.Info("metrics server started", "addr", s.metricsAddr)
	}

	err := s.core.Run(runCtx)

	s.closeListeners()
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
	s.core.Close()

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) closeListeners() {
	for _, lis := range s.listeners {
		lis.Close()
	}
}
