// File: facade/fasttun.go
// Unified facade layer for the fasttun runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime assembles the process-wide collaborators from a validated
// control.Config: reactor, tunnel group, conv pool, timer scheduler,
// event loop, session registry, metrics and debug endpoint. Client and
// server bridges build on top of it.

package facade

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/fasttun/affinity"
	"github.com/momentics/fasttun/api"
	"github.com/momentics/fasttun/control"
	"github.com/momentics/fasttun/internal/concurrency"
	"github.com/momentics/fasttun/internal/session"
	"github.com/momentics/fasttun/internal/transport"
	"github.com/momentics/fasttun/internal/tunnel"
	"github.com/momentics/fasttun/pool"
	"github.com/momentics/fasttun/reactor"
)

// statsInterval is how often the reactor publishes a snapshot for the
// debug endpoint.
const statsInterval = time.Second

// Stats is a point-in-time view of reactor-owned state.
type Stats struct {
	Sessions       int `json:"sessions"`
	Tunnels        int `json:"tunnels"`
	ConvsAvailable int `json:"convs_available"`
	UDPQueued      int `json:"udp_queued"`
	Timers         int `json:"timers"`
}

type options struct {
	clock    clock.Clock
	registry *prometheus.Registry
	group    tunnel.PacketConn
}

// Option customizes New.
type Option func(*options)

// WithClock replaces the wall clock driving timers.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithRegistry registers metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// WithPacketConn runs the tunnel group over pc instead of binding
// udp_listen.
func WithPacketConn(pc tunnel.PacketConn) Option { return func(o *options) { o.group = pc } }

// Runtime is the assembled process. Apart from Stats and the HTTP
// endpoint it is owned by the reactor goroutine; Shutdown runs there too,
// or after Run has returned.
type Runtime struct {
	cfg      *control.Config
	log      *zap.Logger
	reactor  api.Reactor
	group    *tunnel.Group
	convs    *pool.ConvPool
	timers   *concurrency.Scheduler
	loop     *concurrency.EventLoop
	sessions *session.Registry
	bufs     *pool.BytePool
	metrics  *control.Metrics
	registry *prometheus.Registry
	probes   *control.DebugProbes
	env      *session.Env

	http    *http.Server
	httpLn  net.Listener
	closers []api.GracefulShutdown
	stats   atomic.Pointer[Stats]

	mu      sync.Mutex
	serving bool
	stopped bool
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Runtime)(nil)

// New validates cfg and constructs every collaborator. Resources opened
// before a failure are released.
func New(cfg *control.Config, log *zap.Logger, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("facade: %w", api.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	kind, err := reactor.ParseKind(cfg.Reactor)
	if err != nil {
		return nil, err
	}
	mode, err := tunnel.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	rt = &Runtime{
		cfg:      cfg,
		log:      log,
		sessions: session.NewRegistry(),
		bufs:     pool.NewBytePool(transport.RecvChunkSize),
		probes:   control.NewDebugProbes(),
		registry: o.registry,
	}
	defer func() {
		if err != nil {
			rt.Shutdown()
			rt = nil
		}
	}()

	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	rt.metrics = control.NewMetrics(rt.registry)

	if rt.reactor, err = reactor.New(kind, log); err != nil {
		return rt, err
	}
	if rt.convs, err = pool.NewConvPool(cfg.ConvBase, cfg.ConvCount); err != nil {
		return rt, err
	}

	gcfg := tunnel.GroupConfig{
		Listen:          cfg.UDPListen,
		Remote:          cfg.UDPRemote,
		Mode:            mode,
		SndWnd:          cfg.SndWnd,
		RcvWnd:          cfg.RcvWnd,
		BacklogMemLimit: int(cfg.BacklogMemLimit),
	}
	if o.group != nil {
		rt.group, err = tunnel.NewGroupWithConn(rt.reactor, o.group, gcfg, log, rt.metrics)
	} else {
		rt.group, err = tunnel.NewGroup(rt.reactor, gcfg, log, rt.metrics)
	}
	if err != nil {
		return rt, err
	}

	rt.timers = concurrency.NewScheduler(o.clock)
	rt.loop = concurrency.NewEventLoop(rt.reactor, rt.group, rt.timers, 0, log)
	rt.env = &session.Env{
		Reactor:           rt.reactor,
		Group:             rt.group,
		Convs:             rt.convs,
		Timers:            rt.timers,
		Bufs:              rt.bufs,
		Log:               log,
		Metrics:           rt.metrics,
		Sessions:          rt.sessions,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BacklogMemLimit:   int(cfg.BacklogMemLimit),
	}

	snapshot := *cfg
	rt.probes.RegisterProbe("config", func() any { return snapshot })
	rt.probes.RegisterProbe("runtime", func() any { return rt.Stats() })
	rt.timers.Every(statsInterval, rt.publishStats)
	rt.publishStats()

	if cfg.MetricsListen != "" {
		if err = rt.listenHTTP(cfg.MetricsListen); err != nil {
			return rt, err
		}
	}
	log.Info("runtime ready",
		zap.String("role", string(cfg.Role)),
		zap.Stringer("reactor", kind),
		zap.Stringer("mode", mode))
	return rt, nil
}

func (rt *Runtime) listenHTTP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/state", rt.probes)
	rt.httpLn = ln
	rt.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (rt *Runtime) MetricsAddr() string {
	if rt.httpLn == nil {
		return ""
	}
	return rt.httpLn.Addr().String()
}

func (rt *Runtime) publishStats() {
	rt.stats.Store(&Stats{
		Sessions:       rt.sessions.Len(),
		Tunnels:        rt.group.Len(),
		ConvsAvailable: rt.convs.Available(),
		UDPQueued:      rt.group.Queued(),
		Timers:         rt.timers.Len(),
	})
}

// Stats returns the latest snapshot. Safe from any goroutine.
func (rt *Runtime) Stats() Stats {
	if s := rt.stats.Load(); s != nil {
		return *s
	}
	return Stats{}
}

func (rt *Runtime) Config() *control.Config        { return rt.cfg }
func (rt *Runtime) Log() *zap.Logger               { return rt.log }
func (rt *Runtime) Reactor() api.Reactor           { return rt.reactor }
func (rt *Runtime) Group() *tunnel.Group           { return rt.group }
func (rt *Runtime) Timers() *concurrency.Scheduler { return rt.timers }
func (rt *Runtime) Loop() *concurrency.EventLoop   { return rt.loop }
func (rt *Runtime) Sessions() *session.Registry    { return rt.sessions }
func (rt *Runtime) Metrics() *control.Metrics      { return rt.metrics }
func (rt *Runtime) Probes() *control.DebugProbes   { return rt.probes }
func (rt *Runtime) Bufs() *pool.BytePool           { return rt.bufs }

// SessionEnv returns the environment new sessions are built with.
func (rt *Runtime) SessionEnv() *session.Env { return rt.env }

// OnShutdown registers c to be shut down, in reverse order, before the
// runtime's own resources.
func (rt *Runtime) OnShutdown(c api.GracefulShutdown) {
	rt.closers = append(rt.closers, c)
}

// Run serves the metrics endpoint, if any, and drives the event loop
// until ctx is done, then shuts everything down on the calling goroutine.
// With reactor_cpu set the calling goroutine is pinned for the duration.
func (rt *Runtime) Run(ctx context.Context) error {
	if cpu := rt.cfg.ReactorCPU; cpu >= 0 {
		release, err := affinity.LockToCPU(cpu)
		if err != nil {
			rt.log.Warn("reactor thread not pinned", zap.Int("cpu", cpu), zap.Error(err))
		} else {
			defer release()
			rt.log.Info("reactor thread pinned", zap.Int("cpu", cpu))
		}
	}
	rt.mu.Lock()
	rt.serving = rt.http != nil && !rt.stopped
	serving := rt.serving
	rt.mu.Unlock()
	if serving {
		go func() {
			if err := rt.http.Serve(rt.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
		rt.log.Info("metrics endpoint listening", zap.String("addr", rt.MetricsAddr()))
	}
	err := rt.loop.Run(ctx)
	return multierr.Append(err, rt.Shutdown())
}

// Shutdown ends every session silently, runs the registered closers and
// releases the reactor, the UDP socket and the HTTP endpoint. Repeated
// calls return nil.
func (rt *Runtime) Shutdown() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	serving := rt.serving
	rt.mu.Unlock()

	var err error
	if rt.sessions != nil {
		rt.sessions.ShutdownAll()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i].Shutdown())
	}
	if rt.group != nil {
		err = multierr.Append(err, rt.group.Close())
	}
	if rt.timers != nil {
		rt.timers.Stop()
	}
	if rt.reactor != nil {
		err = multierr.Append(err, rt.reactor.Close())
	}
	// Serve owns the listener once started; before that it is ours to close.
	if serving {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = multierr.Append(err, rt.http.Shutdown(ctx))
		cancel()
	} else if rt.httpLn != nil {
		err = multierr.Append(err, rt.httpLn.Close())
	}
	rt.log.Info("runtime stopped")
	return err
}
