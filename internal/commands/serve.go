package commands

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/okra-platform/authzfilter/internal/config"
	"github.com/okra-platform/authzfilter/internal/filter"
	"github.com/okra-platform/authzfilter/internal/proxy"
	"github.com/okra-platform/authzfilter/internal/serve"
	"github.com/okra-platform/authzfilter/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions override the listen addresses from the config file.
type ServeOptions struct {
	Listen      string
	AdminListen string

	// NoWatch disables config hot reload.
	NoWatch bool
}

func (c *Controller) Serve(ctx context.Context, opts ...ServeOptions) error {
	var o ServeOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	cfg, path, err := c.loadConfig()
	if err != nil {
		return err
	}
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.AdminListen != "" {
		cfg.AdminListen = o.AdminListen
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := c.Logger.With().Str("component", "serve").Logger()
	logger.Info().Str("config", path).Str("backend", cfg.Backend).Msg("starting authzfilter")

	filterCfg, err := cfg.FilterConfig()
	if err != nil {
		return err
	}
	backend, err := cfg.BackendURL()
	if err != nil {
		return fmt.Errorf("invalid backend: %w", err)
	}

	build := upstreamBuilder(c.Logger)
	reg, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build upstreams: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server, err := proxy.NewServer(proxy.Options{
		Backend:      backend,
		Workers:      cfg.Workers,
		TickInterval: time.Duration(cfg.TickInterval),
		Filter:       filterCfg,
		Limits: proxy.Limits{
			MaxRequestHeaders: cfg.Authz.MaxRequestHeaders,
			MaxHeaderBytes:    cfg.Authz.MaxHeaderBytes,
			MaxPayloadBytes:   cfg.Authz.MaxPayloadBytes,
		},
		Instrumentation: selectInstrumentation(cfg.Authz.Instrumentation, logger),
		Logger:          c.Logger,
		Registerer:      promReg,
		ResponseHeaders: cfg.ResponseHeaderList(),
	}, reg)
	if err != nil {
		reg.Close(context.Background())
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Upstreams().Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("closing upstreams")
		}
	}()

	admin := serve.NewAdminServer(server, promReg, c.Logger)
	front := &http.Server{Addr: cfg.Listen, Handler: server}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("proxy listening")
		if err := front.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return front.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := admin.Start(gctx, cfg.AdminListen); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	if !o.NoWatch {
		r := &reloader{current: cfg, target: server, build: build, logger: logger}
		watcher, err := config.NewWatcher(path, 0, c.Logger,
			func(next *config.Config) {
				if err := r.apply(gctx, next); err != nil {
					logger.Error().Err(err).Msg("config reload rejected")
				}
			}, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("config hot reload disabled")
		} else {
			defer watcher.Close()
			g.Go(func() error {
				if err := watcher.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn().Err(err).Msg("config watcher stopped")
				}
				return nil
			})
		}
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("serve shutdown complete")
	return nil
}

// upstreamBuilder creates the registry for a config, using its codec.
func upstreamBuilder(logger zerolog.Logger) func(context.Context, *config.Config) (*upstream.Registry, error) {
	return func(ctx context.Context, cfg *config.Config) (*upstream.Registry, error) {
		fc, err := cfg.FilterConfig()
		if err != nil {
			return nil, err
		}
		return upstream.Build(ctx, cfg.Upstreams, upstream.BuildOptions{
			Codec:  fc.Codec,
			Logger: logger,
		})
	}
}

// reloadTarget is what a config reload touches on the running proxy.
type reloadTarget interface {
	Reconfigure(ctx context.Context, cfg filter.Config) error
	SetUpstreams(reg *upstream.Registry) *upstream.Registry
}

// reloader applies config file changes to a running proxy. Settings that
// need new listeners or workers are reported and left alone.
type reloader struct {
	mu      sync.Mutex
	current *config.Config
	target  reloadTarget
	build   func(context.Context, *config.Config) (*upstream.Registry, error)
	logger  zerolog.Logger

	// drain is how long a replaced registry stays open for in-flight calls.
	// Zero uses the new authz timeout.
	drain time.Duration
}

func (r *reloader) apply(ctx context.Context, next *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if next.Listen != r.current.Listen || next.AdminListen != r.current.AdminListen ||
		next.Workers != r.current.Workers || next.Backend != r.current.Backend ||
		next.TickInterval != r.current.TickInterval || next.Authz.Instrumentation != r.current.Authz.Instrumentation ||
		next.Authz.MaxRequestHeaders != r.current.Authz.MaxRequestHeaders ||
		next.Authz.MaxHeaderBytes != r.current.Authz.MaxHeaderBytes ||
		!maps.Equal(next.ResponseHeaders, r.current.ResponseHeaders) {
		r.logger.Warn().Msg("listen addresses, backend, workers, tick interval, header limits, response headers and instrumentation need a restart to change")
	}

	fc, err := next.FilterConfig()
	if err != nil {
		return err
	}

	codecChanged := next.Authz.Codec != r.current.Authz.Codec
	if codecChanged || !cmp.Equal(next.Upstreams, r.current.Upstreams) {
		reg, err := r.build(ctx, next)
		if err != nil {
			return fmt.Errorf("failed to build upstreams: %w", err)
		}
		old := r.target.SetUpstreams(reg)
		if err := r.target.Reconfigure(ctx, fc); err != nil {
			r.target.SetUpstreams(old)
			reg.Close(context.Background())
			return err
		}
		r.retire(old, fc.Timeout)
	} else if err := r.target.Reconfigure(ctx, fc); err != nil {
		return err
	}

	r.current = next
	r.logger.Info().
		Str("upstream", fc.Upstream).
		Stringer("failure_policy", fc.FailurePolicy).
		Dur("timeout", fc.Timeout).
		Msg("configuration applied")
	return nil
}

// retire closes a replaced registry once calls dispatched through it have
// had time to finish.
func (r *reloader) retire(old *upstream.Registry, timeout time.Duration) {
	if old == nil {
		return
	}
	wait := r.drain
	if wait == 0 {
		wait = timeout
	}
	time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := old.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("closing replaced upstreams")
		}
	})
}

var (
	_ reloadTarget = (*proxy.Server)(nil)
	_ serve.Source = (*proxy.Server)(nil)
)
