package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/okra-platform/authzfilter/internal/allocstats"
	"github.com/okra-platform/authzfilter/internal/decision"
	"github.com/okra-platform/authzfilter/internal/filter"
	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/upstream"
)

// RequestIDHeader is added to requests that arrive without one.
const RequestIDHeader = "x-request-id"

// Options configure NewServer.
type Options struct {
	// Backend receives every request the filter lets through.
	Backend *url.URL

	// Workers is the number of filter instances, each on its own goroutine.
	Workers int

	// TickInterval drives timeout sweeps.
	TickInterval time.Duration

	Filter          filter.Config
	Limits          Limits
	Instrumentation allocstats.Instrumentation
	Logger          zerolog.Logger

	// Registerer receives the proxy metrics. Defaults to a private registry.
	Registerer prometheus.Registerer

	// Transport is used to reach the backend.
	Transport http.RoundTripper

	// ResponseHeaders are set on every response sent to the client.
	ResponseHeaders []hostapi.Header

	Clock func() time.Time
}

// Server is an http.Handler that authorizes each request before proxying it
// to the backend.
type Server struct {
	logger   zerolog.Logger
	metrics  *Metrics
	workers  []*Worker
	backend  *httputil.ReverseProxy
	instr    allocstats.Instrumentation
	forward  atomic.Bool
	maxBody  atomic.Int64
	cfg      atomic.Pointer[filter.Config]
	upstream atomic.Pointer[upstream.Registry]

	respHeaders []hostapi.Header

	nextStream atomic.Uint32
	nextWorker atomic.Uint32

	runOnce sync.Once
	running chan struct{}
}

// NewServer builds the workers. Nothing is served until Run is called.
func NewServer(opts Options, reg *upstream.Registry) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend URL is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = allocstats.Noop{}
	}

	cfg := opts.Filter.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		logger:  opts.Logger.With().Str("component", "proxy").Logger(),
		metrics: NewMetrics(opts.Registerer),
		instr:   opts.Instrumentation,
		running: make(chan struct{}),

		respHeaders: cloneHeaders(opts.ResponseHeaders),
	}
	s.upstream.Store(reg)
	s.storeConfig(cfg)

	for i := range opts.Workers {
		w, err := NewWorker(WorkerOptions{
			ID:              i,
			Filter:          cfg,
			Limits:          opts.Limits,
			TickInterval:    opts.TickInterval,
			Upstreams:       s.upstream.Load,
			Instrumentation: opts.Instrumentation,
			Metrics:         s.metrics,
			Logger:          opts.Logger,
			Clock:           opts.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		s.workers = append(s.workers, w)
	}

	backend := opts.Backend
	s.backend = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:      opts.Transport,
		ModifyResponse: s.decorateResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("backend request failed")
			setHeaders(w.Header(), s.respHeaders)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return s, nil
}

func (s *Server) storeConfig(cfg filter.Config) {
	s.cfg.Store(&cfg)
	s.forward.Store(cfg.ForwardBody)
	s.maxBody.Store(int64(cfg.MaxBodyBytes))
}

// Run starts every worker and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	s.runOnce.Do(func() { close(s.running) })
	s.logger.Info().Int("workers", len(s.workers)).Msg("proxy workers started")
	return g.Wait()
}

// Running is closed once Run has started the workers.
func (s *Server) Running() <-chan struct{} { return s.running }

// Reconfigure applies cfg to every worker. Requests already in flight keep
// the configuration they started with.
func (s *Server) Reconfigure(ctx context.Context, cfg filter.Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range s.workers {
		if err := w.Reconfigure(ctx, cfg); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
	}
	s.storeConfig(cfg)
	return nil
}

// SetUpstreams swaps the upstream registry and returns the previous one so
// the caller can close it once in-flight calls have drained.
func (s *Server) SetUpstreams(reg *upstream.Registry) *upstream.Registry {
	return s.upstream.Swap(reg)
}

// Upstreams returns the current upstream registry.
func (s *Server) Upstreams() *upstream.Registry { return s.upstream.Load() }

// Stats collects a snapshot from every worker.
func (s *Server) Stats(ctx context.Context) ([]WorkerStats, error) {
	out := make([]WorkerStats, 0, len(s.workers))
	for _, w := range s.workers {
		st, err := w.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", w.id, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Instrumentation returns the allocator instrumentation shared by the workers.
func (s *Server) Instrumentation() allocstats.Instrumentation { return s.instr }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(RequestIDHeader) == "" {
		r.Header.Set(RequestIDHeader, uuid.NewString())
	}

	var (
		body     []byte
		complete = true
		withBody = s.forward.Load()
	)
	if withBody {
		var err error
		body, complete, err = readPrefix(r, int(s.maxBody.Load()))
		if err != nil {
			s.logger.Debug().Err(err).Msg("reading request body")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}

	id := hostapi.StreamID(s.nextStream.Add(1))
	worker := s.workers[int(s.nextWorker.Add(1)-1)%len(s.workers)]
	st := &stream{
		id:      id,
		headers: flattenHeaders(r.Header),
		attrs:   requestAttributes(r),
		verdict: make(chan verdict, 1),
	}

	if err := worker.post(r.Context(), func() { worker.open(st, body, complete, withBody) }); err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		_ = worker.post(context.Background(), func() { worker.close(id) })
	}()

	select {
	case v := <-st.verdict:
		s.finish(w, r, v)
	case <-worker.done:
		// The worker may have resolved the stream just before stopping.
		select {
		case v := <-st.verdict:
			s.finish(w, r, v)
			return
		default:
		}
		s.logger.Warn().Uint32("stream", uint32(id)).Msg("worker stopped before a verdict")
		s.finish(w, r, s.stoppedVerdict(r))
	case <-r.Context().Done():
		s.metrics.Verdicts.WithLabelValues(outcomeAborted).Inc()
		s.logger.Debug().Uint32("stream", uint32(id)).Msg("client went away before a verdict")
	}
}

// finish forwards the request or writes the local response.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, v verdict) {
	if !v.forward {
		s.metrics.Verdicts.WithLabelValues(outcomeRejected).Inc()
		s.writeLocal(w, v)
		return
	}
	s.metrics.Verdicts.WithLabelValues(outcomeForwarded).Inc()
	r.Header = buildHeader(v.headers)
	if len(v.respHeaders) > 0 {
		r = r.WithContext(context.WithValue(r.Context(), responseHeadersKey{}, v.respHeaders))
	}
	s.backend.ServeHTTP(w, r)
}

// stoppedVerdict applies the failure policy to a request whose worker exited
// while it was waiting.
func (s *Server) stoppedVerdict(r *http.Request) verdict {
	cfg := s.cfg.Load()
	if cfg.FailurePolicy == filter.FailOpen {
		return verdict{forward: true, headers: flattenHeaders(r.Header)}
	}
	out := decision.Reject(cfg.FailureStatus, cfg.FailureMessage)
	return verdict{status: out.Status, respHeaders: out.Headers, body: out.Body}
}

type responseHeadersKey struct{}

func (s *Server) decorateResponse(resp *http.Response) error {
	setHeaders(resp.Header, s.respHeaders)
	if hs, ok := resp.Request.Context().Value(responseHeadersKey{}).([]hostapi.Header); ok {
		setHeaders(resp.Header, hs)
	}
	return nil
}

func setHeaders(h http.Header, fields []hostapi.Header) {
	for _, f := range fields {
		h.Set(f.Name, f.Value)
	}
}

// readPrefix reads up to limit bytes of the body and arranges for the whole
// body to still reach the backend.
func readPrefix(r *http.Request, limit int) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	prefix, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		return nil, false, err
	}
	complete := len(prefix) <= limit
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), r.Body), r.Body}
	if !complete {
		prefix = prefix[:limit]
	}
	return prefix, complete, nil
}

func requestAttributes(r *http.Request) hostapi.Attributes {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return hostapi.Attributes{
		Method:   r.Method,
		Path:     r.URL.RequestURI(),
		Scheme:   scheme,
		Host:     r.Host,
		Protocol: r.Proto,
	}
}

func (s *Server) writeLocal(w http.ResponseWriter, v verdict) {
	h := w.Header()
	setHeaders(h, s.respHeaders)
	for _, f := range v.respHeaders {
		h.Add(f.Name, f.Value)
	}
	if len(v.body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(v.body)))
	}
	w.WriteHeader(v.status)
	_, _ = w.Write(v.body)
}
