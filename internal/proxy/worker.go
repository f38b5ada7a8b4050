package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/okra-platform/authzfilter/internal/allocstats"
	"github.com/okra-platform/authzfilter/internal/filter"
	"github.com/okra-platform/authzfilter/internal/hostapi"
	"github.com/okra-platform/authzfilter/internal/upstream"
)

const mailboxSize = 1024

// ErrWorkerStopped is returned when posting to a worker that has exited.
var ErrWorkerStopped = errors.New("worker stopped")

// Limits are the resource limits a worker enforces on the filter.
type Limits struct {
	MaxRequestHeaders int
	MaxHeaderBytes    int
	MaxPayloadBytes   int
}

func (l Limits) withDefaults() Limits {
	if l.MaxRequestHeaders <= 0 {
		l.MaxRequestHeaders = hostapi.DefaultMaxRequestHeaders
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = hostapi.DefaultMaxHeaderBytes
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = hostapi.DefaultMaxPayloadSize
	}
	return l
}

// verdict is what a worker hands back to the goroutine serving the request.
type verdict struct {
	forward bool

	// headers is the final request header list when forwarding.
	headers []hostapi.Header

	// respHeaders go on the local response, or on the backend's response
	// when forwarding.
	respHeaders []hostapi.Header

	status int
	body   []byte
}

type stream struct {
	id          hostapi.StreamID
	headers     []hostapi.Header
	respHeaders []hostapi.Header
	attrs       hostapi.Attributes
	verdict     chan verdict
	resolved    bool
}

// forward resolves st with its current headers.
func (st *stream) forward() {
	st.resolved = true
	st.verdict <- verdict{
		forward:     true,
		headers:     cloneHeaders(st.headers),
		respHeaders: cloneHeaders(st.respHeaders),
	}
}

type call struct {
	upstream string
	cancel   context.CancelFunc
	started  time.Time
}

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID            int          `json:"id"`
	Streams       int          `json:"streams"`
	InflightCalls int          `json:"inflight_calls"`
	Filter        filter.Stats `json:"filter"`
}

// WorkerOptions configure NewWorker.
type WorkerOptions struct {
	ID              int
	Filter          filter.Config
	Limits          Limits
	TickInterval    time.Duration
	Upstreams       func() *upstream.Registry
	Instrumentation allocstats.Instrumentation
	Metrics         *Metrics
	Logger          zerolog.Logger
	Clock           func() time.Time
}

// Worker runs one filter instance on a single goroutine. Everything that
// touches the filter or the stream table goes through the mailbox, which
// makes the worker the cooperative host the filter expects.
type Worker struct {
	id           int
	filter       *filter.Filter
	limits       Limits
	tickInterval time.Duration
	upstreams    func() *upstream.Registry
	metrics      *Metrics
	logger       zerolog.Logger
	now          func() time.Time

	mailbox chan func()
	done    chan struct{}

	// Owned by the run goroutine.
	ctx       context.Context
	streams   map[hostapi.StreamID]*stream
	calls     map[hostapi.Token]*call
	nextToken hostapi.Token
}

// NewWorker creates a worker and its filter. Run must be called before
// anything is posted to it.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Upstreams == nil {
		return nil, errors.New("upstreams cannot be nil")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics cannot be nil")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = allocstats.Noop{}
	}

	w := &Worker{
		id:           opts.ID,
		limits:       opts.Limits.withDefaults(),
		tickInterval: opts.TickInterval,
		upstreams:    opts.Upstreams,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "worker").Int("worker", opts.ID).Logger(),
		now:          opts.Clock,
		mailbox:      make(chan func(), mailboxSize),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		streams:      make(map[hostapi.StreamID]*stream),
		calls:        make(map[hostapi.Token]*call),
	}

	f, err := filter.New(w, opts.Filter,
		filter.WithLogger(opts.Logger.With().Int("worker", opts.ID).Logger()),
		filter.WithInstrumentation(opts.Instrumentation),
	)
	if err != nil {
		return nil, err
	}
	w.filter = f
	return w, nil
}

// Run processes the mailbox and ticks until ctx is done. In-flight calls
// are cancelled on exit.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()
	defer close(w.done)

	w.logger.Debug().Msg("worker started")
	for {
		select {
		case fn := <-w.mailbox:
			w.invoke(fn)
		case now := <-ticker.C:
			w.filter.OnTick(now)
		case <-ctx.Done():
			for token, c := range w.calls {
				c.cancel()
				delete(w.calls, token)
			}
			w.logger.Debug().Msg("worker stopped")
			return nil
		}
	}
}

// invoke runs one mailbox item. A panic in host code must not take the
// worker down with it.
func (w *Worker) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	fn()
}

// post queues fn on the worker goroutine.
func (w *Worker) post(ctx context.Context, fn func()) error {
	select {
	case w.mailbox <- fn:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the worker goroutine and waits for it.
func (w *Worker) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := w.post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot taken on the worker goroutine.
func (w *Worker) Stats(ctx context.Context) (WorkerStats, error) {
	var s WorkerStats
	err := w.do(ctx, func() {
		s = WorkerStats{
			ID:            w.id,
			Streams:       len(w.streams),
			InflightCalls: len(w.calls),
			Filter:        w.filter.Stats(),
		}
	})
	return s, err
}

// Reconfigure hands cfg to the filter for requests that start afterwards.
func (w *Worker) Reconfigure(ctx context.Context, cfg filter.Config) error {
	var cfgErr error
	if err := w.do(ctx, func() { cfgErr = w.filter.OnConfigure(cfg) }); err != nil {
		return err
	}
	return cfgErr
}

// open registers a stream and runs the request callbacks. Must run on the
// worker goroutine.
func (w *Worker) open(st *stream, body []byte, bodyComplete, withBody bool) {
	w.streams[st.id] = st
	w.metrics.ActiveStreams.Inc()

	action := w.filter.OnRequestHeaders(st.id, !withBody)
	if action == hostapi.ActionPause && withBody && !st.resolved {
		action = w.filter.OnRequestBody(st.id, body, bodyComplete)
	}
	if action == hostapi.ActionContinue && !st.resolved {
		st.forward()
	}
}

// close tears a stream down. Must run on the worker goroutine.
func (w *Worker) close(id hostapi.StreamID) {
	if _, ok := w.streams[id]; !ok {
		return
	}
	w.filter.OnStreamDone(id)
	delete(w.streams, id)
	w.metrics.ActiveStreams.Dec()
}

func (w *Worker) unknownStream(id hostapi.StreamID) error {
	return &hostapi.HostAPIError{
		Code:    hostapi.ErrorCodeUnknownStream,
		Message: "stream not found",
		Details: fmt.Sprintf("stream %d", id),
	}
}

func cloneHeaders(h []hostapi.Header) []hostapi.Header {
	return append([]hostapi.Header(nil), h...)
}
