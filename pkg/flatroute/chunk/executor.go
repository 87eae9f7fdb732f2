package chunk

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cognicore/flatroute/pkg/flatroute/mapping"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/runtoken"
	"github.com/cognicore/flatroute/pkg/flatroute/source"
)

const (
	DefaultChunkSize = 100
	DefaultWorkers   = 10
)

// Policy decides what a mapping error does to the run. Classification
// errors are always recorded and skipped.
type Policy int

const (
	// PolicySkip records the error in the result and keeps reading.
	PolicySkip Policy = iota
	// PolicyAbort fails the run on the first mapping error.
	PolicyAbort
)

func (p Policy) String() string {
	if p == PolicyAbort {
		return "abort"
	}
	return "skip"
}

// ParsePolicy accepts "skip" or "abort". An empty string means skip.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return PolicySkip, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicySkip, fmt.Errorf("unknown mapping policy %q", s)
}

// ErrTooManyRecordErrors fails a run whose record errors exceed MaxRecordErrors.
var ErrTooManyRecordErrors = errors.New("chunk: record error limit exceeded")

// Options configures an Executor.
type Options struct {
	ChunkSize     int
	Workers       int
	MappingPolicy Policy
	// CommitRateLimit caps chunk commits per second across all workers.
	// Zero disables the limit.
	CommitRateLimit float64
	// MaxRecordErrors fails the run once more record errors than this are
	// seen. Zero means unlimited.
	MaxRecordErrors int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.CommitRateLimit < 0 {
		o.CommitRateLimit = 0
	}
	if o.MaxRecordErrors < 0 {
		o.MaxRecordErrors = 0
	}
	return o
}

// Writer commits one chunk atomically.
type Writer interface {
	Write(ctx context.Context, recs []record.Record) error
}

// Enricher derives the stored form of a record.
type Enricher interface {
	Enrich(record.Record) record.Record
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithObserver registers an observer for chunk transitions and run results.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor drives the read, enrich, write loop of a run. Chunks are read
// sequentially by the caller's goroutine and processed by a bounded pool.
type Executor struct {
	writer   Writer
	enricher Enricher
	opts     Options
	limiter  *rate.Limiter
	log      *zap.Logger
	obs      Observer
	now      func() time.Time
}

// New creates an executor writing through writer.
func New(writer Writer, enricher Enricher, opts Options, options ...Option) *Executor {
	opts = opts.withDefaults()
	e := &Executor{
		writer:   writer,
		enricher: enricher,
		opts:     opts,
		log:      zap.NewNop(),
		obs:      nopObserver{},
		now:      time.Now,
	}
	if opts.CommitRateLimit > 0 {
		burst := int(opts.CommitRateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.CommitRateLimit), burst)
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Options returns the effective options after defaults.
func (e *Executor) Options() Options { return e.opts }

// run holds the mutable state of one Run call.
type run struct {
	e     *Executor
	token runtoken.Token
	log   *zap.Logger

	mu  sync.Mutex
	res Result
	err error
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err != nil
}

func (r *run) transition(seq int, from, to ChunkState) {
	r.e.obs.ChunkTransition(r.token, seq, from, to)
}

// Run consumes records until the stream ends, the run fails or ctx is
// cancelled. Cancellation is honoured between chunks: chunks already handed
// to the pool finish on a context that ignores the cancellation, so no chunk
// is committed halfway. Commit order across chunks is not guaranteed.
func (e *Executor) Run(ctx context.Context, token runtoken.Token, records iter.Seq2[record.Record, error]) Result {
	r := &run{
		e:     e,
		token: token,
		log:   e.log.With(zap.String("run", token.String())),
	}
	r.res = Result{Token: token, Status: StatusRunning, StartedAt: e.now()}
	r.log.Info("chunk: run started",
		zap.Int("chunk_size", e.opts.ChunkSize),
		zap.Int("workers", e.opts.Workers),
		zap.Stringer("policy", e.opts.MappingPolicy))

	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)

	var (
		buf       []record.Record
		seq       int
		cancelled bool
		recErrs   int
	)
	abandon := func() {
		if len(buf) == 0 {
			return
		}
		r.transition(seq, Reading, Failed)
		r.mu.Lock()
		r.res.ChunksFailed++
		r.mu.Unlock()
		buf = nil
	}
	dispatch := func() {
		c := Chunk{Seq: seq, Records: buf}
		seq++
		buf = nil
		g.Go(func() error {
			r.process(workCtx, c)
			return nil
		})
	}

	for rec, err := range records {
		if len(buf) == 0 {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			if r.failed() {
				break
			}
		}
		if err != nil {
			if !source.IsRecordError(err) {
				r.log.Error("chunk: source failed", zap.Error(err))
				r.fail(err)
				break
			}
			recErrs++
			r.mu.Lock()
			r.res.RecordErrors = append(r.res.RecordErrors, err)
			r.mu.Unlock()
			r.log.Warn("chunk: record skipped", zap.Error(err))
			var merr *mapping.Error
			if e.opts.MappingPolicy == PolicyAbort && errors.As(err, &merr) {
				r.fail(err)
				break
			}
			if e.opts.MaxRecordErrors > 0 && recErrs > e.opts.MaxRecordErrors {
				r.fail(fmt.Errorf("%w: %d > %d", ErrTooManyRecordErrors, recErrs, e.opts.MaxRecordErrors))
				break
			}
			continue
		}

		if len(buf) == 0 {
			buf = make([]record.Record, 0, e.opts.ChunkSize)
			r.transition(seq, Idle, Reading)
		}
		buf = append(buf, rec)
		r.mu.Lock()
		r.res.RecordsRead++
		r.mu.Unlock()
		if len(buf) == e.opts.ChunkSize {
			if r.failed() {
				abandon()
				break
			}
			dispatch()
		}
	}

	if len(buf) > 0 {
		if r.failed() {
			abandon()
		} else {
			dispatch()
		}
	}
	_ = g.Wait()

	if cancelled && !r.failed() {
		r.fail(ctx.Err())
	}

	r.mu.Lock()
	res := r.res
	res.Err = r.err
	r.mu.Unlock()
	res.FinishedAt = e.now()
	if res.Err != nil {
		res.Status = StatusFailed
	} else {
		res.Status = StatusCompleted
	}

	fields := []zap.Field{
		zap.Stringer("status", res.Status),
		zap.Int("records_read", res.RecordsRead),
		zap.Int("records_written", res.RecordsWritten),
		zap.Int("chunks_committed", res.ChunksCommitted),
		zap.Int("chunks_failed", res.ChunksFailed),
		zap.Int("record_errors", len(res.RecordErrors)),
		zap.Duration("duration", res.Duration()),
	}
	if res.Err != nil {
		r.log.Error("chunk: run failed", append(fields, zap.Error(res.Err))...)
	} else {
		r.log.Info("chunk: run completed", fields...)
	}
	e.obs.RunFinished(res)
	return res
}

// process enriches and writes one chunk. The chunk gets its own
// transaction through the writer.
func (r *run) process(ctx context.Context, c Chunk) {
	r.transition(c.Seq, Reading, Processing)
	enriched := make([]record.Record, len(c.Records))
	for i, rec := range c.Records {
		enriched[i] = r.e.enricher.Enrich(rec)
	}

	if r.e.limiter != nil {
		if err := r.e.limiter.Wait(ctx); err != nil {
			r.chunkFailed(c, Processing, err)
			return
		}
	}

	r.transition(c.Seq, Processing, Writing)
	if err := r.e.writer.Write(ctx, enriched); err != nil {
		r.chunkFailed(c, Writing, err)
		return
	}
	r.transition(c.Seq, Writing, Committed)

	r.mu.Lock()
	r.res.ChunksCommitted++
	r.res.RecordsWritten += len(c.Records)
	r.mu.Unlock()
	r.log.Debug("chunk: committed", zap.Int("chunk", c.Seq), zap.Int("records", len(c.Records)))
}

func (r *run) chunkFailed(c Chunk, from ChunkState, err error) {
	r.transition(c.Seq, from, Failed)
	r.mu.Lock()
	r.res.ChunksFailed++
	r.mu.Unlock()
	r.fail(err)
	r.log.Error("chunk: write failed", zap.Int("chunk", c.Seq), zap.Int("records", len(c.Records)), zap.Error(err))
}
