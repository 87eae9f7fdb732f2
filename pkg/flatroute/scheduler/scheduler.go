package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/flatroute/pkg/flatroute/chunk"
	"github.com/cognicore/flatroute/pkg/flatroute/runtoken"
)

const DefaultInterval = 60 * time.Second

// ErrStopped is returned by triggers arriving after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Runner executes one run of the job under the given token.
type Runner interface {
	RunNow(ctx context.Context, token runtoken.Token) chunk.Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, token runtoken.Token) chunk.Result

func (f RunnerFunc) RunNow(ctx context.Context, token runtoken.Token) chunk.Result {
	return f(ctx, token)
}

// ConflictError rejects a trigger while another run of the job is active.
type ConflictError struct {
	Job    string
	Active runtoken.Token
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scheduler: job %q already running as %s", e.Job, e.Active)
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	Job      string
	Minter   *runtoken.Minter
	Logger   *zap.Logger
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Job      string
	Active   runtoken.Token
	Running  bool
	Last     *chunk.Result
	Runs     int
	Rejected int
}

type request struct {
	ctx    context.Context
	result chan chunk.Result // nil for fire-and-forget triggers
	reply  chan reply
}

type reply struct {
	token runtoken.Token
	err   error
}

// Scheduler triggers runs of one job on a fixed interval and on demand.
// A single coordinator goroutine owns the active-run state; ticks, manual
// triggers, completions and status queries all reach it as messages.
type Scheduler struct {
	runner Runner
	opts   Options
	log    *zap.Logger

	requests chan request
	finished chan chunk.Result
	status   chan chan Snapshot

	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	ticking   sync.WaitGroup

	// final is written by the coordinator before done is closed.
	final Snapshot
}

// New creates a scheduler and starts its coordinator. Call Stop to release it.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Job == "" {
		opts.Job = "flatroute"
	}
	if opts.Minter == nil {
		opts.Minter = runtoken.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Scheduler{
		runner:   runner,
		opts:     opts,
		log:      opts.Logger.With(zap.String("job", opts.Job)),
		requests: make(chan request),
		finished: make(chan chunk.Result),
		status:   make(chan chan Snapshot),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.coordinate()
	return s
}

// Start begins ticking. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.log.Info("scheduler: started", zap.Duration("interval", s.opts.Interval))
		s.ticking.Add(1)
		go s.tick(ctx)
	})
}

// Stop stops ticking, cancels the active run and waits for it to finish,
// then shuts down the coordinator. A cancelled run stops at its next chunk
// boundary. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.halt()
	<-s.done
	s.ticking.Wait()
}

func (s *Scheduler) halt() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// Trigger starts a run asynchronously and returns its token, or a
// *ConflictError when a run is already active. The run outlives ctx and is
// only cancelled by Stop.
func (s *Scheduler) Trigger(ctx context.Context) (runtoken.Token, error) {
	return s.submit(ctx, request{ctx: context.WithoutCancel(ctx)})
}

// RunNow starts a run and waits for its terminal result. Cancelling ctx or
// calling Stop cancels the run between chunks.
func (s *Scheduler) RunNow(ctx context.Context) (chunk.Result, error) {
	result := make(chan chunk.Result, 1)
	if _, err := s.submit(ctx, request{ctx: ctx, result: result}); err != nil {
		return chunk.Result{}, err
	}
	return <-result, nil
}

// Status reports the active run and the last finished one.
func (s *Scheduler) Status() Snapshot {
	ch := make(chan Snapshot, 1)
	select {
	case s.status <- ch:
		return <-ch
	case <-s.done:
		return s.final
	}
}

func (s *Scheduler) submit(ctx context.Context, req request) (runtoken.Token, error) {
	req.reply = make(chan reply, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return "", ErrStopped
	case <-s.quit:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	r := <-req.reply
	return r.token, r.err
}

func (s *Scheduler) tick(ctx context.Context) {
	defer s.ticking.Done()
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.halt()
			return
		case <-s.quit:
			return
		case <-t.C:
			tok, err := s.Trigger(ctx)
			var conflict *ConflictError
			switch {
			case errors.Is(err, ErrStopped):
				return
			case errors.As(err, &conflict):
				s.log.Warn("scheduler: tick rejected", zap.String("active", conflict.Active.String()))
			case err != nil:
				s.log.Error("scheduler: tick failed", zap.Error(err))
			default:
				s.log.Debug("scheduler: tick launched run", zap.String("run", tok.String()))
			}
		}
	}
}

func (s *Scheduler) coordinate() {
	var snap Snapshot
	snap.Job = s.opts.Job
	// cancelRun cancels the active run; nil when idle.
	var cancelRun context.CancelFunc
	finish := func(res chunk.Result) {
		cancelRun()
		cancelRun = nil
		snap.Last = &res
		snap.Active, snap.Running = "", false
		snap.Runs++
	}

	for {
		select {
		case req := <-s.requests:
			if snap.Running {
				snap.Rejected++
				req.reply <- reply{err: &ConflictError{Job: s.opts.Job, Active: snap.Active}}
				continue
			}
			tok, err := s.opts.Minter.Next()
			if err != nil {
				req.reply <- reply{err: fmt.Errorf("scheduler: mint run token: %w", err)}
				continue
			}
			snap.Active, snap.Running = tok, true
			s.log.Info("scheduler: run launched", zap.String("run", tok.String()))
			var ctx context.Context
			ctx, cancelRun = context.WithCancel(req.ctx)
			go s.execute(ctx, req, tok)
			req.reply <- reply{token: tok}

		case res := <-s.finished:
			finish(res)

		case ch := <-s.status:
			ch <- snap

		case <-s.quit:
			if snap.Running {
				s.log.Info("scheduler: cancelling active run", zap.String("run", snap.Active.String()))
				cancelRun()
				finish(<-s.finished)
			}
			s.final = snap
			s.log.Info("scheduler: stopped", zap.Int("runs", snap.Runs), zap.Int("rejected", snap.Rejected))
			close(s.done)
			return
		}
	}
}

// execute runs the job and always reports a terminal result, even when the
// runner panics.
func (s *Scheduler) execute(ctx context.Context, req request, tok runtoken.Token) {
	started := time.Now()
	var res chunk.Result
	defer func() {
		if p := recover(); p != nil {
			res = chunk.Result{
				Token:      tok,
				Status:     chunk.StatusFailed,
				Err:        fmt.Errorf("scheduler: run %s panicked: %v", tok, p),
				StartedAt:  started,
				FinishedAt: time.Now(),
			}
			s.log.Error("scheduler: run panicked", zap.String("run", tok.String()), zap.Any("panic", p))
		}
		s.finished <- res
		if req.result != nil {
			req.result <- res
		}
	}()
	res = s.runner.RunNow(ctx, tok)
	if res.Token == "" {
		res.Token = tok
	}
}
