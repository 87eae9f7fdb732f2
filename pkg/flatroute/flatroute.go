package flatroute

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/flatroute/pkg/flatroute/chunk"
	"github.com/cognicore/flatroute/pkg/flatroute/config"
	"github.com/cognicore/flatroute/pkg/flatroute/enrich"
	"github.com/cognicore/flatroute/pkg/flatroute/router"
	"github.com/cognicore/flatroute/pkg/flatroute/runtoken"
	"github.com/cognicore/flatroute/pkg/flatroute/scheduler"
	"github.com/cognicore/flatroute/pkg/flatroute/source"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
)

// Job is the classify-route ingestion pipeline for one configured job
type Job struct {
	name      string
	patterns  []string
	resources []source.Resource
	strict    bool
	skipLines int

	exec  *chunk.Executor
	sched *scheduler.Scheduler
	obs   chunk.Observer
	log   *zap.Logger
}

// Options configures a Job
type Options struct {
	Name string
	// Sources are glob patterns, resolved again at the start of every run.
	Sources []string
	// Resources, when set, are read instead of resolving Sources.
	Resources []source.Resource
	Strict    bool
	SkipLines int

	Chunk    chunk.Options
	Interval time.Duration

	Store    store.Store
	Logger   *zap.Logger
	Observer chunk.Observer
	// Clock stamps enriched records. Defaults to time.Now.
	Clock func() time.Time
}

// New assembles reader, enrichment, router, executor and scheduler.
func New(opts Options) (*Job, error) {
	if opts.Store == nil {
		return nil, errors.New("flatroute: store is required")
	}
	if len(opts.Sources) == 0 && len(opts.Resources) == 0 {
		return nil, errors.New("flatroute: no sources")
	}
	if opts.Name == "" {
		opts.Name = "flatroute"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("job", opts.Name))

	j := &Job{
		name:      opts.Name,
		patterns:  append([]string(nil), opts.Sources...),
		resources: append([]source.Resource(nil), opts.Resources...),
		strict:    opts.Strict,
		skipLines: opts.SkipLines,
		obs:       opts.Observer,
		log:       log,
	}

	execOpts := []chunk.Option{chunk.WithLogger(log)}
	if opts.Observer != nil {
		execOpts = append(execOpts, chunk.WithObserver(opts.Observer))
	}
	j.exec = chunk.New(router.Default(opts.Store), enrich.New(opts.Clock), opts.Chunk, execOpts...)
	j.sched = scheduler.New(scheduler.RunnerFunc(j.run), scheduler.Options{
		Interval: opts.Interval,
		Job:      opts.Name,
		Logger:   log,
	})
	return j, nil
}

// FromConfig builds a Job from loaded components.
func FromConfig(comp *config.Components, obs chunk.Observer) (*Job, error) {
	cfg := comp.Config
	return New(Options{
		Name:      cfg.Job,
		Sources:   cfg.Sources,
		Strict:    cfg.Strict,
		SkipLines: cfg.SkipLines,
		Chunk:     cfg.ChunkOptions(),
		Interval:  cfg.Schedule.Interval,
		Store:     comp.Store,
		Logger:    comp.Logger,
		Observer:  obs,
	})
}

// Name returns the job name
func (j *Job) Name() string { return j.name }

// RunNow runs the job synchronously and returns its terminal result. It
// fails with *scheduler.ConflictError while another run is active.
func (j *Job) RunNow(ctx context.Context) (chunk.Result, error) {
	return j.sched.RunNow(ctx)
}

// Trigger starts a run in the background.
func (j *Job) Trigger(ctx context.Context) (runtoken.Token, error) {
	return j.sched.Trigger(ctx)
}

// Start runs the job on its interval until ctx is cancelled or Stop is called.
func (j *Job) Start(ctx context.Context) {
	j.sched.Start(ctx)
}

// Status reports the active and last finished run.
func (j *Job) Status() scheduler.Snapshot {
	return j.sched.Status()
}

// Stop waits for the active run and stops scheduling. The store is left open.
func (j *Job) Stop() {
	j.sched.Stop()
}

func (j *Job) run(ctx context.Context, token runtoken.Token) chunk.Result {
	log := j.log.With(zap.String("run", token.String()))

	resources, err := j.resolve(log)
	if err != nil {
		now := time.Now()
		res := chunk.Result{
			Token:      token,
			Status:     chunk.StatusFailed,
			Err:        err,
			StartedAt:  now,
			FinishedAt: now,
		}
		log.Error("flatroute: sources unavailable", zap.Error(err))
		if j.obs != nil {
			j.obs.RunFinished(res)
		}
		return res
	}
	log.Info("flatroute: run starting", zap.Int("resources", len(resources)))

	reader := source.NewReader(resources, source.Options{
		Strict:    j.strict,
		SkipLines: j.skipLines,
		OnWarning: func(w source.Warning) {
			log.Warn("flatroute: source skipped", zap.String("source", w.Source), zap.Error(w.Err))
		},
	})
	return j.exec.Run(ctx, token, reader.Records())
}

func (j *Job) resolve(log *zap.Logger) ([]source.Resource, error) {
	if len(j.resources) > 0 {
		return j.resources, nil
	}
	resources, warns, err := source.Resolve(j.patterns, j.strict)
	for _, w := range warns {
		log.Warn("flatroute: source pattern matched nothing", zap.String("pattern", w.Source))
	}
	return resources, err
}
