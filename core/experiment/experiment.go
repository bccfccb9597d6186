package experiment

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/alienrobotwizard/xmanager/core/sweep"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/tomb.v2"
	"sync"
)

type State int32

const (
	StateCreated State = iota
	StateActive
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateFinalizing:
		return "FINALIZING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type Option func(*Experiment)

// WithScope reports packaging, launch and status metrics under scope.
func WithScope(scope tally.Scope) Option {
	return func(e *Experiment) {
		e.scope = scope
	}
}

//
// Experiment is a named collection of work units sharing one registry id. It owns
// the executables it packaged and every launch it dispatched until Close.
//
type Experiment struct {
	id       uint
	title    string
	registry state.Registry
	engines  engines.Engines
	logger   *log.Entry
	scope    tally.Scope
	metrics  experimentMetrics

	state *atomic.Int32

	builds   singleflight.Group
	packaged *cache.Cache

	// mu serializes index assignment and tomb growth against Close
	mu       sync.Mutex
	units    []*WorkUnit
	inflight sync.WaitGroup
	launches tomb.Tomb
}

// Create allocates an id from the registry and returns an active experiment.
func Create(ctx context.Context, registry state.Registry, title string, engs engines.Engines, opts ...Option) (*Experiment, error) {
	e := &Experiment{
		title:    title,
		registry: registry,
		engines:  engs,
		scope:    tally.NoopScope,
		state:    atomic.NewInt32(int32(StateCreated)),
		packaged: cache.New(cache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newExperimentMetrics(e.scope)

	record, err := registry.Create(ctx, title)
	if err != nil {
		return nil, err
	}
	e.id = record.ID
	e.logger = log.WithFields(log.Fields{"experiment": e.id, "title": title})

	// the tomb dies once its last goroutine returns; this one lives until Close
	e.launches.Go(func() error {
		<-e.launches.Dying()
		return nil
	})
	e.state.Store(int32(StateActive))
	e.logger.Info("experiment created")
	return e, nil
}

func (e *Experiment) ID() uint {
	return e.id
}

func (e *Experiment) Title() string {
	return e.title
}

func (e *Experiment) State() State {
	return State(e.state.Load())
}

func (e *Experiment) closedErr() error {
	return fmt.Errorf("%w: experiment [%d] is %s", exceptions.ErrExperimentClose, e.id, e.State())
}

//
// Package builds every packageable on its executor's engine. Identical requests are
// built once: concurrent callers share one build and later callers get the cached
// executable.
//
func (e *Experiment) Package(ctx context.Context, pks ...xm.Packageable) ([]xm.Executable, error) {
	if e.State() != StateActive {
		return nil, e.closedErr()
	}

	executables := make([]xm.Executable, len(pks))
	g, gctx := errgroup.WithContext(ctx)
	for i, pk := range pks {
		i, pk := i, pk
		g.Go(func() error {
			exe, err := e.packageOne(gctx, pk)
			if err != nil {
				return err
			}
			executables[i] = exe
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return executables, nil
}

type buildResult struct {
	exe    xm.Executable
	cached bool
}

//
// packageOne builds pk on the experiment's tomb so Close joins it. The build runs on
// the experiment's context, not the caller's: a caller giving up does not cancel a
// build other callers share.
//
func (e *Experiment) packageOne(ctx context.Context, pk xm.Packageable) (xm.Executable, error) {
	if pk.ExecutableSpec == nil || pk.ExecutorSpec == nil {
		return xm.Executable{}, fmt.Errorf("%w: packageable needs an executable spec and an executor spec", exceptions.ErrMalformedInput)
	}
	eng, err := e.engines.MustGet(pk.ExecutorSpec.Backend())
	if err != nil {
		return xm.Executable{}, err
	}
	fingerprint, err := pk.Fingerprint()
	if err != nil {
		return xm.Executable{}, exceptions.NewPackagingError(pk.ExecutableSpec.Name(), err)
	}

	key := fingerprint.String()
	if cached, ok := e.packaged.Get(key); ok {
		e.metrics.packageCached.Inc(1)
		return cached.(xm.Executable), nil
	}

	results := make(chan singleflight.Result, 1)
	e.mu.Lock()
	if e.State() != StateActive {
		e.mu.Unlock()
		return xm.Executable{}, e.closedErr()
	}
	e.inflight.Add(1)
	e.launches.Go(func() error {
		defer e.inflight.Done()
		v, err, shared := e.builds.Do(key, func() (interface{}, error) {
			// a flight that finished between the lookup above and Do already cached it
			if cached, ok := e.packaged.Get(key); ok {
				return buildResult{exe: cached.(xm.Executable), cached: true}, nil
			}
			exe, err := eng.Package(e.launches.Context(nil), pk)
			if err != nil {
				return nil, err
			}
			exe.Fingerprint = fingerprint
			e.packaged.Set(key, exe, cache.NoExpiration)
			return buildResult{exe: exe}, nil
		})
		results <- singleflight.Result{Val: v, Err: err, Shared: shared}
		return nil
	})
	e.mu.Unlock()

	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		return xm.Executable{}, ctx.Err()
	}
	if res.Err != nil {
		e.metrics.packageFail.Inc(1)
		e.logger.WithError(res.Err).WithField("spec", pk.ExecutableSpec.Name()).Error("packaging failed")
		return xm.Executable{}, res.Err
	}
	built := res.Val.(buildResult)
	if res.Shared || built.cached {
		e.metrics.packageCached.Inc(1)
	} else {
		e.metrics.packaged.Inc(1)
	}
	return built.exe, nil
}

// owns reports whether exe came out of this experiment's Package.
func (e *Experiment) owns(exe *xm.Executable) bool {
	cached, ok := e.packaged.Get(exe.Fingerprint.String())
	if !ok {
		return false
	}
	c := cached.(xm.Executable)
	return c.ImagePath == exe.ImagePath && c.Backend == exe.Backend
}

type addOptions struct {
	args xm.Args
}

type AddOption func(*addOptions)

// WithArgs overrides the args of every job in the unit.
func WithArgs(args xm.Args) AddOption {
	return func(o *addOptions) {
		o.args = args
	}
}

//
// Add validates the unit, assigns it the next index and dispatches its launch in the
// background. Nothing is created when validation fails. The returned work unit is
// Pending until the launch and a later Refresh say otherwise.
//
func (e *Experiment) Add(ctx context.Context, unit xm.Launchable, opts ...AddOption) (*WorkUnit, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}

	jobs, err := e.prepare(unit, o)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.State() != StateActive {
		e.mu.Unlock()
		return nil, e.closedErr()
	}
	wu := newWorkUnit(e, len(e.units), jobs)
	e.units = append(e.units, wu)
	e.inflight.Add(1)
	// Go under mu: once Close holds mu the tomb may be killed and must not gain goroutines
	e.launches.Go(func() error {
		defer e.inflight.Done()
		wu.launch(e.launches.Context(nil))
		return nil
	})
	e.mu.Unlock()
	return wu, nil
}

func (e *Experiment) prepare(unit xm.Launchable, o addOptions) ([]xm.Job, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: nothing to add", exceptions.ErrMalformedInput)
	}
	jobs := unit.Jobs()
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: work unit has no jobs", exceptions.ErrMalformedInput)
	}
	for i := range jobs {
		job := jobs[i]
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if _, err := e.engines.MustGet(job.Executor.Backend()); err != nil {
			return nil, err
		}
		if !e.owns(job.Executable) {
			return nil, fmt.Errorf("%w: executable [%s] was not packaged by experiment [%d]",
				exceptions.ErrMalformedInput, job.Executable.Name, e.id)
		}
		if o.args.Len() > 0 {
			job.Args = job.Args.Merge(o.args)
		}
		// copy so the caller can't mutate a job after it was added
		exe := *job.Executable
		job.Executable = &exe
		jobs[i] = job
	}
	return jobs, nil
}

//
// AddSweep adds one work unit per combination of product, built by build. A failing
// combination does not stop the others; every failure is returned together.
//
func (e *Experiment) AddSweep(ctx context.Context, product sweep.Product, build func(args xm.Args) (xm.Launchable, error)) ([]*WorkUnit, error) {
	var (
		units  []*WorkUnit
		result *multierror.Error
	)
	it := product.Iterator()
	for it.Next() {
		args := it.Args()
		unit, err := build(args)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", args, err))
			continue
		}
		wu, err := e.Add(ctx, unit)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", args, err))
			continue
		}
		units = append(units, wu)
	}
	return units, result.ErrorOrNil()
}

// WorkUnits returns the units in index order.
func (e *Experiment) WorkUnits() []*WorkUnit {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*WorkUnit, len(e.units))
	copy(out, e.units)
	return out
}

// Refresh queries every work unit in parallel.
func (e *Experiment) Refresh(ctx context.Context) error {
	var g multierror.Group
	for _, wu := range e.WorkUnits() {
		wu := wu
		g.Go(func() error {
			_, err := wu.Refresh(ctx)
			return err
		})
	}
	return g.Wait().ErrorOrNil()
}

//
// Close waits for every dispatched launch to be submitted and every started build to
// finish, and then stops accepting work. If ctx ends first the launches and builds
// still in flight are cancelled and joined.
// Submitted jobs keep running.
//
func (e *Experiment) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.State() != StateActive {
		e.mu.Unlock()
		return e.closedErr()
	}
	e.state.Store(int32(StateFinalizing))
	e.mu.Unlock()

	submitted := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(submitted)
	}()

	var err error
	select {
	case <-submitted:
		e.launches.Kill(nil)
	case <-ctx.Done():
		err = ctx.Err()
		e.logger.WithError(err).Warn("cancelling in-flight launches")
		e.launches.Kill(err)
	}
	e.launches.Wait()

	e.state.Store(int32(StateClosed))
	e.logger.WithField("work_units", len(e.WorkUnits())).Info("experiment closed")
	return err
}
