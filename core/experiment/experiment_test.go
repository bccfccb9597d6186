package experiment

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/requirements"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/alienrobotwizard/xmanager/core/state/models"
	"github.com/alienrobotwizard/xmanager/core/sweep"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	builds *atomic.Int32
	// buildGate, when set, holds every build until closed
	buildGate chan struct{}
	// launchGate, when set, holds every launch until closed or cancelled
	launchGate chan struct{}

	mu         sync.Mutex
	launchErrs map[string]error
	statuses   map[string]xm.Status
	launched   []xm.Job
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		builds:     atomic.NewInt32(0),
		launchErrs: make(map[string]error),
		statuses:   make(map[string]xm.Status),
	}
}

func (f *fakeEngine) Name() xm.Backend { return xm.LocalBackend }

func (f *fakeEngine) Package(ctx context.Context, pk xm.Packageable) (xm.Executable, error) {
	f.builds.Inc()
	if f.buildGate != nil {
		select {
		case <-f.buildGate:
		case <-ctx.Done():
			return xm.Executable{}, ctx.Err()
		}
	}
	fp, err := pk.Fingerprint()
	if err != nil {
		return xm.Executable{}, err
	}
	name := pk.ExecutableSpec.Name()
	return xm.Executable{
		Name:      name,
		ImagePath: fmt.Sprintf("xm-%s:%s", name, fp.Encoded()[:12]),
		Backend:   xm.LocalBackend,
		Args:      pk.Args,
		EnvVars:   pk.EnvVars,
	}, nil
}

func (f *fakeEngine) Launch(ctx context.Context, job xm.Job) (engines.Handle, error) {
	if f.launchGate != nil {
		select {
		case <-f.launchGate:
		case <-ctx.Done():
			return engines.Handle{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.launchErrs[job.ResolvedName()]; ok {
		return engines.Handle{}, err
	}
	f.launched = append(f.launched, job)
	id := fmt.Sprintf("%s-%d", job.ResolvedName(), len(f.launched))
	f.statuses[id] = xm.StatusPending
	return engines.Handle{Backend: xm.LocalBackend, ID: id}, nil
}

func (f *fakeEngine) Query(ctx context.Context, h engines.Handle) (xm.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[h.ID]
	if !ok {
		return xm.StatusPending, engines.ErrNotFound
	}
	return s, nil
}

func (f *fakeEngine) setAll(s xm.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.statuses {
		f.statuses[id] = s
	}
}

func (f *fakeEngine) set(id string, s xm.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

type unavailableRegistry struct {
	*state.MemoryRegistry
}

func (unavailableRegistry) Create(ctx context.Context, title string) (models.Experiment, error) {
	return models.Experiment{}, exceptions.RegistryUnavailable(fmt.Errorf("connection refused"))
}

type ExperimentTestSuite struct {
	suite.Suite

	ctx      context.Context
	engine   *fakeEngine
	registry *state.MemoryRegistry
	exp      *Experiment
	cifar10  xm.Executable
}

func TestExperimentTestSuite(t *testing.T) {
	suite.Run(t, new(ExperimentTestSuite))
}

func (s *ExperimentTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.engine = newFakeEngine()
	s.registry = state.NewMemoryRegistry()

	exp, err := Create(s.ctx, s.registry, "cifar10", engines.NewEngines(s.engine), WithScope(tally.NoopScope))
	s.Require().NoError(err)
	s.exp = exp

	executables, err := exp.Package(s.ctx, cifar10Packageable())
	s.Require().NoError(err)
	s.Require().Len(executables, 1)
	s.cifar10 = executables[0]
}

func cifar10Packageable() xm.Packageable {
	return xm.Packageable{
		ExecutableSpec: xm.PythonContainer{
			Path:       "/src/cifar10",
			EntryPoint: xm.ModuleName{Module: "cifar10"},
		},
		ExecutorSpec: xm.LocalSpec{},
		Args:         xm.Keywords(xm.KV{Name: "batch_size", Value: 64}),
	}
}

func (s *ExperimentTestSuite) job(name string, resources map[requirements.ResourceKind]float64) xm.Job {
	exe := s.cifar10
	return xm.Job{
		Name:       name,
		Executable: &exe,
		Executor:   xm.Local{Resources: requirements.New(resources)},
	}
}

func (s *ExperimentTestSuite) TestCreate() {
	s.Equal(StateActive, s.exp.State())
	s.Equal("cifar10", s.exp.Title())

	record, err := s.registry.Lookup(s.ctx, s.exp.ID())
	s.NoError(err)
	s.Equal("cifar10", record.Title)

	other, err := Create(s.ctx, s.registry, "cifar10", engines.NewEngines(s.engine))
	s.Require().NoError(err)
	s.NotEqual(s.exp.ID(), other.ID())
	s.NoError(other.Close(s.ctx))
}

func (s *ExperimentTestSuite) TestCreateRegistryUnavailable() {
	_, err := Create(s.ctx, unavailableRegistry{state.NewMemoryRegistry()}, "cifar10", engines.NewEngines(s.engine))
	s.ErrorIs(err, exceptions.ErrRegistryUnavailable)
}

func (s *ExperimentTestSuite) TestCifar10EndToEnd() {
	job := s.job("train", map[requirements.ResourceKind]float64{
		requirements.CPU: 4,
		requirements.RAM: 8 << 30,
	})
	job.Args = xm.Keywords(xm.KV{Name: "learning_rate", Value: 0.1})

	wu, err := s.exp.Add(s.ctx, job)
	s.Require().NoError(err)
	s.Equal(0, wu.Index())
	s.Require().NoError(s.exp.Close(s.ctx))
	s.Equal(StateClosed, s.exp.State())

	s.Require().Len(s.engine.launched, 1)
	s.Equal([]string{"--batch_size=64", "--learning_rate=0.1"}, s.engine.launched[0].FullArgs().ToList())
	s.Equal(xm.StatusPending, wu.Status())

	s.engine.setAll(xm.StatusRunning)
	status, err := wu.Refresh(s.ctx)
	s.NoError(err)
	s.Equal(xm.StatusRunning, status)
	s.Equal(xm.StatusRunning, wu.Status())

	s.engine.setAll(xm.StatusCompleted)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	status, err = wu.WaitUntilComplete(ctx, 10*time.Millisecond)
	s.NoError(err)
	s.True(status.IsCompleted())
	s.False(status.IsFailed())

	units, err := s.registry.ListWorkUnits(s.ctx, s.exp.ID())
	s.NoError(err)
	s.Require().Len(units, 1)
	s.Equal("COMPLETED", units[0].Status)
	s.Equal("train-1", units[0].Jobs[0].HandleID)
}

func (s *ExperimentTestSuite) TestCifar10SweepCompletes() {
	product := sweep.NewProduct(
		sweep.Values("batch_size", 64, 128),
		sweep.Values("learning_rate", 0.01, 0.001),
	)
	units, err := s.exp.AddSweep(s.ctx, product, func(args xm.Args) (xm.Launchable, error) {
		job := s.job("train", map[requirements.ResourceKind]float64{requirements.T4: 1})
		job.Args = args
		return job, nil
	})
	s.Require().NoError(err)
	s.Require().Len(units, 4)
	s.Require().NoError(s.exp.Close(s.ctx))
	s.Len(s.engine.launched, 4)

	expected := [][]string{
		{"--batch_size=64", "--learning_rate=0.01"},
		{"--batch_size=64", "--learning_rate=0.001"},
		{"--batch_size=128", "--learning_rate=0.01"},
		{"--batch_size=128", "--learning_rate=0.001"},
	}
	for i, wu := range units {
		s.Equal(i, wu.Index())
		s.Require().Len(wu.Jobs(), 1)
		s.Equal(expected[i], wu.Jobs()[0].FullArgs().ToList())
		kind, count, ok := wu.Jobs()[0].Executor.Requirements().Accelerator()
		s.True(ok)
		s.Equal(requirements.T4, kind)
		s.Equal(1, count)
	}

	s.engine.setAll(xm.StatusCompleted)
	s.NoError(s.exp.Refresh(s.ctx))
	for _, wu := range units {
		s.True(wu.Status().IsCompleted(), "work unit %d is %s", wu.Index(), wu.Status())
		s.False(wu.Status().IsFailed())
	}
}

func (s *ExperimentTestSuite) TestStatusIsCachedUntilRefresh() {
	wu, err := s.exp.Add(s.ctx, s.job("train", nil))
	s.Require().NoError(err)
	s.Require().NoError(s.exp.Close(s.ctx))

	s.engine.setAll(xm.StatusFailed)
	s.Equal(xm.StatusPending, wu.Status())
	s.NoError(s.exp.Refresh(s.ctx))
	s.Equal(xm.StatusFailed, wu.Status())

	// terminal units are not queried again
	s.engine.setAll(xm.StatusRunning)
	s.NoError(s.exp.Refresh(s.ctx))
	s.Equal(xm.StatusFailed, wu.Status())
}

func (s *ExperimentTestSuite) TestIndexesAreSequential() {
	for i := 0; i < 10; i++ {
		wu, err := s.exp.Add(s.ctx, s.job(fmt.Sprintf("train-%d", i), nil))
		s.Require().NoError(err)
		s.Equal(i, wu.Index())
	}
	for i, wu := range s.exp.WorkUnits() {
		s.Equal(i, wu.Index())
	}
	s.NoError(s.exp.Close(s.ctx))
}

func (s *ExperimentTestSuite) TestConcurrentAddsGetUniqueIndexes() {
	var wg sync.WaitGroup
	indexes := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wu, err := s.exp.Add(s.ctx, s.job(fmt.Sprintf("train-%d", i), nil))
			s.NoError(err)
			indexes <- wu.Index()
		}(i)
	}
	wg.Wait()
	close(indexes)

	seen := make(map[int]bool)
	for idx := range indexes {
		s.False(seen[idx])
		seen[idx] = true
	}
	for i := 0; i < 20; i++ {
		s.True(seen[i], "missing index %d", i)
	}
	s.NoError(s.exp.Close(s.ctx))
	s.Len(s.engine.launched, 20)
}

func (s *ExperimentTestSuite) TestPackageDedup() {
	engine := newFakeEngine()
	engine.buildGate = make(chan struct{})
	exp, err := Create(s.ctx, s.registry, "dedup", engines.NewEngines(engine))
	s.Require().NoError(err)

	var wg sync.WaitGroup
	results := make(chan xm.Executable, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exes, err := exp.Package(s.ctx, cifar10Packageable())
			s.NoError(err)
			results <- exes[0]
		}()
	}
	s.Eventually(func() bool { return engine.builds.Load() == 1 }, time.Second, time.Millisecond)
	close(engine.buildGate)
	wg.Wait()
	close(results)

	var image string
	for exe := range results {
		if image == "" {
			image = exe.ImagePath
		}
		s.Equal(image, exe.ImagePath)
	}

	_, err = exp.Package(s.ctx, cifar10Packageable())
	s.NoError(err)
	s.Equal(int32(1), engine.builds.Load())
	s.NoError(exp.Close(s.ctx))
}

func (s *ExperimentTestSuite) TestAddRejectsInvalidRequirements() {
	_, err := s.exp.Add(s.ctx, s.job("tpu", map[requirements.ResourceKind]float64{requirements.TPUV2: 4}))
	s.ErrorIs(err, exceptions.ErrInvalidRequirement)

	// the local backend has no TPUs at all
	_, err = s.exp.Add(s.ctx, s.job("tpu", map[requirements.ResourceKind]float64{requirements.TPUV2: 8}))
	s.ErrorIs(err, exceptions.ErrInvalidRequirement)
	s.Empty(s.exp.WorkUnits())
	s.NoError(s.exp.Close(s.ctx))
	s.Empty(s.engine.launched)
}

func (s *ExperimentTestSuite) TestPackageSurvivesCancelledCaller() {
	engine := newFakeEngine()
	engine.buildGate = make(chan struct{})
	exp, err := Create(s.ctx, s.registry, "shared", engines.NewEngines(engine))
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	first := make(chan error, 1)
	go func() {
		_, err := exp.Package(ctx, cifar10Packageable())
		first <- err
	}()
	s.Eventually(func() bool { return engine.builds.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan xm.Executable, 1)
	go func() {
		exes, err := exp.Package(s.ctx, cifar10Packageable())
		s.NoError(err)
		second <- exes[0]
	}()

	cancel()
	s.ErrorIs(<-first, context.Canceled)
	close(engine.buildGate)
	exe := <-second
	s.NotEmpty(exe.ImagePath)
	s.Equal(int32(1), engine.builds.Load())
	s.NoError(exp.Close(s.ctx))
}

func (s *ExperimentTestSuite) TestAddRejectsForeignExecutable() {
	other, err := Create(s.ctx, s.registry, "other", engines.NewEngines(newFakeEngine()))
	s.Require().NoError(err)
	pk := cifar10Packageable()
	pk.Args = xm.Keywords(xm.KV{Name: "batch_size", Value: 128})
	exes, err := other.Package(s.ctx, pk)
	s.Require().NoError(err)

	_, err = s.exp.Add(s.ctx, xm.Job{Executable: &exes[0], Executor: xm.Local{}})
	s.ErrorIs(err, exceptions.ErrMalformedInput)
	s.Empty(s.exp.WorkUnits())
	s.NoError(other.Close(s.ctx))
}

func (s *ExperimentTestSuite) TestLaunchFailureIsPermanent() {
	s.engine.launchErrs["quota"] = exceptions.NewLaunchError(exceptions.QuotaExceeded, "local", "quota", fmt.Errorf("no gpus"))
	s.engine.launchErrs["flaky"] = fmt.Errorf("connection reset")

	quota, err := s.exp.Add(s.ctx, s.job("quota", nil))
	s.Require().NoError(err)
	flaky, err := s.exp.Add(s.ctx, s.job("flaky", nil))
	s.Require().NoError(err)
	ok, err := s.exp.Add(s.ctx, s.job("ok", nil))
	s.Require().NoError(err)
	s.Require().NoError(s.exp.Close(s.ctx))

	s.Equal(xm.StatusFailed, quota.Status())
	s.ErrorIs(quota.Err(), exceptions.ErrQuotaExceeded)
	s.False(exceptions.IsRetryable(quota.Err()))

	s.Equal(xm.StatusFailed, flaky.Status())
	s.ErrorIs(flaky.Err(), exceptions.ErrLaunch)
	s.True(exceptions.IsRetryable(flaky.Err()))

	s.NoError(s.exp.Refresh(s.ctx))
	s.Equal(xm.StatusFailed, quota.Status())
	s.Equal(xm.StatusPending, ok.Status())
	s.NoError(ok.Err())
}

func (s *ExperimentTestSuite) TestJobGroupStatus() {
	group := xm.NewJobGroup().
		Add("server", s.job("", nil)).
		Add("worker", s.job("", nil))
	wu, err := s.exp.Add(s.ctx, group)
	s.Require().NoError(err)
	s.Require().NoError(s.exp.Close(s.ctx))
	s.Len(wu.Handles(), 2)

	s.engine.set("server-1", xm.StatusCompleted)
	s.engine.set("worker-2", xm.StatusRunning)
	status, err := wu.Refresh(s.ctx)
	s.NoError(err)
	s.Equal(xm.StatusRunning, status)

	s.engine.set("worker-2", xm.StatusFailed)
	status, err = wu.Refresh(s.ctx)
	s.NoError(err)
	s.Equal(xm.StatusFailed, status)
}

func (s *ExperimentTestSuite) TestAddSweep() {
	product := sweep.NewProduct(
		sweep.Values("learning_rate", 0.1, 0.01),
		sweep.Values("depth", 18, 34, 50),
	)
	units, err := s.exp.AddSweep(s.ctx, product, func(args xm.Args) (xm.Launchable, error) {
		if depth, _ := args.Get("depth"); depth == 34 {
			if lr, _ := args.Get("learning_rate"); lr == 0.01 {
				return nil, exceptions.InvalidRequirement("depth 34 is broken")
			}
		}
		job := s.job("train", nil)
		job.Args = args
		return job, nil
	})
	s.ErrorIs(err, exceptions.ErrInvalidRequirement)
	s.Len(units, 5)
	for i, wu := range units {
		s.Equal(i, wu.Index())
	}
	s.Require().NoError(s.exp.Close(s.ctx))
	s.Len(s.engine.launched, 5)
}

func (s *ExperimentTestSuite) TestAddWithArgs() {
	_, err := s.exp.Add(s.ctx, s.job("train", nil), WithArgs(xm.Keywords(xm.KV{Name: "batch_size", Value: 256})))
	s.Require().NoError(err)
	s.Require().NoError(s.exp.Close(s.ctx))
	s.Equal([]string{"--batch_size=256"}, s.engine.launched[0].FullArgs().ToList())
}

func (s *ExperimentTestSuite) TestClose() {
	s.Require().NoError(s.exp.Close(s.ctx))

	_, err := s.exp.Add(s.ctx, s.job("late", nil))
	s.ErrorIs(err, exceptions.ErrExperimentClose)
	_, err = s.exp.Package(s.ctx, cifar10Packageable())
	s.ErrorIs(err, exceptions.ErrExperimentClose)
	s.ErrorIs(s.exp.Close(s.ctx), exceptions.ErrExperimentClose)
}

func (s *ExperimentTestSuite) TestCloseWaitsForBuilds() {
	engine := newFakeEngine()
	engine.buildGate = make(chan struct{})
	exp, err := Create(s.ctx, s.registry, "slow-build", engines.NewEngines(engine))
	s.Require().NoError(err)

	packaged := make(chan error, 1)
	go func() {
		_, err := exp.Package(s.ctx, cifar10Packageable())
		packaged <- err
	}()
	s.Eventually(func() bool { return engine.builds.Load() == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- exp.Close(s.ctx) }()
	s.Eventually(func() bool { return exp.State() == StateFinalizing }, time.Second, time.Millisecond)
	select {
	case <-closed:
		s.Fail("Close returned while a build was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.buildGate)
	s.NoError(<-packaged)
	s.NoError(<-closed)
	s.Equal(StateClosed, exp.State())
}

func (s *ExperimentTestSuite) TestCloseCancelsInFlightBuilds() {
	engine := newFakeEngine()
	engine.buildGate = make(chan struct{})
	exp, err := Create(s.ctx, s.registry, "stuck-build", engines.NewEngines(engine))
	s.Require().NoError(err)

	packaged := make(chan error, 1)
	go func() {
		_, err := exp.Package(s.ctx, cifar10Packageable())
		packaged <- err
	}()
	s.Eventually(func() bool { return engine.builds.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	s.ErrorIs(exp.Close(ctx), context.DeadlineExceeded)
	s.Equal(StateClosed, exp.State())
	s.ErrorIs(<-packaged, context.Canceled)

	_, err = exp.Package(s.ctx, cifar10Packageable())
	s.ErrorIs(err, exceptions.ErrExperimentClose)
}

func (s *ExperimentTestSuite) TestAddRacingClose() {
	for round := 0; round < 50; round++ {
		exp, err := Create(s.ctx, s.registry, "race", engines.NewEngines(s.engine))
		s.Require().NoError(err)
		exes, err := exp.Package(s.ctx, cifar10Packageable())
		s.Require().NoError(err)

		done, cancel := context.WithCancel(s.ctx)
		cancel()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				exe := exes[0]
				_, err := exp.Add(s.ctx, xm.Job{Name: "train", Executable: &exe, Executor: xm.Local{}})
				if err != nil {
					s.ErrorIs(err, exceptions.ErrExperimentClose)
				}
			}()
		}
		err = exp.Close(done)
		wg.Wait()
		if err != nil {
			s.ErrorIs(err, context.Canceled)
		}
		s.Equal(StateClosed, exp.State())
	}
}

func (s *ExperimentTestSuite) TestCloseCancelsInFlightLaunches() {
	s.engine.launchGate = make(chan struct{})
	wu, err := s.exp.Add(s.ctx, s.job("stuck", nil))
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.exp.Close(ctx), context.DeadlineExceeded)
	s.Equal(StateClosed, s.exp.State())
	s.Equal(xm.StatusFailed, wu.Status())
	s.Empty(s.engine.launched)
}
