package experiment

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/state/models"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

//
// WorkUnit is one Add: a job or group launched together under a single index.
// Status is cached and only changes through Refresh or a failed launch.
//
type WorkUnit struct {
	experiment *Experiment
	index      int
	jobs       []xm.Job
	logger     *log.Entry

	mu        sync.RWMutex
	status    xm.Status
	handles   []engines.Handle
	launched  bool
	launchErr error
}

func newWorkUnit(e *Experiment, index int, jobs []xm.Job) *WorkUnit {
	return &WorkUnit{
		experiment: e,
		index:      index,
		jobs:       jobs,
		status:     xm.StatusPending,
		logger:     e.logger.WithField("work_unit", index),
	}
}

func (wu *WorkUnit) Index() int {
	return wu.index
}

func (wu *WorkUnit) ExperimentID() uint {
	return wu.experiment.id
}

func (wu *WorkUnit) Jobs() []xm.Job {
	return wu.jobs
}

// Status is the last known status. It never calls a backend.
func (wu *WorkUnit) Status() xm.Status {
	wu.mu.RLock()
	defer wu.mu.RUnlock()
	return wu.status
}

// Err is the launch failure of a Failed unit, nil otherwise.
func (wu *WorkUnit) Err() error {
	wu.mu.RLock()
	defer wu.mu.RUnlock()
	return wu.launchErr
}

func (wu *WorkUnit) Handles() []engines.Handle {
	wu.mu.RLock()
	defer wu.mu.RUnlock()
	out := make([]engines.Handle, len(wu.handles))
	copy(out, wu.handles)
	return out
}

// launch submits the jobs in order. The first refusal fails the unit for good; jobs
// already submitted are left running.
func (wu *WorkUnit) launch(ctx context.Context) {
	m := wu.experiment.metrics
	handles := make([]engines.Handle, 0, len(wu.jobs))
	var launchErr error
	for _, job := range wu.jobs {
		eng, err := wu.experiment.engines.MustGet(job.Executor.Backend())
		if err == nil {
			var h engines.Handle
			h, err = eng.Launch(ctx, job)
			if err == nil {
				handles = append(handles, h)
				continue
			}
		}
		if !errors.Is(err, exceptions.ErrLaunch) {
			err = exceptions.NewLaunchError(exceptions.TransientBackend, string(job.Executor.Backend()), job.ResolvedName(), err)
		}
		launchErr = err
		break
	}

	wu.mu.Lock()
	wu.handles = handles
	wu.launched = true
	if launchErr != nil {
		wu.launchErr = launchErr
		wu.status = xm.StatusFailed
	}
	wu.mu.Unlock()

	if launchErr != nil {
		m.launchFailed(launchErr)
		wu.logger.WithError(launchErr).Error("launch failed")
	} else {
		m.launched.Inc(1)
		wu.logger.WithField("handles", len(handles)).Info("work unit launched")
	}
	wu.record(ctx)
}

//
// Refresh queries the backend of every job and folds the results into the unit's
// status. A unit whose launch is still in flight stays Pending; terminal units are
// not queried again.
//
func (wu *WorkUnit) Refresh(ctx context.Context) (xm.Status, error) {
	wu.mu.RLock()
	launched, current, handles := wu.launched, wu.status, wu.handles
	wu.mu.RUnlock()
	if !launched || current.IsTerminal() {
		return current, nil
	}

	statuses := make([]xm.Status, 0, len(handles))
	for _, h := range handles {
		eng, err := wu.experiment.engines.MustGet(h.Backend)
		if err != nil {
			return current, err
		}
		s, err := eng.Query(ctx, h)
		if err != nil {
			return current, errors.Wrapf(err, "problem querying [%s]", h)
		}
		statuses = append(statuses, s)
	}
	next := xm.Combine(statuses...)

	wu.mu.Lock()
	changed := wu.status != next
	wu.status = next
	wu.mu.Unlock()

	if changed {
		wu.experiment.metrics.transition(next)
		wu.logger.WithFields(log.Fields{"from": current, "to": next}).Info("status changed")
		wu.record(ctx)
	}
	return next, nil
}

// WaitUntilComplete refreshes every interval until the unit is terminal or ctx ends.
func (wu *WorkUnit) WaitUntilComplete(ctx context.Context, interval time.Duration) (xm.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := wu.Refresh(ctx)
		if err != nil {
			return s, err
		}
		if s.IsTerminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Record is what the registry keeps for this unit.
func (wu *WorkUnit) Record() models.WorkUnit {
	wu.mu.RLock()
	defer wu.mu.RUnlock()

	jobs := make(models.JobRecords, len(wu.jobs))
	for i, job := range wu.jobs {
		jobs[i] = models.JobRecord{
			Name:    job.ResolvedName(),
			Backend: string(job.Executor.Backend()),
			Image:   job.Executable.ImagePath,
			Args:    job.FullArgs().ToList(),
		}
		if i < len(wu.handles) {
			jobs[i].HandleID = wu.handles[i].ID
			jobs[i].Namespace = wu.handles[i].Namespace
		} else if i == len(wu.handles) && wu.launchErr != nil {
			jobs[i].Error = wu.launchErr.Error()
		}
	}
	return models.WorkUnit{
		ExperimentID: wu.experiment.id,
		Index:        wu.index,
		Status:       wu.status.String(),
		Jobs:         jobs,
	}
}

// record is best effort; the in-memory status stays authoritative.
func (wu *WorkUnit) record(ctx context.Context) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := wu.experiment.registry.RecordWorkUnit(ctx, wu.Record()); err != nil {
		wu.logger.WithError(err).Warn("unable to record work unit")
	}
}
