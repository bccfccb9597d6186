package workers

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/events"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"sync"
	"time"
)

const (
	statusIntervalKey = "worker.status_interval"
	statusQPSKey      = "worker.status_qps"
)

//
// WorkerManager runs one status worker per watched experiment and joins them on Stop
//
type WorkerManager struct {
	conf      *config.Config
	publisher events.Publisher

	mu      sync.Mutex
	wg      sync.WaitGroup
	errs    *multierror.Error
	workers map[uint]workerContext
}

type workerContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(c *config.Config, publisher events.Publisher) *WorkerManager {
	return &WorkerManager{
		conf:      c,
		publisher: publisher,
		workers:   make(map[uint]workerContext),
	}
}

// Watch starts a status worker for exp unless one is already running.
func (wm *WorkerManager) Watch(ctx context.Context, exp Monitored) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, ok := wm.workers[exp.ID()]; ok {
		return nil
	}

	worker, err := NewStatusWorker(wm.conf, exp, wm.publisher)
	if err != nil {
		return err
	}
	child, cancel := context.WithCancel(ctx)
	wm.workers[exp.ID()] = workerContext{ctx: child, cancel: cancel}

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		err := worker.Run(child)
		if err != nil && !errors.Is(err, context.Canceled) {
			wm.mu.Lock()
			wm.errs = multierror.Append(wm.errs, err)
			wm.mu.Unlock()
		}
	}()
	return nil
}

// Wait blocks until every worker has returned on its own.
func (wm *WorkerManager) Wait() error {
	wm.wg.Wait()
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.errs.ErrorOrNil()
}

// Stop cancels every worker and waits for them.
func (wm *WorkerManager) Stop() error {
	wm.mu.Lock()
	for _, wc := range wm.workers {
		wc.cancel()
	}
	wm.mu.Unlock()
	return wm.Wait()
}

func GetWorkerPollInterval(c *config.Config) (time.Duration, error) {
	var interval time.Duration
	pollIntervalString := c.GetString(statusIntervalKey)
	if len(pollIntervalString) == 0 {
		return interval, errors.Errorf("status worker needs %s set", statusIntervalKey)
	}
	interval, err := time.ParseDuration(pollIntervalString)
	if err != nil {
		return interval, errors.Wrapf(err, "bad %s", statusIntervalKey)
	}
	if interval <= 0 {
		return interval, errors.Errorf("%s must be positive, got [%s]", statusIntervalKey, pollIntervalString)
	}
	return interval, nil
}

// GetWorkerQPS bounds backend queries per second; zero or less means unlimited.
func GetWorkerQPS(c *config.Config) rate.Limit {
	qps := c.GetFloat64(statusQPSKey)
	if qps <= 0 {
		return rate.Inf
	}
	return rate.Limit(qps)
}
