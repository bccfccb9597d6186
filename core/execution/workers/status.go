package workers

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/events"
	"github.com/alienrobotwizard/xmanager/core/experiment"
	"github.com/alienrobotwizard/xmanager/core/xm"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"time"
)

//
// Monitored is the part of an experiment the status worker needs
//
type Monitored interface {
	ID() uint
	State() experiment.State
	WorkUnits() []*experiment.WorkUnit
}

//
// StatusWorker refreshes the work units of one experiment on a ticker and publishes
// every status change it observes. Backend queries are rate limited across units.
//
type StatusWorker struct {
	exp          Monitored
	publisher    events.Publisher
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *log.Entry

	last map[int]xm.Status
}

func NewStatusWorker(c *config.Config, exp Monitored, publisher events.Publisher) (*StatusWorker, error) {
	pollInterval, err := GetWorkerPollInterval(c)
	if err != nil {
		return nil, err
	}
	return &StatusWorker{
		exp:          exp,
		publisher:    publisher,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(GetWorkerQPS(c), 1),
		logger:       log.WithFields(log.Fields{"worker": "status", "experiment": exp.ID()}),
		last:         make(map[int]xm.Status),
	}, nil
}

// Run polls until ctx ends, or until the experiment is closed and every unit is terminal.
func (sw *StatusWorker) Run(ctx context.Context) error {
	sw.logger.Infof("Starting with poll interval [%s]", sw.pollInterval)
	t := time.NewTicker(sw.pollInterval)
	defer t.Stop()
	for {
		if sw.runOnce(ctx) {
			sw.logger.Info("all work units terminal")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce reports whether there is nothing left to watch.
func (sw *StatusWorker) runOnce(ctx context.Context) bool {
	closed := sw.exp.State() == experiment.StateClosed
	units := sw.exp.WorkUnits()
	done := closed

	for _, wu := range units {
		prev, seen := sw.last[wu.Index()]
		if seen && prev.IsTerminal() {
			continue
		}
		if err := sw.limiter.Wait(ctx); err != nil {
			return false
		}
		s, err := wu.Refresh(ctx)
		if err != nil {
			sw.logger.WithError(err).WithField("work_unit", wu.Index()).Error("problem refreshing work unit")
		}
		if !seen {
			prev = xm.StatusPending
		}
		if s != prev {
			sw.publish(ctx, wu, prev, s)
		}
		sw.last[wu.Index()] = s
		if !s.IsTerminal() {
			done = false
		}
	}
	return done
}

func (sw *StatusWorker) publish(ctx context.Context, wu *experiment.WorkUnit, from xm.Status, to xm.Status) {
	event := events.NewEvent(wu.ExperimentID(), wu.Index(), from, to)
	for _, h := range wu.Handles() {
		event.Handles = append(event.Handles, h.String())
	}
	if err := wu.Err(); err != nil {
		event.Error = err.Error()
	}
	if err := sw.publisher.Publish(ctx, event); err != nil {
		sw.logger.WithError(err).Warn("unable to publish status event")
	}
}
