package state

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/state/models"
	"go.uber.org/atomic"
	"sort"
	"strings"
	"sync"
	"time"
)

//
// MemoryRegistry keeps experiments in process. Ids come from an atomic counter and are
// never reused.
//
type MemoryRegistry struct {
	nextID *atomic.Uint64

	mu          sync.RWMutex
	experiments map[uint]models.Experiment
	workUnits   map[uint]map[int]models.WorkUnit
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nextID:      atomic.NewUint64(0),
		experiments: make(map[uint]models.Experiment),
		workUnits:   make(map[uint]map[int]models.WorkUnit),
	}
}

func (r *MemoryRegistry) Create(ctx context.Context, title string) (models.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return models.Experiment{}, exceptions.RegistryUnavailable(err)
	}
	e := models.Experiment{
		ID:        uint(r.nextID.Inc()),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.experiments[e.ID] = e
	r.mu.Unlock()
	return e, nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, id uint) (models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.experiments[id]
	if !ok {
		return e, exceptions.MissingExperiment(id)
	}
	return e, nil
}

func (r *MemoryRegistry) List(ctx context.Context, args *ListArgs) *ExperimentIterator {
	return newExperimentIterator(ctx, args, func(ctx context.Context, offset int, limit int) ([]models.Experiment, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		all := r.snapshot(args)
		if offset >= len(all) {
			return nil, nil
		}
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		return all[offset:end], nil
	})
}

func (r *MemoryRegistry) snapshot(args *ListArgs) []models.Experiment {
	var titleFilter []string
	if args != nil {
		titleFilter = args.Filters["title"]
	}

	r.mu.RLock()
	all := make([]models.Experiment, 0, len(r.experiments))
	for _, e := range r.experiments {
		if len(titleFilter) == 1 && !strings.Contains(e.Title, titleFilter[0]) {
			continue
		}
		all = append(all, e)
	}
	r.mu.RUnlock()

	desc := args.GetOrder() == "desc"
	sort.Slice(all, func(i, j int) bool {
		if desc {
			return all[i].ID > all[j].ID
		}
		return all[i].ID < all[j].ID
	})
	return all
}

func (r *MemoryRegistry) RecordWorkUnit(ctx context.Context, wu models.WorkUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experiments[wu.ExperimentID]; !ok {
		return exceptions.MissingExperiment(wu.ExperimentID)
	}
	units, ok := r.workUnits[wu.ExperimentID]
	if !ok {
		units = make(map[int]models.WorkUnit)
		r.workUnits[wu.ExperimentID] = units
	}
	now := time.Now().UTC()
	if existing, found := units[wu.Index]; found {
		wu.CreatedAt = existing.CreatedAt
	} else {
		wu.CreatedAt = now
	}
	wu.UpdatedAt = now
	units[wu.Index] = wu
	return nil
}

func (r *MemoryRegistry) ListWorkUnits(ctx context.Context, experimentID uint) ([]models.WorkUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units := make([]models.WorkUnit, 0, len(r.workUnits[experimentID]))
	for _, wu := range r.workUnits[experimentID] {
		units = append(units, wu)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Index < units[j].Index })
	return units, nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}
