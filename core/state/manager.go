package state

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/state/models"
)

var (
	DefaultLimit    = 500
	DefaultOffset   = 0
	DefaultPageSize = 100
)

type ListArgs struct {
	Limit   *int
	Offset  *int
	SortBy  *string
	Order   *string
	Filters map[string][]string
}

func (args *ListArgs) AddFilter(key string, value string) {
	if args.Filters == nil {
		args.Filters = make(map[string][]string)
	}

	args.Filters[key] = append(args.Filters[key], value)
}

func (args *ListArgs) GetLimit() int {
	if args != nil && args.Limit != nil {
		return *args.Limit
	}
	return DefaultLimit
}

func (args *ListArgs) GetOrder() string {
	if args != nil && args.Order != nil && *args.Order == "desc" {
		return "desc"
	}
	return "asc"
}

func (args *ListArgs) GetOffset() int {
	if args != nil && args.Offset != nil {
		return *args.Offset
	}
	return DefaultOffset
}

//
// Registry is the durable record of experiments. It outlives every Experiment and is
// injected into them.
//
type Registry interface {
	// Create allocates a new unique id. An unreachable store is ErrRegistryUnavailable.
	Create(ctx context.Context, title string) (models.Experiment, error)
	// List pages lazily; a failed page surfaces from the iterator's Err.
	List(ctx context.Context, args *ListArgs) *ExperimentIterator
	// Lookup fails with ErrNotFound for ids Create never returned.
	Lookup(ctx context.Context, id uint) (models.Experiment, error)

	RecordWorkUnit(ctx context.Context, wu models.WorkUnit) error
	ListWorkUnits(ctx context.Context, experimentID uint) ([]models.WorkUnit, error)
	Close() error
}

// NewRegistry builds the registry named by registry.dialect.
func NewRegistry(ctx context.Context, c *config.Config) (Registry, error) {
	switch c.GetString(dialectKey) {
	case "memory":
		return NewMemoryRegistry(), nil
	case "postgres", "mysql":
		return NewSQLRegistry(ctx, c)
	default:
		return nil, exceptions.BadConfig(dialectKey)
	}
}

type pageFetcher func(ctx context.Context, offset int, limit int) ([]models.Experiment, error)

//
// ExperimentIterator walks a listing one page at a time
//
type ExperimentIterator struct {
	ctx      context.Context
	fetch    pageFetcher
	pageSize int
	offset   int
	// remaining caps the number of records yielded
	remaining int

	page     []models.Experiment
	lastPage bool
	current  models.Experiment
	done     bool
	err      error
}

func newExperimentIterator(ctx context.Context, args *ListArgs, fetch pageFetcher) *ExperimentIterator {
	return &ExperimentIterator{
		ctx:       ctx,
		fetch:     fetch,
		pageSize:  DefaultPageSize,
		offset:    args.GetOffset(),
		remaining: args.GetLimit(),
	}
}

func (it *ExperimentIterator) Next() bool {
	if it.done || it.err != nil || it.remaining <= 0 {
		return false
	}
	if len(it.page) == 0 {
		if it.lastPage {
			it.done = true
			return false
		}
		size := it.pageSize
		if it.remaining < size {
			size = it.remaining
		}
		page, err := it.fetch(it.ctx, it.offset, size)
		if err != nil {
			it.err = exceptions.RegistryUnavailable(err)
			return false
		}
		if len(page) == 0 {
			it.done = true
			return false
		}
		// a short page means the store has nothing further
		it.lastPage = len(page) < size
		it.offset += len(page)
		it.page = page
	}
	it.current, it.page = it.page[0], it.page[1:]
	it.remaining--
	return true
}

func (it *ExperimentIterator) Experiment() models.Experiment {
	return it.current
}

func (it *ExperimentIterator) Err() error {
	return it.err
}

// Collect drains the iterator. Any page failure fails the whole listing.
func Collect(it *ExperimentIterator) ([]models.Experiment, error) {
	var out []models.Experiment
	for it.Next() {
		out = append(out, it.Experiment())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
