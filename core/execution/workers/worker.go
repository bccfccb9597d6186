package workers

import (
	"context"
)

type Worker interface {
	// Run blocks until ctx ends or the worker has nothing left to do.
	Run(ctx context.Context) error
}
