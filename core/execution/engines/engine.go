package engines

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/pkg/errors"
	"sort"
)

//
// Engine adapts one backend to the three operations every backend supports.
// Backend specific types never leave the engine; jobs are addressed through Handles.
//
type Engine interface {
	Name() xm.Backend
	Package(ctx context.Context, p xm.Packageable) (xm.Executable, error)
	Launch(ctx context.Context, job xm.Job) (Handle, error)
	Query(ctx context.Context, handle Handle) (xm.Status, error)
}

// Handle addresses one launched job on its backend.
type Handle struct {
	Backend   xm.Backend `json:"backend"`
	ID        string     `json:"id"`
	Namespace string     `json:"namespace,omitempty"`
}

func (h Handle) String() string {
	if h.Namespace != "" {
		return fmt.Sprintf("%s:%s/%s", h.Backend, h.Namespace, h.ID)
	}
	return fmt.Sprintf("%s:%s", h.Backend, h.ID)
}

var (
	ErrNotFound      = errors.New("not found")
	ErrWrongBackend  = errors.New("handle belongs to another backend")
	ErrUnsupportedOp = errors.New("unsupported by engine")
)

// Engines is the set of configured engines keyed by backend.
type Engines map[xm.Backend]Engine

func NewEngines(engs ...Engine) Engines {
	e := make(Engines, len(engs))
	for _, eng := range engs {
		e[eng.Name()] = eng
	}
	return e
}

func (e Engines) Get(backend xm.Backend) (Engine, bool) {
	eng, ok := e[backend]
	return eng, ok
}

// MustGet returns the engine or a malformed input error naming the missing backend.
func (e Engines) MustGet(backend xm.Backend) (Engine, error) {
	if eng, ok := e[backend]; ok {
		return eng, nil
	}
	return nil, fmt.Errorf("%w: engine with name: %s not configured", exceptions.ErrMalformedInput, backend)
}

func (e Engines) Names() []string {
	names := make([]string, 0, len(e))
	for b := range e {
		names = append(names, string(b))
	}
	sort.Strings(names)
	return names
}
