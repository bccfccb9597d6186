package exceptions

import (
	"fmt"
	"github.com/pkg/errors"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrMalformedInput  = errors.New("malformed input")
	ErrBadConfig       = errors.New("bad configuration")
	ErrExperimentClose = errors.New("experiment is closed")

	ErrInvalidRequirement     = errors.New("invalid requirement")
	ErrConflictingRequirement = errors.New("conflicting requirement")
	ErrPackaging              = errors.New("packaging failed")
	ErrLaunch                 = errors.New("launch failed")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrInvalidConfiguration   = errors.New("invalid configuration")
	ErrTransientBackend       = errors.New("transient backend error")
	ErrRegistryUnavailable    = errors.New("registry unavailable")

	// ErrNotFound is what registry lookups return for unknown ids.
	ErrNotFound = ErrRecordNotFound
)

//
// LaunchKind distinguishes the launch failure classes. Only TransientBackend is retry eligible.
//
type LaunchKind int

const (
	QuotaExceeded LaunchKind = iota + 1
	InvalidConfiguration
	TransientBackend
)

func (k LaunchKind) sentinel() error {
	switch k {
	case QuotaExceeded:
		return ErrQuotaExceeded
	case InvalidConfiguration:
		return ErrInvalidConfiguration
	default:
		return ErrTransientBackend
	}
}

func (k LaunchKind) String() string {
	return k.sentinel().Error()
}

//
// LaunchError is returned by engines when a backend refuses or fails a launch request
//
type LaunchError struct {
	Kind    LaunchKind
	Backend string
	Job     string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: [%s] job [%s]: %s: %v", ErrLaunch, e.Backend, e.Job, e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch || target == e.Kind.sentinel()
}

func NewLaunchError(kind LaunchKind, backend string, job string, err error) error {
	return &LaunchError{Kind: kind, Backend: backend, Job: job, Err: err}
}

//
// PackagingError describes a failed image build or push
//
type PackagingError struct {
	Spec string
	Err  error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("%s: [%s]: %v", ErrPackaging, e.Spec, e.Err)
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

func (e *PackagingError) Is(target error) bool {
	return target == ErrPackaging
}

func NewPackagingError(spec string, err error) error {
	return &PackagingError{Spec: spec, Err: err}
}

// IsRetryable reports whether err is a launch failure the caller may retry.
func IsRetryable(err error) bool {
	var le *LaunchError
	if errors.As(err, &le) {
		return le.Kind == TransientBackend
	}
	return false
}

func InvalidRequirement(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequirement, fmt.Sprintf(format, args...))
}

func ConflictingRequirement(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflictingRequirement, fmt.Sprintf(format, args...))
}

func RegistryUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
}

func MissingExperiment(id uint) error {
	return fmt.Errorf("%w: experiment with id: %d not found", ErrNotFound, id)
}

func BadConfig(key string) error {
	return fmt.Errorf("%w: %s must be set in config", ErrBadConfig, key)
}
