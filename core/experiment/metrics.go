package experiment

import (
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
)

type experimentMetrics struct {
	packaged      tally.Counter
	packageCached tally.Counter
	packageFail   tally.Counter
	launched      tally.Counter
	quotaFail     tally.Counter
	configFail    tally.Counter
	transientFail tally.Counter
	statusScope   tally.Scope
}

func newExperimentMetrics(scope tally.Scope) experimentMetrics {
	packageScope := scope.SubScope("package")
	launchScope := scope.SubScope("launch")
	failScope := launchScope.Tagged(map[string]string{"result": "fail"})

	return experimentMetrics{
		packaged:      packageScope.Counter("built"),
		packageCached: packageScope.Counter("cached"),
		packageFail:   packageScope.Counter("fail"),
		launched:      launchScope.Tagged(map[string]string{"result": "success", "kind": "none"}).Counter("submitted"),
		quotaFail:     failScope.Tagged(map[string]string{"kind": "quota"}).Counter("submitted"),
		configFail:    failScope.Tagged(map[string]string{"kind": "invalid_configuration"}).Counter("submitted"),
		transientFail: failScope.Tagged(map[string]string{"kind": "transient"}).Counter("submitted"),
		statusScope:   scope.SubScope("status"),
	}
}

func (m experimentMetrics) launchFailed(err error) {
	switch {
	case errors.Is(err, exceptions.ErrQuotaExceeded):
		m.quotaFail.Inc(1)
	case errors.Is(err, exceptions.ErrInvalidConfiguration):
		m.configFail.Inc(1)
	default:
		m.transientFail.Inc(1)
	}
}

func (m experimentMetrics) transition(to xm.Status) {
	m.statusScope.Tagged(map[string]string{"status": to.String()}).Counter("transitions").Inc(1)
}
