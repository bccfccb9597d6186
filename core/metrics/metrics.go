package metrics

import (
	"github.com/alienrobotwizard/xmanager/core/config"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"io"
	"net/http"
	"time"
)

const (
	prefixKey     = "metrics.prefix"
	prometheusKey = "metrics.prometheus"
)

//
// Metrics owns the root scope every component reports under. When prometheus is
// disabled the scope is a noop and Handler is nil.
//
type Metrics struct {
	Scope   tally.Scope
	closer  io.Closer
	handler http.Handler
}

func New(c *config.Config) *Metrics {
	if !c.GetBool(prometheusKey) {
		return &Metrics{Scope: tally.NoopScope}
	}

	registry := prom.NewRegistry()
	reporter := prometheus.NewReporter(prometheus.Options{
		Registerer: registry,
		Gatherer:   registry,
	})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         c.GetString(prefixKey),
		CachedReporter: reporter,
		Separator:      prometheus.DefaultSeparator,
	}, time.Second)
	return &Metrics{Scope: scope, closer: closer, handler: reporter.HTTPHandler()}
}

// Handler serves the prometheus exposition, nil when disabled.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

func (m *Metrics) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}
