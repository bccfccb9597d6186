package app

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/metrics"
	"github.com/alienrobotwizard/xmanager/core/state"
	"github.com/alienrobotwizard/xmanager/core/state/models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

func setUp(t *testing.T) (http.Handler, *state.MemoryRegistry) {
	gin.SetMode(gin.TestMode)
	conf, _ := config.NewConfig(nil)
	conf.Set("metrics.prometheus", true)

	registry := state.NewMemoryRegistry()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := registry.Create(ctx, fmt.Sprintf("cifar10-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, registry.RecordWorkUnit(ctx, models.WorkUnit{ExperimentID: 1, Index: 0, Status: "RUNNING"}))

	app, err := NewApp(ctx, conf, registry, metrics.New(conf))
	require.NoError(t, err)
	return app.Handler(), registry
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(w, req)
	return w
}

func TestListExperiments(t *testing.T) {
	h, _ := setUp(t)

	w := get(h, "/api/experiment?limit=2&order=desc")
	require.Equal(t, http.StatusOK, w.Code)
	var list models.ExperimentList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(2), list.Total)
	assert.Equal(t, "cifar10-2", list.Experiments[0].Title)

	w = get(h, "/api/experiment?title=cifar10-1")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)

	w = get(h, "/api/experiment?limit=lots")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetExperiment(t *testing.T) {
	h, _ := setUp(t)

	w := get(h, "/api/experiment/1")
	require.Equal(t, http.StatusOK, w.Code)
	var e models.Experiment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, uint(1), e.ID)
	assert.Equal(t, "cifar10-0", e.Title)

	assert.Equal(t, http.StatusNotFound, get(h, "/api/experiment/42").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/api/experiment/abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/api/experiment/0").Code)
}

func TestListWorkUnits(t *testing.T) {
	h, _ := setUp(t)

	w := get(h, "/api/experiment/1/work_units")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Total     int               `json:"total"`
		WorkUnits []models.WorkUnit `json:"work_units"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "RUNNING", body.WorkUnits[0].Status)

	assert.Equal(t, http.StatusNotFound, get(h, "/api/experiment/9/work_units").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setUp(t)
	assert.Equal(t, http.StatusOK, get(h, "/metrics").Code)
}
