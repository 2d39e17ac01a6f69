package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfold/skyfold/internal/config"
	"github.com/skyfold/skyfold/internal/cube"
	"github.com/skyfold/skyfold/internal/logging"
	"github.com/skyfold/skyfold/internal/model"
)

func newTestServer(t *testing.T) (*Server, *chi.Mux) {
	t.Helper()
	cfg := &config.Config{}
	logger := logging.New(logging.ErrorLevel, io.Discard)
	srv := NewServer(cfg, logger, nil)
	router := chi.NewRouter()
	srv.RegisterRoutes(router)
	return srv, router
}

// testRequest builds a small fit whose counts are the exact model
// prediction, so the fit recovers the injected values quickly.
func testRequest(t *testing.T) FitRequest {
	t.Helper()
	edges := []float64{1, 10}
	axis := cube.Axis{Edges: edges}
	geom := cube.NewGeometry(0, 0, 1, 1, 0.1, axis)

	truth := model.NewSkyModel(
		model.NewUniformSpatial(1.0),
		model.NewConstantSpectral(2.0),
	)
	exposure := cube.NewFilledCube(geom, 100.0)
	background := cube.NewFilledCube(geom, 0.5)
	eval, err := cube.NewEvaluator(truth, exposure, background,
		cube.NewDeltaPSF(1), cube.NewIdentityDispersion(1))
	require.NoError(t, err)
	npred, err := eval.ComputeNpred()
	require.NoError(t, err)

	return FitRequest{
		Geometry: GeometrySpec{
			Width: 1, Height: 1, BinSize: 0.1,
			EnergyEdges: edges,
		},
		Counts:     npred.Data,
		Exposure:   100.0,
		Background: 0.5,
		Model: ModelSpec{
			Spatial:  ComponentSpec{Type: "uniform", Parameters: map[string]float64{"value": 1.0}},
			Spectral: ComponentSpec{Type: "constant", Parameters: map[string]float64{"norm": 1.2}},
			Frozen:   []string{"spatial.value"},
		},
	}
}

func submit(t *testing.T, router http.Handler, req FitRequest) string {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/fit", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["fit_id"])
	assert.Equal(t, "pending", resp["status"])
	return resp["fit_id"]
}

func pollJob(t *testing.T, router http.Handler, id string) *FitJob {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fit/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var job FitJob
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		switch job.Status {
		case "completed", "failed", "cancelled":
			return &job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("fit did not reach a terminal state")
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full fit")
	}
	_, router := newTestServer(t)

	id := submit(t, router, testRequest(t))
	job := pollJob(t, router, id)

	require.Equal(t, "completed", job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Success)
	assert.Equal(t, "nelder-mead", job.Result.Backend)
	require.NotNil(t, job.EndTime)

	var norm *ParameterSummary
	for i := range job.Result.Parameters {
		if job.Result.Parameters[i].Name == "spectral.norm" {
			norm = &job.Result.Parameters[i]
		}
	}
	require.NotNil(t, norm, "fitted parameters missing spectral.norm")
	assert.InDelta(t, 2.0, norm.Value, 0.02)
	assert.False(t, norm.Frozen)
}

func TestSubmitValidation(t *testing.T) {
	_, router := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(*FitRequest)
	}{
		{"wrong counts length", func(r *FitRequest) { r.Counts = r.Counts[:3] }},
		{"bad energy edges", func(r *FitRequest) { r.Geometry.EnergyEdges = []float64{10, 1} }},
		{"zero exposure", func(r *FitRequest) { r.Exposure = 0 }},
		{"unknown spatial model", func(r *FitRequest) { r.Model.Spatial.Type = "spline" }},
		{"missing spectral parameter", func(r *FitRequest) { delete(r.Model.Spectral.Parameters, "norm") }},
		{"unknown frozen name", func(r *FitRequest) { r.Model.Frozen = []string{"nope"} }},
		{"inverted bounds", func(r *FitRequest) {
			r.Model.Bounds = map[string][2]float64{"spectral.norm": {3, 1}}
		}},
		{"bad mask radius", func(r *FitRequest) { r.Mask = &CircleSpec{Radius: -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(t)
			tt.mutate(&req)
			body, err := json.Marshal(req)
			require.NoError(t, err)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/fit", bytes.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	_, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/fit",
		bytes.NewReader([]byte("{not json"))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusNotFound(t *testing.T) {
	_, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fit/fit_0", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancel(t *testing.T) {
	srv, router := newTestServer(t)

	// Seed a pending job directly so cancellation races nothing.
	now := time.Now()
	srv.jobsMu.Lock()
	srv.jobs["fit_pending"] = &FitJob{ID: "fit_pending", Status: "pending", StartTime: now, LastUpdated: now}
	srv.jobs["fit_done"] = &FitJob{ID: "fit_done", Status: "completed", StartTime: now, LastUpdated: now}
	srv.jobsMu.Unlock()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/fit/fit_pending", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fit/fit_pending", nil))
	var job FitJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "cancelled", job.Status)

	// Terminal jobs cannot be cancelled.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/fit/fit_done", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/fit/fit_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListWithoutStore(t *testing.T) {
	_, router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/fits", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRequestBuildGeometry(t *testing.T) {
	req := testRequest(t)
	req.Geometry.TrueEnergyEdges = []float64{1, 3, 10}
	// Counts stay on the reconstructed axis; only the folding changes.
	mapFit, err := req.Build(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, mapFit)

	req = testRequest(t)
	req.PSFSigma = 0.2
	req.Mask = &CircleSpec{Lon: 0, Lat: 0, Radius: 0.4}
	mapFit, err = req.Build(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, mapFit)
}

func TestCancelledBeforeScheduling(t *testing.T) {
	srv, _ := newTestServer(t)

	now := time.Now()
	srv.jobsMu.Lock()
	srv.jobs["fit_x"] = &FitJob{ID: "fit_x", Status: "cancelled", StartTime: now, LastUpdated: now}
	srv.jobsMu.Unlock()

	req := testRequest(t)
	mapFit, err := req.Build(nil, nil)
	require.NoError(t, err)

	srv.runFit("fit_x", mapFit)

	srv.jobsMu.RLock()
	defer srv.jobsMu.RUnlock()
	assert.Equal(t, "cancelled", srv.jobs["fit_x"].Status)
}
