package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphboost/graphboost/api"
	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/deploy"
	"github.com/graphboost/graphboost/graphkey"
	"github.com/graphboost/graphboost/graphstore"
	"github.com/graphboost/graphboost/ml"
	_ "github.com/graphboost/graphboost/ml/backend"
	"github.com/graphboost/graphboost/ml/backend/reference"
)

type fixture struct {
	cache   *cache.Cache
	store   *graphstore.Store
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, err := cache.New(1)
	require.NoError(t, err)
	store := graphstore.New(t.TempDir())
	return &fixture{cache: c, store: store, handler: New(c, store).GenerateRoutes()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

// deployed runs one call through a compiled module and saves its graph.
func (f *fixture) deployed(t *testing.T) (*deploy.Module, string) {
	t.Helper()
	l, err := ml.NewLinear("proj", 2, 2, []float32{1, 2, 3, 4}, []float32{0, 0})
	require.NoError(t, err)
	e := ml.NewSequential(ml.FamilyUNetLDM, l, &ml.Activation{LayerName: "act", Func: ml.KindSiLU})

	m, err := deploy.New(e, reference.New(), f.cache, deploy.Options{
		Identity: graphkey.Identity{Checkpoint: "sd15", Role: "unet"},
		Compile:  ml.DefaultCompileOptions(),
	})
	require.NoError(t, err)

	x, err := ml.FromFloats([]float32{1, 2}, 1, 2)
	require.NoError(t, err)
	_, err = m.Forward(ml.NewArgs(x))
	require.NoError(t, err)

	path, err := f.store.Path("unet", "sd15", graphstore.FileName("unet", "0.0.0", reference.Name, reference.Version))
	require.NoError(t, err)
	require.NoError(t, m.SaveGraph(path))
	return m, path
}

func TestVersionHandler(t *testing.T) {
	f := newFixture(t)
	var resp api.VersionResponse
	w := f.do(t, http.MethodGet, "/api/version", nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, resp.Compilers, reference.Name)
}

func TestPsHandler(t *testing.T) {
	f := newFixture(t)
	_, path := f.deployed(t)

	var resp api.ProcessResponse
	w := f.do(t, http.MethodGet, "/api/ps", nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp.Units, 1)
	assert.Equal(t, 1, resp.Capacity)
	assert.Equal(t, "sd15/unet", resp.Units[0].Identity)
	assert.Equal(t, "cpu", resp.Units[0].Device)
	assert.Equal(t, path, resp.Units[0].Path)
	assert.EqualValues(t, 1, resp.Stats.Compiles)
}

func TestCapacityHandler(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/capacity", api.CapacityRequest{Capacity: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp api.CapacityResponse
	w = f.do(t, http.MethodPost, "/api/capacity", api.CapacityRequest{Capacity: 3}, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, resp.Capacity)
	assert.Equal(t, 3, f.cache.Capacity())
}

func TestGraphsHandlers(t *testing.T) {
	f := newFixture(t)

	var list api.ListGraphsResponse
	f.do(t, http.MethodGet, "/api/graphs", nil, &list)
	assert.Empty(t, list.Graphs)

	_, path := f.deployed(t)
	f.do(t, http.MethodGet, "/api/graphs", nil, &list)
	require.Len(t, list.Graphs, 1)
	g := list.Graphs[0]
	assert.Equal(t, path, g.Path)

	del := api.DeleteGraphRequest{Role: g.Role, Checkpoint: g.Checkpoint, Name: g.Name}
	w := f.do(t, http.MethodDelete, "/api/graphs", del, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, f.cache.Len(), "the unit loaded from the file is released")

	w = f.do(t, http.MethodDelete, "/api/graphs", del, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/graphs", api.DeleteGraphRequest{Role: "unet", Checkpoint: "../x", Name: "y"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/ps", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
