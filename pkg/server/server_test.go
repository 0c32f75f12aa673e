package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbellor/clipscout/pkg/modelspace"
	"github.com/tbellor/clipscout/pkg/runner"
	"github.com/tbellor/clipscout/pkg/session"
	"github.com/tbellor/clipscout/pkg/store"
)

// memStore is a minimal in-memory EmbeddingStore for API tests.
type memStore struct {
	vectors map[string][]float32
}

func (m *memStore) FetchVectors(_ context.Context, _ string, clipIDs []string) (map[string][]float32, error) {
	out := make(map[string][]float32)
	for _, id := range clipIDs {
		if vec, ok := m.vectors[id]; ok {
			out[id] = vec
		}
	}
	return out, nil
}

func (m *memStore) ScanPool(_ context.Context, _ string, scope store.DatasetScope, fn func(string, []float32) error) error {
	ids := make([]string, 0, len(m.vectors))
	for id := range m.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		if scope.Limit > 0 && i >= scope.Limit {
			return nil
		}
		if err := fn(id, m.vectors[id]); err != nil {
			if err == store.ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func newTestServer(t *testing.T, modelRunner runner.ModelRunner) *Server {
	t.Helper()

	registry := modelspace.NewRegistry()
	require.NoError(t, registry.Register(modelspace.ModelSpec{
		Name:          "testnet",
		Dimensions:    2,
		DefaultMetric: modelspace.MetricCosine,
	}))

	ms := &memStore{vectors: make(map[string][]float32)}
	for i := 0; i < 40; i++ {
		theta := float64(i) / 39 * (math.Pi / 2)
		ms.vectors[fmt.Sprintf("clip-%02d", i)] = []float32{
			float32(math.Cos(theta)),
			float32(math.Sin(theta)),
		}
	}

	engine, err := session.NewEngine(session.EngineConfig{Embeddings: ms, Registry: registry})
	require.NoError(t, err)
	return New(engine, registry, modelRunner, 12, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createSessionHTTP(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{
		"model":        "testnet",
		"model_run_id": "run-1",
		"references":   [][]float32{{1, 0}},
		"seed":         42,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotEmpty(t, view.ID)
	return view.ID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []struct {
			Name       string `json:"name"`
			Dimensions int    `json:"dimensions"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 1)
	assert.Equal(t, "testnet", resp.Models[0].Name)
	assert.Equal(t, 2, resp.Models[0].Dimensions)
}

func TestCreateSession(t *testing.T) {
	srv := newTestServer(t, nil)

	t.Run("created", func(t *testing.T) {
		id := createSessionHTTP(t, srv)

		rec := doJSON(t, srv, http.MethodGet, "/api/sessions/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var view struct {
			Status   string `json:"status"`
			PoolSize int    `json:"pool_size"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, "sampling", view.Status)
		assert.Equal(t, 40, view.PoolSize)
	})

	t.Run("missing required fields", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"model": "testnet"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("reference dimension mismatch", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{
			"model":        "testnet",
			"model_run_id": "run-1",
			"references":   [][]float32{{1, 0, 0}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/api/sessions/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestLabelingWorkflow(t *testing.T) {
	srv := newTestServer(t, nil)
	id := createSessionHTTP(t, srv)

	// Batch.
	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/batch", map[string]any{"k": 6})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var batch struct {
		Batch []struct {
			ClipID     string `json:"clip_id"`
			SampleType string `json:"sample_type"`
		} `json:"batch"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Equal(t, 6, batch.Count)

	// A second batch before labels is a state violation.
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/batch", map[string]any{"k": 6})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Labels: mixed classes.
	labels := make([]map[string]any, len(batch.Batch))
	for i, item := range batch.Batch {
		labels[i] = map[string]any{"clip_id": item.ClipID, "is_negative": i%2 == 0}
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/labels", map[string]any{"labels": labels})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Advance: both classes present, not degraded.
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var advance struct {
		Degraded bool `json:"degraded"`
		Session  struct {
			Round int `json:"round_number"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &advance))
	assert.False(t, advance.Degraded)
	assert.Equal(t, 2, advance.Session.Round)

	// Ledger is readable.
	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/"+id+"/labels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ledger))
	assert.Equal(t, 6, ledger.Count)

	// Finalize.
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var artifact struct {
		Export []struct {
			ClipID string `json:"clip_id"`
		} `json:"export"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifact))
	assert.Len(t, artifact.Export, 6)

	// Finalize again returns the same artifact.
	again := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, again.Code)
	assert.JSONEq(t, rec.Body.String(), again.Body.String())
}

func TestAdvanceDegraded(t *testing.T) {
	srv := newTestServer(t, nil)
	id := createSessionHTTP(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/batch", map[string]any{"k": 4})
	require.Equal(t, http.StatusOK, rec.Code)
	var batch struct {
		Batch []struct {
			ClipID string `json:"clip_id"`
		} `json:"batch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	// All positive: retraining cannot fit, the response reports degradation
	// as workflow data, not as an error status.
	labels := make([]map[string]any, len(batch.Batch))
	for i, item := range batch.Batch {
		labels[i] = map[string]any{"clip_id": item.ClipID}
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/labels", map[string]any{"labels": labels})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var advance struct {
		Degraded bool   `json:"degraded"`
		Detail   string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &advance))
	assert.True(t, advance.Degraded)
	assert.NotEmpty(t, advance.Detail)
}

func TestAbandonEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	id := createSessionHTTP(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/abandon", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/batch", map[string]any{"k": 4})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	t.Run("no runner configured", func(t *testing.T) {
		srv := newTestServer(t, nil)
		rec := doJSON(t, srv, http.MethodPost, "/api/runs/embeddings", map[string]any{
			"model": "testnet", "dataset": "d",
		})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("stub runner accepts", func(t *testing.T) {
		stub := &runner.StubRunner{}
		srv := newTestServer(t, stub)

		rec := doJSON(t, srv, http.MethodPost, "/api/runs/embeddings", map[string]any{
			"model": "testnet", "dataset": "summer", "batch_size": 8,
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var resp struct {
			RunID string `json:"run_id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.RunID)
		require.Len(t, stub.EmbedRuns, 1)
		assert.Equal(t, "summer", stub.EmbedRuns[0].Dataset)

		rec = doJSON(t, srv, http.MethodPost, "/api/runs/"+resp.RunID+"/predictions", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{resp.RunID}, stub.PredictRuns)
	})
}
