package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	intents []*escrow.ReleaseIntent
	limit   int
}

func (q *fakeQueue) PendingIntents(_ context.Context, limit int) ([]*escrow.ReleaseIntent, error) {
	q.limit = limit
	return q.intents, nil
}

type fakeRunner struct {
	resolved int
	err      error
	calls    int
}

func (r *fakeRunner) RunOnce(context.Context) (int, error) {
	r.calls++
	return r.resolved, r.err
}

func serve(h *Handler, method, path string) *httptest.ResponseRecorder {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1/admin"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestListPendingReleases(t *testing.T) {
	q := &fakeQueue{intents: []*escrow.ReleaseIntent{{
		ID:         "ri_1",
		ContractID: "ctr_1",
		Status:     escrow.IntentPending,
		Attempts:   2,
		LastError:  "gateway timeout",
		CreatedAt:  time.Now(),
	}}}

	w := serve(NewHandler().WithReleaseQueue(q), http.MethodGet, "/v1/admin/releases/pending?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, q.limit)

	var body struct {
		Intents []escrow.ReleaseIntent `json:"intents"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "ctr_1", body.Intents[0].ContractID)
}

func TestListPendingReleases_LimitOutOfRangeUsesDefault(t *testing.T) {
	q := &fakeQueue{}
	w := serve(NewHandler().WithReleaseQueue(q), http.MethodGet, "/v1/admin/releases/pending?limit=5000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, q.limit)
}

func TestRetryReleases(t *testing.T) {
	r := &fakeRunner{resolved: 3}
	w := serve(NewHandler().WithReleaseRunner(r), http.MethodPost, "/v1/admin/releases/retry")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resolved":3}`, w.Body.String())
	assert.Equal(t, 1, r.calls)

	r.err = errors.New("db down")
	w = serve(NewHandler().WithReleaseRunner(r), http.MethodPost, "/v1/admin/releases/retry")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestNotConfigured(t *testing.T) {
	h := NewHandler()
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/v1/admin/releases/pending").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodPost, "/v1/admin/releases/retry").Code)
}
