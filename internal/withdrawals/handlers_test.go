package withdrawals

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandler_RequestWithHeaderKey(t *testing.T) {
	f := newFixture(t, "950")
	m := auth.NewManager("test-secret-0123456789abcdef0123456789")
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1", auth.Middleware(m), auth.RequireAuth()))
	tok, err := m.Issue(auth.Session{UserID: "usr_f"}, time.Hour)
	require.NoError(t, err)

	post := func(body string, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/withdrawals", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := post(`{"amount":"25.00"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(`{"amount":"25.00"}`, "hdr-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Withdrawal Withdrawal `json:"withdrawal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "hdr-1", body.Withdrawal.IdempotencyKey)

	w = post(`{"amount":"5000"}`, "hdr-2")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	get := httptest.NewRequest(http.MethodGet, "/v1/withdrawals/"+body.Withdrawal.ID, nil)
	get.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, get)
	assert.Equal(t, http.StatusOK, rec.Code)

	get = httptest.NewRequest(http.MethodGet, "/v1/withdrawals/wd_nope", nil)
	get.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, get)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
