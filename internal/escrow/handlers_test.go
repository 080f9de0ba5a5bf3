package escrow

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
	"github.com/mbd888/gigescrow/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	*fixture
	router *gin.Engine
	tokens *auth.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	f := newFixture(t)
	m := auth.NewManager("test-secret-0123456789abcdef0123456789")
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1", auth.Middleware(m), auth.RequireAuth()))
	return &testAPI{fixture: f, router: r, tokens: m}
}

func (a *testAPI) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	tok, err := a.tokens.Issue(auth.Session{UserID: userID}, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestHandler_FundAndRelease(t *testing.T) {
	a := newTestAPI(t)
	c := a.signed(t, "1000")

	w := a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/fund", client, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/fund", client, `{"paymentMethodId":"pm_card_visa"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/release-escrow", freelancer, ``)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/release-escrow", client, `{"amount":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/release-escrow", client, ``)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Payout Payout `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "950", body.Payout.Net.String())

	w = a.do(t, http.MethodGet, "/v1/contracts/"+c.ID+"/escrow", freelancer, ``)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Escrow View `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "0.00", view.Escrow.Remaining)
	assert.Len(t, view.Escrow.Payouts, 1)
}

func TestHandler_FundPendingIsAccepted(t *testing.T) {
	a := newTestAPI(t)
	a.gw.ChargeStatus = payments.ChargeProcessing
	c := a.signed(t, "250")

	w := a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/fund", client, `{"paymentMethodId":"pm_1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandler_Refund(t *testing.T) {
	a := newTestAPI(t)
	c := a.funded(t, "500")

	w := a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/escrow/refund", client, `{"reason":"no show"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Refunded string `json:"refunded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "475", body.Refunded)
}

func TestHandler_CompleteWithoutApproval(t *testing.T) {
	a := newTestAPI(t)
	c := a.funded(t, "500")

	w := a.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/complete", client, ``)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MalformedID(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/v1/contracts/not-an-id/escrow", client, ``)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
