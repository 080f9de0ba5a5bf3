package contracts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret-0123456789abcdef0123456789"

type testAPI struct {
	router *gin.Engine
	tokens *auth.Manager
	svc    *Service
	store  *MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, nil, "usd")
	h := NewHandler(svc)
	m := auth.NewManager(testSecret)

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(m), auth.RequireAuth())
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin()))
	return &testAPI{router: r, tokens: m, svc: svc, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, userID string, admin bool, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		tok, err := a.tokens.Issue(auth.Session{UserID: userID, Admin: admin}, time.Hour)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHandler_CreateAndGet(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/contracts", client, false, map[string]string{
		"title":        "Landing page",
		"freelancerId": freelancer,
		"totalAmount":  "1000.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["success"] != true {
		t.Fatalf("expected success flag, got %v", body)
	}
	contract := body["contract"].(map[string]any)
	id := contract["id"].(string)
	if contract["status"] != "draft" {
		t.Errorf("expected draft, got %v", contract["status"])
	}

	if w := api.do(t, http.MethodGet, "/v1/contracts/"+id, freelancer, false, nil); w.Code != http.StatusOK {
		t.Errorf("freelancer get: expected 200, got %d", w.Code)
	}
	w = api.do(t, http.MethodGet, "/v1/contracts/"+id, stranger, false, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("stranger get: expected 404, got %d", w.Code)
	}
	if decode(t, w)["error"] != "not_found" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestHandler_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	if w := api.do(t, http.MethodGet, "/v1/contracts", "", false, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandler_MalformedIDIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/v1/contracts/not-an-id/sign", client, false, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/contracts", client, false, map[string]string{
		"title":       "x",
		"totalAmount": "-5",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if decode(t, w)["error"] != "validation_error" {
		t.Errorf("unexpected body %s", w.Body.String())
	}

	w = api.do(t, http.MethodPost, "/v1/contracts", client, false, map[string]string{"title": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing amount: expected 400, got %d", w.Code)
	}
}

func TestHandler_SubmitByClientIsForbidden(t *testing.T) {
	api := newTestAPI(t)
	c := fundedContract(t, api.svc, api.store)

	w := api.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/deliverables", client, false, map[string]string{"title": "v1"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/deliverables", freelancer, false, map[string]string{"title": "v1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["deliverable"] == nil {
		t.Error("expected deliverable in response")
	}
}

func TestHandler_InvalidStateIs400(t *testing.T) {
	api := newTestAPI(t)
	c := fundedContract(t, api.svc, api.store)

	w := api.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/approve-deliverables", client, false, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if decode(t, w)["error"] != "invalid_state" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestHandler_ResolveRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	c := fundedContract(t, api.svc, api.store)
	if w := api.do(t, http.MethodPost, "/v1/contracts/"+c.ID+"/dispute", client, false, map[string]string{"reason": "late"}); w.Code != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d", w.Code)
	}

	path := "/v1/admin/contracts/" + c.ID + "/resolve"
	if w := api.do(t, http.MethodPost, path, client, false, map[string]string{"outcome": "active"}); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin resolve: expected 403, got %d", w.Code)
	}
	w := api.do(t, http.MethodPost, path, "usr_admin", true, map[string]string{"outcome": "active"})
	if w.Code != http.StatusOK {
		t.Fatalf("admin resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["contract"].(map[string]any)["status"] != "active" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestHandler_ListAndHistory(t *testing.T) {
	api := newTestAPI(t)
	c := signedContract(t, api.svc)

	w := api.do(t, http.MethodGet, "/v1/contracts?status=pending_funding&limit=5", freelancer, false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["count"].(float64) != 1 {
		t.Errorf("unexpected list %s", w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/v1/contracts/"+c.ID+"/history", client, false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events := decode(t, w)["events"].([]any)
	if len(events) < 4 {
		t.Errorf("expected created, sent and two signatures, got %d events", len(events))
	}
}
