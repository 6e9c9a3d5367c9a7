package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telecrm/internal/audit"
	"telecrm/internal/auth"
	"telecrm/internal/calls"
	"telecrm/internal/config"
	"telecrm/internal/reporting"
	"telecrm/internal/session"
	"telecrm/internal/telephony"

	"github.com/gin-gonic/gin"
)

type stubGateway struct{ err error }

func (stubGateway) Name() string { return "stub" }

func (g stubGateway) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	if g.err != nil {
		return telephony.PlaceCallResult{}, g.err
	}
	return telephony.PlaceCallResult{ProviderCallID: "prov-" + req.CallID}, nil
}

type apiEnv struct {
	router  *gin.Engine
	manager *calls.Manager
	audit   *audit.MemoryRepo
}

func newAPI(t *testing.T, gw telephony.Gateway, limiter calls.Limiter) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := calls.NewMemoryStore()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo, nil)
	m := calls.NewManager(calls.Deps{
		Store:     store,
		Sessions:  session.NewMemoryRegistry(),
		Gateway:   gw,
		Limiter:   limiter,
		Observers: []calls.Observer{auditSvc},
	}, calls.ManagerConfig{Normalizer: telephony.DefaultNormalizer()})

	h := Handlers{Calls: m, Reports: reporting.NewService(store), Audit: auditSvc}

	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), c.GetHeader("X-Test-User"), c.GetHeader("X-Test-Role"))
		c.Request = c.Request.WithContext(ctx)
	})
	v1.POST("/calls", h.InitiateCall)
	v1.GET("/calls/summary", h.CallsSummary)
	v1.GET("/calls/:id", h.GetCall)
	v1.POST("/calls/:id/end", h.EndCall)
	v1.PATCH("/calls/:id", h.UpdateCall)
	v1.GET("/calls/:id/audit", h.CallAudit)
	return &apiEnv{router: r, manager: m, audit: auditRepo}
}

func (e *apiEnv) do(method, path, user, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	req.Header.Set("X-Test-Role", role)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestInitiateCall(t *testing.T) {
	env := newAPI(t, stubGateway{}, nil)

	w := env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "+91 98765 43210", "from": "9000000000", "leadId": "lead-9"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res calls.InitiateResult
	decode(t, w, &res)
	if res.InternalCallID == "" || res.Status != calls.StatusConnected {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec, err := env.manager.Get(context.Background(), res.InternalCallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.CallerID != "agent-1" || rec.LeadID != "lead-9" || rec.To != "919876543210" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestInitiateCallErrors(t *testing.T) {
	env := newAPI(t, stubGateway{}, nil)
	if w := env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "12", "from": "9000000000"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid number: expected 400, got %d", w.Code)
	}

	env = newAPI(t, stubGateway{err: errors.New("403 forbidden")}, nil)
	w := env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "9876543210", "from": "9000000000"})
	if w.Code != http.StatusOK {
		t.Fatalf("gateway failure: expected 200, got %d", w.Code)
	}
	var res map[string]any
	decode(t, w, &res)
	if res["status"] != string(calls.StatusFailed) || res["internalCallId"] == "" {
		t.Fatalf("expected failed call result, got %v", res)
	}

	env = newAPI(t, stubGateway{}, calls.NewMemoryLimiter(1))
	env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "9876543210", "from": "9000000000"})
	if w := env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "9876543210", "from": "9000000000"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("limit: expected 429, got %d", w.Code)
	}
}

func TestCallOwnershipAndEnd(t *testing.T) {
	env := newAPI(t, stubGateway{}, nil)
	var res calls.InitiateResult
	decode(t, env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "9876543210", "from": "9000000000"}), &res)
	path := "/v1/calls/" + res.InternalCallID

	if w := env.do(http.MethodGet, path, "agent-2", "caller", nil); w.Code != http.StatusForbidden {
		t.Fatalf("other caller: expected 403, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, path, "boss", "manager", nil); w.Code != http.StatusOK {
		t.Fatalf("manager: expected 200, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/v1/calls/nope", "agent-1", "caller", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, path+"/end", "agent-2", "caller", nil); w.Code != http.StatusForbidden {
		t.Fatalf("other caller end: expected 403, got %d", w.Code)
	}

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, path+"/end", "agent-1", "caller", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("end #%d: expected 200, got %d", i, w.Code)
		}
		var rec calls.CallRecord
		decode(t, w, &rec)
		if rec.Status != calls.StatusMissed || rec.EndTime == nil {
			t.Fatalf("end #%d: unexpected record %+v", i, rec)
		}
	}
}

func TestUpdateCallAndAudit(t *testing.T) {
	env := newAPI(t, stubGateway{}, nil)
	var res calls.InitiateResult
	decode(t, env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "9876543210", "from": "9000000000"}), &res)
	path := "/v1/calls/" + res.InternalCallID

	if w := env.do(http.MethodPatch, path, "agent-1", "caller", gin.H{"disposition": "interested"}); w.Code != http.StatusBadRequest {
		t.Fatalf("disposition before end: expected 400, got %d", w.Code)
	}
	if w := env.do(http.MethodPatch, path, "agent-1", "caller", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: expected 400, got %d", w.Code)
	}

	env.do(http.MethodPost, path+"/end", "agent-1", "caller", nil)
	cb := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	w := env.do(http.MethodPatch, path, "agent-1", "caller", gin.H{"notes": "call back tomorrow", "disposition": "interested", "callbackDatetime": cb})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec calls.CallRecord
	decode(t, w, &rec)
	if rec.Notes != "call back tomorrow" || rec.Disposition != "interested" || rec.CallbackDatetime == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if w := env.do(http.MethodGet, path+"/audit", "boss", "manager", nil); w.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", w.Code)
	}
	var sawDetails, sawTerminal bool
	for _, e := range env.audit.Events() {
		switch {
		case e.Type == audit.EventTypeDetailsUpdated:
			sawDetails = true
		case e.ToStatus == string(calls.StatusMissed):
			sawTerminal = e.ActorUserID == "agent-1" && e.Source == "api"
		}
	}
	if !sawDetails || !sawTerminal {
		t.Fatalf("expected details and terminal audit events, got %+v", env.audit.Events())
	}
}

func TestCallsSummaryScoping(t *testing.T) {
	env := newAPI(t, stubGateway{}, nil)
	env.do(http.MethodPost, "/v1/calls", "agent-1", "caller", gin.H{"to": "9876543210", "from": "9000000000"})
	env.do(http.MethodPost, "/v1/calls", "agent-2", "caller", gin.H{"to": "9876543210", "from": "9000000000"})

	var out reporting.CallsSummary
	decode(t, env.do(http.MethodGet, "/v1/calls/summary?caller_id=agent-2", "agent-1", "caller", nil), &out)
	if out.TotalCalls != 1 || out.CallerID != "agent-1" {
		t.Fatalf("caller must only see own calls, got %+v", out)
	}

	decode(t, env.do(http.MethodGet, "/v1/calls/summary", "boss", "manager", nil), &out)
	if out.TotalCalls != 2 || len(out.Agents) != 2 {
		t.Fatalf("manager summary: %+v", out)
	}

	if w := env.do(http.MethodGet, "/v1/calls/summary?from=yesterday", "boss", "manager", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad from: expected 400, got %d", w.Code)
	}
}

func TestDevLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	for _, enabled := range []bool{false, true} {
		r := gin.New()
		r.POST("/login", Handlers{Auth: m, DevLogin: enabled}.Login)
		body := bytes.NewBufferString(`{"user_id":"agent-1","role":"caller"}`)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", body))

		want := http.StatusNotFound
		if enabled {
			want = http.StatusOK
		}
		if w.Code != want {
			t.Fatalf("enabled=%v: expected %d, got %d", enabled, want, w.Code)
		}
	}
}
