package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"lead-qualifier/internal/audit"
	"lead-qualifier/internal/auth"
	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/config"
	"lead-qualifier/internal/dispatch"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/internal/rbac"
	"lead-qualifier/internal/reporting"
	"lead-qualifier/internal/scheduler"
	"lead-qualifier/internal/speech"
	"lead-qualifier/internal/telephony"
	"lead-qualifier/pkg/logger"
)

type apiFixture struct {
	router *gin.Engine
	auth   *auth.Manager
	repo   *calls.MemoryRepo
}

func newAPI(t *testing.T, dialLimit int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	ops, err := auth.ParseOperators("alice:pw:operator,victor:pw:viewer,root:pw:admin", rbac.IsKnownRole)
	if err != nil {
		t.Fatalf("operators: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.DefaultPolicy())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	repo := calls.NewMemoryRepo()
	trail := audit.NewService(audit.NewMemoryRepo())
	d, err := dispatch.New(dispatch.Deps{
		Repo:         repo,
		Orchestrator: orch,
		Speech:       speech.NewGatherProvider(0),
		Classifier:   classifier.NewKeywordClassifier(),
		Scheduler:    scheduler.NewMemoryScheduler(),
		Transport:    telephony.NewLoopbackTransport(),
		DialLimiter:  dispatch.NewMemoryDialLimiter(dialLimit),
		Observers:    []dispatch.Observer{trail},
		Log:          logger.Discard(),
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	t.Cleanup(d.Close)

	h := Handlers{
		Auth:      m,
		Operators: ops,
		Calls:     d,
		Sessions:  repo,
		Audit:     trail,
		Reports:   reporting.NewService(repo),
	}
	r := gin.New()
	h.Register(r.Group("/v1"), auth.RequireAccessToken(m), nil)
	return &apiFixture{router: r, auth: m, repo: repo}
}

func (f *apiFixture) token(t *testing.T, id, role string) string {
	t.Helper()
	p, err := f.auth.IssuePair(time.Now(), id, role)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return p.AccessToken
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestLoginAndRefresh(t *testing.T) {
	f := newAPI(t, 0)

	w := f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"operator_id": "alice", "key": "pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	pair := decode[auth.TokenPair](t, w)

	w = f.do(t, http.MethodGet, "/v1/me", pair.AccessToken, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"role":"operator"`) {
		t.Fatalf("unexpected /me %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("expected refresh 200, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.AccessToken})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected access token refused for refresh, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"operator_id": "alice", "key": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"operator_id": "alice"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartCallAndTrail(t *testing.T) {
	f := newAPI(t, 0)
	op := f.token(t, "alice", rbac.RoleOperator)

	w := f.do(t, http.MethodPost, "/v1/calls", op, gin.H{"to": "+15551234567", "from": "+15550000000"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	s := decode[calls.Session](t, w)
	if s.SessionID == "" || s.State != calls.StateInitiated || s.ProviderCallID == "" {
		t.Fatalf("unexpected session %+v", s)
	}

	viewer := f.token(t, "victor", rbac.RoleViewer)
	w = f.do(t, http.MethodGet, "/v1/calls/"+s.SessionID, viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode[struct {
		Session calls.Session `json:"session"`
		Trail   []audit.Event `json:"trail"`
	}](t, w)
	if got.Session.SessionID != s.SessionID || len(got.Trail) != 1 || got.Trail[0].ActorID != "alice" {
		t.Fatalf("unexpected call view %+v", got)
	}

	if w := f.do(t, http.MethodGet, "/v1/calls/missing", viewer, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/calls", op, gin.H{"to": "555"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad number, got %d", w.Code)
	}
}

func TestRolesOnCallRoutes(t *testing.T) {
	f := newAPI(t, 0)
	viewer := f.token(t, "victor", rbac.RoleViewer)
	admin := f.token(t, "root", rbac.RoleAdmin)

	if w := f.do(t, http.MethodPost, "/v1/calls", viewer, gin.H{"to": "+15551234567"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected viewer to be refused, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/calls", admin, gin.H{"to": "+15551234567", "from": "+15550000000"}); w.Code != http.StatusCreated {
		t.Fatalf("expected admin to dial, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/calls", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestDialCapacityAndHangup(t *testing.T) {
	f := newAPI(t, 1)
	op := f.token(t, "alice", rbac.RoleOperator)

	w := f.do(t, http.MethodPost, "/v1/calls", op, gin.H{"to": "+15551234567", "from": "+15550000000"})
	first := decode[calls.Session](t, w)

	w = f.do(t, http.MethodPost, "/v1/calls", op, gin.H{"to": "+15557654321", "from": "+15550000000"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/calls/"+first.SessionID+"/hangup", op, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ended := decode[calls.Session](t, w)
	if ended.State != calls.StateFailed || ended.FailureReason != orchestrator.FailOperatorHangup {
		t.Fatalf("unexpected ended session %+v", ended)
	}

	if w := f.do(t, http.MethodPost, "/v1/calls/"+first.SessionID+"/hangup", op, nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second hangup, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/calls/missing/hangup", op, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	// The slot was released by the terminal transition.
	w = f.do(t, http.MethodPost, "/v1/calls", op, gin.H{"to": "+15557654321", "from": "+15550000000"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected slot to be free, got %d", w.Code)
	}
}

func TestListCallsAndReport(t *testing.T) {
	f := newAPI(t, 0)
	op := f.token(t, "alice", rbac.RoleOperator)
	for _, to := range []string{"+15551230001", "+15551230002"} {
		if w := f.do(t, http.MethodPost, "/v1/calls", op, gin.H{"to": to, "from": "+15550000000"}); w.Code != http.StatusCreated {
			t.Fatalf("dial %s: %d", to, w.Code)
		}
	}
	sessions, _ := f.repo.List(context.Background(), calls.ListFilter{})
	f.do(t, http.MethodPost, "/v1/calls/"+sessions[0].SessionID+"/hangup", op, nil)

	w := f.do(t, http.MethodGet, "/v1/calls?state=failed", op, nil)
	list := decode[struct {
		Count int `json:"count"`
	}](t, w)
	if w.Code != http.StatusOK || list.Count != 1 {
		t.Fatalf("expected one failed session, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/v1/calls?state=bogus", op, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/reports/outcomes", op, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sum := decode[reporting.OutcomeSummary](t, w)
	if sum.TotalSessions != 2 || sum.Failed != 1 || sum.InProgress != 1 || sum.FailureReasons[orchestrator.FailOperatorHangup] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	if w := f.do(t, http.MethodGet, "/v1/reports/outcomes?from=yesterday", op, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/reports/outcomes?direction=sideways", op, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
