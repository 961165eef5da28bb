package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.io/infrasutra/dealdesk/internal/auth"
	"github.io/infrasutra/dealdesk/internal/config"
	"github.io/infrasutra/dealdesk/internal/deal"
	"github.io/infrasutra/dealdesk/internal/notify"
	"github.io/infrasutra/dealdesk/internal/sse"
	"github.io/infrasutra/dealdesk/internal/store"
)

type stubWebhook struct {
	dispatched int
	err        error
}

func (w *stubWebhook) Dispatch(_ context.Context, _ notify.DecisionPayload) error {
	w.dispatched++
	return w.err
}

func (w *stubWebhook) Enabled() bool { return true }

type stubMailer struct {
	sent int
	err  error
}

func (m *stubMailer) Send(_ context.Context, _, _, _, _ string) error {
	m.sent++
	return m.err
}

type testEnv struct {
	server  *Server
	webhook *stubWebhook
	mailer  *stubMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	webhook := &stubWebhook{}
	mailer := &stubMailer{}
	hub := sse.NewHub()
	service := deal.NewService(st, webhook, mailer, hub, logger)

	authManager, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		OperatorEmail:    "operator@example.com",
		OperatorPassword: "hunter2",
	}
	return &testEnv{
		server:  NewServer(cfg, service, authManager, hub, logger),
		webhook: webhook,
		mailer:  mailer,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T) []*http.Cookie {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/login", `{"email":"operator@example.com","password":"hunter2"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", w.Code, w.Body.String())
	}
	return w.Result().Cookies()
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

const saveEmailBody = `{
	"thread_id": "t1",
	"subject": "Collab proposal",
	"body": "Hi, we would like to sponsor a video.",
	"from_email": "brand@example.com",
	"to_email": "creator@example.com",
	"direction": "incoming"
}`

func TestSaveEmailCreatesDeal(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "success" {
		t.Errorf("expected success, got %v", body["status"])
	}
	if body["deal_created"] != true {
		t.Error("expected deal_created true")
	}
	if body["deal_status"] != "NEW" {
		t.Errorf("expected NEW, got %v", body["deal_status"])
	}
	if body["deal_id"] == "" {
		t.Error("expected a deal id")
	}
}

func TestSaveEmailMissingFields(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/save-email", `{"thread_id":"t1","direction":"INCOMING"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	message, _ := body["error"].(string)
	if !strings.Contains(message, "subject") || !strings.Contains(message, "from_email") {
		t.Errorf("error should name missing fields, got %q", message)
	}
}

func TestSaveEmailInvalidDirection(t *testing.T) {
	env := newTestEnv(t)
	payload := strings.Replace(saveEmailBody, "incoming", "sideways", 1)
	w := env.do(t, http.MethodPost, "/api/save-email", payload, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSaveEmailInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/save-email", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSaveEmailMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/save-email", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCheckDeal(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/deals/check", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing thread_id should be 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/deals/check?thread_id=t1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["exists"] != false {
		t.Error("unknown thread should not exist")
	}

	env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	w = env.do(t, http.MethodGet, "/api/deals/check?thread_id=t1", "", nil)
	if body := decodeBody(t, w); body["exists"] != true {
		t.Error("t1 should exist after ingestion")
	}
}

func TestManualDeal(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/dashboard/deal", `{
		"from_email": "brand@example.com",
		"subject": "Manual deal",
		"incoming_body": "pasted email",
		"ai_reply_body": "suggested reply"
	}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	threadID, _ := body["thread_id"].(string)
	if !strings.HasPrefix(threadID, "manual_") {
		t.Errorf("expected synthetic thread id, got %q", threadID)
	}
}

func TestDashboardRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/dashboard", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/login", `{"email":"operator@example.com","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestDashboardWithSession(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	cookies := env.login(t)

	w := env.do(t, http.MethodGet, "/api/dashboard", "", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	stats, _ := body["stats"].(map[string]any)
	if stats["NEW"] != float64(1) {
		t.Errorf("expected 1 NEW deal, got %v", stats["NEW"])
	}
	deals, _ := body["deals"].([]any)
	if len(deals) != 1 {
		t.Errorf("expected 1 deal, got %d", len(deals))
	}
}

func TestAcceptSurvivesWebhookFailure(t *testing.T) {
	env := newTestEnv(t)
	env.webhook.err = errors.New("n8n down")

	w := env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	dealID, _ := decodeBody(t, w)["deal_id"].(string)
	cookies := env.login(t)

	w = env.do(t, http.MethodPost, "/api/deals/"+dealID+"/accept", "", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook failure must not fail the request, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	dealBody, _ := body["deal"].(map[string]any)
	if dealBody["status"] != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %v", dealBody["status"])
	}
	if env.webhook.dispatched != 1 {
		t.Errorf("expected one dispatch attempt, got %d", env.webhook.dispatched)
	}
}

func TestRejectReportsMailWarning(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.err = errors.New("relay unavailable")

	w := env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	dealID, _ := decodeBody(t, w)["deal_id"].(string)
	cookies := env.login(t)

	w = env.do(t, http.MethodPost, "/api/deals/"+dealID+"/reject", "", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("mail failure must not fail the request, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if warning, _ := body["warning"].(string); warning == "" {
		t.Error("expected a warning for the failed email")
	}
	dealBody, _ := body["deal"].(map[string]any)
	if dealBody["status"] != "REJECTED" {
		t.Errorf("expected REJECTED, got %v", dealBody["status"])
	}
}

func TestUpdateReply(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	dealID, _ := decodeBody(t, w)["deal_id"].(string)
	cookies := env.login(t)

	w = env.do(t, http.MethodPost, "/api/deals/"+dealID+"/update-reply", `{"ai_reply":"edited draft"}`, cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	dealBody, _ := body["deal"].(map[string]any)
	if dealBody["ai_generated_reply"] != "edited draft" {
		t.Errorf("expected edited draft, got %v", dealBody["ai_generated_reply"])
	}
}

func TestDealDetailNotFound(t *testing.T) {
	env := newTestEnv(t)
	cookies := env.login(t)
	w := env.do(t, http.MethodGet, "/api/deals/unknown-id", "", cookies)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDealDetail(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/save-email", saveEmailBody, nil)
	dealID, _ := decodeBody(t, w)["deal_id"].(string)
	cookies := env.login(t)

	w = env.do(t, http.MethodGet, "/api/deals/"+dealID, "", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["can_decide"] != true {
		t.Error("a NEW deal should be decidable")
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(messages))
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
