package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terra-clan/assessment-engine/internal/clock"
	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/health"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/storage"
	"github.com/terra-clan/assessment-engine/internal/submission"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	adminKey  = "sk_admin_0123456789"
	viewerKey = "sk_viewer_0123456789"
)

type testEnv struct {
	t        *testing.T
	repo     *storage.MemoryRepository
	clock    *clock.Fake
	mgr      *submission.Service
	auth     *CandidateAuth
	registry *health.Registry
	server   *Server
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()

	repo := storage.NewMemoryRepository()
	clk := clock.NewFake(t0)
	repo.SetNowFunc(clk.Now)

	ctx := context.Background()
	repo.UpsertAssessment(ctx, &models.Assessment{ID: "go-backend", Title: "Go Backend", DurationMinutes: 120})
	repo.AddClient(&models.ApiClient{Name: "admin", ApiKey: adminKey, IsActive: true, Permissions: []string{"*"}})
	repo.AddClient(&models.ApiClient{Name: "viewer", ApiKey: viewerKey, IsActive: true, Permissions: []string{models.PermAssessmentsRead}})

	mgr := submission.NewManager(repo, clk, nil, submission.Config{GracePeriod: 30 * time.Second})
	auth := NewCandidateAuth("test-secret")
	registry := health.NewRegistry(time.Second)

	srv := NewServer(config.ServerConfig{}, mgr, repo, registry, auth, limiter)
	srv.tickInterval = 20 * time.Millisecond

	return &testEnv{t: t, repo: repo, clock: clk, mgr: mgr, auth: auth, registry: registry, server: srv}
}

func (e *testEnv) token(candidateID string) string {
	e.t.Helper()
	tok, err := e.auth.SignToken(candidateID, time.Hour)
	if err != nil {
		e.t.Fatalf("SignToken failed: %v", err)
	}
	return tok
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) (int, envelope) {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		e.t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, env
}

func (e *testEnv) asCandidate(candidateID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.token(candidateID)}
}

func (e *testEnv) start(candidateID string) models.StartResponse {
	e.t.Helper()
	code, env := e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "go-backend"}, e.asCandidate(candidateID))
	if code != http.StatusCreated && code != http.StatusOK {
		e.t.Fatalf("start returned %d: %+v", code, env.Error)
	}
	var resp models.StartResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func errorCode(env envelope) string {
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	code, env := e.do(http.MethodGet, "/health", nil, nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("expected healthy, got %d", code)
	}
}

func TestReady(t *testing.T) {
	e := newTestEnv(t, nil)

	if code, _ := e.do(http.MethodGet, "/ready", nil, nil); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}

	e.registry.Register("redis", health.CheckerFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))
	if code, _ := e.do(http.MethodGet, "/ready", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a failing check, got %d", code)
	}
}

func TestCandidateAuthRequired(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Token abc"},
		{"bad signature", "Bearer " + func() string {
			tok, _ := NewCandidateAuth("other-secret").SignToken("ana@example.com", time.Hour)
			return tok
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			code, _ := e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "go-backend"}, headers)
			if code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", code)
			}
		})
	}

	expired, _ := e.auth.SignToken("ana@example.com", -time.Minute)
	code, env := e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "go-backend"},
		map[string]string{"Authorization": "Bearer " + expired})
	if code != http.StatusUnauthorized || errorCode(env) != "token_expired" {
		t.Errorf("expected token_expired, got %d %s", code, errorCode(env))
	}
}

func TestStartAndResume(t *testing.T) {
	e := newTestEnv(t, nil)
	headers := e.asCandidate("ana@example.com")

	code, env := e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "go-backend"}, headers)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, env.Error)
	}
	var first models.StartResponse
	json.Unmarshal(env.Data, &first)

	if first.DurationMinutes != 120 || !first.ExpiresAt.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("unexpected start response: %+v", first)
	}
	if !strings.HasSuffix(string(mustField(t, env.Data, "expires_at")), `Z"`) {
		t.Errorf("expires_at must be UTC RFC3339, got %s", mustField(t, env.Data, "expires_at"))
	}

	e.clock.Advance(10 * time.Minute)
	code, env = e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "go-backend"}, headers)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on resume, got %d", code)
	}
	var again models.StartResponse
	json.Unmarshal(env.Data, &again)
	if !again.Resumed || again.SubmissionID != first.SubmissionID || !again.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("expected idempotent resume, got %+v", again)
	}
}

func mustField(t *testing.T, data json.RawMessage, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m[field]
}

func TestStartErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	headers := e.asCandidate("ana@example.com")

	code, env := e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "missing"}, headers)
	if code != http.StatusNotFound || errorCode(env) != "assessment_not_found" {
		t.Errorf("expected 404 assessment_not_found, got %d %s", code, errorCode(env))
	}

	code, _ = e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{}, headers)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 without assessment_id, got %d", code)
	}

	code, _ = e.do(http.MethodPost, "/api/v1/submissions/start",
		models.StartRequest{AssessmentID: "go-backend", CandidateID: "ben@example.com"}, headers)
	if code != http.StatusForbidden {
		t.Errorf("expected 403 on candidate mismatch, got %d", code)
	}

	sub := e.start("ana@example.com")
	e.do(http.MethodPost, "/api/v1/submissions/finalize",
		models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: models.ReasonManual}, headers)

	code, env = e.do(http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: "go-backend"}, headers)
	if code != http.StatusConflict || errorCode(env) != "retake_not_allowed" {
		t.Errorf("expected 409 retake_not_allowed, got %d %s", code, errorCode(env))
	}
}

func TestFinalize(t *testing.T) {
	e := newTestEnv(t, nil)
	headers := e.asCandidate("ana@example.com")
	sub := e.start("ana@example.com")

	e.clock.Advance(119 * time.Minute)
	req := models.FinalizeRequest{
		SubmissionID: sub.SubmissionID,
		Reason:       models.ReasonManual,
		Answers:      []models.Answer{{QuestionID: "q1", Response: json.RawMessage(`"B"`)}},
	}

	code, env := e.do(http.MethodPost, "/api/v1/submissions/finalize", req, headers)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", code, env.Error)
	}
	var first models.FinalizeResponse
	json.Unmarshal(env.Data, &first)
	if first.Status != models.StatusCompleted || first.AlreadyFinalized || first.TerminalTimestamp == nil {
		t.Errorf("unexpected finalize response: %+v", first)
	}

	code, env = e.do(http.MethodPost, "/api/v1/submissions/finalize", req, headers)
	var second models.FinalizeResponse
	json.Unmarshal(env.Data, &second)
	if code != http.StatusOK || !second.AlreadyFinalized || !second.TerminalTimestamp.Equal(*first.TerminalTimestamp) {
		t.Errorf("expected idempotent repeat, got %d %+v", code, second)
	}
}

func TestFinalizeErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	headers := e.asCandidate("ana@example.com")
	sub := e.start("ana@example.com")

	tests := []struct {
		name     string
		headers  map[string]string
		req      models.FinalizeRequest
		advance  time.Duration
		wantCode int
		wantErr  string
	}{
		{"unknown submission", headers, models.FinalizeRequest{SubmissionID: "nope", Reason: models.ReasonManual}, 0, http.StatusNotFound, "not_found"},
		{"other candidate", e.asCandidate("ben@example.com"), models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: models.ReasonManual}, 0, http.StatusForbidden, "forbidden"},
		{"invalid reason", headers, models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: "bored"}, 0, http.StatusBadRequest, "invalid_reason"},
		{"time_expired too early", headers, models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: models.ReasonTimeExpired}, 0, http.StatusConflict, "not_expired"},
		{"late submit", headers, models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: models.ReasonManual}, 121 * time.Minute, http.StatusBadRequest, "expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.clock.Advance(tt.advance)
			code, env := e.do(http.MethodPost, "/api/v1/submissions/finalize", tt.req, tt.headers)
			if code != tt.wantCode || errorCode(env) != tt.wantErr {
				t.Errorf("expected %d %s, got %d %s", tt.wantCode, tt.wantErr, code, errorCode(env))
			}
		})
	}

	stored, _ := e.repo.GetSubmission(context.Background(), sub.SubmissionID)
	if stored.Status != models.StatusExpired {
		t.Errorf("late submit must leave the submission expired, got %s", stored.Status)
	}
}

func TestHeartbeatAndEvents(t *testing.T) {
	e := newTestEnv(t, nil)
	headers := e.asCandidate("ana@example.com")
	sub := e.start("ana@example.com")
	base := "/api/v1/submissions/" + sub.SubmissionID

	e.clock.Advance(30 * time.Minute)
	code, env := e.do(http.MethodPost, base+"/heartbeat", models.HeartbeatRequest{ClientElapsedSeconds: 1801}, headers)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", code, env.Error)
	}
	var status models.ClockStatus
	json.Unmarshal(env.Data, &status)
	if status.RemainingSeconds != 5400 || status.DriftMs != 1000 {
		t.Errorf("unexpected clock status: %+v", status)
	}

	events := models.RecordEventsRequest{Events: []models.ProctoringEvent{{Type: "tab_switch", OccurredAt: t0.Add(31 * time.Minute)}}}
	if code, _ := e.do(http.MethodPost, base+"/events", events, headers); code != http.StatusOK {
		t.Fatalf("expected 200 recording events, got %d", code)
	}

	if code, _ := e.do(http.MethodPost, base+"/events", models.RecordEventsRequest{Events: []models.ProctoringEvent{{}}}, headers); code != http.StatusBadRequest {
		t.Errorf("expected 400 for event without type, got %d", code)
	}

	e.do(http.MethodPost, "/api/v1/submissions/finalize",
		models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: models.ReasonTabSwitchViolations}, headers)

	code, env = e.do(http.MethodPost, base+"/events", events, headers)
	if code != http.StatusConflict || errorCode(env) != "already_finalized" {
		t.Errorf("expected 409 already_finalized, got %d %s", code, errorCode(env))
	}

	code, env = e.do(http.MethodGet, base, nil, headers)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var stored models.Submission
	json.Unmarshal(env.Data, &stored)
	if stored.Status != models.StatusAutoSubmitted || len(stored.ProctoringEvents) != 1 {
		t.Errorf("unexpected submission: %+v", stored)
	}

	if code, _ := e.do(http.MethodGet, base, nil, e.asCandidate("ben@example.com")); code != http.StatusForbidden {
		t.Errorf("expected 403 for another candidate, got %d", code)
	}
}

func TestAdminRoutes(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start("ana@example.com")
	e.start("ben@example.com")

	if code, _ := e.do(http.MethodGet, "/api/v1/admin/submissions", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", code)
	}
	if code, _ := e.do(http.MethodGet, "/api/v1/admin/submissions", nil, map[string]string{"X-API-Key": "sk_unknown_key"}); code != http.StatusUnauthorized {
		t.Errorf("expected 401 with unknown key, got %d", code)
	}
	if code, _ := e.do(http.MethodGet, "/api/v1/admin/submissions", nil, map[string]string{"X-API-Key": viewerKey}); code != http.StatusForbidden {
		t.Errorf("expected 403 without submissions:read, got %d", code)
	}

	admin := map[string]string{"Authorization": "Bearer " + adminKey}
	code, env := e.do(http.MethodGet, "/api/v1/admin/submissions?candidate_id=ben@example.com", nil, admin)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var list struct {
		Submissions []models.Submission `json:"submissions"`
		Total       int                 `json:"total"`
	}
	json.Unmarshal(env.Data, &list)
	if list.Total != 1 || list.Submissions[0].CandidateID != "ben@example.com" {
		t.Errorf("unexpected list: %+v", list)
	}

	if code, _ := e.do(http.MethodGet, "/api/v1/admin/submissions?status=bogus", nil, admin); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", code)
	}

	viewer := map[string]string{"X-API-Key": viewerKey}
	if code, _ := e.do(http.MethodGet, "/api/v1/admin/assessments/go-backend", nil, viewer); code != http.StatusOK {
		t.Errorf("expected 200 for assessment, got %d", code)
	}
	if code, _ := e.do(http.MethodGet, "/api/v1/admin/assessments/missing", nil, viewer); code != http.StatusNotFound {
		t.Errorf("expected 404 for missing assessment, got %d", code)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, NewRateLimiter(0.001, 2))
	headers := e.asCandidate("ana@example.com")

	for i := 0; i < 2; i++ {
		if code, _ := e.do(http.MethodGet, "/api/v1/submissions/unknown", nil, headers); code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, code)
		}
	}
	code, env := e.do(http.MethodGet, "/api/v1/submissions/unknown", nil, headers)
	if code != http.StatusTooManyRequests || errorCode(env) != "rate_limited" {
		t.Errorf("expected 429, got %d", code)
	}

	// Limits are per candidate
	if code, _ := e.do(http.MethodGet, "/api/v1/submissions/unknown", nil, e.asCandidate("ben@example.com")); code != http.StatusNotFound {
		t.Errorf("expected another candidate to pass, got %d", code)
	}
}

func TestTimerStream(t *testing.T) {
	e := newTestEnv(t, nil)
	sub := e.start("ana@example.com")

	ts := httptest.NewServer(e.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/submissions/" + sub.SubmissionID + "/timer?token=" + e.token("ana@example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg TimerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != "tick" || msg.RemainingSeconds != 7200 {
		t.Errorf("unexpected first message: %+v", msg)
	}

	if _, err := e.mgr.Finalize(context.Background(), models.FinalizeRequest{SubmissionID: sub.SubmissionID, Reason: models.ReasonManual}); err != nil {
		t.Fatal(err)
	}

	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("stream ended without a finalized message: %v", err)
		}
		if msg.Type == "finalized" {
			break
		}
	}
	if msg.Status != models.StatusCompleted || msg.RemainingSeconds != 0 {
		t.Errorf("unexpected final message: %+v", msg)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestTimerStreamRejectsOtherCandidate(t *testing.T) {
	e := newTestEnv(t, nil)
	sub := e.start("ana@example.com")

	ts := httptest.NewServer(e.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/submissions/" + sub.SubmissionID + "/timer?token=" + e.token("ben@example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %+v", resp)
	}
}
