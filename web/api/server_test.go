package api

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/recovery"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstore"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow/workflowtest"
)

const testSecret = "It's a Secret to Everybody"

type testEnv struct {
	server *Server
	coord  *workflow.Coordinator
	runner *workflowtest.Runner
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store, err := runstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := workflowtest.NewRunner()
	coord := workflow.New(store, runner, &workflowtest.Collaborator{}, workflow.Config{
		Policy:          recovery.Policy{MaxAutoRetries: 1},
		MaxParallelRuns: 4,
	}, nil)
	t.Cleanup(coord.Wait)

	server := NewServer(coord, opts, nil)
	coord.AddListener(server.Hub())
	return &testEnv{server: server, coord: coord, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestTriggerHandler(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, "POST", "/api/workflows/trigger", `{"issue_number": 42, "workflow": "adw_plan_build"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body)
	}
	resp := decode[TriggerResponse](t, w)
	assert.Len(t, resp.ADWID, 8)
	assert.Equal(t, "plan_build", resp.WorkflowType)
	assert.Equal(t, 42, resp.IssueNumber)
	assert.Equal(t, "pending", resp.Status)
	assert.False(t, resp.CreatedAt.IsZero())

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"unknown workflow", `{"issue_number": 1, "workflow": "deploy"}`, http.StatusUnprocessableEntity, "E_INVALID_WORKFLOW_TYPE"},
		{"missing issue", `{"workflow": "plan"}`, http.StatusUnprocessableEntity, "E_INVALID_ARGUMENT"},
		{"malformed body", `{"issue_number": "one"`, http.StatusUnprocessableEntity, "E_INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/workflows/trigger", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantCode)
			}
			assert.Equal(t, tt.wantErr, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestTriggerHandler_Duplicate(t *testing.T) {
	env := newTestEnv(t, Options{})
	release := make(chan struct{})
	defer close(release)
	env.runner.On(domain.PhasePlan, workflowtest.Step{Block: release})

	w := env.do(t, "POST", "/api/workflows/trigger", `{"issue_number": 7, "workflow": "plan"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, "POST", "/api/workflows/trigger", `{"issue_number": 7, "workflow": "plan"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "E_DUPLICATE_RUN_IN_PROGRESS", resp.Code)
	assert.Equal(t, "7", resp.Details["issue_number"])
}

func TestStatusHandler(t *testing.T) {
	env := newTestEnv(t, Options{})
	run, err := env.coord.Start(context.Background(), 5, domain.WorkflowPlanBuild)
	require.NoError(t, err)
	env.coord.Wait()

	w := env.do(t, "GET", "/api/workflows/"+run.ADWID, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[RunResponse](t, w)

	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "specs/issue-5.md", resp.PlanFile)
	require.Len(t, resp.Phases, 2)
	assert.Equal(t, "plan", resp.Phases[0].Phase)
	assert.Equal(t, 1, resp.Phases[0].Attempt)
	assert.NotNil(t, resp.CompletedAt)
	assert.NotNil(t, resp.Errors)
	assert.Empty(t, resp.Errors)
	assert.False(t, resp.Retryable)

	w = env.do(t, "GET", "/api/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "E_RUN_NOT_FOUND", decode[ErrorResponse](t, w).Code)
}

func TestListHandler(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 1; i <= 3; i++ {
		_, err := env.coord.Start(context.Background(), i, domain.WorkflowPlan)
		require.NoError(t, err)
	}
	env.coord.Wait()

	w := env.do(t, "GET", "/api/workflows?status=completed&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ListResponse](t, w)
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, 2, resp.Limit)

	w = env.do(t, "GET", "/api/workflows?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)

	w = env.do(t, "GET", "/api/workflows?issue_number=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ListResponse](t, w).Total)

	for _, q := range []string{"status=exploded", "limit=ten", "offset=-1"} {
		w := env.do(t, "GET", "/api/workflows?"+q, "")
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("GET ?%s Status = %d, want 422", q, w.Code)
		}
	}
}

func TestRetryHandler(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.runner.On(domain.PhaseBuild, workflowtest.Fail("merge conflict in go.sum", ""))

	run, err := env.coord.Start(context.Background(), 8, domain.WorkflowPlanBuild)
	require.NoError(t, err)
	env.coord.Wait()

	status := decode[RunResponse](t, env.do(t, "GET", "/api/workflows/"+run.ADWID, ""))
	require.Equal(t, "failed", status.Status)
	assert.Equal(t, "build", status.ErrorPhase)
	assert.Equal(t, []string{"[build] merge conflict in go.sum"}, status.Errors)
	assert.True(t, status.Retryable)

	w := env.do(t, "POST", "/api/workflows/"+run.ADWID+"/retry", `{"phase": "deploy"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "E_INVALID_PHASE", decode[ErrorResponse](t, w).Code)

	w = env.do(t, "POST", "/api/workflows/"+run.ADWID+"/retry", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, RetryResponse{ADWID: run.ADWID, Status: "running"}, decode[RetryResponse](t, w))
	env.coord.Wait()

	w = env.do(t, "POST", "/api/workflows/"+run.ADWID+"/retry", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "E_INVALID_RETRY_STATE", decode[ErrorResponse](t, w).Code)

	w = env.do(t, "POST", "/api/workflows/unknown/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsHandler(t *testing.T) {
	env := newTestEnv(t, Options{})
	run, err := env.coord.Start(context.Background(), 9, domain.WorkflowPlan)
	require.NoError(t, err)
	env.coord.Wait()

	w := env.do(t, "GET", "/api/workflows/"+run.ADWID+"/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LogsResponse](t, w)

	assert.Equal(t, len(resp.Logs), resp.TotalLines)
	assert.Len(t, resp.Entries, resp.TotalLines)
	require.NotEmpty(t, resp.Logs)
	assert.Contains(t, resp.Logs[0], "[INFO] Workflow plan created for issue #9")

	w = env.do(t, "GET", "/api/workflows/unknown/logs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(event, body string, signed bool) *http.Request {
	req := httptest.NewRequest("POST", "/gh-webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	if signed {
		req.Header.Set("X-Hub-Signature-256", sign(body))
	}
	return req
}

func TestWebhookHandler(t *testing.T) {
	env := newTestEnv(t, Options{WebhookSecret: config.Secret(testSecret), WebhookBurst: 100})
	release := make(chan struct{})
	defer close(release)
	env.runner.On(domain.PhasePlan, workflowtest.Step{Block: release})

	opened := `{"action":"opened","issue":{"number":42,"title":"Add export"}}`
	tests := []struct {
		name       string
		req        *http.Request
		wantCode   int
		wantStatus string
	}{
		{"unsigned", webhookRequest("issues", opened, false), http.StatusUnauthorized, ""},
		{"opened", webhookRequest("issues", opened, true), http.StatusOK, "success"},
		{"duplicate", webhookRequest("issues", opened, true), http.StatusOK, "error"},
		{"closed", webhookRequest("issues", `{"action":"closed","issue":{"number":43}}`, true), http.StatusOK, "ignored"},
		{"push", webhookRequest("push", `{"ref":"refs/heads/main"}`, true), http.StatusOK, "ignored"},
		{"no issue", webhookRequest("issues", `{"action":"opened","issue":{}}`, true), http.StatusOK, "error"},
		{"malformed", webhookRequest("issues", `{"action":`, true), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, tt.req)
			if w.Code != tt.wantCode {
				t.Fatalf("Status = %d, want %d: %s", w.Code, tt.wantCode, w.Body)
			}
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, decode[WebhookResponse](t, w).Status)
			}
		})
	}

	page, err := env.coord.ListRuns(context.Background(), workflow.ListQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, domain.WorkflowPlanBuildTest, page.Items[0].Type)
}

func TestWebhookHandler_Limits(t *testing.T) {
	env := newTestEnv(t, Options{WebhookRate: 0.001, WebhookBurst: 2})
	push := `{"ref":"refs/heads/main"}`

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, webhookRequest("push", push, false))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, webhookRequest("push", push, false))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// A forged forwarding header does not buy a fresh budget
	req := webhookRequest("push", push, false)
	req.Header.Set("X-Forwarded-For", "203.0.113.77")
	req.Header.Set("X-Real-IP", "203.0.113.78")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Another client has its own budget
	req = webhookRequest("push", `{"ref":"`+strings.Repeat("x", maxWebhookBody)+`"}`, false)
	req.RemoteAddr = "198.51.100.7:40000"
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWebhookHandler_LimitsBehindProxy(t *testing.T) {
	env := newTestEnv(t, Options{
		WebhookRate:    0.001,
		WebhookBurst:   1,
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	})
	push := `{"ref":"refs/heads/main"}`

	send := func(client string) int {
		req := webhookRequest("push", push, false)
		req.RemoteAddr = "10.0.0.1:8443"
		req.Header.Set("X-Forwarded-For", client)
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.9"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.9"))
	assert.Equal(t, http.StatusOK, send("198.51.100.4"), "clients behind the proxy are limited separately")
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded by trusted proxy", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.2"}, "10.0.0.1:1234", "203.0.113.9"},
		{"spoofed hop before real client", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.9"}, "10.0.0.1:1234", "203.0.113.9"},
		{"only proxies forwarded", map[string]string{"X-Forwarded-For": "10.0.0.3, 10.0.0.2"}, "10.0.0.1:1234", "10.0.0.3"},
		{"real ip from trusted proxy", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:1234", "198.51.100.4"},
		{"untrusted peer forwarded", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1:5555", "192.0.2.1"},
		{"untrusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "192.0.2.1:5555", "192.0.2.1"},
		{"remote", nil, "192.0.2.1:5555", "192.0.2.1"},
	}
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/gh-webhook", nil)
		req.RemoteAddr = tt.remote
		for k, v := range tt.headers {
			req.Header.Set(k, v)
		}
		if got := getClientIP(req, trusted); got != tt.want {
			t.Errorf("%s: getClientIP() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWebhookStatusAndHealth(t *testing.T) {
	env := newTestEnv(t, Options{WebhookSecret: config.Secret(testSecret)})

	w := env.do(t, "GET", "/webhook/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[WebhookStatusResponse](t, w)
	assert.Equal(t, "ready", status.Status)
	assert.True(t, status.WebhookSecretConfigured)
	assert.False(t, status.GitHubAPIConfigured)
	assert.NotContains(t, w.Body.String(), testSecret)

	w = env.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "adw_")
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	defer env.server.Hub().Close()

	resp, err := http.Get(ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	run, err := env.coord.Start(context.Background(), 11, domain.WorkflowPlan)
	require.NoError(t, err)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var msg EventMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
	assert.Equal(t, "run_started", msg.Type)
	assert.Equal(t, run.ADWID, msg.ADWID)
	assert.Equal(t, 11, msg.IssueNumber)
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.server.Hub().Clients() == 1 }, time.Second, 10*time.Millisecond)

	run, err := env.coord.Start(context.Background(), 12, domain.WorkflowPlan)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != "run_completed" {
		var msg EventMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, run.ADWID, msg.ADWID)
		seen = append(seen, msg.Type)
	}
	assert.Equal(t, []string{"run_started", "phase_started", "phase_completed", "run_completed"}, seen)

	env.server.Hub().Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHub_DropsSlowClients(t *testing.T) {
	hub := NewHub()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for i := 0; i <= clientBuffer; i++ {
		hub.Broadcast(EventMessage{Type: "phase_started"})
	}
	assert.Zero(t, hub.Clients())

	n := 0
	for range events {
		n++
	}
	if n != clientBuffer {
		t.Errorf("buffered events = %d, want %d", n, clientBuffer)
	}

	hub.Close()
	late, _ := hub.Subscribe()
	_, ok := <-late
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
}
