package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/app"
	"missioncontrol/internal/config"
	"missioncontrol/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var operator = map[string]string{"x-mc-role": "operator", "x-mc-actor": "Jarvis"}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := New(Config{
		App:      a,
		BasePath: cfg.Server.BasePath,
		Auth:     AuthConfig{JWTSecret: cfg.Server.JWTSecret, AllowHeaderIdentity: cfg.Server.AllowHeaderIdentity},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type conflictBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Approval domain.Approval `json:"approval"`
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Server.AllowHeaderIdentity = false })
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/approvals", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestConcurrentResolveScenarios(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	url := srv.URL + "/api/approvals/appr-001"

	res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var before ApprovalEnvelope
	require.NoError(t, json.Unmarshal(data, &before))
	require.Equal(t, 1, before.Approval.Version)
	require.Equal(t, domain.StatusPending, before.Approval.Status)

	type result struct {
		status int
		body   []byte
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, data := doJSON(t, client, http.MethodPatch, url, map[string]any{"status": "approved", "version": 1}, operator)
			results[i] = result{res.StatusCode, data}
		}(i)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].status < results[j].status })
	require.Equal(t, http.StatusOK, results[0].status, string(results[0].body))
	require.Equal(t, http.StatusConflict, results[1].status, string(results[1].body))

	var winner ApprovalEnvelope
	require.NoError(t, json.Unmarshal(results[0].body, &winner))
	assert.Equal(t, 2, winner.Approval.Version)

	var loser conflictBody
	require.NoError(t, json.Unmarshal(results[1].body, &loser))
	assert.Equal(t, "version_conflict", loser.Error.Code)
	assert.Equal(t, "Version conflict", loser.Error.Message)
	assert.EqualValues(t, 1, loser.Error.Details["expectedVersion"])
	assert.Equal(t, winner.Approval.Version, loser.Approval.Version)

	// B: the read sees the committed decision.
	res, data = doJSON(t, client, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var after ApprovalEnvelope
	require.NoError(t, json.Unmarshal(data, &after))
	assert.Equal(t, 2, after.Approval.Version)
	assert.Equal(t, domain.StatusApproved, after.Approval.Status)

	// C: exactly one audit event.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/events?limit=200", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list EventList
	require.NoError(t, json.Unmarshal(data, &list))
	var decided []EventResponse
	for _, e := range list.Events {
		if e.Type == domain.EventApprovalDecided && e.ApprovalID == "appr-001" {
			decided = append(decided, e)
		}
	}
	require.Len(t, decided, 1)
	assert.Equal(t, domain.StatusPending, decided[0].PreviousStatus)
	assert.Equal(t, domain.StatusApproved, decided[0].NewStatus)
	assert.Equal(t, "Jarvis", decided[0].DecidedBy)
	assert.NotEmpty(t, decided[0].DecidedAt)
	assert.NotEmpty(t, decided[0].RequestID)
	assert.NotEmpty(t, decided[0].TraceID)

	// D: unknown ids are not found whatever the version.
	for _, body := range []any{
		map[string]any{"status": "approved"},
		map[string]any{"status": "rejected", "version": 7},
	} {
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/approvals/appr-missing", body, operator)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
		assert.Contains(t, string(data), "Approval item not found")
	}
}

func TestResolveTerminalApprovalConflicts(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/api/approvals/appr-002"
	res, data := doJSON(t, srv.Client(), http.MethodPatch, url, map[string]any{"status": "rejected"}, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPatch, url, map[string]any{"status": "approved"}, operator)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	var body conflictBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, domain.StatusRejected, body.Approval.Status)
}

func TestResolveRoleGate(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/api/approvals/appr-001"
	for _, headers := range []map[string]string{
		nil,
		{"x-mc-role": "viewer"},
		{"x-role": "intern"},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPatch, url, map[string]any{"status": "approved", "version": 1}, headers)
		assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
		assert.Contains(t, string(data), "Forbidden: insufficient role for approval writes")
	}
	_, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	var got ApprovalEnvelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 1, got.Approval.Version)
}

func TestResolveRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/api/approvals/appr-001"
	cases := []struct {
		body    string
		message string
	}{
		{`{"status":"maybe"}`, "Invalid status"},
		{`{}`, "Invalid status"},
		{`not json`, "Invalid status"},
		{`{"status":"approved","version":1.5}`, "Invalid version"},
		{`{"status":"approved","version":"1"}`, "Invalid version"},
		{`{"status":"approved","version":null}`, "Invalid version"},
		{`{"status":"approved","version":0}`, "Invalid version"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodPatch, url, tc.body, operator)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, tc.body)
		assert.Contains(t, string(data), tc.message, tc.body)
	}
}

func TestCorrelationHeadersReachAuditEvent(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{
		"x-mc-role":        "admin",
		"x-user":           "dana",
		"x-correlation-id": "corr-42",
		"traceparent":      "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001", map[string]any{"status": "rejected", "version": 1}, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "corr-42", res.Header.Get("X-Request-Id"))

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/approvals/appr-001/decisions", nil, nil)
	var list EventList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Events, 1)
	assert.Equal(t, "dana", list.Events[0].DecidedBy)
	assert.Equal(t, "corr-42", list.Events[0].RequestID)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", list.Events[0].TraceID)
}

func TestEventsDefaultsToRetentionWindow(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001", map[string]any{"status": "approved", "version": 1}, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := srv.App.Events.Append(ctx, domain.Event{
			Agent:    "Ops",
			Pipeline: "B",
			Type:     domain.EventDelivery,
			Summary:  fmt.Sprintf("delivery %d", i),
		})
		require.NoError(t, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/events", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list EventList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Events, 61)
	found := false
	for _, e := range list.Events {
		if e.Type == domain.EventApprovalDecided && e.ApprovalID == "appr-001" {
			found = true
		}
	}
	assert.True(t, found, "decision event missing from default read")

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/events?limit=10", nil, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Events, 10)
}

func TestJWTIdentity(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Server.JWTSecret = "s3cret"
		c.Server.AllowHeaderIdentity = false
	})
	token, err := IssueToken("s3cret", "ops-bot", []string{"operator"})
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001",
		map[string]any{"status": "approved", "version": 1},
		map[string]string{"Authorization": "Bearer " + token, "x-request-id": "r-1", "x-trace-id": "t-1"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/approvals", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// header identity is ignored when disabled
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/approvals", nil, operator)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateAndListApprovals(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/approvals",
		CreateApprovalRequest{Item: "Rotate keys", Reason: "quarterly", Level: "Medium"}, operator)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created ApprovalEnvelope
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, 1, created.Approval.Version)
	assert.Equal(t, domain.StatusPending, created.Approval.Status)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/approvals",
		CreateApprovalRequest{Item: "x", Reason: "y"}, map[string]string{"x-mc-role": "viewer"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/approvals", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list ApprovalList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Approvals, 3)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/agents", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `"name":"Jarvis"`)
}

func TestTasksAndSnapshot(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks", ReplaceTasksRequest{Tasks: []app.TaskInput{
		{ID: "t1", Title: "Fix gate", Tier: "Tier 1", Status: "blocked", Owner: "Flow"},
	}}, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks", ReplaceTasksRequest{}, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/tasks", ReplaceTasksRequest{Tasks: []app.TaskInput{
		{ID: "t1", Title: "x", Status: "someday"},
	}}, operator)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var first SnapshotResponse
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Contains(t, string(first.Payload), `"overall":"red"`)

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/snapshot", nil, nil)
	var second SnapshotResponse
	require.NoError(t, json.Unmarshal(data, &second))
	assert.Equal(t, first.ID, second.ID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001", map[string]any{"status": "approved", "version": 1}, operator)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `mc_approval_resolutions_total{outcome="ok"} 1`)
	assert.Contains(t, string(data), `route="/api/approvals/{id}"`)
}

func TestWebhookDeliversDecisionAfterCommit(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-MC-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.App.Events.List(ctx, 1)
	require.NoError(t, err)

	d := NewWebhookDispatcher(srv.App.Repo, []config.WebhookConfig{{
		URL: receiver.URL, Events: []string{domain.EventApprovalDecided}, Secret: "k",
	}}, nil)
	require.NoError(t, d.Prime(ctx))

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001", map[string]any{"status": "approved", "version": 1}, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, domain.EventApprovalDecided, received[0].Event.Type)
	assert.Equal(t, "appr-001", received[0].Event.ApprovalID)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sigs[0])
}

func TestWebhookStopsOnFailureAndRetries(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	fail.Store(true)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	srv := newTestServer(t)
	ctx := context.Background()
	d := NewWebhookDispatcher(srv.App.Repo, []config.WebhookConfig{{URL: receiver.URL}}, nil)
	d.Recorder = srv.App.Metrics
	require.NoError(t, d.Prime(ctx))

	_, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-002", map[string]any{"status": "rejected"}, operator)
	require.NotEmpty(t, data)

	d.DispatchAll(ctx)
	require.EqualValues(t, 1, calls.Load())
	fail.Store(false)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDocsAndOpenAPIServed(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var doc struct {
		Paths      map[string]map[string]any `json:"paths"`
		Components struct {
			Schemas         map[string]any `json:"schemas"`
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, p := range []string{"/api/approvals/{id}", "/api/events", "/api/units", "/api/policy/check"} {
		assert.Contains(t, doc.Paths, p)
	}
	assert.Contains(t, doc.Components.Schemas, "ApiError")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Paths["/api/approvals/{id}"], "patch")

	// Rendered once; a second read returns the same document.
	_, again := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	assert.JSONEq(t, string(data), string(again))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(data), "/api/openapi.json")
}

func TestUnitsRoster(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/units", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list UnitList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Units, 8)
	assert.Equal(t, 1, list.Units[0].Tier)

	require.NoError(t, srv.App.Units.SetActive(context.Background(), "contra-1", false))
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/units", nil, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Units, 7)

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/units?all=true", nil, nil)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Units, 8)
}

func TestPolicyCheck(t *testing.T) {
	srv := newTestServer(t)
	check := func(body map[string]any) (int, PolicyCheckResponse, []byte) {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/policy/check", body, operator)
		var out PolicyCheckResponse
		if res.StatusCode == http.StatusOK {
			require.NoError(t, json.Unmarshal(data, &out))
		}
		return res.StatusCode, out, data
	}

	status, _, data := check(map[string]any{})
	require.Equal(t, http.StatusBadRequest, status, string(data))
	assert.Contains(t, string(data), "Missing action")

	status, out, data := check(map[string]any{"action": "deployment"})
	require.Equal(t, http.StatusOK, status, string(data))
	assert.False(t, out.Decision.Allowed)
	assert.True(t, out.Decision.RequiresApproval)

	status, out, _ = check(map[string]any{"action": "report"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Decision.Allowed)

	status, out, _ = check(map[string]any{"action": "deployment", "approvalId": "appr-001"})
	require.Equal(t, http.StatusOK, status)
	assert.False(t, out.Decision.Allowed)
	assert.True(t, out.Decision.RequiresApproval)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001", map[string]any{"status": "approved", "version": 1}, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	status, out, _ = check(map[string]any{"action": "deployment", "approvalId": "appr-001"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Decision.Allowed)
	assert.Equal(t, "appr-001", out.Decision.ApprovalID)

	status, _, data = check(map[string]any{"action": "deployment", "approvalId": "appr-missing"})
	require.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(data), "appr-missing")
}

func TestDeciderRegisteredAsHuman(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/approvals/appr-001", map[string]any{"status": "rejected", "version": 1}, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/agents", nil, nil)
	var list AgentList
	require.NoError(t, json.Unmarshal(data, &list))
	kinds := map[string]string{}
	for _, a := range list.Agents {
		kinds[a.Name] = a.Kind
	}
	assert.Equal(t, domain.AgentHuman, kinds["Jarvis"])
}
