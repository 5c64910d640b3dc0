package edge_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/edge"
	"github.com/loomworks/fabric/pkg/realms/content"
	"github.com/loomworks/fabric/pkg/runtime"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
	"github.com/loomworks/fabric/pkg/wal"
)

type edgeFixture struct {
	server *httptest.Server
	tokens *smartcity.TokenManager
	rt     *runtime.Runtime
}

func newEdge(t *testing.T, mutate func(*edge.Config)) *edgeFixture {
	t.Helper()
	rows := capability.NewMemoryRowStore()
	blobs := capability.NewMemoryBlobStore()
	records := smartcity.NewRecordStore(rows)
	engine, err := smartcity.NewPolicyEngine()
	require.NoError(t, err)
	steward := smartcity.NewSteward(rows, blobs, smartcity.NewPolicyStore(rows), engine, records)
	tokens := smartcity.NewTokenManager([]byte("edge-test-secret"))
	sessions := smartcity.NewSessionManager(rows, tokens)

	rt := runtime.New(runtime.Config{
		Rows:     rows,
		PubSub:   capability.NewMemoryPubSub(),
		Log:      wal.NewLog(rows),
		Plane:    artifact.NewPlane(rows, blobs),
		Steward:  steward,
		Records:  records,
		Semantic: semantic.NewStore(capability.NewMemoryGraphStore()),
		Sessions: sessions,
	})
	require.NoError(t, rt.Register(content.New(nil)))
	t.Cleanup(rt.Close)

	cfg := edge.Config{Runtime: rt, Sessions: sessions, Tokens: tokens}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := edge.NewServer(cfg)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &edgeFixture{server: ts, tokens: tokens, rt: rt}
}

func (f *edgeFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (f *edgeFixture) patch(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, f.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newEdge(t, nil)

	resp := f.post(t, "/api/session/create-anonymous", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := decode[smartcity.Session](t, resp)
	require.NotEmpty(t, session.SessionID)
	assert.Empty(t, session.TenantID)

	token, err := f.tokens.Issue("alice", "t1", nil, time.Hour)
	require.NoError(t, err)

	resp = f.patch(t, "/api/session/"+session.SessionID+"/upgrade", map[string]string{
		"user_id": "alice", "tenant_id": "t1", "access_token": token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	upgraded := decode[smartcity.Session](t, resp)
	assert.Equal(t, "t1", upgraded.TenantID)
	assert.Equal(t, "alice", upgraded.UserID)

	// A second upgrade conflicts.
	resp = f.patch(t, "/api/session/"+session.SessionID+"/upgrade", map[string]string{
		"user_id": "alice", "tenant_id": "t1", "access_token": token,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	got, err := http.Get(f.server.URL + "/api/session/" + session.SessionID + "?tenant_id=t1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	got.Body.Close()
}

func TestUpgradeWithForgedTokenIsRejected(t *testing.T) {
	f := newEdge(t, nil)
	resp := f.post(t, "/api/session/create-anonymous", map[string]interface{}{})
	session := decode[smartcity.Session](t, resp)

	forged := smartcity.NewTokenManager([]byte("other-secret"))
	token, err := forged.Issue("alice", "t1", nil, time.Hour)
	require.NoError(t, err)

	resp = f.patch(t, "/api/session/"+session.SessionID+"/upgrade", map[string]string{
		"user_id": "alice", "tenant_id": "t1", "access_token": token,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

func TestSubmitAndPollExecution(t *testing.T) {
	f := newEdge(t, nil)

	resp := f.post(t, "/api/intent/submit", map[string]interface{}{
		"intent_type": content.IntentIngestFile,
		"tenant_id":   "t1",
		"user_id":     "alice",
		"parameters": map[string]interface{}{
			"content":   "Hello World",
			"ui_name":   "smoke.txt",
			"file_type": "unstructured",
			"mime_type": "text/plain",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decode[map[string]string](t, resp)
	require.NotEmpty(t, ack["execution_id"])
	assert.Equal(t, "pending", ack["status"])
	assert.NotEmpty(t, ack["created_at"])

	var exec runtime.Execution
	require.Eventually(t, func() bool {
		got, err := http.Get(f.server.URL + "/api/execution/" + ack["execution_id"] + "/status?tenant_id=t1")
		if err != nil || got.StatusCode != http.StatusOK {
			return false
		}
		exec = decode[runtime.Execution](t, got)
		return exec.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, runtime.StatusCompleted, exec.Status)
	assert.Contains(t, exec.Artifacts, "file")
}

func TestSubmitRejectsBadParameters(t *testing.T) {
	f := newEdge(t, nil)
	resp := f.post(t, "/api/intent/submit", map[string]interface{}{
		"intent_type": content.IntentIngestFile,
		"tenant_id":   "t1",
		"user_id":     "alice",
		"parameters":  map[string]interface{}{"ui_name": "x"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decode[edge.ProblemDetail](t, resp)
	assert.Equal(t, "invalid_parameters", problem.Title)
}

func TestStatusUnknownExecutionIs404(t *testing.T) {
	f := newEdge(t, nil)
	resp, err := http.Get(f.server.URL + "/api/execution/nope/status?tenant_id=t1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/api/execution/nope/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamDeliversTerminalLast(t *testing.T) {
	f := newEdge(t, nil)

	resp := f.post(t, "/api/intent/submit", map[string]interface{}{
		"intent_type": content.IntentIngestFile,
		"tenant_id":   "t1",
		"user_id":     "alice",
		"parameters": map[string]interface{}{
			"content":   "Hello World",
			"ui_name":   "smoke.txt",
			"file_type": "unstructured",
			"mime_type": "text/plain",
		},
	})
	ack := decode[map[string]string](t, resp)

	require.Eventually(t, func() bool {
		exec, err := f.rt.Status(context.Background(), "t1", ack["execution_id"])
		return err == nil && exec.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	stream, err := http.Get(f.server.URL + "/api/execution/" + ack["execution_id"] + "/stream?tenant_id=t1")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, "intent_admitted", types[0])
	assert.Equal(t, "execution_terminal", types[len(types)-1])
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	f := newEdge(t, func(cfg *edge.Config) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 1
	})

	statuses := make(map[int]int)
	for i := 0; i < 5; i++ {
		resp, err := http.Get(f.server.URL + "/api/health")
		require.NoError(t, err)
		statuses[resp.StatusCode]++
		resp.Body.Close()
	}
	assert.Positive(t, statuses[http.StatusOK])
	assert.Positive(t, statuses[http.StatusTooManyRequests])
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	f := newEdge(t, func(cfg *edge.Config) {
		cfg.Health = map[string]edge.HealthChecker{
			"rows":  func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})

	resp, err := http.Get(f.server.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["rows"])
}

func TestRequestIDPropagates(t *testing.T) {
	f := newEdge(t, nil)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/api/health")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()
}
