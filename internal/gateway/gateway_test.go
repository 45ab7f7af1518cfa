// ABOUTME: Tests for the gateway orchestrator: lifecycle, HTTP API and websocket end-to-end flows
// ABOUTME: Runs against an httptest execution runner and a temporary SQLite store

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/pairroom/internal/config"
)

// testConfig creates a config with a temporary SQLite store, loopback
// listeners and a fast retry policy.
func testConfig(t *testing.T, runnerURL string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "pairroom.db")
	cfg.Execution.Endpoint = runnerURL
	cfg.Execution.MinInterval = time.Millisecond
	cfg.Execution.BaseDelay = 5 * time.Millisecond
	cfg.Execution.MaxDelay = 10 * time.Millisecond
	cfg.Execution.Jitter = 0
	cfg.Execution.RequestTimeout = 5 * time.Second
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestGateway(t *testing.T, runnerURL string) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t, runnerURL), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// runnerStub answers /execute with the responses in order, repeating the last.
type runnerStub struct {
	calls     atomic.Int32
	responses []func(w http.ResponseWriter, body map[string]any)
}

func (s *runnerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/execute" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	n := int(s.calls.Add(1)) - 1
	if n >= len(s.responses) {
		n = len(s.responses) - 1
	}
	s.responses[n](w, body)
}

func respondStdout(stdout string) func(http.ResponseWriter, map[string]any) {
	return func(w http.ResponseWriter, body map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"language": body["language"],
			"version":  "3.10.0",
			"run":      map[string]any{"stdout": stdout, "stderr": "", "output": stdout, "code": 0, "signal": nil},
		})
	}
}

func respondRateLimited(w http.ResponseWriter, _ map[string]any) {
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"message":"Requests limited to 1 per 200ms"}`))
}

func newRunner(t *testing.T, responses ...func(http.ResponseWriter, map[string]any)) (*runnerStub, string) {
	t.Helper()
	stub := &runnerStub{responses: responses}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv.URL
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(eventType string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Envelope{Type: eventType, Payload: raw}))
}

func (c *wsClient) expect(eventType string, v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	require.Equal(c.t, eventType, env.Type, "payload: %s", env.Payload)
	if v != nil {
		require.NoError(c.t, json.Unmarshal(env.Payload, v))
	}
}

func (c *wsClient) join(userID, roomID string) {
	c.t.Helper()
	c.send(EventIdentify, IdentifyPayload{UserID: userID, Username: strings.ToUpper(userID)})
	c.expect(EventIdentified, nil)
	c.send(EventJoin, JoinPayload{RoomID: roomID})
	c.expect(EventJoined, nil)
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")

	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.router)
	assert.NotNil(t, gw.dispatcher)
	assert.NotNil(t, gw.store)
	assert.Nil(t, gw.grpcServer, "gRPC is off without grpc_addr")
}

func TestGatewayNew_NoStore(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Database.Driver = config.DriverNone

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())
	assert.Nil(t, gw.store)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/R7/executions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayNew_ShortSecretFails(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Server.GRPCAddr = freeAddr(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	hc, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Status)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyAndRoomEndpoints(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	a := dial(t, srv)
	a.join("alice", "R7")
	b := dial(t, srv)
	b.join("bob", "R7")
	a.expect(EventParticipantJoined, nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 1, ready.Rooms)
	assert.Equal(t, 2, ready.Participants)
	assert.Equal(t, 2, ready.Connections)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/R7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rr RoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rr))
	assert.Equal(t, "R7", rr.RoomID)
	assert.Equal(t, 2, rr.Size)
	require.Len(t, rr.Participants, 2)
	assert.Equal(t, "alice", rr.Participants[0].UserID)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "room not found", errResp["error"])
}

func TestExecutionsEndpoint_BadLimit(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")

	for _, limit := range []string{"abc", "0", "-3"} {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/R7/executions?limit="+limit, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/R7/executions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExecutionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Executions)
	assert.Empty(t, resp.Executions)
}

// Two participants share room R7: an edit reaches only the peer, and an
// execution result reaches both.
func TestWebsocket_EditAndExecuteInSharedRoom(t *testing.T) {
	runner, runnerURL := newRunner(t, respondStdout("1\n"))
	gw := newTestGateway(t, runnerURL)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	a := dial(t, srv)
	a.join("alice", "R7")
	b := dial(t, srv)
	b.join("bob", "R7")
	a.expect(EventParticipantJoined, nil)

	a.send(EventEdit, EditPayload{
		RoomID:  "R7",
		Content: ptr("print(1)"),
	})
	var edit EditBroadcast
	b.expect(EventEdit, &edit)
	assert.Equal(t, "print(1)", edit.Content)

	a.send(EventExecute, ExecutePayload{RoomID: "R7", Code: "print(1)", Language: "python"})

	// A's next frame is the execution notice, so the edit was not echoed.
	for _, c := range []*wsClient{a, b} {
		c.expect(EventExecutionStarted, nil)
	}
	for _, c := range []*wsClient{a, b} {
		var res ExecutionResultPayload
		c.expect(EventExecutionResult, &res)
		assert.Equal(t, "1\n", res.Output)
		assert.True(t, res.Success)
		assert.Equal(t, "alice", res.RequestedBy)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Equal(t, int32(1), runner.calls.Load())

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/R7/executions?limit=5", nil))
		var resp ExecutionsResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return len(resp.Executions) == 1 && resp.Executions[0].Stdout == "1\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_RateLimitedTwiceThenSucceeds(t *testing.T) {
	runner, runnerURL := newRunner(t, respondRateLimited, respondRateLimited, respondStdout("ok\n"))
	gw := newTestGateway(t, runnerURL)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	a := dial(t, srv)
	a.join("alice", "R7")

	a.send(EventExecute, ExecutePayload{Code: "print('ok')", Language: "python"})
	a.expect(EventExecutionStarted, nil)

	var res ExecutionResultPayload
	a.expect(EventExecutionResult, &res)
	assert.Equal(t, "ok\n", res.Output)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), runner.calls.Load())
}

func TestWebsocket_RateLimitedUntilExhausted(t *testing.T) {
	runner, runnerURL := newRunner(t, respondRateLimited)
	gw := newTestGateway(t, runnerURL)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	a := dial(t, srv)
	a.join("alice", "R7")
	b := dial(t, srv)
	b.join("bob", "R7")
	a.expect(EventParticipantJoined, nil)

	a.send(EventExecute, ExecutePayload{Code: "print(1)", Language: "python"})
	for _, c := range []*wsClient{a, b} {
		c.expect(EventExecutionStarted, nil)
	}
	for _, c := range []*wsClient{a, b} {
		var e ExecutionErrorPayload
		c.expect(EventExecutionError, &e)
		assert.Equal(t, "rate_limited", e.Code)
		assert.Equal(t, 3, e.Attempts)
	}
	assert.Equal(t, int32(3), runner.calls.Load())
}

func TestWebsocket_MalformedFrameKeepsConnection(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	a := dial(t, srv)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var p ErrorPayload
	a.expect(EventError, &p)
	assert.Equal(t, CodeInvalidPayload, p.Code)

	a.join("alice", "R7")
}

func TestWebsocket_CloseLeavesRoom(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1")
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	a := dial(t, srv)
	a.join("alice", "R7")
	b := dial(t, srv)
	b.join("bob", "R7")
	a.expect(EventParticipantJoined, nil)

	require.NoError(t, b.conn.Close())

	var pl ParticipantEvent
	a.expect(EventParticipantLeft, &pl)
	assert.Equal(t, "bob", pl.Participant.UserID)
	assert.Equal(t, 1, pl.Count)
	assert.Equal(t, 1, gw.registry.RoomSize("R7"))
}
