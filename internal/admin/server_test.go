package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/agentctl/internal/auth"
	"github.com/danmuck/agentctl/internal/controller"
	"github.com/danmuck/agentctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type fakeAgents struct {
	mu     sync.Mutex
	infos  []controller.AgentInfo
	err    error
	events []string
}

func (f *fakeAgents) Agents(context.Context) ([]controller.AgentInfo, error) {
	return f.infos, f.err
}

func (f *fakeAgents) Multicast(event string, _ []any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type sent struct {
	kind  string
	addr  string
	event string
	args  []any
}

type fakeOutbound struct {
	sent []sent
}

func (f *fakeOutbound) SendAgent(addr string, code []byte, _ map[string]any) {
	f.sent = append(f.sent, sent{kind: "agent", addr: addr, event: string(code)})
}

func (f *fakeOutbound) SendBroadcast(addr, event string, args ...any) {
	f.sent = append(f.sent, sent{kind: "broadcast", addr: addr, event: event, args: args})
}

func newTestServer(t *testing.T, agents *fakeAgents, out *fakeOutbound, ready bool) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New("test-node", "127.0.0.1:0", agents, out, func() bool { return ready }, nil)
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, &fakeAgents{}, &fakeOutbound{}, false)

	rec, body := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "test-node", body["id"])

	rec, _ = do(t, s, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "agentctl_http_requests_total")
}

func TestListAgents(t *testing.T) {
	testlog.Start(t)
	agents := &fakeAgents{infos: []controller.AgentInfo{{ID: "a1", BadCalls: 2}}}
	s := newTestServer(t, agents, &fakeOutbound{}, true)

	rec, body := do(t, s, http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["agents"].([]any)
	require.Len(t, list, 1)
	require.Equal(t, "a1", list[0].(map[string]any)["id"])
	require.Equal(t, float64(2), list[0].(map[string]any)["bad_calls"])

	agents.err = errors.New("controller: not running")
	rec, _ = do(t, s, http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSendAgentValidatesAndQueues(t *testing.T) {
	testlog.Start(t)
	out := &fakeOutbound{}
	s := newTestServer(t, &fakeAgents{}, out, true)

	rec, _ := do(t, s, http.MethodPost, "/agents/send", `{"addr":"nohost","code":"x = 1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/agents/send", `{"addr":"10.0.0.2:9600","code":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, out.sent)

	rec, body := do(t, s, http.MethodPost, "/agents/send", `{"addr":"10.0.0.2:9600","code":"x = 1","briefcase":{"n":1}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, body["digest"], 64)
	require.Equal(t, []sent{{kind: "agent", addr: "10.0.0.2:9600", event: "x = 1"}}, out.sent)
}

func TestBroadcastFansOutPerAddress(t *testing.T) {
	testlog.Start(t)
	out := &fakeOutbound{}
	s := newTestServer(t, &fakeAgents{}, out, true)

	rec, _ := do(t, s, http.MethodPost, "/events/broadcast", `{"addrs":["a:1","bad"],"event":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, out.sent)

	rec, body := do(t, s, http.MethodPost, "/events/broadcast", `{"addrs":["a:1","b:2"],"event":"news","args":["hi"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, float64(2), body["count"])
	require.Len(t, out.sent, 2)
	require.Equal(t, "b:2", out.sent[1].addr)
	require.Equal(t, []any{"hi"}, out.sent[1].args)
}

func TestLocalEventMulticasts(t *testing.T) {
	testlog.Start(t)
	agents := &fakeAgents{}
	s := newTestServer(t, agents, &fakeOutbound{}, true)

	rec, _ := do(t, s, http.MethodPost, "/events/local", `{"args":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/events/local", `{"event":"tick"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"tick"}, agents.events)
}

func TestTokenGuardsPostRoutes(t *testing.T) {
	testlog.Start(t)
	agents := &fakeAgents{}
	s := newTestServer(t, agents, &fakeOutbound{}, true)
	s.RequireToken(auth.StaticToken{Token: "s3cret"})

	rec, _ := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, s, http.MethodPost, "/events/local", `{"event":"tick"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, auth.ErrMissingToken.Error(), body["error"])
	require.Empty(t, agents.events)

	req := httptest.NewRequest(http.MethodPost, "/events/local", strings.NewReader(`{"event":"tick"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusAccepted, ok.Code)
	require.Equal(t, []string{"tick"}, agents.events)
}
