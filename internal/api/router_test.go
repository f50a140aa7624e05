package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/call"
	"github.com/hackgods/voice-appointment-orchestrator/internal/handoff"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
	"github.com/hackgods/voice-appointment-orchestrator/internal/scheduling"
	"github.com/hackgods/voice-appointment-orchestrator/internal/voice"
)

const testRoute = "+15550123"

type fixture struct {
	server   *httptest.Server
	ledger   *ledger.Memory
	provider ledger.Provider
	recorder *audit.Recorder
	hub      *Hub
	start    time.Time
}

func newFixture(t *testing.T, rps float64, burst int) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	l := ledger.NewMemory()
	p := ledger.Provider{ID: uuid.New(), Name: "Dr. Okafor", RoutingKey: testRoute, ServiceTypes: []string{"checkup"}}
	require.NoError(t, l.RegisterProvider(ctx, p))
	start := time.Now().UTC().Truncate(time.Hour).Add(72 * time.Hour)
	for i := 0; i < 6; i++ {
		require.NoError(t, l.AddSlots(ctx, ledger.Slot{
			ProviderID: p.ID,
			StartTime:  start.Add(time.Duration(i) * 30 * time.Minute),
			Duration:   30 * time.Minute,
		}))
	}

	hub := NewHub(log)
	rec := audit.NewRecorder(audit.NewMemoryStore(), audit.WithSinks(hub))
	engine := scheduling.NewEngine(l, rec, m, log, scheduling.Config{})
	coord := handoff.NewCoordinator(handoff.Config{WaitBound: 50 * time.Millisecond}, nil, rec, m, log)
	mgr := call.NewManager(call.Deps{
		Scheduler: engine,
		Pipeline:  voice.NewTextPipeline(),
		Handoff:   coord,
		Recorder:  rec,
		Metrics:   m,
		Log:       log,
	}, engine)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Calls:      mgr,
		Ledger:     l,
		Recorder:   rec,
		Handoff:    coord,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   reg,
		Log:        log,
		Env:        "test",
		Version:    "dev",
		AdmitRPS:   rps,
		AdmitBurst: burst,
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &fixture{server: srv, ledger: l, provider: p, recorder: rec, hub: hub, start: start}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (f *fixture) admit(t *testing.T, callID string) {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/v1/calls",
		fmt.Sprintf(`{"call_id":%q,"caller_number":"+15551234","routing_key":%q}`, callID, testRoute))
	require.Equal(t, http.StatusCreated, status, string(body))
}

func (f *fixture) callState(t *testing.T, callID string) string {
	t.Helper()
	status, body := f.do(t, http.MethodGet, "/v1/calls/"+callID, "")
	if status != http.StatusOK {
		return ""
	}
	var snap registry.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	return snap.State
}

func TestHealthWithoutExternalDependencies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	status, _ := f.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, status)

	status, body := f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, status)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "disabled", resp.Dependencies["postgres"])
}

func TestAdmitCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"admitted", `{"call_id":"c-1","routing_key":"` + testRoute + `"}`, http.StatusCreated, ""},
		{"duplicate", `{"call_id":"c-1","routing_key":"` + testRoute + `"}`, http.StatusConflict, "call_exists"},
		{"unknown route", `{"call_id":"c-2","routing_key":"+19990000"}`, http.StatusNotFound, "provider_not_found"},
		{"missing id", `{"routing_key":"` + testRoute + `"}`, http.StatusBadRequest, "invalid_call_id"},
		{"bad json", `{`, http.StatusBadRequest, "invalid_request_body"},
	}
	for _, tt := range tests {
		status, body := f.do(t, http.MethodPost, "/v1/calls", tt.body)
		assert.Equal(t, tt.status, status, tt.name)
		if tt.code != "" {
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e), tt.name)
			assert.Equal(t, tt.code, e.Error, tt.name)
		}
	}
}

func TestAdmitIsRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0.001, 1)

	f.admit(t, "r-1")
	status, body := f.do(t, http.MethodPost, "/v1/calls", `{"call_id":"r-2","routing_key":"`+testRoute+`"}`)
	assert.Equal(t, http.StatusTooManyRequests, status, string(body))
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	f.admit(t, "life-1")
	require.Eventually(t, func() bool { return f.callState(t, "life-1") == string(call.StateIntentCapture) },
		2*time.Second, 10*time.Millisecond)

	turn := fmt.Sprintf(`{"intent":"book","desired_time":%q,"service_type":"checkup"}`, f.start.Format(time.RFC3339))
	status, _ := f.do(t, http.MethodPost, "/v1/calls/life-1/turns", turn)
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool { return f.callState(t, "life-1") == string(call.StateConfirmation) },
		2*time.Second, 10*time.Millisecond)

	status, body := f.do(t, http.MethodGet, "/v1/calls", "")
	require.Equal(t, http.StatusOK, status)
	var active []registry.Snapshot
	require.NoError(t, json.Unmarshal(body, &active))
	require.Len(t, active, 1)
	assert.NotEmpty(t, active[0].HoldID)

	status, _ = f.do(t, http.MethodPost, "/v1/calls/life-1/turns", "yes please")
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool {
		s, _ := f.do(t, http.MethodGet, "/v1/calls/life-1", "")
		return s == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond, "completed call retires")

	path := fmt.Sprintf("/v1/providers/%s/appointments?from=%s", f.provider.ID, f.start.Add(-time.Hour).Format(time.RFC3339))
	status, body = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, status)
	var appts []AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &appts))
	require.Len(t, appts, 1)
	assert.Equal(t, "booked", appts[0].Status)
	assert.Equal(t, "life-1", appts[0].CallID)
	assert.NotEmpty(t, appts[0].ConfirmationCode)

	status, body = f.do(t, http.MethodGet, "/v1/calls/life-1/history", "")
	require.Equal(t, http.StatusOK, status)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, audit.CallAdmitted, events[0].Type)
	assert.Equal(t, audit.CallRetired, events[len(events)-1].Type)

	status, _ = f.do(t, http.MethodPost, "/v1/calls/life-1/turns", "hello")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHangupOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	f.admit(t, "hang-1")
	status, _ := f.do(t, http.MethodPost, "/v1/calls/hang-1/hangup", "")
	assert.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		s, _ := f.do(t, http.MethodGet, "/v1/calls/hang-1", "")
		return s == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)

	status, _ = f.do(t, http.MethodPost, "/v1/calls/missing/hangup", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProvidersAndSlots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	status, body := f.do(t, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, status)
	var providers []ProviderResponse
	require.NoError(t, json.Unmarshal(body, &providers))
	require.Len(t, providers, 1)
	assert.Equal(t, testRoute, providers[0].RoutingKey)

	from := f.start.Format(time.RFC3339)
	to := f.start.Add(time.Hour).Format(time.RFC3339)
	status, body = f.do(t, http.MethodGet, fmt.Sprintf("/v1/providers/%s/slots?from=%s&to=%s", f.provider.ID, from, to), "")
	require.Equal(t, http.StatusOK, status)
	var slots []SlotResponse
	require.NoError(t, json.Unmarshal(body, &slots))
	assert.Len(t, slots, 2)

	status, _ = f.do(t, http.MethodGet, fmt.Sprintf("/v1/providers/%s/slots?service=surgery", f.provider.ID), "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, fmt.Sprintf("/v1/providers/%s/slots?from=yesterday", f.provider.ID), "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, fmt.Sprintf("/v1/providers/%s/slots", uuid.New()), "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentsAndTickets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	status, _ := f.do(t, http.MethodPost, "/v1/handoff/queues/"+testRoute+"/agents", `{"agent_id":"nurse-1"}`)
	require.Equal(t, http.StatusAccepted, status)

	f.admit(t, "ho-1")
	require.Eventually(t, func() bool { return f.callState(t, "ho-1") == string(call.StateIntentCapture) },
		2*time.Second, 10*time.Millisecond)
	status, _ = f.do(t, http.MethodPost, "/v1/calls/ho-1/turns", "let me speak to a person")
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool { return f.callState(t, "ho-1") == string(call.StateHumanConnected) },
		2*time.Second, 10*time.Millisecond)

	status, body := f.do(t, http.MethodGet, "/v1/handoff/tickets", "")
	require.Equal(t, http.StatusOK, status)
	var tickets []handoff.Ticket
	require.NoError(t, json.Unmarshal(body, &tickets))
	require.Len(t, tickets, 1)
	assert.Equal(t, "nurse-1", tickets[0].AgentID)

	status, body = f.do(t, http.MethodPost, "/v1/handoff/queues/"+testRoute+"/agents", `{"agent_id":"nurse-1"}`)
	assert.Equal(t, http.StatusConflict, status, "an agent on a live call cannot be queued again")
	assert.Contains(t, string(body), "agent_busy")

	status, _ = f.do(t, http.MethodPost, "/v1/calls/ho-1/handoff-ended", `{"resolved":true}`)
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = f.do(t, http.MethodPost, "/v1/handoff/queues/x/agents", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	f.do(t, http.MethodGet, "/health/live", "")
	status, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "voiceagent_http_requests_total")
}

func TestEventFeedOverWebsocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100, 100)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.recorder.Record(context.Background(), "ws-call", audit.CallState, map[string]string{"to": "greeting"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev audit.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "ws-call", ev.CallID)
	assert.Equal(t, audit.CallState, ev.Type)
}

func TestRelaySkipsOwnOrigin(t *testing.T) {
	t.Parallel()
	hub := NewHub(zerolog.Nop())
	c := &wsClient{send: make(chan []byte, 4)}
	hub.clients[c] = struct{}{}

	messages := make(chan []byte, 2)
	own, _ := json.Marshal(audit.Envelope{Origin: "me", Event: audit.Event{Seq: 1}})
	other, _ := json.Marshal(audit.Envelope{Origin: "worker", Event: audit.Event{Seq: 2}})
	messages <- own
	messages <- other
	close(messages)

	hub.Relay(context.Background(), messages, "me")

	require.Len(t, c.send, 1)
	var ev audit.Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(<-c.send), &ev))
	assert.Equal(t, int64(2), ev.Seq)
}
