package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tobert/sshwarma/internal/observability"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// stubTransport answers initialize/tools/list/tools/call with canned JSON
// so Client's real Connect/RefreshCapabilities/CallTool logic runs
// end-to-end against the Manager, instead of mocking Manager itself.
type stubTransport struct {
	connected atomic.Bool
	failCall  string // method name that returns an error, "" = none
}

func newStubTransport() *stubTransport {
	s := &stubTransport{}
	s.connected.Store(true)
	return s
}

func (s *stubTransport) Connect(ctx context.Context) error { return nil }
func (s *stubTransport) Close() error {
	s.connected.Store(false)
	return nil
}

func (s *stubTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.failCall == method {
		return nil, context.DeadlineExceeded
	}
	switch method {
	case "initialize":
		return json.Marshal(InitializeResult{ProtocolVersion: "2024-11-05", ServerInfo: ServerInfo{Name: "stub", Version: "1"}})
	case "tools/list":
		return json.Marshal(ListToolsResult{Tools: []*MCPTool{{Name: "search", Description: "search things"}}})
	case "tools/call":
		return json.Marshal(ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "ok"}}})
	default:
		return json.Marshal(struct{}{})
	}
}

func (s *stubTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (s *stubTransport) Events() <-chan *JSONRPCNotification                         { return make(chan *JSONRPCNotification) }
func (s *stubTransport) Requests() <-chan *JSONRPCRequest                            { return make(chan *JSONRPCRequest) }
func (s *stubTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	return nil
}
func (s *stubTransport) Connected() bool { return s.connected.Load() }

// managerWithStub builds a Manager whose newClient always wraps the given
// stub transport, bypassing the real NewTransport dial.
func managerWithStub(stub *stubTransport) *Manager {
	m := NewManager(nil)
	m.policy = backoffPolicy{BaseMs: 1, CapMs: 5, JitterPc: 0}
	m.newClient = func(cfg *ServerConfig, logger *slog.Logger) *Client {
		return &Client{config: cfg, transport: stub, logger: logger}
	}
	return m
}

func waitForState(t *testing.T, m *Manager, name string, want models.McpState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Status(name); s != nil && s.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server %q did not reach state %q in time", name, want)
}

func TestManager_AddReachesConnected(t *testing.T) {
	stub := newStubTransport()
	m := managerWithStub(stub)
	m.Add(context.Background(), "srv", "http://example/mcp")

	waitForState(t, m, "srv", models.McpConnected)

	status := m.Status("srv")
	if status.ToolCount != 1 {
		t.Fatalf("ToolCount = %d, want 1", status.ToolCount)
	}
}

func TestManager_SetMetricsReflectsConnectionState(t *testing.T) {
	stub := newStubTransport()
	m := managerWithStub(stub)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m.SetMetrics(metrics)

	m.Add(context.Background(), "srv", "http://example/mcp")
	waitForState(t, m, "srv", models.McpConnected)

	var metric dto.Metric
	if err := metrics.McpConnections.WithLabelValues("srv", string(models.McpConnected)).Write(&metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Fatalf("connected gauge = %v, want 1", metric.GetGauge().GetValue())
	}
}

func TestManager_AddServerStdioSelectsStdioTransport(t *testing.T) {
	stub := newStubTransport()
	m := NewManager(nil)
	m.policy = backoffPolicy{BaseMs: 1, CapMs: 5, JitterPc: 0}
	var mu sync.Mutex
	var gotCfg *ServerConfig
	m.newClient = func(cfg *ServerConfig, logger *slog.Logger) *Client {
		mu.Lock()
		gotCfg = cfg
		mu.Unlock()
		return &Client{config: cfg, transport: stub, logger: logger}
	}

	m.AddServer(context.Background(), &ServerConfig{
		ID:        "local",
		Name:      "local",
		Transport: TransportStdio,
		Command:   "mcp-server",
		Args:      []string{"--port", "0"},
	})
	waitForState(t, m, "local", models.McpConnected)

	mu.Lock()
	defer mu.Unlock()
	if gotCfg == nil || gotCfg.Transport != TransportStdio || gotCfg.Command != "mcp-server" {
		t.Fatalf("reconcile built cfg %+v, want the stdio config passed to AddServer", gotCfg)
	}
	status := m.Status("local")
	if status.Endpoint != "mcp-server --port 0" {
		t.Fatalf("Endpoint = %q, want the command line display form", status.Endpoint)
	}
}

func TestManager_AddIsIdempotent(t *testing.T) {
	stub := newStubTransport()
	m := managerWithStub(stub)
	m.Add(context.Background(), "srv", "http://example/mcp")
	waitForState(t, m, "srv", models.McpConnected)

	m.Add(context.Background(), "srv", "http://example/mcp")
	if len(m.entries) != 1 {
		t.Fatalf("expected a single entry after idempotent Add, got %d", len(m.entries))
	}
}

func TestManager_CallToolRejectsUnknownOwner(t *testing.T) {
	m := managerWithStub(newStubTransport())
	_, err := m.CallTool(context.Background(), "missing:search", nil)
	if coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestManager_CallToolRequiresQualifiedName(t *testing.T) {
	m := managerWithStub(newStubTransport())
	_, err := m.CallTool(context.Background(), "search", nil)
	if coreerr.KindOf(err) != coreerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestManager_CallToolDispatchesToConnectedServer(t *testing.T) {
	stub := newStubTransport()
	m := managerWithStub(stub)
	m.Add(context.Background(), "srv", "http://example/mcp")
	waitForState(t, m, "srv", models.McpConnected)

	result, err := m.CallTool(context.Background(), "srv:search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}

	status := m.Status("srv")
	if status.CallCount != 1 || status.LastTool != "search" {
		t.Fatalf("unexpected status after call: %+v", status)
	}
}

func TestManager_RemoveStopsReconciliationAndEmitsRemoved(t *testing.T) {
	stub := newStubTransport()
	m := managerWithStub(stub)
	events, unsub := m.Subscribe()
	defer unsub()

	m.Add(context.Background(), "srv", "http://example/mcp")
	waitForState(t, m, "srv", models.McpConnected)

	if ok := m.Remove("srv"); !ok {
		t.Fatal("expected Remove to report the name was present")
	}
	if m.Status("srv") != nil {
		t.Fatal("expected Status to return nil after Remove")
	}

	sawRemoved := false
	for i := 0; i < 16 && !sawRemoved; i++ {
		select {
		case evt := <-events:
			if evt.Type == models.McpEventRemoved && evt.Name == "srv" {
				sawRemoved = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !sawRemoved {
		t.Fatal("expected a removed event")
	}
}

func TestManager_ListToolsAggregatesQualifiedNames(t *testing.T) {
	stub := newStubTransport()
	m := managerWithStub(stub)
	m.Add(context.Background(), "srv", "http://example/mcp")
	waitForState(t, m, "srv", models.McpConnected)

	tools := m.ListTools("")
	if len(tools) != 1 || tools[0].QualifiedName != "srv:search" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestManager_StatusUnknownReturnsNil(t *testing.T) {
	m := managerWithStub(newStubTransport())
	if m.Status("nope") != nil {
		t.Fatal("expected nil status for unknown name")
	}
}
