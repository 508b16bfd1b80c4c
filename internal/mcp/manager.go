// Package mcp implements the MCP Connection Manager: a fleet of outbound
// connections to Model-Context-Protocol servers, reconciled against
// caller-declared desired state in the background. The wire protocol
// lives in client.go and transport*.go; Manager owns the declarative
// add/remove surface and the per-connection reconciliation loops.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tobert/sshwarma/internal/observability"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

const subscriberBuffer = 64

var errTransportDisconnected = errors.New("mcp: transport disconnected")

// connEntry is the manager's view of one desired connection.
type connEntry struct {
	name     string
	endpoint string // display form: the URL, or the stdio command line
	cfg      *ServerConfig
	cancel   context.CancelFunc

	mu        sync.RWMutex
	state     models.McpState
	client    *Client
	attempt   int
	lastError string
	tools     []*MCPTool
	callCount uint64
	lastTool  string
	updatedAt time.Time
}

func (e *connEntry) snapshot() models.McpStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.McpStatus{
		Name:      e.name,
		Endpoint:  e.endpoint,
		State:     e.state,
		ToolCount: len(e.tools),
		Attempt:   e.attempt,
		LastError: e.lastError,
		CallCount: atomic.LoadUint64(&e.callCount),
		LastTool:  e.lastTool,
		UpdatedAt: e.updatedAt,
	}
}

// Manager maintains the MCP fleet. The caller declares intent via Add/
// Remove; a background goroutine per connection reconciles actual state.
type Manager struct {
	logger  *slog.Logger
	policy  backoffPolicy
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*connEntry
	subs    []chan *models.McpEvent

	newClient func(cfg *ServerConfig, logger *slog.Logger) *Client
}

// SetMetrics wires a Metrics sink for connection-state gauges and
// reconnect counters. Safe to call with nil (metrics recording becomes a
// no-op, matching Metrics' own nil-receiver safety).
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// NewManager creates an empty MCP fleet manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger.With("component", "mcp"),
		policy:    defaultBackoffPolicy(),
		entries:   make(map[string]*connEntry),
		newClient: NewClient,
	}
}

// Add inserts name/endpoint into desired state over the HTTP transport.
// If the name is new, a background reconciliation loop is spawned in
// Connecting state. If it exists with the same endpoint this is a no-op;
// a different endpoint updates it and forces a reconnect. Idempotent.
func (m *Manager) Add(ctx context.Context, name, endpoint string) {
	m.AddServer(ctx, &ServerConfig{ID: name, Name: name, Transport: TransportHTTP, URL: endpoint})
}

// AddServer is Add for a fully-specified server: a stdio-transport config
// (Command/Args/Env) launches the subprocess instead of dialing a URL.
// Idempotency compares the endpoint display form, so a changed Env alone
// does not force a reconnect; Remove then AddServer does.
func (m *Manager) AddServer(ctx context.Context, cfg *ServerConfig) {
	name := cfg.ID
	endpoint := endpointString(cfg)

	m.mu.Lock()
	existing, ok := m.entries[name]
	if ok {
		if existing.endpoint == endpoint {
			m.mu.Unlock()
			return
		}
		existing.cancel()
		delete(m.entries, name)
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &connEntry{
		name:      name,
		endpoint:  endpoint,
		cfg:       cfg,
		cancel:    cancel,
		state:     models.McpConnecting,
		updatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.entries[name] = entry
	m.mu.Unlock()

	m.metrics.SetMcpState(name, models.McpConnecting)
	m.emit(&models.McpEvent{Type: models.McpEventConnecting, Name: name, Endpoint: endpoint, Time: time.Now().UTC()})
	go m.reconcile(runCtx, entry)
}

// endpointString is the human-readable endpoint a status row or event
// shows: the URL for HTTP servers, the command line for stdio ones.
func endpointString(cfg *ServerConfig) string {
	if cfg.Transport == TransportStdio {
		return strings.Join(append([]string{cfg.Command}, cfg.Args...), " ")
	}
	return cfg.URL
}

// Remove cancels the connection's background loop, drops its handle, and
// emits removed. Returns whether the name was present.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	entry, ok := m.entries[name]
	if ok {
		delete(m.entries, name)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	entry.mu.Lock()
	if entry.client != nil {
		entry.client.Close()
	}
	entry.mu.Unlock()
	m.metrics.SetMcpState(name, "")
	m.emit(&models.McpEvent{Type: models.McpEventRemoved, Name: name, Time: time.Now().UTC()})
	return true
}

// Status reads the current snapshot for one name, or nil if absent.
func (m *Manager) Status(name string) *models.McpStatus {
	m.mu.RLock()
	entry, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	s := entry.snapshot()
	return &s
}

// List snapshots every connection.
func (m *Manager) List() []models.McpStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.McpStatus, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry.snapshot())
	}
	return out
}

// Subscribe registers for fleet events. Delivery per subscriber is
// in-order; a slow subscriber may miss events and must reconcile via List.
func (m *Manager) Subscribe() (<-chan *models.McpEvent, func()) {
	ch := make(chan *models.McpEvent, subscriberBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

func (m *Manager) emit(evt *models.McpEvent) {
	m.mu.RLock()
	subs := append([]chan *models.McpEvent(nil), m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			m.logger.Warn("mcp subscriber buffer full, dropping event", "name", evt.Name, "type", evt.Type)
		}
	}
}

// CallTool resolves the owning server from a qualified name ("server:tool")
// and dispatches to it.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*ToolCallResult, error) {
	serverName, toolName, ok := strings.Cut(qualifiedName, ":")
	if !ok {
		return nil, coreerr.Newf(coreerr.InvalidArgument, "mcp.CallTool", "qualified name %q missing owner prefix", qualifiedName)
	}

	m.mu.RLock()
	entry, ok := m.entries[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "mcp.CallTool", "server %q not found", serverName)
	}

	entry.mu.RLock()
	state, client := entry.state, entry.client
	entry.mu.RUnlock()
	if state != models.McpConnected || client == nil {
		return nil, coreerr.Newf(coreerr.NotConnected, "mcp.CallTool", "server %q is not connected", serverName)
	}
	if !hasTool(entry, toolName) {
		return nil, coreerr.Newf(coreerr.NotFound, "mcp.CallTool", "tool %q not found on server %q", toolName, serverName)
	}

	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		return nil, coreerr.New(coreerr.Upstream, "mcp.CallTool", err)
	}
	atomic.AddUint64(&entry.callCount, 1)
	entry.mu.Lock()
	entry.lastTool = toolName
	entry.mu.Unlock()
	return result, nil
}

func hasTool(entry *connEntry, name string) bool {
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	for _, t := range entry.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ListTools aggregates cached tool lists from connected servers, optionally
// filtered to one server name.
func (m *Manager) ListTools(filterServer string) []models.ToolInfo {
	m.mu.RLock()
	entries := make([]*connEntry, 0, len(m.entries))
	for name, entry := range m.entries {
		if filterServer != "" && name != filterServer {
			continue
		}
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	var out []models.ToolInfo
	for _, entry := range entries {
		entry.mu.RLock()
		for _, t := range entry.tools {
			var schema map[string]any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &schema) // leave nil on malformed upstream schema
			}
			out = append(out, models.ToolInfo{
				QualifiedName: entry.name + ":" + t.Name,
				Description:   t.Description,
				Schema:        schema,
				Source:        "mcp:" + entry.name,
			})
		}
		entry.mu.RUnlock()
	}
	return out
}

// Refresh re-fetches the tool list for name and emits tools_refreshed.
func (m *Manager) Refresh(ctx context.Context, name string) error {
	m.mu.RLock()
	entry, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return coreerr.Newf(coreerr.NotFound, "mcp.Refresh", "server %q not found", name)
	}
	entry.mu.RLock()
	client, state := entry.client, entry.state
	entry.mu.RUnlock()
	if state != models.McpConnected || client == nil {
		return coreerr.Newf(coreerr.NotConnected, "mcp.Refresh", "server %q is not connected", name)
	}
	if err := client.RefreshCapabilities(ctx); err != nil {
		return coreerr.New(coreerr.Upstream, "mcp.Refresh", err)
	}
	tools := client.Tools()
	entry.mu.Lock()
	entry.tools = tools
	entry.mu.Unlock()
	m.emit(&models.McpEvent{Type: models.McpEventToolsRefreshed, Name: name, ToolCount: len(tools), Time: time.Now().UTC()})
	return nil
}

// healthCheckInterval bounds how often reconcile polls a Connected client's
// transport liveness; the wire layer exposes no death notification of its
// own (client.go's Events() channel carries protocol notifications, not
// lifecycle signals).
const healthCheckInterval = 15 * time.Second

// reconcile drives one connection's state machine: Connecting -> Connected
// -> Reconnecting -> Connecting, until ctx is cancelled (remove or
// shutdown). All transport/protocol errors become reconnecting events with
// backoff; none are fatal.
func (m *Manager) reconcile(ctx context.Context, entry *connEntry) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := m.newClient(entry.cfg, m.logger)

		if err := client.Connect(ctx); err != nil {
			m.enterReconnecting(ctx, entry, &attempt, err)
			continue
		}
		if err := client.RefreshCapabilities(ctx); err != nil {
			client.Close()
			m.enterReconnecting(ctx, entry, &attempt, err)
			continue
		}
		tools := client.Tools()

		entry.mu.Lock()
		entry.state = models.McpConnected
		entry.client = client
		entry.tools = tools
		entry.attempt = 0
		entry.lastError = ""
		entry.updatedAt = time.Now().UTC()
		entry.mu.Unlock()
		attempt = 0
		m.metrics.SetMcpState(entry.name, models.McpConnected)
		m.emit(&models.McpEvent{Type: models.McpEventConnected, Name: entry.name, Endpoint: entry.endpoint, ToolCount: len(tools), Time: time.Now().UTC()})

		died := m.watchUntilDead(ctx, client)
		client.Close()

		if !died {
			return // ctx cancelled: remove() or shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		m.enterReconnecting(ctx, entry, &attempt, errTransportDisconnected)
	}
}

// watchUntilDead polls a Connected client's transport liveness until either
// the transport disconnects (returns true) or ctx is cancelled (false).
func (m *Manager) watchUntilDead(ctx context.Context, client *Client) bool {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !client.Connected() {
				return true
			}
		}
	}
}

func (m *Manager) enterReconnecting(ctx context.Context, entry *connEntry, attempt *int, cause error) {
	*attempt++
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	entry.mu.Lock()
	entry.state = models.McpReconnecting
	entry.attempt = *attempt
	entry.lastError = errMsg
	entry.updatedAt = time.Now().UTC()
	entry.mu.Unlock()

	delay := m.policy.delay(*attempt)
	m.metrics.SetMcpState(entry.name, models.McpReconnecting)
	m.metrics.RecordMcpReconnect(entry.name)
	m.emit(&models.McpEvent{Type: models.McpEventReconnecting, Name: entry.name, Attempt: *attempt, DelayMs: delay.Milliseconds(), Error: errMsg, Time: time.Now().UTC()})

	select {
	case <-time.After(delay):
		entry.mu.Lock()
		entry.state = models.McpConnecting
		entry.mu.Unlock()
	case <-ctx.Done():
	}
}
