package tools

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tobert/sshwarma/internal/mcp"
	"github.com/tobert/sshwarma/internal/observability"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// fakeStore is a minimal in-memory Store stand-in, enough to exercise
// VisibleFor/Call/Equip/Unequip without a real sqlite-backed room.Store.
type fakeStore struct {
	rooms     map[string]*models.Room
	things    map[string]*models.Thing
	byQN      map[string]*models.Thing
	equipment map[string][]*models.Equipment // key: kind:targetID
	exits     map[string]*models.Exit        // key: fromRoomID:direction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:     make(map[string]*models.Room),
		things:    make(map[string]*models.Thing),
		byQN:      make(map[string]*models.Thing),
		equipment: make(map[string][]*models.Equipment),
		exits:     make(map[string]*models.Exit),
	}
}

func (s *fakeStore) Room(ctx context.Context, id string) (*models.Room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "fakeStore.Room", "no such room: %s", id)
	}
	return r, nil
}

func (s *fakeStore) BufferIDForRoom(ctx context.Context, roomID string) (string, error) {
	return "buf-" + roomID, nil
}

func (s *fakeStore) ThingByQualifiedName(ctx context.Context, owner, name string) (*models.Thing, error) {
	return s.byQN[owner+":"+name], nil
}

func (s *fakeStore) Thing(ctx context.Context, id string) (*models.Thing, error) {
	t, ok := s.things[id]
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "fakeStore.Thing", "no such thing: %s", id)
	}
	return t, nil
}

func (s *fakeStore) EquipmentFor(ctx context.Context, kind models.EquipTargetKind, targetID string) ([]*models.Equipment, error) {
	return s.equipment[string(kind)+":"+targetID], nil
}

func (s *fakeStore) Equip(ctx context.Context, eq *models.Equipment) error {
	key := string(eq.TargetKind) + ":" + eq.TargetID
	s.equipment[key] = append(s.equipment[key], eq)
	return nil
}

func (s *fakeStore) Unequip(ctx context.Context, kind models.EquipTargetKind, targetID, slot, thingID string) error {
	key := string(kind) + ":" + targetID
	out := s.equipment[key][:0]
	for _, eq := range s.equipment[key] {
		if eq.ThingID == thingID && eq.Slot == slot {
			continue
		}
		out = append(out, eq)
	}
	s.equipment[key] = out
	return nil
}

func (s *fakeStore) ExitTo(ctx context.Context, fromRoomID, direction string) (*models.Exit, error) {
	e, ok := s.exits[fromRoomID+":"+direction]
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "fakeStore.ExitTo", "no exit %q from %s", direction, fromRoomID)
	}
	return e, nil
}

func (s *fakeStore) addThing(t *models.Thing) {
	s.things[t.ID] = t
	s.byQN[t.QualifiedName()] = t
}

// fakeMcp stubs the McpCaller surface the Router proxies unresolved
// qualified names through.
type fakeMcp struct {
	tools  []models.ToolInfo
	result *mcp.ToolCallResult
	err    error
}

func (f *fakeMcp) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*mcp.ToolCallResult, error) {
	return f.result, f.err
}

func (f *fakeMcp) ListTools(filterServer string) []models.ToolInfo {
	return f.tools
}

// fakeScripts stubs the ScriptRunner surface for scripted tool calls.
type fakeScripts struct {
	out string
	err error
}

func (f *fakeScripts) CallTool(ctx context.Context, thing *models.Thing, cc CallContext, args map[string]any) (string, error) {
	return f.out, f.err
}

func lookBuiltin() *Builtin {
	return &Builtin{
		Name:        "look",
		Description: "describe the room",
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			return "a room", nil
		},
	}
}

func TestRouter_CallRequiresQualifiedName(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	_, err := r.Call(context.Background(), "look", nil, CallContext{})
	if coreerr.KindOf(err) != coreerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRouter_CallBuiltinDispatches(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	r.RegisterBuiltin(lookBuiltin())

	out, err := r.Call(context.Background(), "sshwarma:look", nil, CallContext{RoomID: "r1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "a room" {
		t.Fatalf("out = %q, want %q", out, "a room")
	}
}

func TestRouter_CallBuiltinNotFound(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	_, err := r.Call(context.Background(), "sshwarma:nope", nil, CallContext{})
	if coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRouter_CallRecordsMetricsOutcome(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	r.RegisterBuiltin(lookBuiltin())
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	r.SetMetrics(metrics)

	if _, err := r.Call(context.Background(), "sshwarma:look", nil, CallContext{RoomID: "r1"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := r.Call(context.Background(), "sshwarma:nope", nil, CallContext{}); err == nil {
		t.Fatal("expected error for unknown tool")
	}

	var ok, bad dto.Metric
	if err := metrics.ToolCalls.WithLabelValues("sshwarma:look", "ok").Write(&ok); err != nil {
		t.Fatalf("write ok metric: %v", err)
	}
	if err := metrics.ToolCalls.WithLabelValues("sshwarma:nope", "error").Write(&bad); err != nil {
		t.Fatalf("write error metric: %v", err)
	}
	if ok.GetCounter().GetValue() != 1 {
		t.Errorf("ok count = %v, want 1", ok.GetCounter().GetValue())
	}
	if bad.GetCounter().GetValue() != 1 {
		t.Errorf("error count = %v, want 1", bad.GetCounter().GetValue())
	}
}

func TestRouter_CallBuiltinValidatesSchema(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	r.RegisterBuiltin(&Builtin{
		Name: "go",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"direction": map[string]any{"type": "string"},
			},
			"required": []string{"direction"},
		},
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			return "moved", nil
		},
	})

	_, err := r.Call(context.Background(), "sshwarma:go", map[string]any{}, CallContext{})
	if coreerr.KindOf(err) != coreerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing required field, got %v", err)
	}

	out, err := r.Call(context.Background(), "sshwarma:go", map[string]any{"direction": "north"}, CallContext{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "moved" {
		t.Fatalf("out = %q, want %q", out, "moved")
	}
}

func TestRouter_CallGoHiddenWhenNavigationDisabled(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &models.Room{ID: "r1", Metadata: map[string]any{"navigation_disabled": true}}

	r := NewRouter(nil, store, nil, nil)
	r.RegisterBuiltin(&Builtin{
		Name: "go",
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			return "moved", nil
		},
	})

	_, err := r.Call(context.Background(), "sshwarma:go", nil, CallContext{RoomID: "r1"})
	if coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound for disabled navigation, got %v", err)
	}
}

func TestRouter_CallScriptedToolRequiresEquip(t *testing.T) {
	store := newFakeStore()
	thing := &models.Thing{ID: "t1", Owner: "alice", Name: "greet", Kind: models.ThingTool, Available: true}
	store.addThing(thing)

	scripts := &fakeScripts{out: "hi"}
	r := NewRouter(nil, store, scripts, nil)

	// Not equipped anywhere: falls through to NotFound since mcp is nil.
	_, err := r.Call(context.Background(), "alice:greet", nil, CallContext{RoomID: "r1"})
	if coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound before equip, got %v", err)
	}

	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", ThingID: "t1"})

	out, err := r.Call(context.Background(), "alice:greet", nil, CallContext{RoomID: "r1"})
	if err != nil {
		t.Fatalf("Call after equip: %v", err)
	}
	if out != "hi" {
		t.Fatalf("out = %q, want %q", out, "hi")
	}
}

func TestRouter_CallScriptedWithoutScriptHostIsInternalError(t *testing.T) {
	store := newFakeStore()
	thing := &models.Thing{ID: "t1", Owner: "alice", Name: "greet", Kind: models.ThingTool, Available: true}
	store.addThing(thing)
	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", ThingID: "t1"})

	r := NewRouter(nil, store, nil, nil)
	_, err := r.Call(context.Background(), "alice:greet", nil, CallContext{RoomID: "r1"})
	if coreerr.KindOf(err) != coreerr.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestRouter_CallFallsThroughToMcp(t *testing.T) {
	fm := &fakeMcp{result: &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "from mcp"}}}}
	r := NewRouter(nil, nil, nil, fm)

	out, err := r.Call(context.Background(), "srv:search", nil, CallContext{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "from mcp" {
		t.Fatalf("out = %q, want %q", out, "from mcp")
	}
}

func TestRouter_CallMcpErrorPropagates(t *testing.T) {
	fm := &fakeMcp{err: coreerr.Newf(coreerr.Upstream, "mcp.CallTool", "boom")}
	r := NewRouter(nil, nil, nil, fm)

	_, err := r.Call(context.Background(), "srv:search", nil, CallContext{})
	if coreerr.KindOf(err) != coreerr.Upstream {
		t.Fatalf("expected Upstream, got %v", err)
	}
}

func TestRouter_VisibleForIncludesBuiltinsAndHidesGoWhenDisabled(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &models.Room{ID: "r1", Metadata: map[string]any{"navigation_disabled": true}}

	r := NewRouter(nil, store, nil, nil)
	r.RegisterBuiltin(lookBuiltin())
	r.RegisterBuiltin(&Builtin{Name: "go", Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) { return "", nil }})

	out, err := r.VisibleFor(context.Background(), "r1", "")
	if err != nil {
		t.Fatalf("VisibleFor: %v", err)
	}
	for _, ti := range out {
		if ti.QualifiedName == "sshwarma:go" {
			t.Fatal("expected sshwarma:go to be hidden when navigation disabled")
		}
	}
	found := false
	for _, ti := range out {
		if ti.QualifiedName == "sshwarma:look" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected sshwarma:look to be visible")
	}
}

func TestRouter_VisibleForIncludesEquippedScriptedTools(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &models.Room{ID: "r1"}
	thing := &models.Thing{ID: "t1", Owner: "alice", Name: "greet", Kind: models.ThingTool, Available: true, Body: "does a thing"}
	store.addThing(thing)
	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", ThingID: "t1", Priority: 1})

	r := NewRouter(nil, store, &fakeScripts{}, nil)
	out, err := r.VisibleFor(context.Background(), "r1", "")
	if err != nil {
		t.Fatalf("VisibleFor: %v", err)
	}

	var got *models.ToolInfo
	for i := range out {
		if out[i].QualifiedName == "alice:greet" {
			got = &out[i]
		}
	}
	if got == nil {
		t.Fatal("expected alice:greet to be visible")
	}
	if got.Source != "scripted" {
		t.Fatalf("Source = %q, want scripted", got.Source)
	}
}

func TestRouter_SlottedEquipsDoNotSurfaceToModel(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &models.Room{ID: "r1"}
	thing := &models.Thing{ID: "t1", Owner: "alice", Name: "greet", Kind: models.ThingTool, Available: true, Body: "return 'hi'"}
	store.addThing(thing)
	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", Slot: "command:greet", ThingID: "t1"})

	r := NewRouter(nil, store, &fakeScripts{}, nil)
	out, err := r.VisibleFor(context.Background(), "r1", "")
	if err != nil {
		t.Fatalf("VisibleFor: %v", err)
	}
	for _, ti := range out {
		if ti.QualifiedName == "alice:greet" {
			t.Fatal("command-slot equip should not be model-visible")
		}
	}

	if _, err := r.Call(context.Background(), "alice:greet", nil, CallContext{RoomID: "r1"}); coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound for a slot-only equip, got %v", err)
	}

	// The same thing equipped at the generally-available slot surfaces.
	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", ThingID: "t1"})
	out, err = r.VisibleFor(context.Background(), "r1", "")
	if err != nil {
		t.Fatalf("VisibleFor: %v", err)
	}
	found := false
	for _, ti := range out {
		if ti.QualifiedName == "alice:greet" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected alice:greet visible once equipped at the general slot")
	}
}

func TestRouter_VisibleForSkipsUnavailableOrNonToolThings(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &models.Room{ID: "r1"}
	unavailable := &models.Thing{ID: "t1", Owner: "alice", Name: "broken", Kind: models.ThingTool, Available: false}
	notATool := &models.Thing{ID: "t2", Owner: "alice", Name: "note", Kind: models.ThingData, Available: true}
	store.addThing(unavailable)
	store.addThing(notATool)
	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", ThingID: "t1"})
	store.Equip(context.Background(), &models.Equipment{TargetKind: models.TargetRoom, TargetID: "r1", ThingID: "t2"})

	r := NewRouter(nil, store, &fakeScripts{}, nil)
	out, err := r.VisibleFor(context.Background(), "r1", "")
	if err != nil {
		t.Fatalf("VisibleFor: %v", err)
	}
	for _, ti := range out {
		if ti.QualifiedName == "alice:broken" || ti.QualifiedName == "alice:note" {
			t.Fatalf("unexpected tool visible: %s", ti.QualifiedName)
		}
	}
}

func TestRouter_VisibleForAggregatesMcpTools(t *testing.T) {
	fm := &fakeMcp{tools: []models.ToolInfo{{QualifiedName: "srv:search", Source: "mcp:srv"}}}
	r := NewRouter(nil, nil, nil, fm)

	out, err := r.VisibleFor(context.Background(), "", "")
	if err != nil {
		t.Fatalf("VisibleFor: %v", err)
	}
	if len(out) != 1 || out[0].QualifiedName != "srv:search" {
		t.Fatalf("unexpected tools: %+v", out)
	}
}

func TestRouter_EquipAndUnequip(t *testing.T) {
	store := newFakeStore()
	thing := &models.Thing{ID: "t1", Owner: "alice", Name: "greet", Kind: models.ThingTool, Available: true}
	store.addThing(thing)

	r := NewRouter(nil, store, nil, nil)
	if err := r.Equip(context.Background(), models.TargetRoom, "r1", "slot1", thing, 5, ""); err != nil {
		t.Fatalf("Equip: %v", err)
	}
	eq, _ := store.EquipmentFor(context.Background(), models.TargetRoom, "r1")
	if len(eq) != 1 || eq[0].Priority != 5 {
		t.Fatalf("unexpected equipment: %+v", eq)
	}

	if err := r.Unequip(context.Background(), models.TargetRoom, "r1", "slot1", "t1"); err != nil {
		t.Fatalf("Unequip: %v", err)
	}
	eq, _ = store.EquipmentFor(context.Background(), models.TargetRoom, "r1")
	if len(eq) != 0 {
		t.Fatalf("expected equipment cleared, got %+v", eq)
	}
}

func TestRouter_EquipRequiresStore(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	err := r.Equip(context.Background(), models.TargetRoom, "r1", "", &models.Thing{ID: "t1"}, 0, "")
	if coreerr.KindOf(err) != coreerr.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}
