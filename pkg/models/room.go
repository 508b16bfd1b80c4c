package models

import "time"

// Room is the identity of a collaborative place. Exactly one Buffer is
// owned per Room (enforced by the room store, not by this struct).
type Room struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Vibe        string         `json:"vibe,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NavigationDisabled reports whether this room has opted out of the
// sshwarma:go built-in.
func (r *Room) NavigationDisabled() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	v, _ := r.Metadata["navigation_disabled"].(bool)
	return v
}

// Exit is a directed edge from one room to another, keyed by direction.
// Exits are stored in their own table and never followed as owning
// references, so cycles between rooms are unremarkable.
type Exit struct {
	FromRoomID string `json:"from_room_id"`
	ToRoomID   string `json:"to_room_id"`
	Direction  string `json:"direction"`
}

// ThingKind is the closed set of Thing kinds.
type ThingKind string

const (
	ThingData      ThingKind = "data"
	ThingContainer ThingKind = "container"
	ThingTool      ThingKind = "tool"
)

// Thing is a uniformly-shaped entity representing an artifact, a tool
// binding, a container, or an executable script, addressable by qualified
// name (owner:name).
type Thing struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	Kind         ThingKind `json:"kind"`
	ParentID     string    `json:"parent_id,omitempty"`
	Body         string    `json:"body,omitempty"`
	Available    bool      `json:"available"`
	DefaultSlot  string    `json:"default_slot,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QualifiedName returns the thing's owner:name address.
func (t *Thing) QualifiedName() string {
	return t.Owner + ":" + t.Name
}

// EquipTargetKind is the closed set of equipment target kinds.
type EquipTargetKind string

const (
	TargetRoom  EquipTargetKind = "room"
	TargetAgent EquipTargetKind = "agent"
	TargetUser  EquipTargetKind = "user"
)

// Equipment is a (target, slot, thing) binding with a priority and
// optional JSON config. (target_kind, target_id, slot, thing_id) is
// unique per equip.
type Equipment struct {
	ID         string          `json:"id"`
	TargetKind EquipTargetKind `json:"target_kind"`
	TargetID   string          `json:"target_id"`
	Slot       string          `json:"slot,omitempty"`
	ThingID    string          `json:"thing_id"`
	Priority   int             `json:"priority"`
	Config     string          `json:"config,omitempty"` // opaque JSON
}

// Agent is an LLM participant.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Backend       string         `json:"backend"`
	ContextWindow int            `json:"context_window"`
	Config        map[string]any `json:"config,omitempty"`
}

// User is a human participant's identity as seen by the core; the
// authentication mechanism itself is out of scope.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
