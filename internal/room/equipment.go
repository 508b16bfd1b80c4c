package room

import (
	"context"

	"github.com/google/uuid"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// EquipmentFor lists every equipment binding for one (target_kind,
// target_id) pair.
func (s *Store) EquipmentFor(ctx context.Context, targetKind models.EquipTargetKind, targetID string) ([]*models.Equipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_kind, target_id, slot, thing_id, priority, config
		FROM equipment WHERE target_kind = ? AND target_id = ?`, string(targetKind), targetID)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.EquipmentFor", err)
	}
	defer rows.Close()

	var out []*models.Equipment
	for rows.Next() {
		var e models.Equipment
		var targetKindStr string
		if err := rows.Scan(&e.ID, &targetKindStr, &e.TargetID, &e.Slot, &e.ThingID, &e.Priority, &e.Config); err != nil {
			return nil, coreerr.New(coreerr.Storage, "room.EquipmentFor", err)
		}
		e.TargetKind = models.EquipTargetKind(targetKindStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Equip binds a Thing to (target, slot) with priority and config. The
// (target_kind, target_id, slot, thing_id) unique constraint makes a
// duplicate equip a no-op replace rather than an error.
func (s *Store) Equip(ctx context.Context, eq *models.Equipment) error {
	if eq.ID == "" {
		eq.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equipment (id, target_kind, target_id, slot, thing_id, priority, config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_kind, target_id, slot, thing_id) DO UPDATE SET priority = excluded.priority, config = excluded.config`,
		eq.ID, string(eq.TargetKind), eq.TargetID, eq.Slot, eq.ThingID, eq.Priority, eq.Config,
	)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.Equip", err)
	}
	return nil
}

// Unequip removes one (target, slot, thing) binding, restoring the
// equipment set to what it was before the matching Equip.
func (s *Store) Unequip(ctx context.Context, targetKind models.EquipTargetKind, targetID, slot, thingID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM equipment WHERE target_kind = ? AND target_id = ? AND slot = ? AND thing_id = ?`,
		string(targetKind), targetID, slot, thingID,
	)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.Unequip", err)
	}
	return nil
}
