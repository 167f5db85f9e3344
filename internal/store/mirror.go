package store

import (
	"context"
	"fmt"
)

// rotationMirror decorates a Store so rotations of one identity are also
// written back to the credentials file it was seeded from.
type rotationMirror struct {
	Store
	id   int64
	save func(Rotation) error
}

// MirrorRotations wraps st so every UpdateTokenCredentials for id also
// invokes save after the store write. Rotations persist to the store first;
// a save failure surfaces to the caller, which keeps its in-memory state
// untouched and retries on the next refresh.
func MirrorRotations(st Store, id int64, save func(Rotation) error) Store {
	return &rotationMirror{Store: st, id: id, save: save}
}

func (m *rotationMirror) UpdateTokenCredentials(ctx context.Context, id int64, rot Rotation) error {
	if err := m.Store.UpdateTokenCredentials(ctx, id, rot); err != nil {
		return err
	}
	if id != m.id {
		return nil
	}
	if err := m.save(rot); err != nil {
		return fmt.Errorf("mirror rotation for token %d: %w", id, err)
	}
	return nil
}
