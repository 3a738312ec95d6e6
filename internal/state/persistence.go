package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/database"
)

// SQLRepository persists entities to the snapshot database. State and
// attributes are stored as JSON text; timestamps as RFC 3339 with
// nanoseconds so no precision is lost round-tripping.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository wraps an open snapshot database.
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// SaveEntity upserts one entity row.
func (r *SQLRepository) SaveEntity(ctx context.Context, ns string, e *Entity) error {
	stateJSON, attrJSON, err := encodeEntity(e)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities (namespace, entity_id, state, attributes, last_changed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, entity_id) DO UPDATE SET
			state = excluded.state,
			attributes = excluded.attributes,
			last_changed = excluded.last_changed`,
		ns, e.EntityID, stateJSON, attrJSON, e.LastChanged.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving entity %s.%s: %w", ns, e.EntityID, err)
	}
	return nil
}

// SaveNamespace replaces all rows for a namespace with the given set,
// in one transaction so a crash mid-save never leaves a partial
// snapshot.
func (r *SQLRepository) SaveNamespace(ctx context.Context, ns string, entities []*Entity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE namespace = ?`, ns); err != nil {
		return fmt.Errorf("clearing namespace %s: %w", ns, err)
	}
	for _, e := range entities {
		stateJSON, attrJSON, err := encodeEntity(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (namespace, entity_id, state, attributes, last_changed)
			VALUES (?, ?, ?, ?, ?)`,
			ns, e.EntityID, stateJSON, attrJSON, e.LastChanged.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("saving entity %s.%s: %w", ns, e.EntityID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing namespace %s: %w", ns, err)
	}
	return nil
}

// LoadNamespace returns all persisted entities for a namespace.
func (r *SQLRepository) LoadNamespace(ctx context.Context, ns string) ([]*Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, state, attributes, last_changed
		FROM entities WHERE namespace = ?`, ns)
	if err != nil {
		return nil, fmt.Errorf("loading namespace %s: %w", ns, err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var (
			entityID    string
			stateJSON   string
			attrJSON    string
			lastChanged string
		)
		if err := rows.Scan(&entityID, &stateJSON, &attrJSON, &lastChanged); err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		e, err := decodeEntity(entityID, stateJSON, attrJSON, lastChanged)
		if err != nil {
			return nil, fmt.Errorf("decoding entity %s.%s: %w", ns, entityID, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespace %s: %w", ns, err)
	}
	return entities, nil
}

// DeleteEntity removes one persisted row. Missing rows are not an
// error.
func (r *SQLRepository) DeleteEntity(ctx context.Context, ns, entityID string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM entities WHERE namespace = ? AND entity_id = ?`, ns, entityID); err != nil {
		return fmt.Errorf("deleting entity %s.%s: %w", ns, entityID, err)
	}
	return nil
}

// DeleteNamespace removes all persisted rows for a namespace.
func (r *SQLRepository) DeleteNamespace(ctx context.Context, ns string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE namespace = ?`, ns); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", ns, err)
	}
	return nil
}

func encodeEntity(e *Entity) (stateJSON, attrJSON string, err error) {
	sb, err := json.Marshal(e.State)
	if err != nil {
		return "", "", fmt.Errorf("encoding state for %s: %w", e.EntityID, err)
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	ab, err := json.Marshal(attrs)
	if err != nil {
		return "", "", fmt.Errorf("encoding attributes for %s: %w", e.EntityID, err)
	}
	return string(sb), string(ab), nil
}

func decodeEntity(entityID, stateJSON, attrJSON, lastChanged string) (*Entity, error) {
	e := &Entity{EntityID: entityID}
	if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if err := json.Unmarshal([]byte(attrJSON), &e.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	ts, err := time.Parse(time.RFC3339Nano, lastChanged)
	if err != nil {
		return nil, fmt.Errorf("decoding last_changed: %w", err)
	}
	e.LastChanged = ts
	return e, nil
}

var _ Repository = (*SQLRepository)(nil)
