package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/valuetree"
)

var valueColumns = []string{
	"name", "value_type", "value", "value_double", "value_boolean",
	"value_timestamp", "value_geometry", "position", "parent_level", "parent_position",
}

// ownedRows is the value tree of one event or annotation.
type ownedRows struct {
	owner uuid.UUID
	rows  []valuetree.Row
}

// copyValues bulk loads value rows with COPY. table is event_values or
// annotation_values and ownerColumn its owner key.
func copyValues(ctx context.Context, tx *sql.Tx, table, ownerColumn string, trees []ownedRows) (int, error) {
	total := 0
	for _, t := range trees {
		total += len(t.rows)
	}

	if total == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, append([]string{ownerColumn}, valueColumns...)...))
	if err != nil {
		return 0, fmt.Errorf("prepare copy into %s: %w", table, err)
	}

	for _, t := range trees {
		for _, r := range t.rows {
			if _, err := stmt.ExecContext(ctx, valueArgs(t.owner, r)...); err != nil {
				_ = stmt.Close()

				return 0, fmt.Errorf("copy into %s: %w", table, err)
			}
		}
	}

	// The final Exec flushes the buffered rows.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return 0, fmt.Errorf("flush copy into %s: %w", table, err)
	}

	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy into %s: %w", table, err)
	}

	return total, nil
}

func valueArgs(owner uuid.UUID, r valuetree.Row) []any {
	var (
		double    sql.NullFloat64
		boolean   sql.NullBool
		timestamp sql.NullTime
		geometry  sql.NullString
		value     sql.NullString
	)

	switch r.Type {
	case valuetree.TypeDouble:
		double = sql.NullFloat64{Float64: r.Double, Valid: true}
	case valuetree.TypeBoolean:
		boolean = sql.NullBool{Bool: r.Boolean, Valid: true}
	case valuetree.TypeTimestamp:
		timestamp = sql.NullTime{Time: r.Timestamp.UTC(), Valid: true}
	case valuetree.TypeGeometry:
		geometry = sql.NullString{String: r.Geometry, Valid: true}
	}

	if r.Type != valuetree.TypeObject {
		value = sql.NullString{String: r.Value, Valid: true}
	}

	return []any{
		owner.String(), r.Name, string(r.Type), value, double, boolean,
		timestamp, geometry, r.Position, r.ParentLevel, r.ParentPosition,
	}
}

// InsertEventValues implements engine.Store interface.
//
// The event row is locked so concurrent appends to the same event are
// serialized, then the new rows are shifted past the existing tree and copied.
func (s *IngestionStore) InsertEventValues(ctx context.Context, eventID uuid.UUID, rows []valuetree.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageFailure(err, "failed to begin transaction")
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var locked uuid.UUID

	err = tx.QueryRowContext(ctx,
		"SELECT event_uuid FROM events WHERE event_uuid = $1 FOR UPDATE", eventID,
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return faults.New(faults.UndefinedEntityReference, "event does not exist").
			With("event_uuid", eventID.String())
	}

	if err != nil {
		return storageFailure(err, "failed to lock event")
	}

	existing, err := levelCounts(ctx, tx, "event_values", "event_uuid", eventID)
	if err != nil {
		return storageFailure(err, "failed to count stored values")
	}

	shifted := valuetree.Shift(rows, existing)

	n, err := copyValues(ctx, tx, "event_values", "event_uuid", []ownedRows{{owner: eventID, rows: shifted}})
	if err != nil {
		return storageFailure(err, "failed to insert values")
	}

	if err := tx.Commit(); err != nil {
		return storageFailure(err, "failed to commit values")
	}

	s.logger.Info("Appended event values",
		slog.String("event_uuid", eventID.String()),
		slog.Int("rows", n),
	)

	return nil
}

// levelCounts returns the number of stored value nodes per depth of an owner.
func levelCounts(ctx context.Context, tx *sql.Tx, table, ownerColumn string, owner uuid.UUID) (map[int]int, error) {
	query := fmt.Sprintf(
		"SELECT parent_level + 1, COUNT(*) FROM %s WHERE %s = $1 GROUP BY parent_level",
		table, ownerColumn)

	rows, err := tx.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[int]int)

	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}

		counts[level] = n
	}

	return counts, rows.Err()
}

// loadValues reads and rebuilds the value tree of an owner.
func loadValues(ctx context.Context, q querier, table, ownerColumn string, owner uuid.UUID) ([]valuetree.Node, error) {
	query := fmt.Sprintf(`
		SELECT name, value_type, COALESCE(value, ''), position, parent_level, parent_position
		FROM %s WHERE %s = $1`, table, ownerColumn)

	rows, err := q.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var flat []valuetree.Row

	for rows.Next() {
		var r valuetree.Row
		if err := rows.Scan(&r.Name, &r.Type, &r.Value, &r.Position, &r.ParentLevel, &r.ParentPosition); err != nil {
			return nil, err
		}

		flat = append(flat, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return valuetree.Rebuild(flat)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
