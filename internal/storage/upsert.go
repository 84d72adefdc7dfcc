package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// upsertTarget describes a shared configuration row identified by a natural key.
type upsertTarget struct {
	table    string
	idColumn string

	// keyColumns and keyValues form the natural key guarded by a unique constraint.
	keyColumns []string
	keyValues  []any

	// columns and values are only written when the row is created.
	columns []string
	values  []any
}

// getOrCreate returns the identifier of the row with the given natural key,
// creating it when missing.
//
// The insert is attempted first inside a savepoint. A unique_violation means a
// concurrent operation committed the same key: only the savepoint is rolled
// back and the row is read back, so the enclosing transaction survives the
// race. Any other failure is returned as is.
//
// Returns the identifier and whether this call created the row.
func (s *IngestionStore) getOrCreate(ctx context.Context, tx *sql.Tx, target upsertTarget) (uuid.UUID, bool, error) {
	s.checkpoint(ctx, "upsert:"+target.table)

	if _, err := tx.ExecContext(ctx, "SAVEPOINT get_or_create"); err != nil {
		return uuid.Nil, false, fmt.Errorf("savepoint for %s: %w", target.table, err)
	}

	id := uuid.New()

	columns := append([]string{target.idColumn}, target.keyColumns...)
	columns = append(columns, target.columns...)

	args := append([]any{id}, target.keyValues...)
	args = append(args, target.values...)

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		target.table, strings.Join(columns, ", "), placeholders(1, len(args)))

	_, err := tx.ExecContext(ctx, insert, args...)
	if err == nil {
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT get_or_create"); err != nil {
			return uuid.Nil, false, fmt.Errorf("release savepoint for %s: %w", target.table, err)
		}

		return id, true, nil
	}

	if !isUniqueViolation(err) {
		return uuid.Nil, false, fmt.Errorf("insert into %s: %w", target.table, err)
	}

	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT get_or_create"); err != nil {
		return uuid.Nil, false, fmt.Errorf("rollback to savepoint for %s: %w", target.table, err)
	}

	conds := make([]string, len(target.keyColumns))
	for i, c := range target.keyColumns {
		conds[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}

	lookup := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		target.idColumn, target.table, strings.Join(conds, " AND "))

	if err := tx.QueryRowContext(ctx, lookup, target.keyValues...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, fmt.Errorf("%s row vanished after unique violation: %w", target.table, err)
		}

		return uuid.Nil, false, fmt.Errorf("lookup %s: %w", target.table, err)
	}

	s.logger.Debug("Recovered from concurrent insert",
		slog.String("table", target.table),
		slog.Any("key", target.keyValues),
	)

	return id, false, nil
}

// placeholders returns "$from, $from+1, ..." for n parameters.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}

	return strings.Join(parts, ", ")
}
