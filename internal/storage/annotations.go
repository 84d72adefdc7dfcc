package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/policy"
)

type annotationKey struct {
	config      uuid.UUID
	explicitRef uuid.UUID
}

// annotations creates the annotation configurations and inserts the annotations
// and their values.
//
// INSERT_and_ERASE supersedes the ACTIVE annotations sharing configuration and
// explicit reference. The priority variant only supersedes annotations of
// sources the incoming priority beats; a stronger one keeps its place and the
// incoming annotation is dropped.
func (w *operationTx) annotations(ctx context.Context) error {
	if len(w.op.Annotations) == 0 {
		return nil
	}

	configIDs, err := w.annotationConfigs(ctx)
	if err != nil {
		return err
	}

	keyOf := func(a engine.Annotation) annotationKey {
		return annotationKey{
			config:      configIDs[policy.GaugeKey{Name: a.Config.Name, System: a.Config.System}],
			explicitRef: w.refs[a.ExplicitRef],
		}
	}

	dropped := make(map[annotationKey]bool)
	erased := make(map[annotationKey]bool)

	for _, a := range w.op.Annotations {
		it := a.Config.InsertionType
		if !it.ErasesSourceWindow() {
			continue
		}

		key := keyOf(a)
		if erased[key] {
			continue
		}

		erased[key] = true

		kept, err := w.eraseAnnotations(ctx, key, it == engine.InsertAndEraseWithPriority)
		if err != nil {
			return err
		}

		dropped[key] = !kept
	}

	var trees []ownedRows

	for _, a := range w.op.Annotations {
		key := keyOf(a)

		if dropped[key] {
			w.outcome.Discarded++

			continue
		}

		id := uuid.New()

		_, err := w.tx.ExecContext(ctx, `
			INSERT INTO annotations (
				annotation_uuid, annotation_cnf_uuid, explicit_ref_uuid, source_uuid, insertion_type
			) VALUES ($1, $2, $3, $4, $5)`,
			id, key.config, key.explicitRef, w.sourceID, string(a.Config.InsertionType),
		)
		if err != nil {
			return fmt.Errorf("insert annotation %d: %w", a.Index, err)
		}

		w.outcome.AnnotationIDs[a.Index] = id
		trees = append(trees, ownedRows{owner: id, rows: a.Values})
	}

	if _, err := copyValues(ctx, w.tx, "annotation_values", "annotation_uuid", trees); err != nil {
		return err
	}

	return nil
}

// annotationConfigs creates the configurations in (name, system) order.
func (w *operationTx) annotationConfigs(ctx context.Context) (map[policy.GaugeKey]uuid.UUID, error) {
	descriptions := make(map[policy.GaugeKey]string)

	for _, a := range w.op.Annotations {
		key := policy.GaugeKey{Name: a.Config.Name, System: a.Config.System}
		if _, ok := descriptions[key]; !ok {
			descriptions[key] = a.Config.Description
		}
	}

	keys := make([]policy.GaugeKey, 0, len(descriptions))
	for k := range descriptions {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}

		return keys[i].System < keys[j].System
	})

	ids := make(map[policy.GaugeKey]uuid.UUID, len(keys))

	for _, k := range keys {
		id, _, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
			table:      "annotation_cnfs",
			idColumn:   "annotation_cnf_uuid",
			keyColumns: []string{"name", "system", "dim_signature_uuid"},
			keyValues:  []any{k.Name, k.System, w.dimID},
			columns:    []string{"description"},
			values:     []any{nullString(descriptions[k])},
		})
		if err != nil {
			return nil, err
		}

		ids[k] = id
	}

	return ids, nil
}

// eraseAnnotations supersedes the ACTIVE annotations of key. With priority, it
// returns kept=false without superseding anything when a stored annotation
// comes from a stronger source.
func (w *operationTx) eraseAnnotations(ctx context.Context, key annotationKey, withPriority bool) (bool, error) {
	rows, err := w.tx.QueryContext(ctx, `
		SELECT a.annotation_uuid, s.priority
		FROM annotations a
		JOIN sources s ON s.source_uuid = a.source_uuid
		WHERE a.annotation_cnf_uuid = $1 AND a.explicit_ref_uuid = $2 AND a.status = 'ACTIVE'
		FOR UPDATE OF a`,
		key.config, key.explicitRef)
	if err != nil {
		return false, fmt.Errorf("select stored annotations: %w", err)
	}

	var ids []uuid.UUID

	incoming := w.op.Source.PriorityValue()
	stronger := false

	for rows.Next() {
		var (
			id       uuid.UUID
			priority sql.NullInt64
		)

		if err := rows.Scan(&id, &priority); err != nil {
			_ = rows.Close()

			return false, fmt.Errorf("scan stored annotation: %w", err)
		}

		if withPriority && priority.Valid && !policy.Supersedes(incoming, int(priority.Int64)) {
			stronger = true
		}

		ids = append(ids, id)
	}

	_ = rows.Close()

	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate stored annotations: %w", err)
	}

	if stronger {
		w.store.logger.Info("Annotation kept by stronger source",
			slog.String("annotation_cnf_uuid", key.config.String()),
			slog.String("explicit_ref_uuid", key.explicitRef.String()),
		)

		return false, nil
	}

	for _, id := range ids {
		if _, err := w.tx.ExecContext(ctx,
			"UPDATE annotations SET status = 'SUPERSEDED' WHERE annotation_uuid = $1", id,
		); err != nil {
			return false, fmt.Errorf("supersede annotation: %w", err)
		}
	}

	w.superseded("annotation erase", len(ids))

	return true, nil
}
