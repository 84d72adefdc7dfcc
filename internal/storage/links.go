package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
)

// links inserts the planned event link edges.
//
// Stored endpoints must exist (UndefinedEventLink). Edges touching an event of
// the operation that a priority policy dropped are skipped.
func (w *operationTx) links(ctx context.Context) error {
	if len(w.op.Links) == 0 {
		return nil
	}

	if err := w.checkStoredEndpoints(ctx); err != nil {
		return err
	}

	inserted, skipped := 0, 0

	for _, edge := range w.op.Links {
		from, okFrom := w.endpoint(edge.From)
		to, okTo := w.endpoint(edge.To)

		if !okFrom || !okTo {
			skipped++

			continue
		}

		if _, err := w.tx.ExecContext(ctx, `
			INSERT INTO event_links (event_uuid_link, name, event_uuid)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			to, edge.Name, from,
		); err != nil {
			return fmt.Errorf("insert event link %q: %w", edge.Name, err)
		}

		inserted++
	}

	if skipped > 0 {
		w.store.logger.Info("Skipped links of discarded events",
			slog.String("source", w.op.Source.Name),
			slog.Int("skipped", skipped),
		)
	}

	w.store.logger.Debug("Event links stored", slog.Int("links", inserted))

	return nil
}

func (w *operationTx) endpoint(ep engine.Endpoint) (uuid.UUID, bool) {
	if !ep.InBatch() {
		return ep.ID, true
	}

	id, ok := w.outcome.EventIDs[ep.Index]

	return id, ok
}

func (w *operationTx) checkStoredEndpoints(ctx context.Context) error {
	seen := make(map[uuid.UUID]bool)

	var ids []string

	for _, edge := range w.op.Links {
		for _, ep := range []engine.Endpoint{edge.From, edge.To} {
			if ep.InBatch() || seen[ep.ID] {
				continue
			}

			seen[ep.ID] = true
			ids = append(ids, ep.ID.String())
		}
	}

	if len(ids) == 0 {
		return nil
	}

	rows, err := w.tx.QueryContext(ctx, "SELECT event_uuid FROM events WHERE event_uuid = ANY($1)", pq.Array(ids))
	if err != nil {
		return fmt.Errorf("check link targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := make(map[uuid.UUID]bool, len(ids))

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan link target: %w", err)
		}

		found[id] = true
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate link targets: %w", err)
	}

	for _, id := range ids {
		if !found[uuid.MustParse(id)] {
			return faults.New(faults.UndefinedEventLink, "linked event does not exist").
				With("event_uuid", id)
		}
	}

	return nil
}
