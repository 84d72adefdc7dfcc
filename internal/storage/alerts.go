package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
)

// alertTable describes the alert table of one entity type.
type alertTable struct {
	table        string
	idColumn     string
	entityTable  string
	entityColumn string
}

var alertTables = map[engine.EntityType]alertTable{
	engine.EntityEvent:       {"event_alerts", "event_alert_uuid", "events", "event_uuid"},
	engine.EntityAnnotation:  {"annotation_alerts", "annotation_alert_uuid", "annotations", "annotation_uuid"},
	engine.EntitySource:      {"source_alerts", "source_alert_uuid", "sources", "source_uuid"},
	engine.EntityExplicitRef: {"explicit_ref_alerts", "explicit_ref_alert_uuid", "explicit_refs", "explicit_ref_uuid"},
}

// alerts creates alert groups and configurations and attaches every alert to
// its entity.
func (w *operationTx) alerts(ctx context.Context) error {
	if len(w.op.Alerts) == 0 {
		return nil
	}

	configIDs, err := w.alertConfigs(ctx)
	if err != nil {
		return err
	}

	for i, a := range w.op.Alerts {
		t, ok := alertTables[a.Entity.Type]
		if !ok {
			return faults.Newf(faults.UndefinedEntityReference, "unknown alert entity type %q", a.Entity.Type)
		}

		entityID, err := w.alertEntity(ctx, a.Entity, t)
		if err != nil {
			return err
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (%s, message, generator, notification_time, alert_uuid, %s)
			VALUES ($1, $2, $3, $4, $5, $6)`, t.table, t.idColumn, t.entityColumn)

		if _, err := w.tx.ExecContext(ctx, query,
			uuid.New(), a.Message, a.Generator, a.NotificationTime.UTC(), configIDs[a.Config.Name], entityID,
		); err != nil {
			return fmt.Errorf("insert alert %d: %w", i, err)
		}
	}

	w.store.logger.Debug("Alerts stored", slog.Int("alerts", len(w.op.Alerts)))

	return nil
}

// alertConfigs creates alert groups then alert configurations, both in name order.
func (w *operationTx) alertConfigs(ctx context.Context) (map[string]uuid.UUID, error) {
	configs := make(map[string]engine.AlertConfig)
	groups := make(map[string]string)

	for _, a := range w.op.Alerts {
		if _, ok := configs[a.Config.Name]; !ok {
			configs[a.Config.Name] = a.Config
			groups[a.Config.Name] = a.Config.Group
		}
	}

	groupIDs := make(map[string]uuid.UUID)

	for _, name := range sortedValues(groups) {
		id, _, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
			table:      "alert_groups",
			idColumn:   "alert_group_uuid",
			keyColumns: []string{"name"},
			keyValues:  []any{name},
		})
		if err != nil {
			return nil, err
		}

		groupIDs[name] = id
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}

	sort.Strings(names)

	ids := make(map[string]uuid.UUID, len(names))

	for _, name := range names {
		c := configs[name]

		id, _, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
			table:      "alerts",
			idColumn:   "alert_uuid",
			keyColumns: []string{"name"},
			keyValues:  []any{name},
			columns:    []string{"severity", "description", "alert_group_uuid"},
			values:     []any{int(c.Severity), nullString(c.Description), groupIDs[c.Group]},
		})
		if err != nil {
			return nil, err
		}

		ids[name] = id
	}

	return ids, nil
}

// alertEntity resolves the entity an alert is attached to.
//
// by_ref resolves an event link reference of the operation, the source name or
// an explicit reference name. by_uuid must name a stored entity.
func (w *operationTx) alertEntity(ctx context.Context, entity engine.AlertEntity, t alertTable) (uuid.UUID, error) {
	undefined := func() error {
		return faults.New(faults.UndefinedEntityReference, "alert entity cannot be resolved").
			With("entity", string(entity.Type)).
			With("reference", entity.Reference)
	}

	if entity.Mode == engine.ByUUID {
		id, err := uuid.Parse(entity.Reference)
		if err != nil {
			return uuid.Nil, undefined()
		}

		if id == w.sourceID && entity.Type == engine.EntitySource {
			return id, nil
		}

		var found uuid.UUID

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", t.entityColumn, t.entityTable, t.entityColumn)

		err = w.tx.QueryRowContext(ctx, query, id).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, undefined()
		}

		if err != nil {
			return uuid.Nil, fmt.Errorf("lookup alert entity: %w", err)
		}

		return found, nil
	}

	switch entity.Type {
	case engine.EntityEvent:
		for _, e := range w.op.Events {
			if e.LinkRef != "" && e.LinkRef == entity.Reference {
				if id, ok := w.outcome.EventIDs[e.Index]; ok {
					return id, nil
				}
			}
		}
	case engine.EntitySource:
		if entity.Reference == w.op.Source.Name {
			return w.sourceID, nil
		}

		var id uuid.UUID

		err := w.tx.QueryRowContext(ctx,
			"SELECT source_uuid FROM sources WHERE name = $1 AND dim_signature_uuid = $2",
			entity.Reference, w.dimID,
		).Scan(&id)
		if err == nil {
			return id, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("lookup alert source: %w", err)
		}
	case engine.EntityExplicitRef:
		if id, ok := w.refs[entity.Reference]; ok {
			return id, nil
		}
	}

	return uuid.Nil, undefined()
}

// SolveAlert marks an alert solved with a justification.
// Returns ErrAlertNotFound if no alert of the entity type has the identifier.
func (s *IngestionStore) SolveAlert(ctx context.Context, entity engine.EntityType, alertID uuid.UUID, justification string) error {
	t, ok := alertTables[entity]
	if !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrAlertNotFound, entity)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET solved = TRUE, solved_time = (NOW() AT TIME ZONE 'UTC'), justification = $2
		WHERE %s = $1`, t.table, t.idColumn)

	res, err := s.conn.ExecContext(ctx, query, alertID, nullString(justification))
	if err != nil {
		return storageFailure(err, "failed to solve alert")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}

	s.logger.Info("Alert solved",
		slog.String("entity", string(entity)),
		slog.String("alert_uuid", alertID.String()),
	)

	return nil
}

// MarkAlertNotified records whether an alert notification was delivered.
func (s *IngestionStore) MarkAlertNotified(ctx context.Context, entity engine.EntityType, alertID uuid.UUID, notified bool) error {
	t, ok := alertTables[entity]
	if !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrAlertNotFound, entity)
	}

	res, err := s.conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET notified = $2 WHERE %s = $1", t.table, t.idColumn),
		alertID, notified)
	if err != nil {
		return storageFailure(err, "failed to mark alert notified")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}

	return nil
}
