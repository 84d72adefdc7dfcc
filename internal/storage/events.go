package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/policy"
	"github.com/eboa-io/eboa/internal/timeline"
)

// events applies the insertion policies gauge by gauge and inserts the events
// and their values.
//
// Per gauge, every supersession runs before the first insert so events of the
// operation never supersede each other.
func (w *operationTx) events(ctx context.Context) error {
	var trees []ownedRows

	for _, g := range policy.GroupByGauge(w.op.Events) {
		gaugeID, _, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
			table:      "gauges",
			idColumn:   "gauge_uuid",
			keyColumns: []string{"name", "system", "dim_signature_uuid"},
			keyValues:  []any{g.Gauge.Name, g.Gauge.System, w.dimID},
		})
		if err != nil {
			return err
		}

		if locksGauge(g.Events) {
			w.store.checkpoint(ctx, "events:gauge_lock")

			if err := w.lockGauge(ctx, gaugeID); err != nil {
				return err
			}
		}

		pending, err := w.eraseWindows(ctx, gaugeID, g.Events)
		if err != nil {
			return err
		}

		counters := counterState{gauge: gaugeID}

		for _, e := range pending {
			var (
				id      uuid.UUID
				counter sql.NullInt64
				kept    = true
			)

			switch it := e.Gauge.InsertionType; {
			case it.UsesKeys():
				id, kept, err = w.insertKeyed(ctx, gaugeID, e)
			case it == engine.SetCounter:
				counter = counters.set()
				id, err = w.insertEvent(ctx, gaugeID, e, counter)
			case it == engine.UpdateCounter:
				counter, err = counters.next(ctx, w, g.Gauge)
				if err == nil {
					id, err = w.insertEvent(ctx, gaugeID, e, counter)
				}
			default:
				id, err = w.insertEvent(ctx, gaugeID, e, counter)
			}

			if err != nil {
				return err
			}

			if !kept {
				w.outcome.Discarded++

				continue
			}

			if _, seen := w.outcome.EventIDs[e.Index]; !seen {
				w.outcome.EventIDs[e.Index] = id
			}

			trees = append(trees, ownedRows{owner: id, rows: e.Values})
		}

		w.store.logger.Debug("Gauge applied",
			slog.String("gauge", g.Gauge.Name),
			slog.String("system", g.Gauge.System),
			slog.Int("incoming", len(g.Events)),
			slog.Int("inserted", len(pending)),
		)
	}

	if _, err := copyValues(ctx, w.tx, "event_values", "event_uuid", trees); err != nil {
		return err
	}

	return nil
}

func locksGauge(events []engine.Event) bool {
	for _, e := range events {
		if e.Gauge.InsertionType.LocksGauge() {
			return true
		}
	}

	return false
}

// lockGauge serializes window and counter policies of concurrent operations on
// the same gauge until the enclosing transaction ends.
func (w *operationTx) lockGauge(ctx context.Context, gaugeID uuid.UUID) error {
	var id uuid.UUID

	err := w.tx.QueryRowContext(ctx,
		"SELECT gauge_uuid FROM gauges WHERE gauge_uuid = $1 FOR UPDATE", gaugeID,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("lock gauge: %w", err)
	}

	return nil
}

// eraseWindows applies the window policies of a gauge and returns the events
// left to insert, in operation order. Priority policies may cut an event into
// fragments or drop it entirely.
func (w *operationTx) eraseWindows(ctx context.Context, gaugeID uuid.UUID, events []engine.Event) ([]engine.Event, error) {
	src := w.op.Source
	incoming := src.PriorityValue()

	var sourceWindow, sourceWindowPriority bool

	for _, e := range events {
		switch e.Gauge.InsertionType {
		case engine.InsertAndErase:
			sourceWindow = true
		case engine.InsertAndEraseWithPriority:
			sourceWindowPriority = true
		}
	}

	if sourceWindow {
		if err := w.eraseWindow(ctx, gaugeID, src.ValidityStart, src.ValidityStop); err != nil {
			return nil, err
		}
	}

	var strongerInSource []timeline.Segment

	if sourceWindowPriority {
		var err error

		strongerInSource, err = w.competeInWindow(ctx, gaugeID, incoming, src.ValidityStart, src.ValidityStop)
		if err != nil {
			return nil, err
		}
	}

	strongerPerEvent := make(map[int][]timeline.Segment)

	for _, e := range events {
		switch e.Gauge.InsertionType {
		case engine.InsertAndErasePerEvent:
			if err := w.eraseWindow(ctx, gaugeID, e.Start, e.Stop); err != nil {
				return nil, err
			}
		case engine.InsertAndErasePerEventWithPriority:
			stronger, err := w.competeInWindow(ctx, gaugeID, incoming, e.Start, e.Stop)
			if err != nil {
				return nil, err
			}

			strongerPerEvent[e.Index] = stronger
		}
	}

	pending := make([]engine.Event, 0, len(events))

	for _, e := range events {
		var fragments []engine.Event

		switch e.Gauge.InsertionType {
		case engine.InsertAndEraseWithPriority:
			fragments = policy.ResolvePriority(e, strongerInSource)
		case engine.InsertAndErasePerEventWithPriority:
			fragments = policy.ResolvePriority(e, strongerPerEvent[e.Index])
		default:
			fragments = []engine.Event{e}
		}

		if len(fragments) == 0 {
			w.outcome.Discarded++

			w.store.logger.Info("Event covered by stronger stored events",
				slog.Int("event_index", e.Index),
				slog.String("gauge", e.Gauge.Name),
			)

			continue
		}

		pending = append(pending, fragments...)
	}

	return pending, nil
}

// eraseWindow supersedes every ACTIVE event of the gauge intersecting [start, stop).
func (w *operationTx) eraseWindow(ctx context.Context, gaugeID uuid.UUID, start, stop time.Time) error {
	n, err := w.exec(ctx, `
		UPDATE events SET status = 'SUPERSEDED'
		WHERE gauge_uuid = $1 AND status = 'ACTIVE' AND start < $3 AND stop > $2`,
		gaugeID, start.UTC(), stop.UTC())
	if err != nil {
		return fmt.Errorf("erase window: %w", err)
	}

	w.superseded("window erase", n)

	return nil
}

// competeInWindow supersedes the ACTIVE events of the gauge intersecting
// [start, stop) whose source priority the incoming priority beats, and returns
// the intervals of the stronger ones. Events of sources without priority are
// always beaten.
func (w *operationTx) competeInWindow(
	ctx context.Context,
	gaugeID uuid.UUID,
	incoming int,
	start, stop time.Time,
) ([]timeline.Segment, error) {
	rows, err := w.tx.QueryContext(ctx, `
		SELECT e.event_uuid, e.start, e.stop, s.priority
		FROM events e
		JOIN sources s ON s.source_uuid = e.source_uuid
		WHERE e.gauge_uuid = $1 AND e.status = 'ACTIVE' AND e.start < $3 AND e.stop > $2`,
		gaugeID, start.UTC(), stop.UTC())
	if err != nil {
		return nil, fmt.Errorf("select competing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		stronger []timeline.Segment
		weaker   []string
	)

	for rows.Next() {
		var (
			id       uuid.UUID
			seg      timeline.Segment
			priority sql.NullInt64
		)

		if err := rows.Scan(&id, &seg.Start, &seg.Stop, &priority); err != nil {
			return nil, fmt.Errorf("scan competing event: %w", err)
		}

		if !priority.Valid || policy.Supersedes(incoming, int(priority.Int64)) {
			weaker = append(weaker, id.String())

			continue
		}

		seg.ID = id.String()
		stronger = append(stronger, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate competing events: %w", err)
	}

	if err := w.supersedeEvents(ctx, weaker, "priority window"); err != nil {
		return nil, err
	}

	return stronger, nil
}

func (w *operationTx) supersedeEvents(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}

	n, err := w.exec(ctx,
		"UPDATE events SET status = 'SUPERSEDED' WHERE event_uuid = ANY($1) AND status = 'ACTIVE'",
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("supersede events: %w", err)
	}

	w.superseded(reason, n)

	return nil
}

func (w *operationTx) insertEvent(ctx context.Context, gaugeID uuid.UUID, e engine.Event, counter sql.NullInt64) (uuid.UUID, error) {
	id := uuid.New()

	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO events (
			event_uuid, start, stop, gauge_uuid, source_uuid, explicit_ref_uuid,
			insertion_type, event_key, counter
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, e.Start.UTC(), e.Stop.UTC(), gaugeID, w.sourceID, nullUUID(w.refs[e.ExplicitRef]),
		string(e.Gauge.InsertionType), nullString(e.Key), counter,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert event %d: %w", e.Index, err)
	}

	return id, nil
}

// insertKeyed supersedes the ACTIVE events holding the key of e and inserts e.
//
// Returns kept=false when e is dropped because a holder comes from a source of
// higher priority (EVENT_KEYS_with_PRIORITY).
//
// The holders are locked, not the gauge. A concurrent operation may commit a
// new holder between the lookup and the insert; the partial unique index then
// rejects the insert and the supersession is retried once against the new holder.
func (w *operationTx) insertKeyed(ctx context.Context, gaugeID uuid.UUID, e engine.Event) (uuid.UUID, bool, error) {
	withPriority := e.Gauge.InsertionType == engine.EventKeysWithPriority
	incoming := w.op.Source.PriorityValue()

	for attempt := 0; ; attempt++ {
		holders, strongest, err := w.keyHolders(ctx, gaugeID, e.Key)
		if err != nil {
			return uuid.Nil, false, err
		}

		if withPriority && strongest.Valid && !policy.Supersedes(incoming, int(strongest.Int64)) {
			w.store.logger.Info("Keyed event kept by stronger source",
				slog.String("gauge", e.Gauge.Name),
				slog.String("key", e.Key),
			)

			return uuid.Nil, false, nil
		}

		if err := w.supersedeEvents(ctx, holders, "event key"); err != nil {
			return uuid.Nil, false, err
		}

		w.store.checkpoint(ctx, "events:keyed")

		if _, err := w.tx.ExecContext(ctx, "SAVEPOINT keyed_event"); err != nil {
			return uuid.Nil, false, fmt.Errorf("savepoint for keyed event: %w", err)
		}

		id, err := w.insertEvent(ctx, gaugeID, e, sql.NullInt64{})
		if err == nil {
			if _, err := w.tx.ExecContext(ctx, "RELEASE SAVEPOINT keyed_event"); err != nil {
				return uuid.Nil, false, fmt.Errorf("release savepoint for keyed event: %w", err)
			}

			return id, true, nil
		}

		if !isUniqueViolation(err) || attempt > 0 {
			return uuid.Nil, false, err
		}

		if _, err := w.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT keyed_event"); err != nil {
			return uuid.Nil, false, fmt.Errorf("rollback to savepoint for keyed event: %w", err)
		}

		w.store.logger.Debug("Retrying keyed event after concurrent insert",
			slog.String("gauge", e.Gauge.Name),
			slog.String("key", e.Key),
		)
	}
}

// keyHolders locks the ACTIVE events of the gauge holding key and returns
// their identifiers with the highest source priority among them.
func (w *operationTx) keyHolders(ctx context.Context, gaugeID uuid.UUID, key string) ([]string, sql.NullInt64, error) {
	var strongest sql.NullInt64

	rows, err := w.tx.QueryContext(ctx, `
		SELECT e.event_uuid, s.priority
		FROM events e
		JOIN sources s ON s.source_uuid = e.source_uuid
		WHERE e.gauge_uuid = $1 AND e.event_key = $2 AND e.status = 'ACTIVE'
		FOR UPDATE OF e`,
		gaugeID, key)
	if err != nil {
		return nil, strongest, fmt.Errorf("select key holders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string

	for rows.Next() {
		var (
			id       uuid.UUID
			priority sql.NullInt64
		)

		if err := rows.Scan(&id, &priority); err != nil {
			return nil, strongest, fmt.Errorf("scan key holder: %w", err)
		}

		ids = append(ids, id.String())

		if priority.Valid && (!strongest.Valid || priority.Int64 > strongest.Int64) {
			strongest = priority
		}
	}

	return ids, strongest, rows.Err()
}

// counterState tracks the counter of one gauge while its events are inserted.
type counterState struct {
	gauge  uuid.UUID
	loaded bool
	value  int64
}

func (c *counterState) set() sql.NullInt64 {
	c.loaded = true
	c.value = 0

	return sql.NullInt64{Int64: 0, Valid: true}
}

// next returns the counter following the most recently inserted one. The gauge
// is locked by the caller so the read and the insert are not interleaved.
func (c *counterState) next(ctx context.Context, w *operationTx, gauge policy.GaugeKey) (sql.NullInt64, error) {
	if !c.loaded {
		err := w.tx.QueryRowContext(ctx, `
			SELECT counter FROM events
			WHERE gauge_uuid = $1 AND status = 'ACTIVE' AND counter IS NOT NULL
			ORDER BY event_seq DESC
			LIMIT 1`, c.gauge,
		).Scan(&c.value)

		if errors.Is(err, sql.ErrNoRows) {
			return sql.NullInt64{}, faults.New(faults.CounterNotSet, "UPDATE_COUNTER before any SET_COUNTER").
				With("gauge", gauge.Name).
				With("system", gauge.System)
		}

		if err != nil {
			return sql.NullInt64{}, fmt.Errorf("read counter: %w", err)
		}

		c.loaded = true
	}

	c.value++

	return sql.NullInt64{Int64: c.value, Valid: true}, nil
}
