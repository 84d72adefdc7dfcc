package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eboa-io/eboa/internal/aliasing"
	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/query"
	"github.com/eboa-io/eboa/internal/valuetree"
)

var baseTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func hour(h int) time.Time {
	return baseTime.Add(time.Duration(h) * time.Hour)
}

func setupTestStore(ctx context.Context, t *testing.T, opts ...StoreOption) (*IngestionStore, *Connection) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	conn := &Connection{DB: testDB.Connection}

	store, err := NewIngestionStore(conn, opts...)
	require.NoError(t, err)

	return store, conn
}

func newOperation(dim, source string, start, stop time.Time, events ...engine.Event) *engine.Operation {
	for i := range events {
		events[i].Index = i
	}

	return &engine.Operation{
		Mode:         engine.ModeInsert,
		DimSignature: engine.DimSignature{Name: dim, Exec: "exec_" + dim, Version: "1.0"},
		Source: engine.Source{
			Name:           source,
			ReceptionTime:  start,
			GenerationTime: start,
			ValidityStart:  start,
			ValidityStop:   stop,
			Ingested:       true,
		},
		Events: events,
	}
}

func newEvent(gauge string, it engine.InsertionType, start, stop time.Time) engine.Event {
	return engine.Event{
		Gauge: engine.Gauge{Name: gauge, System: "SYSTEM", InsertionType: it},
		Start: start,
		Stop:  stop,
	}
}

func withPriority(op *engine.Operation, p int) *engine.Operation {
	op.Source.Priority = &p

	return op
}

func activeEvents(ctx context.Context, t *testing.T, store *IngestionStore, gauge string) []EventRecord {
	t.Helper()

	events, err := store.GetEvents(ctx, EventFilter{Gauge: query.Str(query.Eq, gauge)})
	require.NoError(t, err)

	return events
}

func countRows(ctx context.Context, t *testing.T, conn *Connection, stmt string, args ...any) int {
	t.Helper()

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, stmt, args...).Scan(&n))

	return n
}

func TestIngestionStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := setupTestStore(ctx, t)

	t.Run("SimpleInsert", testSimpleInsert(ctx, store, conn))
	t.Run("SourceAlreadyIngested", testSourceAlreadyIngested(ctx, store))
	t.Run("RollbackLeavesNoRows", testRollbackLeavesNoRows(ctx, store, conn))
	t.Run("EventKeys", testEventKeys(ctx, store))
	t.Run("EventKeysWithPriority", testEventKeysWithPriority(ctx, store))
	t.Run("InsertAndErase", testInsertAndErase(ctx, store))
	t.Run("InsertAndErasePerEventWithPriority", testInsertAndErasePerEventWithPriority(ctx, store))
	t.Run("Counters", testCounters(ctx, store))
	t.Run("Links", testLinks(ctx, store))
	t.Run("UndefinedEventLink", testUndefinedEventLink(ctx, store))
	t.Run("Alerts", testAlerts(ctx, store))
	t.Run("Annotations", testAnnotations(ctx, store))
	t.Run("ModeUpdateAndDelete", testModeUpdateAndDelete(ctx, store))
	t.Run("ModeInsertAndErase", testModeInsertAndErase(ctx, store))
	t.Run("InsertEventValues", testInsertEventValues(ctx, store))
	t.Run("RecordIngestionError", testRecordIngestionError(ctx, store))
	t.Run("GaugeCoverage", testGaugeCoverage(ctx, store))
}

func testSimpleInsert(ctx context.Context, store *IngestionStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		rows, err := valuetree.Flatten([]valuetree.Node{
			{Name: "orbit", Type: valuetree.TypeDouble, Value: "1021"},
			{Name: "details", Type: valuetree.TypeObject, Values: []valuetree.Node{
				{Name: "station", Type: valuetree.TypeText, Value: "MPS"},
				{Name: "nominal", Type: valuetree.TypeBoolean, Value: "true"},
			}},
		})
		require.NoError(t, err)

		ev := newEvent("SIMPLE_GAUGE", engine.SimpleInsert, hour(1), hour(2))
		ev.ExplicitRef = "S2A_DT_1"
		ev.Values = rows

		op := newOperation("SIMPLE_DIM", "simple.xml", hour(0), hour(10), ev)
		op.ExplicitRefs = []engine.ExplicitRef{{Name: "S2A_DT_1", Group: "DATATAKES"}}

		outcome, err := store.TreatOperation(ctx, op)
		require.NoError(t, err)
		require.Len(t, outcome.EventIDs, 1)
		assert.NotEqual(t, uuid.Nil, outcome.SourceID)

		events := activeEvents(ctx, t, store, "SIMPLE_GAUGE")
		require.Len(t, events, 1)
		assert.Equal(t, "S2A_DT_1", events[0].ExplicitRef)
		assert.Equal(t, "SIMPLE_DIM", events[0].DimSignature)
		assert.True(t, events[0].Start.Equal(hour(1)))
		assert.Equal(t, engine.StatusActive, events[0].Status)

		nodes, err := store.GetEventValues(ctx, outcome.EventIDs[0])
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "orbit", nodes[0].Name)
		require.Len(t, nodes[1].Values, 2)
		assert.Equal(t, "MPS", nodes[1].Values[0].Value)

		assert.Equal(t, 1, countRows(ctx, t, conn,
			"SELECT COUNT(*) FROM event_values WHERE event_uuid = $1 AND value_type = 'double' AND value_double = 1021",
			outcome.EventIDs[0]))

		ingested := true

		sources, err := store.GetSources(ctx, SourceFilter{Name: query.Str(query.Eq, "simple.xml"), Ingested: &ingested})
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.False(t, sources[0].IngestionError)
		require.NotNil(t, sources[0].IngestionDuration)

		refs, err := store.GetExplicitRefs(ctx, ExplicitRefFilter{Name: query.Str(query.Eq, "S2A_DT_1")})
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, "DATATAKES", refs[0].Group)
	}
}

func testSourceAlreadyIngested(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		op := newOperation("DUP_DIM", "dup.xml", hour(0), hour(10),
			newEvent("DUP_GAUGE", engine.SimpleInsert, hour(1), hour(2)))

		_, err := store.TreatOperation(ctx, op)
		require.NoError(t, err)

		_, err = store.TreatOperation(ctx, op)
		require.ErrorIs(t, err, faults.SourceAlreadyIngested)

		assert.Len(t, activeEvents(ctx, t, store, "DUP_GAUGE"), 1)
	}
}

func testRollbackLeavesNoRows(ctx context.Context, store *IngestionStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		op := newOperation("ROLLBACK_DIM", "rollback.xml", hour(0), hour(10),
			newEvent("ROLLBACK_GAUGE", engine.SimpleInsert, hour(1), hour(2)),
			newEvent("ROLLBACK_COUNTER", engine.UpdateCounter, hour(1), hour(2)),
		)

		_, err := store.TreatOperation(ctx, op)
		require.ErrorIs(t, err, faults.CounterNotSet)

		assert.Equal(t, 0, countRows(ctx, t, conn, "SELECT COUNT(*) FROM sources WHERE name = 'rollback.xml'"))
		assert.Equal(t, 0, countRows(ctx, t, conn, "SELECT COUNT(*) FROM gauges WHERE name = 'ROLLBACK_GAUGE'"))
		assert.Empty(t, activeEvents(ctx, t, store, "ROLLBACK_GAUGE"))
	}
}

func testEventKeys(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		for i, source := range []string{"keys_1.xml", "keys_2.xml", "keys_3.xml"} {
			ev := newEvent("KEYS_GAUGE", engine.EventKeys, hour(i), hour(i+1))
			ev.Key = "ORBIT_100"

			_, err := store.TreatOperation(ctx, newOperation("KEYS_DIM", source, hour(0), hour(10), ev))
			require.NoError(t, err)
		}

		active := activeEvents(ctx, t, store, "KEYS_GAUGE")
		require.Len(t, active, 1)
		assert.Equal(t, "keys_3.xml", active[0].Source)

		all, err := store.GetEvents(ctx, EventFilter{
			Gauge:             query.Str(query.Eq, "KEYS_GAUGE"),
			IncludeSuperseded: true,
		})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	}
}

func testEventKeysWithPriority(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		keyed := func() engine.Event {
			ev := newEvent("KEYS_PRIORITY_GAUGE", engine.EventKeysWithPriority, hour(1), hour(2))
			ev.Key = "K1"

			return ev
		}

		_, err := store.TreatOperation(ctx, withPriority(
			newOperation("KEYS_PRIORITY_DIM", "strong.xml", hour(0), hour(10), keyed()), 20))
		require.NoError(t, err)

		outcome, err := store.TreatOperation(ctx, withPriority(
			newOperation("KEYS_PRIORITY_DIM", "weak.xml", hour(0), hour(10), keyed()), 10))
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Discarded)
		assert.Empty(t, outcome.EventIDs)

		_, err = store.TreatOperation(ctx, withPriority(
			newOperation("KEYS_PRIORITY_DIM", "equal.xml", hour(0), hour(10), keyed()), 20))
		require.NoError(t, err)

		active := activeEvents(ctx, t, store, "KEYS_PRIORITY_GAUGE")
		require.Len(t, active, 1)
		assert.Equal(t, "equal.xml", active[0].Source, "equal priority lets the incoming event win")
	}
}

func testInsertAndErase(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		_, err := store.TreatOperation(ctx, newOperation("ERASE_DIM", "erase_1.xml", hour(0), hour(10),
			newEvent("ERASE_GAUGE", engine.InsertAndErase, hour(1), hour(2)),
			newEvent("ERASE_GAUGE", engine.InsertAndErase, hour(8), hour(9)),
		))
		require.NoError(t, err)

		outcome, err := store.TreatOperation(ctx, newOperation("ERASE_DIM", "erase_2.xml", hour(5), hour(12),
			newEvent("ERASE_GAUGE", engine.InsertAndErase, hour(6), hour(7)),
		))
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Superseded)

		active := activeEvents(ctx, t, store, "ERASE_GAUGE")
		require.Len(t, active, 2)
		assert.Equal(t, "erase_1.xml", active[0].Source)
		assert.True(t, active[0].Start.Equal(hour(1)))
		assert.Equal(t, "erase_2.xml", active[1].Source)
	}
}

func testInsertAndErasePerEventWithPriority(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		gauge := "PER_EVENT_GAUGE"

		_, err := store.TreatOperation(ctx, withPriority(newOperation("PER_EVENT_DIM", "high.xml", hour(0), hour(10),
			newEvent(gauge, engine.InsertAndErasePerEventWithPriority, hour(3), hour(5)),
		), 30))
		require.NoError(t, err)

		outcome, err := store.TreatOperation(ctx, withPriority(newOperation("PER_EVENT_DIM", "low.xml", hour(0), hour(10),
			newEvent(gauge, engine.InsertAndErasePerEventWithPriority, hour(2), hour(8)),
			newEvent(gauge, engine.InsertAndErasePerEventWithPriority, hour(3), hour(4)),
		), 10))
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Discarded, "the event inside the stronger one is dropped")
		assert.Zero(t, outcome.Superseded)

		active := activeEvents(ctx, t, store, gauge)
		require.Len(t, active, 3)

		assert.True(t, active[0].Start.Equal(hour(2)) && active[0].Stop.Equal(hour(3)))
		assert.Equal(t, "high.xml", active[1].Source)
		assert.True(t, active[2].Start.Equal(hour(5)) && active[2].Stop.Equal(hour(8)))
	}
}

func testCounters(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		gauge := "COUNTER_GAUGE"

		_, err := store.TreatOperation(ctx, newOperation("COUNTER_DIM", "counter_set.xml", hour(0), hour(10),
			newEvent(gauge, engine.SetCounter, hour(1), hour(2)),
		))
		require.NoError(t, err)

		_, err = store.TreatOperation(ctx, newOperation("COUNTER_DIM", "counter_update.xml", hour(0), hour(10),
			newEvent(gauge, engine.UpdateCounter, hour(2), hour(3)),
			newEvent(gauge, engine.UpdateCounter, hour(3), hour(4)),
		))
		require.NoError(t, err)

		active := activeEvents(ctx, t, store, gauge)
		require.Len(t, active, 3)

		counters := make([]int64, 0, len(active))
		for _, e := range active {
			require.NotNil(t, e.Counter)
			counters = append(counters, *e.Counter)
		}

		assert.Equal(t, []int64{0, 1, 2}, counters)
	}
}

func testLinks(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		first := newEvent("LINK_GAUGE", engine.SimpleInsert, hour(1), hour(2))
		first.LinkRef = "PLAN"
		second := newEvent("LINK_GAUGE", engine.SimpleInsert, hour(2), hour(3))

		op := newOperation("LINK_DIM", "links.xml", hour(0), hour(10), first, second)
		op.Links = []engine.LinkEdge{
			{From: engine.BatchEndpoint(1), To: engine.BatchEndpoint(0), Name: "PLANNED"},
			{From: engine.BatchEndpoint(0), To: engine.BatchEndpoint(1), Name: "EXECUTED"},
			{From: engine.BatchEndpoint(0), To: engine.BatchEndpoint(1), Name: "EXECUTED"},
		}

		outcome, err := store.TreatOperation(ctx, op)
		require.NoError(t, err)

		linked, err := store.GetLinkedEvents(ctx, outcome.EventIDs[0], false)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, "EXECUTED", linked[0].Name)
		assert.Equal(t, outcome.EventIDs[1], linked[0].Event.ID)

		// A later operation links to the stored event by identifier.
		third := newEvent("LINK_GAUGE", engine.SimpleInsert, hour(4), hour(5))
		later := newOperation("LINK_DIM", "links_later.xml", hour(0), hour(10), third)
		later.Links = []engine.LinkEdge{
			{From: engine.BatchEndpoint(0), To: engine.StoredEndpoint(outcome.EventIDs[0]), Name: "FOLLOWS"},
		}

		laterOutcome, err := store.TreatOperation(ctx, later)
		require.NoError(t, err)

		linked, err = store.GetLinkedEvents(ctx, laterOutcome.EventIDs[0], false)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, outcome.EventIDs[0], linked[0].Event.ID)
	}
}

func testUndefinedEventLink(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		op := newOperation("LINK_DIM", "links_undefined.xml", hour(0), hour(10),
			newEvent("LINK_UNDEFINED_GAUGE", engine.SimpleInsert, hour(1), hour(2)))
		op.Links = []engine.LinkEdge{
			{From: engine.BatchEndpoint(0), To: engine.StoredEndpoint(uuid.New()), Name: "MISSING"},
		}

		_, err := store.TreatOperation(ctx, op)
		require.ErrorIs(t, err, faults.UndefinedEventLink)
		assert.Empty(t, activeEvents(ctx, t, store, "LINK_UNDEFINED_GAUGE"))
	}
}

func testAlerts(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		ev := newEvent("ALERT_GAUGE", engine.SimpleInsert, hour(1), hour(2))
		ev.LinkRef = "ALERTED"

		op := newOperation("ALERT_DIM", "alerts.xml", hour(0), hour(10), ev)
		cfg := engine.AlertConfig{Name: "ALERT_GAP", Severity: engine.SeverityMajor, Group: "COMPLETENESS"}
		op.Alerts = []engine.Alert{
			{
				Message:          "gap detected",
				Generator:        "completeness",
				NotificationTime: hour(3),
				Config:           cfg,
				Entity:           engine.AlertEntity{Mode: engine.ByRef, Reference: "ALERTED", Type: engine.EntityEvent},
			},
			{
				Message:          "late source",
				Generator:        "timeliness",
				NotificationTime: hour(3),
				Config:           cfg,
				Entity:           engine.AlertEntity{Mode: engine.ByRef, Reference: "alerts.xml", Type: engine.EntitySource},
			},
		}

		outcome, err := store.TreatOperation(ctx, op)
		require.NoError(t, err)

		alerts, err := store.GetAlerts(ctx, AlertFilter{Entity: engine.EntityEvent, Name: query.Str(query.Eq, "ALERT_GAP")})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, outcome.EventIDs[0], alerts[0].EntityID)
		assert.Equal(t, engine.SeverityMajor, alerts[0].Severity)
		assert.Equal(t, "COMPLETENESS", alerts[0].Group)
		assert.False(t, alerts[0].Solved)

		require.NoError(t, store.SolveAlert(ctx, engine.EntityEvent, alerts[0].ID, "reprocessed"))
		require.NoError(t, store.MarkAlertNotified(ctx, engine.EntityEvent, alerts[0].ID, true))

		solved := true

		alerts, err = store.GetAlerts(ctx, AlertFilter{Entity: engine.EntityEvent, Solved: &solved})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, "reprocessed", alerts[0].Justification)
		require.NotNil(t, alerts[0].Notified)
		assert.True(t, *alerts[0].Notified)

		sourceAlerts, err := store.GetAlerts(ctx, AlertFilter{Entity: engine.EntitySource})
		require.NoError(t, err)
		require.Len(t, sourceAlerts, 1)
		assert.Equal(t, outcome.SourceID, sourceAlerts[0].EntityID)

		assert.ErrorIs(t, store.SolveAlert(ctx, engine.EntityEvent, uuid.New(), ""), ErrAlertNotFound)

		bad := newOperation("ALERT_DIM", "alerts_bad.xml", hour(0), hour(10))
		bad.Alerts = []engine.Alert{{
			Message:          "orphan",
			Generator:        "completeness",
			NotificationTime: hour(3),
			Config:           cfg,
			Entity:           engine.AlertEntity{Mode: engine.ByRef, Reference: "NOWHERE", Type: engine.EntityEvent},
		}}

		_, err = store.TreatOperation(ctx, bad)
		require.ErrorIs(t, err, faults.UndefinedEntityReference)
	}
}

func testAnnotations(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		annotate := func(source string, priority int) *engine.Operation {
			rows, err := valuetree.Flatten([]valuetree.Node{{Name: "quality", Type: valuetree.TypeText, Value: source}})
			require.NoError(t, err)

			op := withPriority(newOperation("ANNOTATION_DIM", source, hour(0), hour(10)), priority)
			op.ExplicitRefs = []engine.ExplicitRef{{Name: "GRANULE_1"}}
			op.Annotations = []engine.Annotation{{
				ExplicitRef: "GRANULE_1",
				Config: engine.AnnotationConfig{
					Name:          "QUALITY",
					System:        "SYSTEM",
					InsertionType: engine.InsertAndEraseWithPriority,
				},
				Values: rows,
			}}

			return op
		}

		_, err := store.TreatOperation(ctx, annotate("annotation_1.xml", 10))
		require.NoError(t, err)

		outcome, err := store.TreatOperation(ctx, annotate("annotation_2.xml", 10))
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Superseded)

		outcome, err = store.TreatOperation(ctx, annotate("annotation_3.xml", 5))
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Discarded)

		active, err := store.GetAnnotations(ctx, AnnotationFilter{Name: query.Str(query.Eq, "QUALITY")})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "annotation_2.xml", active[0].Source)

		nodes, err := store.GetAnnotationValues(ctx, active[0].ID)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "annotation_2.xml", nodes[0].Value)
	}
}

func testModeUpdateAndDelete(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		update := newOperation("MODE_DIM", "mode.xml", hour(0), hour(10),
			newEvent("MODE_GAUGE", engine.SimpleInsert, hour(1), hour(2)))
		update.Mode = engine.ModeUpdate

		_, err := store.TreatOperation(ctx, update)
		require.ErrorIs(t, err, faults.UndefinedSource)

		insert := newOperation("MODE_DIM", "mode.xml", hour(0), hour(10),
			newEvent("MODE_GAUGE", engine.SimpleInsert, hour(1), hour(2)))

		_, err = store.TreatOperation(ctx, insert)
		require.NoError(t, err)

		_, err = store.TreatOperation(ctx, update)
		require.NoError(t, err)
		assert.Len(t, activeEvents(ctx, t, store, "MODE_GAUGE"), 2)

		del := newOperation("MODE_DIM", "mode.xml", hour(0), hour(10))
		del.Mode = engine.ModeDelete

		outcome, err := store.TreatOperation(ctx, del)
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.Superseded)
		assert.Empty(t, activeEvents(ctx, t, store, "MODE_GAUGE"))
	}
}

func testModeInsertAndErase(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		first := newOperation("REPLACE_DIM", "replace.xml", hour(0), hour(10),
			newEvent("REPLACE_GAUGE", engine.SimpleInsert, hour(1), hour(2)))

		_, err := store.TreatOperation(ctx, first)
		require.NoError(t, err)

		other := newOperation("REPLACE_DIM", "replace_other.xml", hour(20), hour(30),
			newEvent("REPLACE_GAUGE", engine.SimpleInsert, hour(21), hour(22)))

		_, err = store.TreatOperation(ctx, other)
		require.NoError(t, err)

		again := newOperation("REPLACE_DIM", "replace.xml", hour(0), hour(10),
			newEvent("REPLACE_GAUGE", engine.SimpleInsert, hour(3), hour(4)))
		again.Mode = engine.ModeInsertAndErase

		outcome, err := store.TreatOperation(ctx, again)
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Superseded)

		active := activeEvents(ctx, t, store, "REPLACE_GAUGE")
		require.Len(t, active, 2)
		assert.True(t, active[0].Start.Equal(hour(3)))
		assert.Equal(t, "replace_other.xml", active[1].Source)
	}
}

func testInsertEventValues(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		initial, err := valuetree.Flatten([]valuetree.Node{
			{Name: "first", Type: valuetree.TypeText, Value: "a"},
		})
		require.NoError(t, err)

		ev := newEvent("APPEND_GAUGE", engine.SimpleInsert, hour(1), hour(2))
		ev.Values = initial

		outcome, err := store.TreatOperation(ctx, newOperation("APPEND_DIM", "append.xml", hour(0), hour(10), ev))
		require.NoError(t, err)

		appended, err := valuetree.Flatten([]valuetree.Node{
			{Name: "second", Type: valuetree.TypeObject, Values: []valuetree.Node{
				{Name: "nested", Type: valuetree.TypeText, Value: "b"},
			}},
		})
		require.NoError(t, err)

		require.NoError(t, store.InsertEventValues(ctx, outcome.EventIDs[0], appended))

		nodes, err := store.GetEventValues(ctx, outcome.EventIDs[0])
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "first", nodes[0].Name)
		assert.Equal(t, "second", nodes[1].Name)
		require.Len(t, nodes[1].Values, 1)

		err = store.InsertEventValues(ctx, uuid.New(), appended)
		require.ErrorIs(t, err, faults.UndefinedEntityReference)
	}
}

func testRecordIngestionError(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		op := newOperation("ERROR_DIM", "failed.xml", hour(0), hour(10))

		require.NoError(t, store.RecordIngestionError(ctx, op, faults.New(faults.InvalidValue, "bad double")))

		failed := true

		sources, err := store.GetSources(ctx, SourceFilter{Name: query.Str(query.Eq, "failed.xml"), IngestionError: &failed})
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.False(t, sources[0].Ingested)

		// A successful retry clears the flag.
		_, err = store.TreatOperation(ctx, op)
		require.NoError(t, err)

		sources, err = store.GetSources(ctx, SourceFilter{Name: query.Str(query.Eq, "failed.xml")})
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.False(t, sources[0].IngestionError)
		assert.True(t, sources[0].Ingested)
	}
}

func testGaugeCoverage(ctx context.Context, store *IngestionStore) func(*testing.T) {
	return func(t *testing.T) {
		_, err := store.TreatOperation(ctx, newOperation("COVERAGE_DIM", "coverage.xml", hour(0), hour(10),
			newEvent("COVERAGE_GAUGE", engine.SimpleInsert, hour(0), hour(2)),
			newEvent("COVERAGE_GAUGE", engine.SimpleInsert, hour(1), hour(3)),
			newEvent("COVERAGE_GAUGE", engine.SimpleInsert, hour(5), hour(6)),
		))
		require.NoError(t, err)

		coverage, err := store.GaugeCoverage(ctx, "COVERAGE_GAUGE", "SYSTEM", hour(0), hour(10))
		require.NoError(t, err)

		require.Len(t, coverage.Segments, 2)
		assert.Len(t, coverage.Segments[0].IDs, 2)
		assert.InDelta(t, (4 * time.Hour).Seconds(), coverage.Seconds, 0.001)

		require.Len(t, coverage.Gaps, 2)
		assert.True(t, coverage.Gaps[0].Start.Equal(hour(3)))
		assert.True(t, coverage.Gaps[1].Stop.Equal(hour(10)))
	}
}

// TestConcurrentOperations runs operations racing on shared rows.
func TestConcurrentOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	t.Run("GaugeCreatedConcurrently", func(t *testing.T) {
		cp, arrived, release := blockFirstAt("upsert:gauges")
		store, conn := setupTestStore(ctx, t, WithCheckpoint(cp))

		// The DIM signature is committed first so the racing operations only
		// compete on the gauge row.
		_, err := store.TreatOperation(ctx, newOperation("RACE_DIM", "race_seed.xml", hour(0), hour(10)))
		require.NoError(t, err)

		errA := make(chan error, 1)

		go func() {
			_, err := store.TreatOperation(ctx, newOperation("RACE_DIM", "race_a.xml", hour(0), hour(10),
				newEvent("RACE_GAUGE", engine.SimpleInsert, hour(1), hour(2))))
			errA <- err
		}()

		<-arrived

		_, errB := store.TreatOperation(ctx, newOperation("RACE_DIM", "race_b.xml", hour(0), hour(10),
			newEvent("RACE_GAUGE", engine.SimpleInsert, hour(3), hour(4))))

		close(release)

		require.NoError(t, errB)
		require.NoError(t, <-errA)

		assert.Equal(t, 1, countRows(ctx, t, conn, "SELECT COUNT(*) FROM gauges WHERE name = 'RACE_GAUGE'"))
		assert.Len(t, activeEvents(ctx, t, store, "RACE_GAUGE"), 2)
	})

	t.Run("KeyedEventInsertedConcurrently", func(t *testing.T) {
		cp, arrived, release := blockFirstAt("events:keyed")
		store, _ := setupTestStore(ctx, t, WithCheckpoint(cp))

		keyed := func(source, key string, h int) *engine.Operation {
			ev := newEvent("RACE_KEYS_GAUGE", engine.EventKeys, hour(h), hour(h+1))
			ev.Key = key

			return newOperation("RACE_KEYS_DIM", source, hour(0), hour(10), ev)
		}

		// Gauge and DIM signature exist before the race starts. The seed uses
		// another key so neither racer locks a key holder.
		_, err := store.TreatOperation(ctx, keyed("race_keys_seed.xml", "SEED_KEY", 0))
		require.NoError(t, err)

		errA := make(chan error, 1)

		go func() {
			_, err := store.TreatOperation(ctx, keyed("race_keys_a.xml", "SHARED_KEY", 1))
			errA <- err
		}()

		<-arrived

		_, errB := store.TreatOperation(ctx, keyed("race_keys_b.xml", "SHARED_KEY", 2))

		close(release)

		require.NoError(t, errB)
		require.NoError(t, <-errA)

		active, err := store.GetEvents(ctx, EventFilter{
			Gauge: query.Str(query.Eq, "RACE_KEYS_GAUGE"),
			Key:   query.Str(query.Eq, "SHARED_KEY"),
		})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "race_keys_a.xml", active[0].Source, "the retried insert supersedes the concurrent winner")
	})

	t.Run("CounterUpdatedConcurrently", func(t *testing.T) {
		store, conn := setupTestStore(ctx, t)

		cp, arrived, release := blockFirstAt("events:gauge_lock")
		racing, err := NewIngestionStore(conn, WithCheckpoint(cp))
		require.NoError(t, err)

		update := func(source string, h int) *engine.Operation {
			return newOperation("RACE_COUNTER_DIM", source, hour(0), hour(10),
				newEvent("RACE_COUNTER_GAUGE", engine.UpdateCounter, hour(h), hour(h+1)))
		}

		_, err = store.TreatOperation(ctx, newOperation("RACE_COUNTER_DIM", "race_counter_seed.xml", hour(0), hour(10),
			newEvent("RACE_COUNTER_GAUGE", engine.SetCounter, hour(1), hour(2))))
		require.NoError(t, err)

		errA := make(chan error, 1)

		// A starts its transaction first but takes the gauge lock after B has
		// committed, so its rows carry the older ingestion_time.
		go func() {
			_, err := racing.TreatOperation(ctx, update("race_counter_a.xml", 2))
			errA <- err
		}()

		<-arrived

		_, errB := store.TreatOperation(ctx, update("race_counter_b.xml", 3))

		close(release)

		require.NoError(t, errB)
		require.NoError(t, <-errA)

		_, err = store.TreatOperation(ctx, update("race_counter_c.xml", 4))
		require.NoError(t, err)

		active := activeEvents(ctx, t, store, "RACE_COUNTER_GAUGE")
		require.Len(t, active, 4)

		counters := make([]int64, 0, len(active))
		for _, e := range active {
			require.NotNil(t, e.Counter)
			counters = append(counters, *e.Counter)
		}

		// seed, A, B, C by start time; A took the lock after B.
		assert.Equal(t, []int64{0, 2, 1, 3}, counters)
	})
}

// blockFirstAt returns a checkpoint that parks the first caller reaching point
// until release is closed. arrived is closed once that caller is parked.
func blockFirstAt(point string) (Checkpoint, <-chan struct{}, chan struct{}) {
	var once sync.Once

	arrived := make(chan struct{})
	release := make(chan struct{})

	cp := func(_ context.Context, p string) {
		if p != point {
			return
		}

		first := false
		once.Do(func() { first = true })

		if first {
			close(arrived)
			<-release
		}
	}

	return cp, arrived, release
}

func TestQueriesResolveAliases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	resolver := aliasing.NewResolver(&aliasing.Config{
		ExplicitRefAliases: map[string]string{"DT_OLD_NAME": "S2A_DT_42"},
	})
	store, _ := setupTestStore(ctx, t, WithAliasResolver(resolver))

	ev := newEvent("ALIAS_GAUGE", engine.SimpleInsert, hour(1), hour(2))
	ev.ExplicitRef = "S2A_DT_42"

	_, err := store.TreatOperation(ctx, newOperation("ALIAS_DIM", "alias.xml", hour(0), hour(10), ev))
	require.NoError(t, err)

	events, err := store.GetEvents(ctx, EventFilter{ExplicitRef: query.Str(query.Eq, "DT_OLD_NAME")})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "S2A_DT_42", events[0].ExplicitRef)

	events, err = store.GetEvents(ctx, EventFilter{ExplicitRef: query.List(query.In, "DT_OLD_NAME", "OTHER")})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = store.GetEvents(ctx, EventFilter{Start: query.Time(query.Like, hour(0))})
	require.ErrorIs(t, err, query.ErrUnsupportedOperator)
}
