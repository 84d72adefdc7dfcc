package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/query"
	"github.com/eboa-io/eboa/internal/timeline"
	"github.com/eboa-io/eboa/internal/valuetree"
)

type (
	// SourceFilter selects sources. Nil filters are ignored.
	SourceFilter struct {
		Name           query.Filter
		DimSignature   query.Filter
		Processor      query.Filter
		ValidityStart  query.Filter
		ValidityStop   query.Filter
		Ingested       *bool
		IngestionError *bool
	}

	// SourceRecord is a stored source.
	SourceRecord struct {
		ID                uuid.UUID
		Name              string
		DimSignature      string
		Processor         string
		ProcessorVersion  string
		ValidityStart     time.Time
		ValidityStop      time.Time
		ReceptionTime     time.Time
		GenerationTime    time.Time
		IngestionTime     time.Time
		IngestionDuration *float64
		Priority          *int64
		Ingested          bool
		IngestionError    bool
	}

	// EventFilter selects events. Superseded events are excluded unless
	// IncludeSuperseded is set.
	EventFilter struct {
		IDs               []uuid.UUID
		Gauge             query.Filter
		System            query.Filter
		DimSignature      query.Filter
		Source            query.Filter
		ExplicitRef       query.Filter
		Key               query.Filter
		Start             query.Filter
		Stop              query.Filter
		IncludeSuperseded bool
	}

	// EventRecord is a stored event.
	EventRecord struct {
		ID            uuid.UUID
		Start         time.Time
		Stop          time.Time
		IngestionTime time.Time
		Gauge         string
		System        string
		DimSignature  string
		Source        string
		ExplicitRef   string
		Key           string
		InsertionType engine.InsertionType
		Counter       *int64
		Status        engine.EntityStatus
	}

	// LinkedEvent is an event reached through a named link.
	LinkedEvent struct {
		Name  string
		Event EventRecord
	}

	// ExplicitRefFilter selects explicit references.
	ExplicitRefFilter struct {
		Name  query.Filter
		Group query.Filter
	}

	// ExplicitRefRecord is a stored explicit reference with its outgoing links.
	ExplicitRefRecord struct {
		ID            uuid.UUID
		Name          string
		Group         string
		IngestionTime time.Time
		Links         []ExplicitRefLinkRecord
	}

	// ExplicitRefLinkRecord is a named link to another explicit reference.
	ExplicitRefLinkRecord struct {
		Name   string
		Target string
	}

	// AnnotationFilter selects annotations.
	AnnotationFilter struct {
		Name              query.Filter
		System            query.Filter
		ExplicitRef       query.Filter
		Source            query.Filter
		IncludeSuperseded bool
	}

	// AnnotationRecord is a stored annotation.
	AnnotationRecord struct {
		ID            uuid.UUID
		Name          string
		System        string
		ExplicitRef   string
		Source        string
		InsertionType engine.InsertionType
		Status        engine.EntityStatus
		IngestionTime time.Time
	}

	// AlertFilter selects the alerts of one entity type.
	AlertFilter struct {
		Entity   engine.EntityType
		Name     query.Filter
		Group    query.Filter
		Severity query.Filter
		Solved   *bool
	}

	// AlertRecord is a stored alert.
	AlertRecord struct {
		ID               uuid.UUID
		Entity           engine.EntityType
		EntityID         uuid.UUID
		Name             string
		Severity         engine.Severity
		Group            string
		Message          string
		Generator        string
		NotificationTime time.Time
		Notified         *bool
		Solved           bool
		SolvedTime       *time.Time
		Justification    string
	}

	// Coverage is the time a gauge is covered by ACTIVE events within a window.
	Coverage struct {
		Segments []timeline.Tagged
		Gaps     []timeline.Tagged
		Seconds  float64
	}
)

// resolveRefFilter rewrites explicit reference names of a filter to their
// canonical form. Pattern filters are left untouched.
func (s *IngestionStore) resolveRefFilter(f query.Filter) query.Filter {
	if s.resolver == nil || f == nil {
		return f
	}

	switch v := f.(type) {
	case query.StringFilter:
		if v.Op == query.Eq || v.Op == query.Ne {
			v.Value = s.resolver.Resolve(v.Value)
		}

		return v
	case query.ListFilter:
		v.Values = s.resolver.ResolveAll(v.Values)

		return v
	}

	return f
}

func addFilters(b *query.Builder, filters map[string]query.Filter) error {
	for _, column := range sortedKeys(filters) {
		if err := b.Add(column, filters[column]); err != nil {
			return err
		}
	}

	return nil
}

// GetSources returns the sources matching the filter, ordered by validity start.
func (s *IngestionStore) GetSources(ctx context.Context, f SourceFilter) ([]SourceRecord, error) {
	b := query.NewBuilder()

	if err := addFilters(b, map[string]query.Filter{
		"s.name":           f.Name,
		"d.dim_signature":  f.DimSignature,
		"s.processor":      f.Processor,
		"s.validity_start": f.ValidityStart,
		"s.validity_stop":  f.ValidityStop,
	}); err != nil {
		return nil, err
	}

	if f.Ingested != nil {
		b.Where("s.ingested = %s", *f.Ingested)
	}

	if f.IngestionError != nil {
		b.Where("s.ingestion_error = %s", *f.IngestionError)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT s.source_uuid, s.name, d.dim_signature, s.processor, s.processor_version,
			s.validity_start, s.validity_stop, s.reception_time, s.generation_time,
			s.ingestion_time, s.ingestion_duration, s.priority, s.ingested, s.ingestion_error
		FROM sources s
		JOIN dim_signatures d ON d.dim_signature_uuid = s.dim_signature_uuid`+
		b.Clause()+" ORDER BY s.validity_start, s.name", b.Args()...)
	if err != nil {
		return nil, storageFailure(err, "failed to query sources")
	}
	defer func() { _ = rows.Close() }()

	var out []SourceRecord

	for rows.Next() {
		var (
			r        SourceRecord
			duration sql.NullFloat64
			priority sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &r.Name, &r.DimSignature, &r.Processor, &r.ProcessorVersion,
			&r.ValidityStart, &r.ValidityStop, &r.ReceptionTime, &r.GenerationTime,
			&r.IngestionTime, &duration, &priority, &r.Ingested, &r.IngestionError); err != nil {
			return nil, storageFailure(err, "failed to scan source")
		}

		if duration.Valid {
			r.IngestionDuration = &duration.Float64
		}

		if priority.Valid {
			r.Priority = &priority.Int64
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate sources")
	}

	return out, nil
}

// GetEvents returns the events matching the filter, ordered by start.
func (s *IngestionStore) GetEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	b := query.NewBuilder()

	if err := addFilters(b, map[string]query.Filter{
		"g.name":          f.Gauge,
		"g.system":        f.System,
		"d.dim_signature": f.DimSignature,
		"s.name":          f.Source,
		"r.explicit_ref":  s.resolveRefFilter(f.ExplicitRef),
		"e.event_key":     f.Key,
		"e.start":         f.Start,
		"e.stop":          f.Stop,
	}); err != nil {
		return nil, err
	}

	if len(f.IDs) > 0 {
		b.Where("e.event_uuid::text = ANY(%s)", pq.Array(uuidStrings(f.IDs)))
	}

	if !f.IncludeSuperseded {
		b.Where("e.status = %s", string(engine.StatusActive))
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT e.event_uuid, e.start, e.stop, e.ingestion_time, g.name, g.system,
			d.dim_signature, s.name, COALESCE(r.explicit_ref, ''), COALESCE(e.event_key, ''),
			e.insertion_type, e.counter, e.status
		FROM events e
		JOIN gauges g ON g.gauge_uuid = e.gauge_uuid
		JOIN dim_signatures d ON d.dim_signature_uuid = g.dim_signature_uuid
		JOIN sources s ON s.source_uuid = e.source_uuid
		LEFT JOIN explicit_refs r ON r.explicit_ref_uuid = e.explicit_ref_uuid`+
		b.Clause()+" ORDER BY e.start, e.stop, e.event_uuid", b.Args()...)
	if err != nil {
		return nil, storageFailure(err, "failed to query events")
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord

	for rows.Next() {
		var (
			r       EventRecord
			counter sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &r.Start, &r.Stop, &r.IngestionTime, &r.Gauge, &r.System,
			&r.DimSignature, &r.Source, &r.ExplicitRef, &r.Key,
			&r.InsertionType, &counter, &r.Status); err != nil {
			return nil, storageFailure(err, "failed to scan event")
		}

		if counter.Valid {
			r.Counter = &counter.Int64
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate events")
	}

	return out, nil
}

// GetLinkedEvents returns the events the given event links to, with the link names.
// Superseded targets stay reachable when includeSuperseded is set.
func (s *IngestionStore) GetLinkedEvents(ctx context.Context, eventID uuid.UUID, includeSuperseded bool) ([]LinkedEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT name, event_uuid_link FROM event_links
		WHERE event_uuid = $1
		ORDER BY name, event_uuid_link`, eventID)
	if err != nil {
		return nil, storageFailure(err, "failed to query event links")
	}

	type link struct {
		name   string
		target uuid.UUID
	}

	var links []link

	for rows.Next() {
		var l link
		if err := rows.Scan(&l.name, &l.target); err != nil {
			_ = rows.Close()

			return nil, storageFailure(err, "failed to scan event link")
		}

		links = append(links, l)
	}

	_ = rows.Close()

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate event links")
	}

	if len(links) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(links))
	for i, l := range links {
		ids[i] = l.target
	}

	events, err := s.GetEvents(ctx, EventFilter{IDs: ids, IncludeSuperseded: includeSuperseded})
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]EventRecord, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	var out []LinkedEvent

	for _, l := range links {
		if e, ok := byID[l.target]; ok {
			out = append(out, LinkedEvent{Name: l.name, Event: e})
		}
	}

	return out, nil
}

// GetEventValues returns the value tree of an event.
func (s *IngestionStore) GetEventValues(ctx context.Context, eventID uuid.UUID) ([]valuetree.Node, error) {
	nodes, err := loadValues(ctx, s.conn, "event_values", "event_uuid", eventID)
	if err != nil {
		return nil, storageFailure(err, "failed to load event values")
	}

	return nodes, nil
}

// GetAnnotationValues returns the value tree of an annotation.
func (s *IngestionStore) GetAnnotationValues(ctx context.Context, annotationID uuid.UUID) ([]valuetree.Node, error) {
	nodes, err := loadValues(ctx, s.conn, "annotation_values", "annotation_uuid", annotationID)
	if err != nil {
		return nil, storageFailure(err, "failed to load annotation values")
	}

	return nodes, nil
}

// GetExplicitRefs returns the explicit references matching the filter with
// their outgoing links.
func (s *IngestionStore) GetExplicitRefs(ctx context.Context, f ExplicitRefFilter) ([]ExplicitRefRecord, error) {
	b := query.NewBuilder()

	if err := addFilters(b, map[string]query.Filter{
		"r.explicit_ref": s.resolveRefFilter(f.Name),
		"grp.name":       f.Group,
	}); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT r.explicit_ref_uuid, r.explicit_ref, COALESCE(grp.name, ''), r.ingestion_time
		FROM explicit_refs r
		LEFT JOIN explicit_ref_groups grp ON grp.explicit_ref_group_uuid = r.explicit_ref_group_uuid`+
		b.Clause()+" ORDER BY r.explicit_ref", b.Args()...)
	if err != nil {
		return nil, storageFailure(err, "failed to query explicit references")
	}

	var out []ExplicitRefRecord

	index := make(map[uuid.UUID]int)

	for rows.Next() {
		var r ExplicitRefRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Group, &r.IngestionTime); err != nil {
			_ = rows.Close()

			return nil, storageFailure(err, "failed to scan explicit reference")
		}

		index[r.ID] = len(out)
		out = append(out, r)
	}

	_ = rows.Close()

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate explicit references")
	}

	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}

	links, err := s.conn.QueryContext(ctx, `
		SELECT l.explicit_ref_uuid, l.name, t.explicit_ref
		FROM explicit_ref_links l
		JOIN explicit_refs t ON t.explicit_ref_uuid = l.explicit_ref_uuid_link
		WHERE l.explicit_ref_uuid::text = ANY($1)
		ORDER BY l.name, t.explicit_ref`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, storageFailure(err, "failed to query explicit reference links")
	}
	defer func() { _ = links.Close() }()

	for links.Next() {
		var (
			owner uuid.UUID
			l     ExplicitRefLinkRecord
		)

		if err := links.Scan(&owner, &l.Name, &l.Target); err != nil {
			return nil, storageFailure(err, "failed to scan explicit reference link")
		}

		i := index[owner]
		out[i].Links = append(out[i].Links, l)
	}

	if err := links.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate explicit reference links")
	}

	return out, nil
}

// GetAnnotations returns the annotations matching the filter.
func (s *IngestionStore) GetAnnotations(ctx context.Context, f AnnotationFilter) ([]AnnotationRecord, error) {
	b := query.NewBuilder()

	if err := addFilters(b, map[string]query.Filter{
		"c.name":         f.Name,
		"c.system":       f.System,
		"r.explicit_ref": s.resolveRefFilter(f.ExplicitRef),
		"s.name":         f.Source,
	}); err != nil {
		return nil, err
	}

	if !f.IncludeSuperseded {
		b.Where("a.status = %s", string(engine.StatusActive))
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT a.annotation_uuid, c.name, c.system, r.explicit_ref, s.name,
			a.insertion_type, a.status, a.ingestion_time
		FROM annotations a
		JOIN annotation_cnfs c ON c.annotation_cnf_uuid = a.annotation_cnf_uuid
		JOIN explicit_refs r ON r.explicit_ref_uuid = a.explicit_ref_uuid
		JOIN sources s ON s.source_uuid = a.source_uuid`+
		b.Clause()+" ORDER BY a.ingestion_time, a.annotation_uuid", b.Args()...)
	if err != nil {
		return nil, storageFailure(err, "failed to query annotations")
	}
	defer func() { _ = rows.Close() }()

	var out []AnnotationRecord

	for rows.Next() {
		var r AnnotationRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.System, &r.ExplicitRef, &r.Source,
			&r.InsertionType, &r.Status, &r.IngestionTime); err != nil {
			return nil, storageFailure(err, "failed to scan annotation")
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate annotations")
	}

	return out, nil
}

// GetAlerts returns the alerts of f.Entity matching the filter, most recent first.
func (s *IngestionStore) GetAlerts(ctx context.Context, f AlertFilter) ([]AlertRecord, error) {
	t, ok := alertTables[f.Entity]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrAlertNotFound, f.Entity)
	}

	b := query.NewBuilder()

	if err := addFilters(b, map[string]query.Filter{
		"a.name":     f.Name,
		"grp.name":   f.Group,
		"a.severity": f.Severity,
	}); err != nil {
		return nil, err
	}

	if f.Solved != nil {
		b.Where("x.solved = %s", *f.Solved)
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT x.%s, x.%s, a.name, a.severity, grp.name, x.message, x.generator,
			x.notification_time, x.notified, x.solved, x.solved_time, COALESCE(x.justification, '')
		FROM %s x
		JOIN alerts a ON a.alert_uuid = x.alert_uuid
		JOIN alert_groups grp ON grp.alert_group_uuid = a.alert_group_uuid`,
		t.idColumn, t.entityColumn, t.table)+
		b.Clause()+" ORDER BY x.notification_time DESC", b.Args()...)
	if err != nil {
		return nil, storageFailure(err, "failed to query alerts")
	}
	defer func() { _ = rows.Close() }()

	var out []AlertRecord

	for rows.Next() {
		var (
			r          AlertRecord
			notified   sql.NullBool
			solvedTime sql.NullTime
		)

		if err := rows.Scan(&r.ID, &r.EntityID, &r.Name, &r.Severity, &r.Group, &r.Message, &r.Generator,
			&r.NotificationTime, &notified, &r.Solved, &solvedTime, &r.Justification); err != nil {
			return nil, storageFailure(err, "failed to scan alert")
		}

		r.Entity = f.Entity

		if notified.Valid {
			r.Notified = &notified.Bool
		}

		if solvedTime.Valid {
			r.SolvedTime = &solvedTime.Time
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate alerts")
	}

	return out, nil
}

// GaugeCoverage returns the merged coverage of the ACTIVE events of a gauge
// within [start, stop) and the gaps left uncovered.
func (s *IngestionStore) GaugeCoverage(ctx context.Context, gauge, system string, start, stop time.Time) (*Coverage, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT e.event_uuid, e.start, e.stop
		FROM events e
		JOIN gauges g ON g.gauge_uuid = e.gauge_uuid
		WHERE g.name = $1 AND g.system = $2 AND e.status = 'ACTIVE'
		  AND e.start < $4 AND e.stop > $3
		ORDER BY e.start, e.stop`,
		gauge, system, start.UTC(), stop.UTC())
	if err != nil {
		return nil, storageFailure(err, "failed to query gauge coverage")
	}
	defer func() { _ = rows.Close() }()

	var segments []timeline.Segment

	for rows.Next() {
		var (
			id  uuid.UUID
			seg timeline.Segment
		)

		if err := rows.Scan(&id, &seg.Start, &seg.Stop); err != nil {
			return nil, storageFailure(err, "failed to scan gauge event")
		}

		seg.ID = id.String()

		// Clip to the window; start order is preserved.
		if seg.Start.Before(start) {
			seg.Start = start.UTC()
		}

		if seg.Stop.After(stop) {
			seg.Stop = stop.UTC()
		}

		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "failed to iterate gauge events")
	}

	merged := timeline.Merge(segments)
	window := []timeline.Segment{{ID: "window", Start: start.UTC(), Stop: stop.UTC()}}

	return &Coverage{
		Segments: merged,
		Gaps:     timeline.Only(window, timeline.Segments(merged)),
		Seconds:  timeline.Duration(merged),
	}, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}

	return out
}

func sortedKeys(m map[string]query.Filter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
