// Package engine provides the domain model of the EBOA ingestion engine.
//
// An operation document is decoded into wire types (document.go), checked and
// converted into the domain types below by the Validator, and handed to a Store
// which applies it in a single transaction. The package holds no storage code:
// the Store interface states what the engine needs and internal/storage
// provides the PostgreSQL implementation.
package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/valuetree"
)

type (
	// Mode is the treatment applied to the source of an operation.
	Mode string

	// InsertionType is the policy governing how new events of a gauge interact
	// with stored events of the same gauge.
	InsertionType string

	// EntityStatus replaces the visibility flag of events and annotations.
	// Superseded rows are kept so links pointing at them stay resolvable.
	EntityStatus string

	// LinkMode tells how a link or alert target is referenced.
	LinkMode string

	// EntityType names the kind of entity an alert is attached to.
	EntityType string

	// Severity is the alert severity. Values are ordered from least to most severe.
	Severity int
)

// Operation modes.
const (
	ModeInsert         Mode = "insert"
	ModeInsertAndErase Mode = "insert_and_erase"
	ModeUpdate         Mode = "update"
	ModeDelete         Mode = "delete"
)

// Insertion types.
const (
	SimpleInsert                       InsertionType = "SIMPLE_INSERT"
	InsertAndErase                     InsertionType = "INSERT_and_ERASE"
	InsertAndEraseWithPriority         InsertionType = "INSERT_and_ERASE_with_PRIORITY"
	InsertAndErasePerEvent             InsertionType = "INSERT_and_ERASE_per_EVENT"
	InsertAndErasePerEventWithPriority InsertionType = "INSERT_and_ERASE_per_EVENT_with_PRIORITY"
	EventKeys                          InsertionType = "EVENT_KEYS"
	EventKeysWithPriority              InsertionType = "EVENT_KEYS_with_PRIORITY"
	SetCounter                         InsertionType = "SET_COUNTER"
	UpdateCounter                      InsertionType = "UPDATE_COUNTER"
)

// Entity statuses.
const (
	StatusActive     EntityStatus = "ACTIVE"
	StatusSuperseded EntityStatus = "SUPERSEDED"
)

// Link modes.
const (
	ByRef  LinkMode = "by_ref"
	ByUUID LinkMode = "by_uuid"
)

// Alert entity types.
const (
	EntityEvent       EntityType = "event"
	EntityAnnotation  EntityType = "annotation"
	EntitySource      EntityType = "source"
	EntityExplicitRef EntityType = "explicit_ref"
)

// Alert severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityMinor
	SeverityMajor
	SeverityCritical
	SeverityFatal
)

var severityNames = []string{"info", "warning", "minor", "major", "critical", "fatal"}

type (
	// Operation is one validated unit of work of a document. It is applied
	// atomically: either everything it describes is stored or nothing is.
	Operation struct {
		Mode         Mode
		DimSignature DimSignature
		Source       Source
		ExplicitRefs []ExplicitRef
		Events       []Event
		Annotations  []Annotation
		Alerts       []Alert

		// Links holds the resolved event link edges. It is filled by the link
		// planner after validation and before the operation reaches the store.
		Links []LinkEdge
	}

	// DimSignature identifies the processing chain that produced a source.
	DimSignature struct {
		Name    string
		Exec    string
		Version string
	}

	// Source is the metadata of one processing run.
	Source struct {
		Name                         string
		ReceptionTime                time.Time
		GenerationTime               time.Time
		ValidityStart                time.Time
		ValidityStop                 time.Time
		ReportedValidityStart        *time.Time
		ReportedValidityStop         *time.Time
		ReportedGenerationTime       *time.Time
		Priority                     *int
		Ingested                     bool
		ProcessorProgress            *float64
		IngestionCompleteness        *bool
		IngestionCompletenessMessage string
	}

	// Gauge is the event channel an event belongs to.
	Gauge struct {
		Name          string
		System        string
		InsertionType InsertionType
	}

	// Event is a time-bounded fact. Index is the position of the event in the
	// operation as received and survives clipping so links keep their targets.
	Event struct {
		Index       int
		Gauge       Gauge
		Start       time.Time
		Stop        time.Time
		Key         string
		LinkRef     string
		ExplicitRef string
		Links       []EventLink
		Values      []valuetree.Row
	}

	// EventLink is a link declaration of an event.
	// Target is set for by_uuid links; by_ref links use Link.
	EventLink struct {
		Link    string
		Mode    LinkMode
		Name    string
		BackRef string
		Target  uuid.UUID
	}

	// AnnotationConfig is the channel an annotation belongs to.
	AnnotationConfig struct {
		Name          string
		System        string
		Description   string
		InsertionType InsertionType
	}

	// Annotation is a point-scoped fact attached to an explicit reference.
	Annotation struct {
		Index       int
		ExplicitRef string
		Config      AnnotationConfig
		Values      []valuetree.Row
	}

	// ExplicitRef is a named physical or logical entity.
	ExplicitRef struct {
		Name  string
		Group string
		Links []ExplicitRefLink
	}

	// ExplicitRefLink links an explicit reference to the one named by Link.
	ExplicitRefLink struct {
		Link    string
		Name    string
		BackRef string
	}

	// AlertConfig is the definition shared by every alert with the same name.
	AlertConfig struct {
		Name        string
		Severity    Severity
		Description string
		Group       string
	}

	// AlertEntity points an alert at the entity it concerns.
	AlertEntity struct {
		Mode      LinkMode
		Reference string
		Type      EntityType
	}

	// Alert is a notification attached to an event, annotation, source or explicit reference.
	Alert struct {
		Message          string
		Generator        string
		NotificationTime time.Time
		Config           AlertConfig
		Entity           AlertEntity
	}

	// Endpoint is one end of a link edge: either an event of the operation
	// being treated (Index >= 0) or an already stored event (ID).
	Endpoint struct {
		Index int
		ID    uuid.UUID
	}

	// LinkEdge is a directed, named edge between two events.
	LinkEdge struct {
		From Endpoint
		To   Endpoint
		Name string
	}
)

// ValidModes returns every operation mode.
func ValidModes() []Mode {
	return []Mode{ModeInsert, ModeInsertAndErase, ModeUpdate, ModeDelete}
}

// IsValid checks if the mode is known.
func (m Mode) IsValid() bool {
	for _, valid := range ValidModes() {
		if m == valid {
			return true
		}
	}

	return false
}

// ValidInsertionTypes returns every event insertion type.
func ValidInsertionTypes() []InsertionType {
	return []InsertionType{
		SimpleInsert,
		InsertAndErase,
		InsertAndEraseWithPriority,
		InsertAndErasePerEvent,
		InsertAndErasePerEventWithPriority,
		EventKeys,
		EventKeysWithPriority,
		SetCounter,
		UpdateCounter,
	}
}

// IsValid checks if the insertion type is known.
func (it InsertionType) IsValid() bool {
	for _, valid := range ValidInsertionTypes() {
		if it == valid {
			return true
		}
	}

	return false
}

// IsValidForAnnotations checks if the insertion type applies to annotations.
// Annotations have no key, no counter and no time window.
func (it InsertionType) IsValidForAnnotations() bool {
	return it == SimpleInsert || it == InsertAndErase || it == InsertAndEraseWithPriority
}

// RequiresPriority reports whether the source must declare a priority.
func (it InsertionType) RequiresPriority() bool {
	switch it {
	case InsertAndEraseWithPriority, InsertAndErasePerEventWithPriority, EventKeysWithPriority:
		return true
	}

	return false
}

// ErasesSourceWindow reports whether the policy supersedes events intersecting
// the source validity.
func (it InsertionType) ErasesSourceWindow() bool {
	return it == InsertAndErase || it == InsertAndEraseWithPriority
}

// ErasesEventWindow reports whether the policy supersedes events intersecting
// each incoming event.
func (it InsertionType) ErasesEventWindow() bool {
	return it == InsertAndErasePerEvent || it == InsertAndErasePerEventWithPriority
}

// UsesKeys reports whether the policy supersedes by business key.
func (it InsertionType) UsesKeys() bool {
	return it == EventKeys || it == EventKeysWithPriority
}

// IsCounter reports whether the policy is counter bookkeeping.
func (it InsertionType) IsCounter() bool {
	return it == SetCounter || it == UpdateCounter
}

// LocksGauge reports whether events of the policy must be applied under a
// gauge row lock. Window and counter policies read a range of existing rows
// that a unique index cannot protect.
func (it InsertionType) LocksGauge() bool {
	return it.ErasesSourceWindow() || it.ErasesEventWindow() || it.IsCounter()
}

// ParseSeverity converts a severity name into a Severity.
func ParseSeverity(name string) (Severity, bool) {
	for i, s := range severityNames {
		if s == name {
			return Severity(i), true
		}
	}

	return 0, false
}

// String returns the severity name.
func (s Severity) String() string {
	if int(s) >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}

	return "unknown"
}

// IsValid checks if the entity type is known.
func (et EntityType) IsValid() bool {
	switch et {
	case EntityEvent, EntityAnnotation, EntitySource, EntityExplicitRef:
		return true
	}

	return false
}

// Bounds returns the event interval.
func (e Event) Bounds() (time.Time, time.Time) {
	return e.Start, e.Stop
}

// PriorityValue returns the source priority, or 0 when none is declared.
func (s Source) PriorityValue() int {
	if s.Priority == nil {
		return 0
	}

	return *s.Priority
}

// InBatch reports whether the endpoint is an event of the operation being treated.
func (ep Endpoint) InBatch() bool {
	return ep.Index >= 0
}

// BatchEndpoint returns the endpoint of the event at the given index.
func BatchEndpoint(index int) Endpoint {
	return Endpoint{Index: index}
}

// StoredEndpoint returns the endpoint of an already stored event.
func StoredEndpoint(id uuid.UUID) Endpoint {
	return Endpoint{Index: -1, ID: id}
}

// ExplicitRefNames returns the sorted, deduplicated explicit reference names
// the operation references, including link targets and event/annotation refs.
func (op *Operation) ExplicitRefNames() []string {
	seen := make(map[string]bool)

	var names []string

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, er := range op.ExplicitRefs {
		add(er.Name)

		for _, l := range er.Links {
			add(l.Link)
		}
	}

	for _, e := range op.Events {
		add(e.ExplicitRef)
	}

	for _, a := range op.Annotations {
		add(a.ExplicitRef)
	}

	for _, a := range op.Alerts {
		if a.Entity.Type == EntityExplicitRef && a.Entity.Mode == ByRef {
			add(a.Entity.Reference)
		}
	}

	sort.Strings(names)

	return names
}
