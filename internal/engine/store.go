package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/valuetree"
)

// Store defines the persistence the engine needs.
//
// The domain package defines this interface to specify what it needs, without
// depending on concrete implementations. internal/storage provides the
// PostgreSQL implementation.
//
// Implementations must support:
//   - Atomicity: an operation is either fully applied or fully rolled back
//   - Concurrency: shared configuration rows are created with an insert-first,
//     lookup-on-conflict protocol so concurrent operations never abort on them
//   - Supersession: replaced events and annotations are marked SUPERSEDED before
//     new ones are inserted, never deleted
type Store interface {
	// TreatOperation applies a validated operation in a single transaction.
	//
	// The operation has already passed structural, value, temporal, policy and
	// link validation; the store resolves the DIM signature and the source,
	// creates explicit references, gauges and configurations, applies the
	// insertion policies, inserts annotations, links and alerts, and marks the
	// source ingested.
	//
	// Returns faults errors for storage-dependent failures (SourceAlreadyIngested,
	// UndefinedSource, CounterNotSet, UndefinedEventLink, UndefinedEntityReference).
	TreatOperation(ctx context.Context, op *Operation) (*Outcome, error)

	// RecordIngestionError marks the source of a failed operation with
	// ingestion_error=true in its own transaction.
	RecordIngestionError(ctx context.Context, op *Operation, cause error) error

	// InsertEventValues appends a value tree to a stored event.
	InsertEventValues(ctx context.Context, eventID uuid.UUID, rows []valuetree.Row) error

	// HealthCheck verifies the storage backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Outcome reports what an applied operation stored.
type Outcome struct {
	SourceID uuid.UUID

	// EventIDs maps the index of each stored event to its identifier. Events
	// dropped by a priority policy are absent; an event split in fragments
	// maps to its first fragment.
	EventIDs map[int]uuid.UUID

	AnnotationIDs map[int]uuid.UUID

	// Superseded counts the events and annotations this operation superseded.
	Superseded int

	// Discarded counts incoming events a stronger stored event fully covered.
	Discarded int
}
