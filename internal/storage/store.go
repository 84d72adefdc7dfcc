package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/aliasing"
	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
)

// IngestionStore implements engine.Store interface.
var _ engine.Store = (*IngestionStore)(nil)

type (
	// IngestionStore implements engine.Store with a PostgreSQL backend and
	// serves the query facade.
	//
	// Every operation runs in its own transaction:
	//   - Shared configuration rows: optimistic insert with lookup on conflict (getOrCreate)
	//   - Window and counter policies: serialized per gauge with a row lock
	//   - Key policies: optimistic, guarded by a partial unique index with one retry
	//   - Supersession: replaced rows move to SUPERSEDED before new rows are inserted
	IngestionStore struct {
		conn        *Connection
		logger      *slog.Logger
		resolver    *aliasing.Resolver
		checkpoint  Checkpoint
		lockTimeout time.Duration
		now         func() time.Time
	}

	// StoreOption configures optional IngestionStore behavior.
	StoreOption func(*IngestionStore)

	// Checkpoint is invoked at named points of an operation transaction, right
	// before optimistic inserts ("upsert:<table>", "events:keyed"). Tests use it
	// to force interleavings between concurrent operations.
	Checkpoint func(ctx context.Context, point string)
)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *IngestionStore) {
		s.logger = logger
	}
}

// WithAliasResolver sets the explicit reference resolver applied to query filters.
// If not set, filters are used as given.
//
// Example:
//
//	resolver := aliasing.NewResolver(cfg)
//	store, err := storage.NewIngestionStore(conn, storage.WithAliasResolver(resolver))
func WithAliasResolver(r *aliasing.Resolver) StoreOption {
	return func(s *IngestionStore) {
		s.resolver = r
	}
}

// WithCheckpoint installs a checkpoint callback.
func WithCheckpoint(cp Checkpoint) StoreOption {
	return func(s *IngestionStore) {
		s.checkpoint = cp
	}
}

// WithLockTimeout bounds the wait for gauge row locks. Zero waits forever.
func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *IngestionStore) {
		s.lockTimeout = d
	}
}

// NewIngestionStore creates a PostgreSQL-backed store.
// Returns ErrNoDatabaseConnection if connection is nil.
func NewIngestionStore(conn *Connection, opts ...StoreOption) (*IngestionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &IngestionStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		checkpoint:  func(context.Context, string) {},
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *IngestionStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// TreatOperation implements engine.Store interface.
//
// Steps, all in one transaction:
//  1. DIM signature and source, following the operation mode
//  2. insert_and_erase mode: supersede data of the DIM signature inside the source validity
//  3. explicit reference groups, explicit references and their links
//  4. gauges, insertion policies, events and their values
//  5. annotation configurations, annotations and their values
//  6. event links
//  7. alert groups, alert configurations and alerts
//  8. source marked ingested with the ingestion duration
//
// delete mode stops after superseding the events and annotations of the source.
func (s *IngestionStore) TreatOperation(ctx context.Context, op *engine.Operation) (*engine.Outcome, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation is nil", ErrOperationStoreFailed)
	}

	started := s.now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageFailure(err, "failed to begin transaction")
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, storageFailure(err, "failed to set lock timeout")
		}
	}

	w := &operationTx{
		store: s,
		tx:    tx,
		op:    op,
		outcome: &engine.Outcome{
			EventIDs:      make(map[int]uuid.UUID),
			AnnotationIDs: make(map[int]uuid.UUID),
		},
	}

	if err := w.apply(ctx); err != nil {
		return nil, storageFailure(err, "operation rolled back")
	}

	if op.Mode != engine.ModeDelete {
		if err := w.markIngested(ctx, s.now().Sub(started)); err != nil {
			return nil, storageFailure(err, "failed to mark source ingested")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageFailure(err, "failed to commit operation")
	}

	s.logger.Info("Operation stored",
		slog.String("mode", string(op.Mode)),
		slog.String("source", op.Source.Name),
		slog.String("dim_signature", op.DimSignature.Name),
		slog.Int("events", len(w.outcome.EventIDs)),
		slog.Int("annotations", len(w.outcome.AnnotationIDs)),
		slog.Int("superseded", w.outcome.Superseded),
		slog.Int("discarded", w.outcome.Discarded),
		slog.Duration("duration", s.now().Sub(started)),
	)

	return w.outcome, nil
}

// RecordIngestionError implements engine.Store interface.
// The source row is created or updated with ingestion_error=true in its own
// transaction, so the failure stays visible after the operation rolled back.
func (s *IngestionStore) RecordIngestionError(ctx context.Context, op *engine.Operation, cause error) error {
	if op == nil {
		return fmt.Errorf("%w: operation is nil", ErrOperationStoreFailed)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrOperationStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	dimID, _, err := s.getOrCreate(ctx, tx, dimSignatureTarget(op.DimSignature))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOperationStoreFailed, err)
	}

	src := op.Source

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sources (
			source_uuid, name, dim_signature_uuid, processor, processor_version,
			validity_start, validity_stop, reception_time, generation_time,
			priority, ingested, ingestion_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, TRUE)
		ON CONFLICT (name, dim_signature_uuid) DO UPDATE
		SET ingestion_error = TRUE`,
		uuid.New(), src.Name, dimID, op.DimSignature.Exec, op.DimSignature.Version,
		src.ValidityStart.UTC(), src.ValidityStop.UTC(), src.ReceptionTime.UTC(), src.GenerationTime.UTC(),
		nullInt(src.Priority),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record ingestion error: %w", ErrOperationStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperationStoreFailed, err)
	}

	s.logger.Warn("Recorded ingestion error",
		slog.String("source", src.Name),
		slog.String("dim_signature", op.DimSignature.Name),
		slog.String("cause", cause.Error()),
	)

	return nil
}

// operationTx carries the state of one operation transaction.
type operationTx struct {
	store   *IngestionStore
	tx      *sql.Tx
	op      *engine.Operation
	outcome *engine.Outcome

	dimID    uuid.UUID
	sourceID uuid.UUID
	refs     map[string]uuid.UUID
}

func (w *operationTx) apply(ctx context.Context) error {
	var err error

	w.dimID, _, err = w.store.getOrCreate(ctx, w.tx, dimSignatureTarget(w.op.DimSignature))
	if err != nil {
		return err
	}

	if err := w.resolveSource(ctx); err != nil {
		return err
	}

	w.outcome.SourceID = w.sourceID

	switch w.op.Mode {
	case engine.ModeDelete:
		return w.supersedeSourceData(ctx)
	case engine.ModeInsertAndErase:
		if err := w.eraseDimSignatureWindow(ctx); err != nil {
			return err
		}
	}

	steps := []func(context.Context) error{
		w.explicitRefs,
		w.events,
		w.annotations,
		w.links,
		w.alerts,
	}

	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}

	return nil
}

func dimSignatureTarget(dim engine.DimSignature) upsertTarget {
	return upsertTarget{
		table:      "dim_signatures",
		idColumn:   "dim_signature_uuid",
		keyColumns: []string{"dim_signature"},
		keyValues:  []any{dim.Name},
	}
}

// resolveSource creates or locks the source row according to the operation mode.
//
//   - insert: the source may exist only if it was never fully ingested (SourceAlreadyIngested)
//   - insert_and_erase: the source may exist; its previous data is superseded later
//   - update, delete: the source must exist (UndefinedSource)
func (w *operationTx) resolveSource(ctx context.Context) error {
	src := w.op.Source

	var (
		ingested bool
		found    bool
	)

	err := w.tx.QueryRowContext(ctx, `
		SELECT source_uuid, ingested FROM sources
		WHERE name = $1 AND dim_signature_uuid = $2
		FOR UPDATE`,
		src.Name, w.dimID,
	).Scan(&w.sourceID, &ingested)

	switch {
	case err == nil:
		found = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("lookup source: %w", err)
	}

	switch w.op.Mode {
	case engine.ModeUpdate, engine.ModeDelete:
		if !found {
			return faults.Newf(faults.UndefinedSource, "%s mode requires an existing source", w.op.Mode).
				With("source", src.Name).
				With("dim_signature", w.op.DimSignature.Name)
		}

		return nil
	case engine.ModeInsert:
		if found && ingested {
			return faults.New(faults.SourceAlreadyIngested, "source already ingested").
				With("source", src.Name).
				With("dim_signature", w.op.DimSignature.Name)
		}
	}

	if found {
		return w.updateSource(ctx)
	}

	// A concurrent operation may create the same source between the lookup and
	// the insert; getOrCreate settles the race and the row is then updated.
	id, created, err := w.store.getOrCreate(ctx, w.tx, upsertTarget{
		table:      "sources",
		idColumn:   "source_uuid",
		keyColumns: []string{"name", "dim_signature_uuid"},
		keyValues:  []any{src.Name, w.dimID},
		columns: []string{
			"processor", "processor_version", "validity_start", "validity_stop",
			"reception_time", "generation_time",
		},
		values: []any{
			w.op.DimSignature.Exec, w.op.DimSignature.Version, src.ValidityStart.UTC(), src.ValidityStop.UTC(),
			src.ReceptionTime.UTC(), src.GenerationTime.UTC(),
		},
	})
	if err != nil {
		return err
	}

	w.sourceID = id

	if !created && w.op.Mode == engine.ModeInsert {
		if err := w.tx.QueryRowContext(ctx,
			"SELECT ingested FROM sources WHERE source_uuid = $1 FOR UPDATE", id,
		).Scan(&ingested); err != nil {
			return fmt.Errorf("lock source: %w", err)
		}

		if ingested {
			return faults.New(faults.SourceAlreadyIngested, "source ingested by a concurrent operation").
				With("source", src.Name).
				With("dim_signature", w.op.DimSignature.Name)
		}
	}

	return w.updateSource(ctx)
}

func (w *operationTx) updateSource(ctx context.Context) error {
	src := w.op.Source

	_, err := w.tx.ExecContext(ctx, `
		UPDATE sources SET
			processor = $2,
			processor_version = $3,
			validity_start = $4,
			validity_stop = $5,
			reported_validity_start = $6,
			reported_validity_stop = $7,
			reception_time = $8,
			generation_time = $9,
			reported_generation_time = $10,
			priority = $11,
			processor_progress = $12,
			ingestion_completeness = $13,
			ingestion_completeness_message = $14,
			ingestion_error = FALSE
		WHERE source_uuid = $1`,
		w.sourceID,
		w.op.DimSignature.Exec,
		w.op.DimSignature.Version,
		src.ValidityStart.UTC(),
		src.ValidityStop.UTC(),
		nullTime(src.ReportedValidityStart),
		nullTime(src.ReportedValidityStop),
		src.ReceptionTime.UTC(),
		src.GenerationTime.UTC(),
		nullTime(src.ReportedGenerationTime),
		nullInt(src.Priority),
		nullFloat(src.ProcessorProgress),
		nullBool(src.IngestionCompleteness),
		nullString(src.IngestionCompletenessMessage),
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}

	return nil
}

func (w *operationTx) markIngested(ctx context.Context, elapsed time.Duration) error {
	_, err := w.tx.ExecContext(ctx, `
		UPDATE sources
		SET ingested = $2, ingestion_error = FALSE, ingestion_duration = $3,
			ingestion_time = (NOW() AT TIME ZONE 'UTC')
		WHERE source_uuid = $1`,
		w.sourceID, w.op.Source.Ingested, elapsed.Seconds(),
	)

	return err
}

// supersedeSourceData supersedes every ACTIVE event and annotation of the source.
func (w *operationTx) supersedeSourceData(ctx context.Context) error {
	events, err := w.exec(ctx, `
		UPDATE events SET status = 'SUPERSEDED'
		WHERE source_uuid = $1 AND status = 'ACTIVE'`, w.sourceID)
	if err != nil {
		return fmt.Errorf("supersede source events: %w", err)
	}

	annotations, err := w.exec(ctx, `
		UPDATE annotations SET status = 'SUPERSEDED'
		WHERE source_uuid = $1 AND status = 'ACTIVE'`, w.sourceID)
	if err != nil {
		return fmt.Errorf("supersede source annotations: %w", err)
	}

	w.superseded("source deleted", events+annotations)

	return nil
}

// eraseDimSignatureWindow supersedes the previous data of the source and the
// ACTIVE data of other sources of the same DIM signature intersecting the
// source validity.
func (w *operationTx) eraseDimSignatureWindow(ctx context.Context) error {
	src := w.op.Source

	events, err := w.exec(ctx, `
		UPDATE events e SET status = 'SUPERSEDED'
		FROM sources s
		WHERE e.source_uuid = s.source_uuid
		  AND s.dim_signature_uuid = $1
		  AND e.status = 'ACTIVE'
		  AND (e.source_uuid = $2 OR (e.start < $4 AND e.stop > $3))`,
		w.dimID, w.sourceID, src.ValidityStart.UTC(), src.ValidityStop.UTC())
	if err != nil {
		return fmt.Errorf("erase events of dim signature: %w", err)
	}

	annotations, err := w.exec(ctx, `
		UPDATE annotations a SET status = 'SUPERSEDED'
		FROM sources s
		WHERE a.source_uuid = s.source_uuid
		  AND s.dim_signature_uuid = $1
		  AND a.status = 'ACTIVE'
		  AND (a.source_uuid = $2 OR (s.validity_start < $4 AND s.validity_stop > $3))`,
		w.dimID, w.sourceID, src.ValidityStart.UTC(), src.ValidityStop.UTC())
	if err != nil {
		return fmt.Errorf("erase annotations of dim signature: %w", err)
	}

	w.superseded("insert_and_erase mode", events+annotations)

	return nil
}

func (w *operationTx) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := w.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()

	return int(n), err
}

func (w *operationTx) superseded(reason string, n int) {
	if n == 0 {
		return
	}

	w.outcome.Superseded += n

	w.store.logger.Info("Superseded stored data",
		slog.String("reason", reason),
		slog.String("source", w.op.Source.Name),
		slog.Int("rows", n),
	)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}

	return sql.NullBool{Bool: *b, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
