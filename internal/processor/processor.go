// Package processor treats operation documents.
//
// Each operation of a document is decoded, validated, clipped to its source
// validity, checked against the insertion policies and link rules, and handed
// to an engine.Store that applies it in one transaction. Operations are
// independent: every one gets its own status, and a failing operation never
// prevents its siblings from being stored.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/aliasing"
	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/links"
	"github.com/eboa-io/eboa/internal/policy"
	"github.com/eboa-io/eboa/internal/valuetree"
)

// ErrNoStore is returned when a processor is created without a store.
var ErrNoStore = errors.New("processor requires a store")

type (
	// Processor treats operation documents against an engine.Store.
	// A Processor is safe for concurrent use; each document keeps its own link registry.
	Processor struct {
		store     engine.Store
		validator *engine.Validator
		resolver  *aliasing.Resolver
		logger    *slog.Logger
	}

	// Option configures optional Processor behavior.
	Option func(*Processor)
)

// WithLogger sets the logger used by the processor.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithAliasResolver rewrites explicit reference names to their canonical form
// before an operation is stored.
func WithAliasResolver(r *aliasing.Resolver) Option {
	return func(p *Processor) {
		p.resolver = r
	}
}

// New creates a Processor.
// Returns ErrNoStore if store is nil.
func New(store engine.Store, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	p := &Processor{
		store:     store,
		validator: engine.NewValidator(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// TreatJSON decodes and treats a JSON operation document.
// A document that cannot be decoded yields a single FileNotValid status.
func (p *Processor) TreatJSON(ctx context.Context, data []byte) []engine.Status {
	doc, err := engine.DecodeDocument(data)
	if err != nil {
		p.logger.Warn("Rejected document", slog.String("error", err.Error()))

		return []engine.Status{engine.NewStatus(err)}
	}

	return p.Treat(ctx, doc)
}

// Treat treats every operation of a document in order and returns one status
// per operation.
//
// Events committed by an operation can be linked by_ref from the following
// operations of the same document.
func (p *Processor) Treat(ctx context.Context, doc *engine.Document) []engine.Status {
	if doc == nil {
		return []engine.Status{engine.NewStatus(faults.New(faults.FileNotValid, "document is empty"))}
	}

	registry := links.NewRegistry()
	statuses := make([]engine.Status, len(doc.Operations))

	for i, raw := range doc.Operations {
		started := time.Now()
		err := p.treatOperation(ctx, raw, i, registry)
		statuses[i] = engine.NewStatus(err)

		if err != nil {
			p.logger.Warn("Operation rejected",
				slog.Int("operation", i),
				slog.Int("status", statuses[i].Status),
				slog.String("error", err.Error()),
			)

			continue
		}

		p.logger.Info("Operation treated",
			slog.Int("operation", i),
			slog.Duration("duration", time.Since(started)),
		)
	}

	return statuses
}

func (p *Processor) treatOperation(ctx context.Context, raw json.RawMessage, index int, registry *links.Registry) error {
	req, err := engine.DecodeOperation(raw, index)
	if err != nil {
		return err
	}

	op, err := p.validator.Convert(req)
	if err != nil {
		return err
	}

	outcome, err := p.apply(ctx, op, registry)
	if err != nil {
		p.recordIngestionError(ctx, op, err)

		return err
	}

	for _, e := range op.Events {
		if id, ok := outcome.EventIDs[e.Index]; ok {
			registry.Register(e.LinkRef, id)
		}
	}

	return nil
}

// apply runs the checks that need a converted operation and stores it.
func (p *Processor) apply(ctx context.Context, op *engine.Operation, registry *links.Registry) (*engine.Outcome, error) {
	if err := p.validator.CheckPeriods(op); err != nil {
		return nil, err
	}

	// Policies and link references are checked on the events as declared:
	// clipping must not hide a faulty operation.
	if err := policy.Validate(op.Source, op.Events); err != nil {
		return nil, err
	}

	if err := policy.ValidateAnnotations(op.Source, op.Annotations); err != nil {
		return nil, err
	}

	if _, err := links.CheckRefs(op.Events, registry); err != nil {
		return nil, err
	}

	kept, repairs := engine.ClipEvents(op.Events, op.Source.ValidityStart, op.Source.ValidityStop)
	for _, r := range repairs {
		p.logger.Info("Event clipped to source validity",
			slog.String("source", op.Source.Name),
			slog.Int("event", r.Index),
			slog.String("repair", r.Kind),
			slog.Time("start", r.Start),
			slog.Time("stop", r.Stop),
		)
	}

	dropped := engine.DroppedLinkRefs(op.Events, repairs)
	op.Events = kept

	p.resolveAliases(op)

	plan, err := links.Plan(op.Events, registry, dropped)
	if err != nil {
		return nil, err
	}

	if plan.Skipped > 0 {
		p.logger.Info("Skipped links to clipped events",
			slog.String("source", op.Source.Name),
			slog.Int("skipped", plan.Skipped),
		)
	}

	op.Links = plan.Edges

	return p.store.TreatOperation(ctx, op)
}

// recordIngestionError flags the source of a failed operation.
//
// Nothing is recorded when the source cannot be stored (invalid validity) or
// when the failure concerns the source row itself (already ingested, undefined).
func (p *Processor) recordIngestionError(ctx context.Context, op *engine.Operation, cause error) {
	switch faults.CodeOf(cause) {
	case faults.SourceAlreadyIngested, faults.UndefinedSource:
		return
	}

	if !op.Source.ValidityStop.After(op.Source.ValidityStart) {
		return
	}

	if err := p.store.RecordIngestionError(ctx, op, cause); err != nil {
		p.logger.Error("Failed to record ingestion error",
			slog.String("source", op.Source.Name),
			slog.String("error", err.Error()),
		)
	}
}

// resolveAliases rewrites every explicit reference name of the operation.
func (p *Processor) resolveAliases(op *engine.Operation) {
	if p.resolver == nil {
		return
	}

	resolve := p.resolver.Resolve

	for i := range op.ExplicitRefs {
		er := &op.ExplicitRefs[i]
		er.Name = resolve(er.Name)

		for j := range er.Links {
			er.Links[j].Link = resolve(er.Links[j].Link)
		}
	}

	for i := range op.Events {
		if op.Events[i].ExplicitRef != "" {
			op.Events[i].ExplicitRef = resolve(op.Events[i].ExplicitRef)
		}
	}

	for i := range op.Annotations {
		op.Annotations[i].ExplicitRef = resolve(op.Annotations[i].ExplicitRef)
	}

	for i := range op.Alerts {
		entity := &op.Alerts[i].Entity
		if entity.Type == engine.EntityExplicitRef && entity.Mode == engine.ByRef {
			entity.Reference = resolve(entity.Reference)
		}
	}
}

// InsertEventValues appends a value tree to a stored event.
// The tree is coerced first; an invalid node rejects the whole tree.
func (p *Processor) InsertEventValues(ctx context.Context, eventID uuid.UUID, nodes []valuetree.Node) error {
	rows, err := valuetree.Flatten(nodes)
	if err != nil {
		return err
	}

	if err := p.store.InsertEventValues(ctx, eventID, rows); err != nil {
		return err
	}

	p.logger.Debug("Event values appended",
		slog.String("event_uuid", eventID.String()),
		slog.Int("rows", len(rows)),
	)

	return nil
}

// HealthCheck verifies the store is reachable.
func (p *Processor) HealthCheck(ctx context.Context) error {
	return p.store.HealthCheck(ctx)
}
