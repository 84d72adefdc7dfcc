package engine

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/valuetree"
)

const maxProcessorProgress = 100

// Validator converts operation requests into domain operations.
//
// Checks run in three passes, each before any storage is touched:
//  1. Structure: mandatory fields, enumerations, identifiers and dates (FileNotValid, WrongSeverity).
//  2. Values: typed value trees are flattened and coerced (InvalidValue, OddNumberOfCoordinates).
//  3. Time: source validity, reported validity and event periods (WrongPeriod, WrongReportedValidityPeriod).
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// Operation validates a decoded operation and returns its domain form.
func (v *Validator) Operation(req *OperationRequest) (*Operation, error) {
	op, err := v.Convert(req)
	if err != nil {
		return nil, err
	}

	if err := v.CheckPeriods(op); err != nil {
		return nil, err
	}

	return op, nil
}

// CheckPeriods validates the temporal invariants of an operation.
func (v *Validator) CheckPeriods(op *Operation) error {
	src := op.Source

	if !src.ValidityStop.After(src.ValidityStart) {
		return faults.New(faults.WrongPeriod, "source validity_stop must be greater than validity_start").
			With("source", src.Name).
			With("validity_start", formatTime(src.ValidityStart)).
			With("validity_stop", formatTime(src.ValidityStop))
	}

	if src.ReportedValidityStart != nil && src.ReportedValidityStop != nil &&
		!src.ReportedValidityStop.After(*src.ReportedValidityStart) {
		return faults.New(faults.WrongReportedValidityPeriod,
			"source reported_validity_stop must be greater than reported_validity_start").
			With("source", src.Name).
			With("reported_validity_start", formatTime(*src.ReportedValidityStart)).
			With("reported_validity_stop", formatTime(*src.ReportedValidityStop))
	}

	for _, e := range op.Events {
		if !e.Stop.After(e.Start) {
			return faults.New(faults.WrongPeriod, "event stop must be greater than start").
				With("event", strconv.Itoa(e.Index)).
				With("gauge", e.Gauge.Name).
				With("start", formatTime(e.Start)).
				With("stop", formatTime(e.Stop))
		}
	}

	return nil
}

// Convert runs the structural and value passes only. The returned operation
// has not been checked by CheckPeriods.
func (v *Validator) Convert(req *OperationRequest) (*Operation, error) {
	if req == nil {
		return nil, faults.New(faults.FileNotValid, "operation is empty")
	}

	mode := Mode(req.Mode)
	if !mode.IsValid() {
		return nil, faults.Newf(faults.FileNotValid, "unknown mode %q", req.Mode)
	}

	dim, err := convertDimSignature(req.DimSignature)
	if err != nil {
		return nil, err
	}

	src, err := convertSource(req.Source)
	if err != nil {
		return nil, err
	}

	op := &Operation{Mode: mode, DimSignature: dim, Source: src}

	for i := range req.ExplicitReferences {
		er, err := convertExplicitRef(&req.ExplicitReferences[i], i)
		if err != nil {
			return nil, err
		}

		op.ExplicitRefs = append(op.ExplicitRefs, er)
	}

	for i := range req.Events {
		e, err := convertEvent(&req.Events[i], i)
		if err != nil {
			return nil, err
		}

		op.Events = append(op.Events, e)
	}

	for i := range req.Annotations {
		a, err := convertAnnotation(&req.Annotations[i], i)
		if err != nil {
			return nil, err
		}

		op.Annotations = append(op.Annotations, a)
	}

	for i := range req.Alerts {
		a, err := convertAlert(&req.Alerts[i], i)
		if err != nil {
			return nil, err
		}

		op.Alerts = append(op.Alerts, a)
	}

	if mode == ModeDelete && (len(op.Events) > 0 || len(op.Annotations) > 0) {
		return nil, faults.New(faults.FileNotValid, "delete operations cannot carry events or annotations").
			With("source", src.Name)
	}

	return op, nil
}

func convertDimSignature(req *DimSignatureRequest) (DimSignature, error) {
	if req == nil {
		return DimSignature{}, faults.New(faults.FileNotValid, "dim_signature is required")
	}

	if err := required("dim_signature", "name", req.Name, "exec", req.Exec, "version", req.Version); err != nil {
		return DimSignature{}, err
	}

	return DimSignature{Name: req.Name, Exec: req.Exec, Version: req.Version}, nil
}

func convertSource(req *SourceRequest) (Source, error) {
	if req == nil {
		return Source{}, faults.New(faults.FileNotValid, "source is required")
	}

	if strings.TrimSpace(req.Name) == "" {
		return Source{}, faults.New(faults.FileNotValid, "source name is required")
	}

	src := Source{
		Name:                         req.Name,
		Priority:                     req.Priority,
		Ingested:                     req.Ingested == nil || *req.Ingested,
		ProcessorProgress:            req.ProcessorProgress,
		IngestionCompleteness:        req.IngestionCompleteness,
		IngestionCompletenessMessage: req.IngestionCompletenessMessage,
	}

	mandatory := []struct {
		field string
		value string
		dst   *time.Time
	}{
		{"reception_time", req.ReceptionTime, &src.ReceptionTime},
		{"generation_time", req.GenerationTime, &src.GenerationTime},
		{"validity_start", req.ValidityStart, &src.ValidityStart},
		{"validity_stop", req.ValidityStop, &src.ValidityStop},
	}

	for _, m := range mandatory {
		t, err := parseDate("source", m.field, m.value)
		if err != nil {
			return Source{}, err
		}

		*m.dst = t
	}

	optional := []struct {
		field string
		value string
		dst   **time.Time
	}{
		{"reported_validity_start", req.ReportedValidityStart, &src.ReportedValidityStart},
		{"reported_validity_stop", req.ReportedValidityStop, &src.ReportedValidityStop},
		{"reported_generation_time", req.ReportedGenerationTime, &src.ReportedGenerationTime},
	}

	for _, o := range optional {
		if o.value == "" {
			continue
		}

		t, err := parseDate("source", o.field, o.value)
		if err != nil {
			return Source{}, err
		}

		*o.dst = &t
	}

	if p := req.ProcessorProgress; p != nil && (*p < 0 || *p > maxProcessorProgress) {
		return Source{}, faults.Newf(faults.FileNotValid, "processor_progress %v is outside [0, 100]", *p).
			With("source", req.Name)
	}

	return src, nil
}

func convertExplicitRef(req *ExplicitRefRequest, index int) (ExplicitRef, error) {
	if strings.TrimSpace(req.Name) == "" {
		return ExplicitRef{}, faults.New(faults.FileNotValid, "explicit reference name is required").
			With("explicit_reference", strconv.Itoa(index))
	}

	er := ExplicitRef{Name: req.Name, Group: req.Group}

	for _, l := range req.Links {
		if l.Link == "" || l.Name == "" {
			return ExplicitRef{}, faults.New(faults.FileNotValid, "explicit reference link needs link and name").
				With("explicit_reference", req.Name)
		}

		er.Links = append(er.Links, ExplicitRefLink(l))
	}

	return er, nil
}

func convertEvent(req *EventRequest, index int) (Event, error) {
	at := strconv.Itoa(index)

	if req.Gauge == nil || req.Gauge.Name == "" || req.Gauge.System == "" {
		return Event{}, faults.New(faults.FileNotValid, "event gauge needs name and system").With("event", at)
	}

	it := InsertionType(req.Gauge.InsertionType)
	if req.Gauge.InsertionType == "" {
		it = SimpleInsert
	}

	if !it.IsValid() {
		return Event{}, faults.Newf(faults.FileNotValid, "unknown insertion_type %q", req.Gauge.InsertionType).
			With("event", at)
	}

	start, err := parseDate("event "+at, "start", req.Start)
	if err != nil {
		return Event{}, err
	}

	stop, err := parseDate("event "+at, "stop", req.Stop)
	if err != nil {
		return Event{}, err
	}

	e := Event{
		Index:       index,
		Gauge:       Gauge{Name: req.Gauge.Name, System: req.Gauge.System, InsertionType: it},
		Start:       start,
		Stop:        stop,
		Key:         req.Key,
		LinkRef:     req.LinkRef,
		ExplicitRef: req.ExplicitReference,
	}

	for _, l := range req.Links {
		link, err := convertEventLink(l, at)
		if err != nil {
			return Event{}, err
		}

		e.Links = append(e.Links, link)
	}

	rows, err := valuetree.Flatten(req.Values)
	if err != nil {
		return Event{}, withField(err, "event", at)
	}

	e.Values = rows

	return e, nil
}

func convertEventLink(req EventLinkRequest, event string) (EventLink, error) {
	if req.Link == "" || req.Name == "" {
		return EventLink{}, faults.New(faults.FileNotValid, "event link needs link and name").With("event", event)
	}

	link := EventLink{Link: req.Link, Mode: LinkMode(req.LinkMode), Name: req.Name, BackRef: req.BackRef}

	switch link.Mode {
	case ByRef:
	case ByUUID:
		id, err := uuid.Parse(req.Link)
		if err != nil {
			return EventLink{}, faults.Wrap(faults.FileNotValid, err, "by_uuid link is not a UUID").
				With("event", event).
				With("link", req.Link)
		}

		link.Target = id
	default:
		return EventLink{}, faults.Newf(faults.FileNotValid, "unknown link_mode %q", req.LinkMode).
			With("event", event)
	}

	return link, nil
}

func convertAnnotation(req *AnnotationRequest, index int) (Annotation, error) {
	at := strconv.Itoa(index)

	if req.ExplicitReference == "" {
		return Annotation{}, faults.New(faults.FileNotValid, "annotation explicit_reference is required").
			With("annotation", at)
	}

	if req.AnnotationCnf == nil || req.AnnotationCnf.Name == "" || req.AnnotationCnf.System == "" {
		return Annotation{}, faults.New(faults.FileNotValid, "annotation_cnf needs name and system").
			With("annotation", at)
	}

	it := InsertionType(req.AnnotationCnf.InsertionType)
	if req.AnnotationCnf.InsertionType == "" {
		it = SimpleInsert
	}

	if !it.IsValidForAnnotations() {
		return Annotation{}, faults.Newf(faults.FileNotValid, "insertion_type %q is not valid for annotations",
			req.AnnotationCnf.InsertionType).With("annotation", at)
	}

	rows, err := valuetree.Flatten(req.Values)
	if err != nil {
		return Annotation{}, withField(err, "annotation", at)
	}

	return Annotation{
		Index:       index,
		ExplicitRef: req.ExplicitReference,
		Config: AnnotationConfig{
			Name:          req.AnnotationCnf.Name,
			System:        req.AnnotationCnf.System,
			Description:   req.AnnotationCnf.Description,
			InsertionType: it,
		},
		Values: rows,
	}, nil
}

func convertAlert(req *AlertRequest, index int) (Alert, error) {
	at := strconv.Itoa(index)

	if req.AlertCnf == nil || req.AlertCnf.Name == "" {
		return Alert{}, faults.New(faults.FileNotValid, "alert_cnf name is required").With("alert", at)
	}

	if strings.TrimSpace(req.AlertCnf.Group) == "" {
		return Alert{}, faults.New(faults.FileNotValid, "alert_cnf group is required").
			With("alert", at).
			With("alert_cnf", req.AlertCnf.Name)
	}

	if req.Entity == nil || req.Entity.Reference == "" {
		return Alert{}, faults.New(faults.FileNotValid, "alert entity reference is required").With("alert", at)
	}

	if req.Message == "" || req.Generator == "" {
		return Alert{}, faults.New(faults.FileNotValid, "alert needs message and generator").With("alert", at)
	}

	severity, ok := ParseSeverity(req.AlertCnf.Severity)
	if !ok {
		return Alert{}, faults.Newf(faults.WrongSeverity, "unknown severity %q", req.AlertCnf.Severity).
			With("alert", at).
			With("alert_cnf", req.AlertCnf.Name)
	}

	notified, err := parseDate("alert "+at, "notification_time", req.NotificationTime)
	if err != nil {
		return Alert{}, err
	}

	entity := AlertEntity{
		Mode:      LinkMode(req.Entity.ReferenceMode),
		Reference: req.Entity.Reference,
		Type:      EntityType(req.Entity.Type),
	}

	if !entity.Type.IsValid() {
		return Alert{}, faults.Newf(faults.FileNotValid, "unknown alert entity type %q", req.Entity.Type).
			With("alert", at)
	}

	switch entity.Mode {
	case ByRef:
		if entity.Type == EntityAnnotation {
			return Alert{}, faults.New(faults.FileNotValid, "annotations can only be referenced by_uuid").
				With("alert", at)
		}
	case ByUUID:
		if _, err := uuid.Parse(entity.Reference); err != nil {
			return Alert{}, faults.Wrap(faults.FileNotValid, err, "alert entity reference is not a UUID").
				With("alert", at)
		}
	default:
		return Alert{}, faults.Newf(faults.FileNotValid, "unknown reference_mode %q", req.Entity.ReferenceMode).
			With("alert", at)
	}

	return Alert{
		Message:          req.Message,
		Generator:        req.Generator,
		NotificationTime: notified,
		Config: AlertConfig{
			Name:        req.AlertCnf.Name,
			Severity:    severity,
			Description: req.AlertCnf.Description,
			Group:       req.AlertCnf.Group,
		},
		Entity: entity,
	}, nil
}

// required checks field/value pairs in order.
func required(owner string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return faults.Newf(faults.FileNotValid, "%s %s is required", owner, pairs[i])
		}
	}

	return nil
}

func parseDate(owner, field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, faults.Newf(faults.FileNotValid, "%s %s is required", owner, field)
	}

	t, err := valuetree.ParseTimestamp(value)
	if err != nil {
		return time.Time{}, faults.Newf(faults.FileNotValid, "%s %s %q is not a date", owner, field, value)
	}

	return t, nil
}

func withField(err error, key, value string) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.With(key, value)
	}

	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999")
}
