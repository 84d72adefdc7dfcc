package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/valuetree"
)

type (
	// Document is the wire form of an operation document.
	//
	// Operations are kept raw so that a malformed operation only fails itself:
	// every operation gets its own status even when a sibling cannot be decoded.
	Document struct {
		Operations []json.RawMessage `json:"operations"`
	}

	// OperationRequest is the wire form of one operation.
	OperationRequest struct {
		Mode               string               `json:"mode"`
		DimSignature       *DimSignatureRequest `json:"dim_signature"` //nolint:tagliatelle
		Source             *SourceRequest       `json:"source"`
		ExplicitReferences []ExplicitRefRequest `json:"explicit_references,omitempty"` //nolint:tagliatelle
		Events             []EventRequest       `json:"events,omitempty"`
		Annotations        []AnnotationRequest  `json:"annotations,omitempty"`
		Alerts             []AlertRequest       `json:"alerts,omitempty"`
	}

	// DimSignatureRequest is the wire form of a DIM signature.
	DimSignatureRequest struct {
		Name    string `json:"name"`
		Exec    string `json:"exec"`
		Version string `json:"version"`
	}

	// SourceRequest is the wire form of a source. Dates are ISO-8601 strings.
	SourceRequest struct {
		Name                         string   `json:"name"`
		ReceptionTime                string   `json:"reception_time"`                           //nolint:tagliatelle
		GenerationTime               string   `json:"generation_time"`                          //nolint:tagliatelle
		ValidityStart                string   `json:"validity_start"`                           //nolint:tagliatelle
		ValidityStop                 string   `json:"validity_stop"`                            //nolint:tagliatelle
		ReportedValidityStart        string   `json:"reported_validity_start,omitempty"`        //nolint:tagliatelle
		ReportedValidityStop         string   `json:"reported_validity_stop,omitempty"`         //nolint:tagliatelle
		ReportedGenerationTime       string   `json:"reported_generation_time,omitempty"`       //nolint:tagliatelle
		Priority                     *int     `json:"priority,omitempty"`
		Ingested                     *bool    `json:"ingested,omitempty"`
		ProcessorProgress            *float64 `json:"processor_progress,omitempty"`             //nolint:tagliatelle
		IngestionCompleteness        *bool    `json:"ingestion_completeness,omitempty"`         //nolint:tagliatelle
		IngestionCompletenessMessage string   `json:"ingestion_completeness_message,omitempty"` //nolint:tagliatelle
	}

	// GaugeRequest is the wire form of a gauge.
	GaugeRequest struct {
		Name          string `json:"name"`
		System        string `json:"system"`
		InsertionType string `json:"insertion_type"` //nolint:tagliatelle
	}

	// EventLinkRequest is the wire form of an event link.
	EventLinkRequest struct {
		Link     string `json:"link"`
		LinkMode string `json:"link_mode"` //nolint:tagliatelle
		Name     string `json:"name"`
		BackRef  string `json:"back_ref,omitempty"` //nolint:tagliatelle
	}

	// EventRequest is the wire form of an event.
	EventRequest struct {
		ExplicitReference string             `json:"explicit_reference,omitempty"` //nolint:tagliatelle
		Gauge             *GaugeRequest      `json:"gauge"`
		Start             string             `json:"start"`
		Stop              string             `json:"stop"`
		Key               string             `json:"key,omitempty"`
		LinkRef           string             `json:"link_ref,omitempty"` //nolint:tagliatelle
		Links             []EventLinkRequest `json:"links,omitempty"`
		Values            []valuetree.Node   `json:"values,omitempty"`
	}

	// AnnotationConfigRequest is the wire form of an annotation configuration.
	AnnotationConfigRequest struct {
		Name          string `json:"name"`
		System        string `json:"system"`
		Description   string `json:"description,omitempty"`
		InsertionType string `json:"insertion_type,omitempty"` //nolint:tagliatelle
	}

	// AnnotationRequest is the wire form of an annotation.
	AnnotationRequest struct {
		ExplicitReference string                   `json:"explicit_reference"` //nolint:tagliatelle
		AnnotationCnf     *AnnotationConfigRequest `json:"annotation_cnf"`     //nolint:tagliatelle
		Values            []valuetree.Node         `json:"values,omitempty"`
	}

	// ExplicitRefLinkRequest is the wire form of an explicit reference link.
	ExplicitRefLinkRequest struct {
		Link    string `json:"link"`
		Name    string `json:"name"`
		BackRef string `json:"back_ref,omitempty"` //nolint:tagliatelle
	}

	// ExplicitRefRequest is the wire form of an explicit reference.
	ExplicitRefRequest struct {
		Name  string                   `json:"name"`
		Group string                   `json:"group,omitempty"`
		Links []ExplicitRefLinkRequest `json:"links,omitempty"`
	}

	// AlertConfigRequest is the wire form of an alert configuration.
	AlertConfigRequest struct {
		Name        string `json:"name"`
		Severity    string `json:"severity"`
		Description string `json:"description,omitempty"`
		Group       string `json:"group,omitempty"`
	}

	// AlertEntityRequest is the wire form of an alert target.
	AlertEntityRequest struct {
		ReferenceMode string `json:"reference_mode"` //nolint:tagliatelle
		Reference     string `json:"reference"`
		Type          string `json:"type"`
	}

	// AlertRequest is the wire form of an alert.
	AlertRequest struct {
		Message          string              `json:"message"`
		Generator        string              `json:"generator"`
		NotificationTime string              `json:"notification_time"` //nolint:tagliatelle
		AlertCnf         *AlertConfigRequest `json:"alert_cnf"`         //nolint:tagliatelle
		Entity           *AlertEntityRequest `json:"entity"`
	}
)

// DecodeDocument reads an operation document.
// Unknown keys are rejected; the operations themselves are decoded lazily by DecodeOperation.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := decodeStrict(data, &doc); err != nil {
		return nil, faults.Wrap(faults.FileNotValid, err, "document is not valid")
	}

	if doc.Operations == nil {
		return nil, faults.New(faults.FileNotValid, "document has no operations list")
	}

	return &doc, nil
}

// DecodeOperation reads one raw operation of a document.
func DecodeOperation(raw json.RawMessage, index int) (*OperationRequest, error) {
	var op OperationRequest
	if err := decodeStrict(raw, &op); err != nil {
		return nil, faults.Wrap(faults.FileNotValid, err, "operation is not valid").
			With("operation", strconv.Itoa(index))
	}

	return &op, nil
}

// NewDocument wraps operation requests into a document.
func NewDocument(ops ...*OperationRequest) (*Document, error) {
	doc := &Document{Operations: make([]json.RawMessage, 0, len(ops))}

	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}

		doc.Operations = append(doc.Operations, raw)
	}

	return doc, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}

	return nil
}
