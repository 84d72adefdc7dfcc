// Package faults defines the closed error taxonomy of the EBOA ingestion engine.
//
// Every failure an operation can produce maps to exactly one Code, and every Code
// belongs to exactly one Kind. Codes double as the integer status returned to the
// callers of the engine (0 means success), so triggering scripts can machine-check
// the outcome of each operation without parsing messages.
//
// Codes implement the error interface, which lets callers test for a failure class
// with the standard library:
//
//	if errors.Is(err, faults.WrongPeriod) {
//	    // ...
//	}
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type (
	// Kind groups codes into the failure classes of the engine.
	Kind int

	// Code is the machine-checkable status of an operation.
	Code int

	// Error is a failure with structured context.
	//
	// Detail is a human-readable explanation; Fields carries the identifiers
	// (gauge, key, link reference...) needed to locate the offending input.
	Error struct {
		Code   Code
		Detail string
		Fields map[string]string
		Err    error
	}
)

// Failure classes.
const (
	KindNone Kind = iota
	KindStructural
	KindTemporal
	KindValueCoercion
	KindLink
	KindPolicyConflict
	KindDuplicateSubmission
	KindMissingEntity
	KindConcurrencyRace
	KindResourcePath
	KindStorage
)

// Operation statuses. Values are stable: they are persisted in logs and read by
// external scripts.
const (
	OK                          Code = 0
	FileNotValid                Code = 1
	SourceAlreadyIngested       Code = 2
	WrongPeriod                 Code = 3
	WrongReportedValidityPeriod Code = 4
	InvalidValue                Code = 5
	OddNumberOfCoordinates      Code = 6
	UndefinedEventLink          Code = 7
	DuplicatedEventLinkRef      Code = 8
	LinksInconsistency          Code = 9
	DuplicatedSetCounter        Code = 10
	MixedOperationsWithCounter  Code = 11
	PriorityNotDefined          Code = 12
	DuplicatedEventKey          Code = 13
	CounterNotSet               Code = 14
	WrongSeverity               Code = 15
	UndefinedSource             Code = 16
	UndefinedEntityReference    Code = 17
	ConcurrencyRace             Code = 18
	ResourcePathError           Code = 19
	StorageFailure              Code = 20
)

var codeNames = map[Code]string{
	OK:                          "OK",
	FileNotValid:                "FileNotValid",
	SourceAlreadyIngested:       "SourceAlreadyIngested",
	WrongPeriod:                 "WrongPeriod",
	WrongReportedValidityPeriod: "WrongReportedValidityPeriod",
	InvalidValue:                "InvalidValue",
	OddNumberOfCoordinates:      "OddNumberOfCoordinates",
	UndefinedEventLink:          "UndefinedEventLink",
	DuplicatedEventLinkRef:      "DuplicatedEventLinkRef",
	LinksInconsistency:          "LinksInconsistency",
	DuplicatedSetCounter:        "DuplicatedSetCounter",
	MixedOperationsWithCounter:  "MixedOperationsWithCounter",
	PriorityNotDefined:          "PriorityNotDefined",
	DuplicatedEventKey:          "DuplicatedEventKey",
	CounterNotSet:               "CounterNotSet",
	WrongSeverity:               "WrongSeverity",
	UndefinedSource:             "UndefinedSource",
	UndefinedEntityReference:    "UndefinedEntityReference",
	ConcurrencyRace:             "ConcurrencyRace",
	ResourcePathError:           "ResourcePathError",
	StorageFailure:              "StorageFailure",
}

var codeKinds = map[Code]Kind{
	OK:                          KindNone,
	FileNotValid:                KindStructural,
	WrongSeverity:               KindStructural,
	SourceAlreadyIngested:       KindDuplicateSubmission,
	WrongPeriod:                 KindTemporal,
	WrongReportedValidityPeriod: KindTemporal,
	InvalidValue:                KindValueCoercion,
	OddNumberOfCoordinates:      KindValueCoercion,
	UndefinedEventLink:          KindLink,
	DuplicatedEventLinkRef:      KindLink,
	LinksInconsistency:          KindLink,
	DuplicatedEventKey:          KindLink,
	UndefinedEntityReference:    KindLink,
	DuplicatedSetCounter:        KindPolicyConflict,
	MixedOperationsWithCounter:  KindPolicyConflict,
	PriorityNotDefined:          KindPolicyConflict,
	CounterNotSet:               KindPolicyConflict,
	UndefinedSource:             KindMissingEntity,
	ConcurrencyRace:             KindConcurrencyRace,
	ResourcePathError:           KindResourcePath,
	StorageFailure:              KindStorage,
}

var kindNames = map[Kind]string{
	KindNone:                "None",
	KindStructural:          "StructuralError",
	KindTemporal:            "TemporalInvariantError",
	KindValueCoercion:       "ValueCoercionError",
	KindLink:                "LinkError",
	KindPolicyConflict:      "PolicyConflictError",
	KindDuplicateSubmission: "DuplicateSubmissionError",
	KindMissingEntity:       "MissingEntityError",
	KindConcurrencyRace:     "ConcurrencyRace",
	KindResourcePath:        "ResourcePathError",
	KindStorage:             "StorageError",
}

// String returns the name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Code(%d)", int(c))
}

// Error makes a bare Code usable as an errors.Is target.
func (c Code) Error() string {
	return c.String()
}

// Kind returns the failure class of the code.
func (c Code) Kind() Kind {
	if kind, ok := codeKinds[c]; ok {
		return kind
	}

	return KindStorage
}

// String returns the name of the failure class.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// New creates an Error with the given code and detail message.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf creates an Error with a formatted detail message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps err as its cause.
func Wrap(code Code, err error, detail string) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

// With attaches a context field and returns the same error for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}

	e.Fields[key] = value

	return e
}

// Kind returns the failure class of the error.
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// Error renders "Code: detail (k=v, ...)" with fields in key order.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Code.String())

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Fields[k])
		}

		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the code of this error.
func (e *Error) Is(target error) bool {
	var code Code
	if errors.As(target, &code) {
		return code == e.Code
	}

	return false
}

// CodeOf maps any error to its status code.
// nil maps to OK; errors outside the taxonomy map to StorageFailure.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}

	var code Code
	if errors.As(err, &code) {
		return code
	}

	return StorageFailure
}

// IsKind reports whether err belongs to the given failure class.
func IsKind(err error, kind Kind) bool {
	return err != nil && CodeOf(err).Kind() == kind
}
