package engine

import (
	"github.com/eboa-io/eboa/internal/faults"
)

// Status is the outcome of one operation of a document.
// Status 0 means the operation was applied; any other value is a faults.Code.
type Status struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// StatusOK is the message of a successful operation.
const StatusOK = "operation treated successfully"

// NewStatus builds the status of an operation from its error.
func NewStatus(err error) Status {
	if err == nil {
		return Status{Status: int(faults.OK), Message: StatusOK}
	}

	return Status{Status: int(faults.CodeOf(err)), Message: err.Error()}
}

// Code returns the status as a faults.Code.
func (s Status) Code() faults.Code {
	return faults.Code(s.Status)
}

// OK reports whether the operation was applied.
func (s Status) OK() bool {
	return s.Status == int(faults.OK)
}
