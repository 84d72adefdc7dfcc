package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesCode(t *testing.T) {
	err := New(WrongPeriod, "validity_stop precedes validity_start").With("source", "S1")
	wrapped := fmt.Errorf("treating operation: %w", err)

	assert.ErrorIs(t, wrapped, WrongPeriod)
	assert.NotErrorIs(t, wrapped, WrongReportedValidityPeriod)
	assert.Equal(t, WrongPeriod, CodeOf(wrapped))
	assert.Equal(t, KindTemporal, CodeOf(wrapped).Kind())
}

func TestError_MessageIncludesSortedFields(t *testing.T) {
	err := New(UndefinedEventLink, "link target not found").
		With("link", "EVENT_2").
		With("event", "3")

	assert.Equal(t, "UndefinedEventLink: link target not found (event=3, link=EVENT_2)", err.Error())
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(StorageFailure, cause, "insert failed")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"bare code", DuplicatedSetCounter, DuplicatedSetCounter},
		{"wrapped bare code", fmt.Errorf("x: %w", PriorityNotDefined), PriorityNotDefined},
		{"foreign error", errors.New("boom"), StorageFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCode_EveryCodeHasNameAndKind(t *testing.T) {
	for code := OK; code <= StorageFailure; code++ {
		assert.NotContains(t, code.String(), "Code(", "code %d has no name", int(code))

		_, ok := codeKinds[code]
		assert.True(t, ok, "code %s has no kind", code)
	}
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(New(LinksInconsistency, ""), KindLink))
	assert.True(t, IsKind(New(WrongSeverity, ""), KindStructural))
	assert.False(t, IsKind(nil, KindLink))
}
