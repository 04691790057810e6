package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, KindInternal},
		{"classified", New(KindExecution, "query", base), KindExecution},
		{"wrapped", fmt.Errorf("outer: %w", New(KindConnection, "connect", base)), KindConnection},
		{"deadline becomes timeout", New(KindExecution, "query", context.DeadlineExceeded), KindTimeout},
		{"deadline kept for validation", New(KindValidationRejection, "validate", context.DeadlineExceeded), KindValidationRejection},
		{"bare deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("relation \"users\" does not exist")
	err := New(KindExecution, "execute", base)

	assert.Equal(t, "execute: relation \"users\" does not exist", err.Error())
	assert.ErrorIs(t, err, base)
	assert.True(t, Is(err, KindExecution))
	assert.False(t, Is(err, KindTimeout))

	bare := &Error{Kind: KindTimeout, Op: "execute"}
	assert.Equal(t, "execute: TimeoutError", bare.Error())
}

func TestErrorf(t *testing.T) {
	err := Errorf(KindValidationRejection, "validate", "disallowed keyword %s", "DROP")
	assert.Equal(t, KindValidationRejection, err.Kind)
	assert.Contains(t, err.Error(), "DROP")
}
