package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

func TestCodedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		code   errors.Code
		status int
	}{
		{"not found", errors.NotFound("scorecard", "sc-1"), errors.ErrCodeNotFound, http.StatusNotFound},
		{"invalid input", errors.InvalidInput("comment", "required"), errors.ErrCodeInvalidInput, http.StatusBadRequest},
		{"conflict", errors.Conflict("no pending approval step found"), errors.ErrCodeConflict, http.StatusConflict},
		{"revision conflict", fmt.Errorf("update cycle: %w", errors.ErrRevisionConflict), errors.ErrCodeConflict, http.StatusConflict},
		{"plain error", stderrors.New("boom"), errors.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, errors.CodeOf(tt.err))
			assert.True(t, errors.IsCode(tt.err, tt.code))
			assert.Equal(t, tt.status, errors.HTTPStatus(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("connection reset")
	err := errors.Wrap(cause, errors.ErrCodeInternal, "failed to load cycle")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "failed to load cycle")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestInvalidInputMentionsField(t *testing.T) {
	t.Parallel()

	err := errors.InvalidInput("escalate", "only a compliance manager step can escalate")
	assert.Equal(t, "escalate: only a compliance manager step can escalate", err.Error())
}
