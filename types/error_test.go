package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrProviderTransient, "upstream failed").
		WithCause(root).
		WithRetryable(true).
		WithProvider("openai")

	assert.Equal(t, ErrProviderTransient, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[PROVIDER_TRANSIENT] upstream failed: root", err.Error())
	assert.Equal(t, "openai", err.Provider)
}

func TestIsCode(t *testing.T) {
	t.Parallel()

	inner := NewNotFoundError("checkpoint %s not found", "cp-1")
	outer := NewError(ErrCriticalFailure, "step crashed").WithCause(fmt.Errorf("wrapped: %w", inner))

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct code", inner, ErrNotFound, true},
		{"outer code", outer, ErrCriticalFailure, true},
		{"nested cause code", outer, ErrNotFound, true},
		{"absent code", outer, ErrValidation, false},
		{"plain error", errors.New("x"), ErrValidation, false},
		{"nil error", nil, ErrValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCode(tt.err, tt.code))
		})
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrValidation, GetErrorCode(NewValidationError("empty sequence")))
	assert.Equal(t, ErrInvalidState, GetErrorCode(NewInvalidStateError("status %s", "completed")))
	assert.Equal(t, "[INVALID_STATE] status completed", NewInvalidStateError("status %s", "completed").Error())
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestContextValues(t *testing.T) {
	t.Parallel()

	ctx := WithUserID(context.Background(), "u-1")
	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithAgentID(ctx, "pm")
	ctx = WithTraceID(ctx, "trace")

	uid, ok := UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u-1", uid)

	wf, ok := WorkflowID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "wf-1", wf)

	agent, ok := AgentID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "pm", agent)

	trace, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "trace", trace)

	_, ok = UserID(context.Background())
	assert.False(t, ok)
}
