package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredErrorMessage(t *testing.T) {
	err := New(CodeConfig, "missing field %q", "url").With("provider", "prometheus")
	assert.Equal(t, `missing field "url" [provider=prometheus]`, err.Error())

	wrapped := Wrap(fmt.Errorf("connection refused"), CodeTransient, "fetch %s", "batch")
	assert.Equal(t, "fetch batch: connection refused", wrapped.Error())
	assert.Nil(t, Wrap(nil, CodeTransient, "unused"))

	marked := Mark(fmt.Errorf("connection reset"), CodeTransient)
	assert.Equal(t, "connection reset", marked.Error())
	assert.True(t, IsCode(marked, CodeTransient))
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New(CodeTimeout, "fetch ceiling exceeded")
	outer := Wrap(fmt.Errorf("tick: %w", inner), CodeTransient, "collect")

	assert.True(t, IsCode(outer, CodeTransient))
	assert.True(t, IsCode(outer, CodeTimeout))
	assert.False(t, IsCode(outer, CodeSink))
	assert.Equal(t, CodeTransient, CodeOf(outer))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"config", New(CodeConfig, "bad"), false},
		{"transient", New(CodeTransient, "flaky"), true},
		{"timeout", New(CodeTimeout, "slow"), true},
		{"sink", New(CodeSink, "sink down"), false},
		{"exhausted", New(CodeExhausted, "out of attempts"), false},
		{"wrapped sink", fmt.Errorf("tick: %w", New(CodeSink, "sink down")), false},
		{"plain", fmt.Errorf("boom"), true},
		{"cancelled", Wrap(context.Canceled, CodeTransient, "fetch"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(cause, CodeSink, "save records")
	var se *StructuredError
	require.True(t, As(err, &se))
	assert.Equal(t, CodeSink, se.Code)
	assert.True(t, Is(err, cause))
}
