package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("op", "bad"), KindValidation},
		{"wrapped not found", fmt.Errorf("loading: %w", NotFound("get", "file", "x")), KindNotFound},
		{"plain error", errors.New("boom"), KindInternal},
		{"network", Network("put", errors.New("reset")), KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Network("put", errors.New("connection reset"))))
	assert.False(t, IsTransient(Validation("put", "bad chunk")))
	assert.False(t, IsTransient(Network("put", context.Canceled)))
	assert.False(t, IsTransient(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := NotFound("storage.get", "file", "abc")
	assert.Equal(t, "storage.get: file not found: abc", err.Error())
	assert.Equal(t, "file not found: abc", Message(err))

	wrapped := Network("client.put", errors.New("timeout"))
	assert.Equal(t, "client.put: timeout", wrapped.Error())
	assert.Equal(t, "timeout", Message(wrapped))
	assert.Equal(t, "plain", Message(errors.New("plain")))
}
