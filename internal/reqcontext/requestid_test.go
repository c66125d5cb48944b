package reqcontext

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"uuid", "5f0c6a4e-2d5b-4c61-8d7e-3d3e7c1f2a9b", true},
		{"underscore", "req_42", true},
		{"empty", "", false},
		{"space", "req 42", false},
		{"newline injection", "abc\nX-Evil: 1", false},
		{"too long", strings.Repeat("a", MaxRequestIDLength+1), false},
		{"max length", strings.Repeat("a", MaxRequestIDLength), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidRequestID(tt.id))
		})
	}
}

func TestGetOrGenerateRequestID(t *testing.T) {
	assert.Equal(t, "client-id", GetOrGenerateRequestID("client-id"))

	generated := GetOrGenerateRequestID("bad id")
	assert.Len(t, generated, 36)
	assert.True(t, IsValidRequestID(generated))
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", GetRequestID(ctx))
}
