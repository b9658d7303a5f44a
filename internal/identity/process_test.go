package identity

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/pkg/schema"
)

func TestNewProcess(t *testing.T) {
	a := NewProcess()
	b := NewProcess()

	assert.Equal(t, os.Getpid(), a.PID)
	assert.NotEmpty(t, a.Hostname)
	assert.NotContains(t, a.Hostname, ":")
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.String(), b.String())
}

func TestCurrentIsStable(t *testing.T) {
	assert.Equal(t, Current(), Current())
}

func TestParseRoundTrip(t *testing.T) {
	p := NewProcess()
	got, err := Parse(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		holder string
	}{
		{"empty", ""},
		{"missing nonce", "host:12"},
		{"non numeric pid", "host:abc:nonce"},
		{"zero pid", "host:0:nonce"},
		{"empty host", ":12:nonce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.holder)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}
