package reward

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitGranterTracksOutage(t *testing.T) {
	fail := errors.New("membership api down")
	inner := &recordingGranter{err: fail}
	g := NewCircuitGranter(inner, slog.Default())

	for i := 0; i < 5; i++ {
		assert.Error(t, g.Grant(t.Context(), "referee", "referrer", 10))
	}
	assert.True(t, g.Degraded(), "five consecutive failures open the circuit")

	inner.err = nil
	require.NoError(t, g.Grant(t.Context(), "referee", "referrer", 10))
	assert.True(t, g.Degraded(), "one success is not enough to close")
	require.NoError(t, g.Grant(t.Context(), "referee", "referrer", 10))
	assert.False(t, g.Degraded())
}

func TestCircuitGranterPassesThrough(t *testing.T) {
	inner := &recordingGranter{}
	g := NewCircuitGranter(inner, slog.Default())

	require.NoError(t, g.Grant(context.Background(), "referee-1", "referrer-1", 10))
	require.Len(t, inner.calls, 1)
	assert.Equal(t, 10, inner.calls[0].days)
	assert.False(t, g.Degraded())
}
