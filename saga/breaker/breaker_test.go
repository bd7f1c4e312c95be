package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsOpenAfterFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Minute})

	require.NoError(t, b.Allow("svc"))
	b.RecordFailure("svc")
	b.RecordFailure("svc")
	assert.Equal(t, Closed, b.State("svc"))
	b.RecordFailure("svc")

	assert.Equal(t, Open, b.State("svc"))
	assert.Error(t, b.Allow("svc"))
}

func TestBreaker_HalfOpenAfterCooldownThenCloses(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure("svc")
	require.Equal(t, Open, b.State("svc"))

	require.Error(t, b.Allow("svc"))

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow("svc"))
	assert.Equal(t, HalfOpen, b.State("svc"))

	b.RecordSuccess("svc")
	assert.Equal(t, HalfOpen, b.State("svc"))
	b.RecordSuccess("svc")
	assert.Equal(t, Closed, b.State("svc"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure("svc")
	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow("svc"))
	require.Equal(t, HalfOpen, b.State("svc"))

	b.RecordFailure("svc")
	assert.Equal(t, Open, b.State("svc"))
}

func TestBreaker_Reset(t *testing.T) {
	b := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		b.RecordFailure("svc")
	}
	require.Equal(t, Open, b.State("svc"))

	b.Reset("svc")
	assert.Equal(t, Closed, b.State("svc"))
	assert.NoError(t, b.Allow("svc"))
}

func TestBreaker_UnseenServiceDefaultsClosed(t *testing.T) {
	b := New(DefaultConfig())
	assert.Equal(t, Closed, b.State("never-seen"))
	assert.NoError(t, b.Allow("never-seen"))
}

func TestBreaker_IndependentPerService(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})
	b.RecordFailure("a")
	assert.Equal(t, Open, b.State("a"))
	assert.Equal(t, Closed, b.State("b"))
}
