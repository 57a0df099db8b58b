package appserver

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartLedger_SlidingWindow(t *testing.T) {
	clk := clock.NewMock()
	l := newRestartLedger(RestartPolicy{MaxRestarts: 2, Window: time.Minute}, clk)

	_, ok := l.admit()
	require.True(t, ok)
	clk.Add(10 * time.Second)
	_, ok = l.admit()
	require.True(t, ok)
	_, ok = l.admit()
	assert.False(t, ok, "third attempt inside the window")

	// The first attempt ages out; the second is still inside.
	clk.Add(51 * time.Second)
	_, ok = l.admit()
	assert.True(t, ok)
	assert.Equal(t, 2, l.inWindow())
	_, ok = l.admit()
	assert.False(t, ok)
}

func TestRestartLedger_ZeroWindowNeverForgets(t *testing.T) {
	clk := clock.NewMock()
	l := newRestartLedger(RestartPolicy{MaxRestarts: 1}, clk)

	_, ok := l.admit()
	require.True(t, ok)
	clk.Add(24 * time.Hour)
	_, ok = l.admit()
	assert.False(t, ok)
}

func TestRestartLedger_Backoff(t *testing.T) {
	clk := clock.NewMock()
	l := newRestartLedger(RestartPolicy{
		MaxRestarts:    10,
		Window:         time.Hour,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, clk)

	var delays []time.Duration
	for range 6 {
		d, ok := l.admit()
		require.True(t, ok)
		delays = append(delays, d)
	}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, d := range delays {
		assert.InDelta(t, float64(want[i]*time.Millisecond), float64(d), float64(time.Millisecond), "attempt %d", i)
	}
}

func TestRestartLedger_BackoffResetsAfterStableWindow(t *testing.T) {
	clk := clock.NewMock()
	l := newRestartLedger(RestartPolicy{
		MaxRestarts:    10,
		Window:         time.Minute,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, clk)

	for range 3 {
		_, ok := l.admit()
		require.True(t, ok)
	}
	l.connected()
	clk.Add(2 * time.Minute)
	d, ok := l.admit()
	require.True(t, ok)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d), float64(time.Millisecond))
}

func TestRestartLedger_Jitter(t *testing.T) {
	clk := clock.NewMock()
	l := newRestartLedger(RestartPolicy{
		MaxRestarts:    100,
		Window:         time.Hour,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		JitterFraction: 0.5,
	}, clk)

	for range 50 {
		d, ok := l.admit()
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestRestartLedger_NormalizesPolicy(t *testing.T) {
	l := newRestartLedger(RestartPolicy{MaxRestarts: 1, InitialBackoff: time.Second, JitterFraction: 3}, clock.NewMock())
	assert.Equal(t, time.Second, l.backoff.MaxInterval)
	assert.Equal(t, 1.0, l.backoff.RandomizationFactor)
}

func TestConnectionState(t *testing.T) {
	var changes []string
	m := stateManager{onChange: func(from, to ConnectionState) {
		changes = append(changes, from.String()+"->"+to.String())
	}}
	assert.Equal(t, StateIdle, m.Current())
	assert.True(t, m.Set(StateConnected))
	assert.False(t, m.Set(StateConnected))
	assert.True(t, m.Set(StateReconnecting))
	assert.True(t, m.Set(StateFaulted))
	assert.False(t, m.Set(StateConnected), "faulted is terminal")
	assert.False(t, m.Set(StateClosed))
	assert.Equal(t, StateFaulted, m.Current())
	assert.Equal(t, []string{"idle->connected", "connected->reconnecting", "reconnecting->faulted"}, changes)
	assert.True(t, StateClosed.Terminal())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
