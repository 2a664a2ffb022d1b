package archiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Disabled(t *testing.T) {
	g := NewGate(openStore(t), false)
	assert.False(t, g.Enabled())
	assert.NoError(t, g.Wait(context.Background(), NewSession(), OptionTestStart))

	var nilGate *Gate
	assert.False(t, nilGate.Enabled())
	assert.NoError(t, nilGate.Wait(context.Background(), NewSession(), OptionTestStart))
}

func TestGateFromEnv(t *testing.T) {
	st := openStore(t)

	t.Setenv(EnvTestProcessSignal, "1")
	assert.True(t, GateFromEnv(st).Enabled())

	t.Setenv(EnvTestProcessSignal, "0")
	assert.False(t, GateFromEnv(st).Enabled())

	t.Setenv(EnvTestProcessSignal, "yes please")
	assert.False(t, GateFromEnv(st).Enabled())
}

func TestGate_WaitsForOption(t *testing.T) {
	st := openStore(t)
	g := NewGate(st, true)
	g.poll = 5 * time.Millisecond
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx, NewSession(), OptionTestArchive) }()

	select {
	case <-done:
		t.Fatal("gate released before the option was set")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, st.SetOption(ctx, OptionTestArchive, "0"))
	select {
	case <-done:
		t.Fatal("gate released by a false option")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, st.SetOption(ctx, OptionTestArchive, "1"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not release")
	}
}

func TestGate_StopReleases(t *testing.T) {
	g := NewGate(openStore(t), true)
	s := NewSession()

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), s, OptionTestStart) }()

	s.RequestStop("test")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop request did not release the gate")
	}
}
