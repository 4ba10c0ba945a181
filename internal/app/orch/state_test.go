package orch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	forward := []State{StateIdle, StateAdmitting, StateConnecting, StateJoining, StateActive}
	for i := 0; i+1 < len(forward); i++ {
		require.True(t, CanTransition(forward[i], forward[i+1]), forward[i].String())
		require.True(t, CanTransition(forward[i], StateEnding), forward[i].String())
		require.False(t, CanTransition(forward[i], StateClosed), forward[i].String())
	}
	require.True(t, CanTransition(StateActive, StateEnding))
	require.True(t, CanTransition(StateEnding, StateClosed))

	require.False(t, CanTransition(StateActive, StateAdmitting))
	require.False(t, CanTransition(StateActive, StateConnecting))
	require.False(t, CanTransition(StateEnding, StateEnding))
	require.False(t, CanTransition(StateEnding, StateActive))
	for _, to := range append(forward, StateEnding, StateClosed) {
		require.False(t, CanTransition(StateClosed, to), to.String())
	}
}

func TestStateText(t *testing.T) {
	b, err := StateActive.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "active", string(b))
	require.Equal(t, "state(42)", State(42).String())
}
