// ABOUTME: Tests for the table-driven state machine engine.
// ABOUTME: Covers legal/illegal transitions, skipped outcomes, handler failures and the audit trail.

package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stateIdle    State = "IDLE"
	stateRunning State = "RUNNING"
	stateDone    State = "DONE"

	eventStart  Event = "START"
	eventFinish Event = "FINISH"
	eventPoke   Event = "POKE"
)

func newTestMachine() *Machine {
	return New("test", stateIdle, nil)
}

func TestEventOccurred_Applied(t *testing.T) {
	m := newTestMachine()
	var got any
	m.AddTransition(stateIdle, eventStart, stateRunning, func(p any) (Result, error) {
		got = p
		return Applied, nil
	})

	res, err := m.EventOccurred(eventStart, "payload")
	require.NoError(t, err)
	assert.Equal(t, Applied, res)
	assert.Equal(t, stateRunning, m.Current())
	assert.Equal(t, "payload", got)
	assert.Equal(t, []Transition{{Event: eventStart, From: stateIdle, To: stateRunning}}, m.History())
}

func TestEventOccurred_NilHandler(t *testing.T) {
	m := newTestMachine()
	m.AddTransition(stateIdle, eventStart, stateRunning, nil)

	res, err := m.EventOccurred(eventStart, nil)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)
	assert.Equal(t, stateRunning, m.Current())
}

func TestEventOccurred_Illegal(t *testing.T) {
	m := newTestMachine()
	m.AddTransition(stateIdle, eventStart, stateRunning, nil)

	res, err := m.EventOccurred(eventFinish, nil)
	require.Error(t, err)
	assert.Equal(t, Failed, res)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	var ite *IllegalTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, eventFinish, ite.Event)
	assert.Equal(t, stateIdle, ite.State)
	assert.Equal(t, stateIdle, m.Current())
	assert.Empty(t, m.History())
}

func TestEventOccurred_Skipped(t *testing.T) {
	m := newTestMachine()
	m.AddTransition(stateIdle, eventPoke, stateDone, func(any) (Result, error) {
		return Skipped, nil
	})

	res, err := m.EventOccurred(eventPoke, nil)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Equal(t, stateIdle, m.Current())
	assert.Empty(t, m.History())
}

func TestEventOccurred_HandlerError(t *testing.T) {
	m := newTestMachine()
	boom := errors.New("boom")
	m.AddTransition(stateIdle, eventStart, stateRunning, func(any) (Result, error) {
		return Applied, boom
	})

	res, err := m.EventOccurred(eventStart, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, res)
	assert.Equal(t, stateIdle, m.Current())
}

func TestAddTransition_LastWriteWins(t *testing.T) {
	m := newTestMachine()
	m.AddTransition(stateIdle, eventStart, stateRunning, nil)
	m.AddTransition(stateIdle, eventStart, stateDone, nil)

	_, err := m.EventOccurred(eventStart, nil)
	require.NoError(t, err)
	assert.Equal(t, stateDone, m.Current())
}

func TestHistory_IsCopy(t *testing.T) {
	m := newTestMachine()
	m.AddTransition(stateIdle, eventStart, stateRunning, nil)
	m.AddTransition(stateRunning, eventFinish, stateDone, nil)

	_, _ = m.EventOccurred(eventStart, nil)
	h := m.History()
	h[0].To = stateDone

	_, _ = m.EventOccurred(eventFinish, nil)
	hist := m.History()
	require.Len(t, hist, 2)
	assert.Equal(t, stateRunning, hist[0].To)
	assert.Equal(t, stateDone, hist[1].To)
}

func TestGraph(t *testing.T) {
	m := newTestMachine()
	m.AddTransition(stateIdle, eventStart, stateRunning, nil)

	g := m.Graph()
	assert.Contains(t, g, `digraph "test"`)
	assert.Contains(t, g, `"IDLE" -> "RUNNING" [label="START"];`)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "failed", Failed.String())
}
