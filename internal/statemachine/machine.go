// ABOUTME: Table-driven finite state machine shared by the request and reply protocol objects.
// ABOUTME: Maps (state, event) to a new state plus handler and keeps an audit trail of transitions.

package statemachine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// State names a node of the machine.
type State string

// Event names an edge trigger of the machine.
type Event string

// Result is the non-error outcome of a handler.
type Result int

const (
	// Applied means the transition happened and the state advanced.
	Applied Result = iota
	// Skipped means the handler judged the event a harmless duplicate; the
	// state is left where it was.
	Skipped
	// Failed accompanies a non-nil error; the state is left where it was.
	Failed
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler runs as part of a transition. The payload is whatever the caller
// passed to EventOccurred.
type Handler func(payload any) (Result, error)

// ErrIllegalTransition is matched by every IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal state transition")

// IllegalTransitionError reports an event that has no transition registered
// for the current state. It always indicates a protocol violation.
type IllegalTransitionError struct {
	Machine string
	Event   Event
	State   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: event %s is not legal in state %s", e.Machine, e.Event, e.State)
}

// Is lets errors.Is(err, ErrIllegalTransition) succeed.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Transition is one entry of the audit trail.
type Transition struct {
	Event Event
	From  State
	To    State
}

type key struct {
	state State
	event Event
}

type entry struct {
	next    State
	handler Handler
}

// Machine is not safe for concurrent use; owners hold their own lock around
// EventOccurred.
type Machine struct {
	name    string
	current State
	table   map[key]entry
	history []Transition
	logger  *slog.Logger
}

// New creates a machine starting in the initial state.
func New(name string, initial State, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		name:    name,
		current: initial,
		table:   make(map[key]entry),
		logger:  logger,
	}
}

// AddTransition registers the handler for (state, event). Registering the
// same pair again replaces the earlier entry.
func (m *Machine) AddTransition(state State, event Event, next State, handler Handler) {
	m.table[key{state, event}] = entry{next: next, handler: handler}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return m.current
}

// EventOccurred drives the machine. A handler error aborts the transition
// and is returned with the state unchanged; whatever the handler already did
// to its owner is not rolled back.
func (m *Machine) EventOccurred(event Event, payload any) (Result, error) {
	from := m.current
	e, ok := m.table[key{from, event}]
	if !ok {
		return Failed, &IllegalTransitionError{Machine: m.name, Event: event, State: from}
	}

	if e.handler != nil {
		res, err := e.handler(payload)
		if err != nil {
			return Failed, err
		}
		if res == Skipped {
			m.logger.Debug("transition skipped",
				"machine", m.name,
				"event", event,
				"state", from,
			)
			return Skipped, nil
		}
	}

	m.current = e.next
	m.history = append(m.history, Transition{Event: event, From: from, To: e.next})
	m.logger.Debug("transition",
		"machine", m.name,
		"event", event,
		"from", from,
		"to", e.next,
	)
	return Applied, nil
}

// History returns a copy of the audit trail.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Graph renders the registered table as Graphviz DOT.
func (m *Machine) Graph() string {
	edges := make([]string, 0, len(m.table))
	for k, e := range m.table {
		edges = append(edges, fmt.Sprintf("  %q -> %q [label=%q];", k.state, e.next, k.event))
	}
	sort.Strings(edges)

	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", m.name)
	for _, edge := range edges {
		b.WriteString(edge)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}
