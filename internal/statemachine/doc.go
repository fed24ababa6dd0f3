// Package statemachine is the table-driven state machine behind every
// protocol exchange.
//
// A Machine maps (state, event) to a next state and an optional handler.
// The handler runs before the state changes and decides the outcome:
//
//   - Applied: the machine moves to the next state and the transition is
//     appended to History
//   - Skipped: the event was absorbed and the state is unchanged
//   - Failed: the handler returned an error; the state is unchanged
//
// An event with no entry for the current state fails with an
// IllegalTransitionError, which matches ErrIllegalTransition under
// errors.Is.
//
// Machines are not safe for concurrent use. Owners such as
// messaging.ReplyRPC serialise calls under their own lock.
//
// Graph renders the table in DOT for documentation and debugging.
package statemachine
