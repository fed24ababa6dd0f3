// Package dispatch runs admitted requests as plugin calls.
//
// Registry maps command names to Plugins. The Dispatcher is the
// messaging.Dispatcher the RequestListener hands new exchanges to: it looks
// the command up, ACKs, and queues the call for a bounded worker pool. The
// reply is sent back on the event space loop. Unknown commands and a full
// queue are NACKed before any ACK goes out.
//
// Long-running commands reply at once with a job id. Their progress lives
// in the JobTable, which the reaper trims after the retention period.
package dispatch
