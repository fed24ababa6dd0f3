// Package agent is the coven-agentd process root.
//
// # Overview
//
// An Agent owns exactly one event space and everything scheduled on it:
//
//   - the protocol Session (replier listener plus outbound requester)
//   - the command Dispatcher and its worker pool
//   - the long-running job table and its reaper
//   - the request Store, written through a Recorder observer
//   - the transport Connector that keeps a controller session alive
//
// Build one with New and run it with Run:
//
//	a, err := agent.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// # Lifecycle
//
// Run marks requests left over from a previous process as LOST, then
// runs the poll loop, the connector and the reaper in one errgroup. After
// every successful dial the agent sends an agent_hello request carrying
// its id, hostname, version and command list.
//
// When ctx is cancelled the agent stops admitting new requests (they are
// NACKed with "agent shutting down"), waits for live exchanges to finish
// or for agent.drain_timeout to pass, then shuts the session down, stops
// the workers and closes the store.
//
// # Credentials
//
// The controller credential is chosen from config in this order: SSH key,
// JWT secret (a fresh token per dial), static bearer token.
package agent
