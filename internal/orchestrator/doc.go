// Package orchestrator runs a coordinated group of ezserve processes.
//
// One process, the owner, builds a registry of services and keeps it alive
// until its consumers are done. Everything else is started from it:
//
//   - Services run in their own processes. The current binary is re-executed
//     with a spawn spec in the environment; the new process binds, runs the
//     registered service handler and reports the bound address back over a
//     pipe on fd 3 before it parks until SIGTERM.
//   - Children are consumer processes that connect to named services and run
//     a registered child handler. Active children are waited for during
//     cleanup, passive ones are terminated.
//   - Local runs connect to services from the current process.
//   - Remote runs hand a (possibly tunneled) snapshot and a task to a worker
//     started over ssh.
//
// # Re-exec
//
// Go cannot fork, so every binary that spawns services or children must call
// Reexec at the very start of main (and of TestMain in tests). When the
// process was started by an orchestrator Reexec runs the requested handler
// and exits; otherwise it returns false and main continues normally.
//
// # Cleanup
//
// Cleanup first waits for active children, then terminates passive children,
// then (owner only) stops every service and removes the table, and finally
// releases ssh tunnels. With Interactive set, SIGINT is ignored by spawned
// processes and intercepted while cleanup runs.
package orchestrator
