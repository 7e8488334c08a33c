/*
Package manager owns Stagehand's replicated controller state.

Every mutation is a Command appended to a Raft log and applied by the FSM
to the BoltDB store, so the check inside begin_attempt and the
compare-and-swap inside cas_deployment are linearized with all other
writes. The response of an apply carries the FSM's error back to the
caller, which is how conflicts surface.

A controller bootstraps as a single-node cluster; the log, stable store,
and snapshots live in the data directory alongside the state database.
Reads never touch Raft and are served from the local store.
*/
package manager
