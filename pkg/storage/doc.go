/*
Package storage persists controller state in BoltDB.

The store holds services, revisions, deployments, rollout attempts, and
promotions. Two operations carry the system's core invariants:

  - CASDeployment is the only way a deployment's current revision changes.
    The compare and the swap share one bolt transaction, so concurrent
    attempts serialize per (service, environment) key: exactly one
    successful rollout wins, everyone else observes a conflict.
  - BeginAttempt admits a rollout attempt atomically, rejecting a second
    attempt while one is active on the same deployment.

When the controller runs under raft, mutations are routed through the
manager's FSM rather than called here directly; reads always come from the
local store.
*/
package storage
