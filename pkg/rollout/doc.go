/*
Package rollout drives a deployment from its current revision to a
target revision.

Each attempt is a state machine: Pending -> InProgress -> {Succeeded,
RolledBack, Failed}. The engine expands the plan into ordered steps
(canary percentages, a blue-green provision-then-swap pair, or a single
all-at-once replacement), issues the corresponding traffic commands to
the runtime driver, and consults the health prober after every step. An
unhealthy or timed-out probe triggers rollback.

Rollback is always attempted, under its own context and time budget, so
an expired attempt deadline cannot abandon a half-shifted deployment.
Rollback retries are bounded; exhausting them marks the attempt failed
and the deployment is excluded from automatic promotion until an
operator clears it.

Success commits the target revision through the store's compare-and-swap,
the only path by which a deployment's current revision ever changes.
Terminal states are final: retrying means a new attempt, and admission
guarantees at most one active attempt per deployment.
*/
package rollout
