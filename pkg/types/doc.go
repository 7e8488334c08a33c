/*
Package types defines the core domain model shared across Stagehand.

The model is deliberately small:

  - Service: a workload plus its ordered environment stages, rollout plan,
    and probe configuration.
  - Revision: an immutable, digest-pinned artifact reference produced by the
    build system.
  - Deployment: the live binding of a service to a revision within one
    environment. Its current revision only changes through a successful
    rollout attempt's compare-and-swap.
  - RolloutAttempt: one execution of a rollout strategy. Terminal states
    (succeeded, rolled-back, failed) are final; retrying means creating a
    new attempt.
  - Promotion: a gated request to move a revision between adjacent stages.

All enums are string-typed so they serialize cleanly into the state store
and the API without translation tables.
*/
package types
