/*
Package promotion moves a service's revision through its configured
environment stages, one gated step at a time.

A promotion pins the requested tag to a registry digest, verifies the
source stage actually runs that artifact, and asks the approval gate
whether the target stage may receive it. Granted promotions hand off to
the rollout engine; pending ones wait for an operator. A target already
serving the promoted digest short-circuits to a no-op without touching
traffic.

Promotions into a failed deployment are refused until an operator
clears the failure.
*/
package promotion
