/*
Package probe polls a deployed revision's status endpoint until a stable
health signal emerges.

A Prober wraps a Checker and applies consecutive-success and
consecutive-failure thresholds so a flapping endpoint cannot pass or fail
a rollout step on a single sample. Three outcomes exist: healthy,
unhealthy, and timeout (no stable signal within the window). A timeout is
fatal to the step being probed, not to the whole rollout attempt; the
rollout engine decides whether to roll back.
*/
package probe
