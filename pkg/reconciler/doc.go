// Package reconciler repairs state that normal control flow cannot
// reach: rollout attempts orphaned by a crash or restart, and promotion
// requests whose approval never arrived. It runs as a periodic sweep on
// the leader.
package reconciler
