// Package events provides the in-process broker that fans rollout and
// promotion lifecycle events out to subscribers (logger, metrics).
// Delivery is best-effort; emitters never depend on it succeeding.
package events
