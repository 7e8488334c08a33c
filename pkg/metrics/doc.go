// Package metrics defines Stagehand's Prometheus collectors and the
// /metrics HTTP handler.
package metrics
