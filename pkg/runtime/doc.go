// Package runtime defines the traffic Driver contract to the external
// container orchestrator and an HTTP implementation of it. The
// orchestrator executes the actual traffic shifting and replica scaling;
// Stagehand only issues commands.
package runtime
