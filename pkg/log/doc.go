// Package log provides the global zerolog-backed logger and child-logger
// helpers used throughout Stagehand.
package log
