// Package client is the HTTP client the CLI uses against a controller.
// Error responses are mapped back onto the error taxonomy so exit codes
// survive the network hop.
package client
