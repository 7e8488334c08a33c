// Package registry resolves build tags to digest-pinned revisions
// against a Docker Registry v2 endpoint. Lookups are pure: transient
// registry failures retry with doubling delays, unknown tags fail
// immediately as not found.
package registry
