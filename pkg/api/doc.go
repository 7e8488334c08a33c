// Package api exposes the controller over HTTP/JSON: service specs,
// promotions and approvals, per-environment status and history,
// rollback and failure clearing, plus a server-sent event stream.
// Failure classes travel as a "code" field so clients can map responses
// back onto the error taxonomy.
package api
