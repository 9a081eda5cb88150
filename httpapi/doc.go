// Package httpapi exposes the relay's request/response surface over HTTP
// and the per-connection event stream over WebSocket.
//
// The JSON bodies carry opaque payloads base64-encoded; the relay never
// interprets them. Validation failures map to 400, storage failures to
// 500, and absence is expressed in the body (found/deleted booleans)
// rather than as an HTTP error.
package httpapi
