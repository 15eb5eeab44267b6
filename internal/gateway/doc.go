// Package gateway exposes the form webhook over HTTP.
//
// # Endpoints
//
//	GET  /health             liveness, always {"ok":true}
//	POST /webhook/<secret>   validate, record, send confirmation
//	GET  /debug              operator info, only when a debug token is set
//
// Every other path answers 404 with the public endpoint list. The secret path
// segment is never included in responses or access logs.
//
// # Request pipeline
//
// A webhook call is handled synchronously: the body is decoded and validated,
// the raw payload is written to the audit directory, and only then is the
// confirmation mail sent. A failed audit write aborts the request before any
// mail leaves the process.
//
// Cross-cutting middleware adds request IDs, client IP resolution, access
// logging, panic recovery, CORS and a per-client sliding-window rate limit.
package gateway
