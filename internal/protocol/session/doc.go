// Package session owns the keyless connection engine.
//
// Ownership boundary:
// - client transfer engines (Simplex, Multiplex) and the pending handle
// - request/response correlation, id allocation and late-response tombstones
// - the server-side Serve loop and its Dispatcher contract
// - retry/backoff primitives used by reconnecting callers
package session
