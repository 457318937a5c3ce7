// Package bus implements typed request/response RPC on top of a
// transport.Transport.
//
// A Server holds a table of handlers keyed by method name and answers
// requests with one of three response states: success (with output and
// context), errored (with a message) or ignored. Clients turn those states
// into Go values and errors:
//
//   - success returns the output and the response context
//   - errored returns a *RemoteError
//   - ignored returns an error matching ErrIgnored
//   - a transport failure or missing reply returns a *TransportError
//
// A Server listening directly on a transport does not claim requests for
// methods it does not know, so other listeners on the same transport may
// answer them. A Router mounts several servers behind one listener and
// answers unknown methods with an explicit "Unknown method" error.
package bus
