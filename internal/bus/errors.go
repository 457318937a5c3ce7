// ABOUTME: Error taxonomy for bus calls
// ABOUTME: Separates transport failures, remote errors, unknown methods and declined calls

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrTransport matches every failure of the underlying transport.
var ErrTransport = errors.New("rpc: transport failure")

// ErrNoResponse indicates the transport delivered no reply, either because
// no listener claimed the request or because a filter dropped it.
var ErrNoResponse = errors.New("rpc: no response")

// ErrUnknownMethod matches remote errors reporting a method with no handler.
var ErrUnknownMethod = errors.New("rpc: unknown method")

// ErrIgnored matches calls the server explicitly declined. Handlers return
// it (or wrap it) to produce the ignored state.
var ErrIgnored = errors.New("rpc: request ignored")

// ErrNoDestination indicates an addressed call found no matching destination.
var ErrNoDestination = errors.New("rpc: no destination matched")

const unknownMethodPrefix = "Unknown method:"

func unknownMethodMessage(method string) string {
	return unknownMethodPrefix + " " + method
}

// TransportError reports a call that never produced a response envelope.
type TransportError struct {
	Method string
	// Message is the raw request envelope that was sent.
	Message json.RawMessage
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s: transport failure: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// RemoteError carries the message of an errored response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s: %s", e.Method, e.Message)
}

// Is matches ErrUnknownMethod when the server reported a missing handler.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownMethod && strings.HasPrefix(e.Message, unknownMethodPrefix)
}

// DeclinedError reports an ignored response.
type DeclinedError struct {
	Method string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("rpc: method %q was declined by the server", e.Method)
}

func (e *DeclinedError) Unwrap() error { return ErrIgnored }
