// ABOUTME: Wire envelopes for bus requests and responses
// ABOUTME: A response carries exactly one of the success, errored or ignored states

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// State is the tag of a response envelope.
type State string

const (
	StateSuccess State = "success"
	StateErrored State = "errored"
	StateIgnored State = "ignored"
)

// ErrInvalidResponse indicates a response envelope violates its state rules.
var ErrInvalidResponse = errors.New("rpc: invalid response envelope")

// Context is free-form metadata attached to successful responses.
type Context map[string]any

// Clone returns a shallow copy. The copy of a nil Context is empty, not nil.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	maps.Copy(out, c)
	return out
}

// RequestOptions tune how a single request is handled.
type RequestOptions struct {
	// Silent suppresses request logging on the server.
	Silent bool `json:"silent,omitempty"`
}

// Request is the envelope a client sends.
type Request struct {
	Method  string          `json:"method"`
	Input   json.RawMessage `json:"input,omitempty"`
	Options *RequestOptions `json:"options,omitempty"`
}

func (r Request) silent() bool {
	return r.Options != nil && r.Options.Silent
}

// decodeRequest parses payload as a Request. ok is false for payloads that
// are not bus requests.
func decodeRequest(payload json.RawMessage) (Request, bool) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil || req.Method == "" {
		return Request{}, false
	}
	return req, true
}

// Response is the envelope a server replies with.
type Response struct {
	State   State           `json:"state"`
	Output  json.RawMessage `json:"output,omitempty"`
	Context Context         `json:"context,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Success builds a success response. A nil ctx becomes an empty Context.
func Success(output json.RawMessage, ctx Context) Response {
	return Response{State: StateSuccess, Output: output, Context: ctx.Clone()}
}

// Errored builds an errored response carrying msg.
func Errored(msg string) Response {
	return Response{State: StateErrored, Error: msg}
}

// Ignored builds an ignored response.
func Ignored() Response {
	return Response{State: StateIgnored}
}

// Validate checks that exactly the fields of the response's state are set.
func (r Response) Validate() error {
	switch r.State {
	case StateSuccess:
		if len(r.Output) == 0 {
			return fmt.Errorf("%w: success without output", ErrInvalidResponse)
		}
		if r.Error != "" {
			return fmt.Errorf("%w: success with error", ErrInvalidResponse)
		}
	case StateErrored:
		if r.Error == "" {
			return fmt.Errorf("%w: errored without message", ErrInvalidResponse)
		}
		if len(r.Output) != 0 || len(r.Context) != 0 {
			return fmt.Errorf("%w: errored with output or context", ErrInvalidResponse)
		}
	case StateIgnored:
		if len(r.Output) != 0 || len(r.Context) != 0 || r.Error != "" {
			return fmt.Errorf("%w: ignored with payload", ErrInvalidResponse)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidResponse, r.State)
	}
	return nil
}
