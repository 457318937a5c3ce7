// ABOUTME: Transport interface for one-way messages between execution contexts
// ABOUTME: Defines destinations, listeners with optional replies, and candidate enumeration

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
)

// Kind names an execution context role.
type Kind string

const (
	KindBackground Kind = "background"
	KindContent    Kind = "content"
	KindUI         Kind = "ui"
)

// ErrNoReceiver is returned by Send when the destination is not connected.
var ErrNoReceiver = errors.New("could not establish connection: receiving end does not exist")

// ErrPortClosed is returned by Send when the receiver went away after
// claiming the message but before replying.
var ErrPortClosed = errors.New("message port closed before a response was received")

// ErrAlreadyConnected is returned when two endpoints claim the same destination.
var ErrAlreadyConnected = errors.New("destination already connected")

// ErrClosed is returned when a closed endpoint is used.
var ErrClosed = errors.New("transport closed")

// Destination identifies one execution context. Background has no tab;
// content scripts are addressed by tab and frame; UI surfaces by name.
type Destination struct {
	Kind    Kind   `json:"kind"`
	TabID   int    `json:"tab_id,omitempty"`
	FrameID int    `json:"frame_id,omitempty"`
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Background returns the destination of the background context.
func Background() Destination {
	return Destination{Kind: KindBackground}
}

// Tab returns the destination of a content script frame.
func Tab(tabID, frameID int, url string) Destination {
	return Destination{Kind: KindContent, TabID: tabID, FrameID: frameID, URL: url}
}

// UI returns the destination of a named UI surface such as "popup".
func UI(name string) Destination {
	return Destination{Kind: KindUI, Name: name}
}

// Key is the routing identity of the destination. URL is not part of it.
func (d Destination) Key() string {
	switch d.Kind {
	case KindBackground:
		return string(KindBackground)
	case KindContent:
		return fmt.Sprintf("%s:%d:%d", d.Kind, d.TabID, d.FrameID)
	default:
		return fmt.Sprintf("%s:%s", d.Kind, d.Name)
	}
}

func (d Destination) String() string {
	if d.URL != "" {
		return d.Key() + " (" + d.URL + ")"
	}
	return d.Key()
}

// Message is an inbound payload and the context that sent it.
type Message struct {
	From    Destination
	Payload json.RawMessage
}

// ReplyFunc delivers the single reply to a claimed message. Calls after the
// first are ignored. A nil payload with a nil error means "claimed, but
// nothing to say". A non-nil err fails the sender's Send with err, which is
// how a relaying listener reports that the next hop timed out or went away.
type ReplyFunc func(payload json.RawMessage, err error)

// Listener handles an inbound message. Returning true claims the message and
// promises exactly one call to reply, possibly from another goroutine.
// Returning false lets other listeners see it.
type Listener func(ctx context.Context, msg Message, reply ReplyFunc) bool

// Transport sends payloads to other contexts and receives theirs.
type Transport interface {
	// Self is the destination other contexts use to reach this one.
	Self() Destination
	// Send delivers payload to the destination and waits for its reply.
	// A nil reply with a nil error means no listener claimed the message.
	Send(ctx context.Context, to Destination, payload json.RawMessage) (json.RawMessage, error)
	// OnMessage registers a listener and returns a function removing it.
	OnMessage(l Listener) (remove func())
}

// Query filters candidate destinations. Zero fields match anything; URL is a
// path.Match pattern.
type Query struct {
	Kind    Kind   `json:"kind,omitempty"`
	TabID   int    `json:"tab_id,omitempty"`
	FrameID *int   `json:"frame_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Match reports whether d satisfies the query.
func (q Query) Match(d Destination) bool {
	if q.Kind != "" && q.Kind != d.Kind {
		return false
	}
	if q.TabID != 0 && q.TabID != d.TabID {
		return false
	}
	if q.FrameID != nil && *q.FrameID != d.FrameID {
		return false
	}
	if q.URL != "" {
		ok, err := path.Match(q.URL, d.URL)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Enumerator lists the destinations currently reachable that match a query.
type Enumerator interface {
	Candidates(ctx context.Context, q Query) ([]Destination, error)
}
