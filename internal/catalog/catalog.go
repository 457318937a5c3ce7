// ABOUTME: Static method catalogs for the background and content contexts
// ABOUTME: Declares every method once with its input and output types

package catalog

import (
	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/options"
	"github.com/2389/coven-relay/internal/transport"
)

// Empty is the input of methods that take none.
type Empty struct{}

// Patch is a partial options object merged into the stored options.
type Patch map[string]any

// Status describes the background relay.
type Status struct {
	Version string   `json:"version"`
	Ready   bool     `json:"ready"`
	Stamp   string   `json:"stamp,omitempty"`
	Peers   []string `json:"peers"`
	Methods []string `json:"methods"`
}

// FrameInfo describes one content frame.
type FrameInfo struct {
	TabID   int    `json:"tabId"`
	FrameID int    `json:"frameId"`
	URL     string `json:"url"`
}

// ProbeRequest selects the content frame a probe is sent to.
type ProbeRequest struct {
	TabID int `json:"tabId,omitempty"`
	// URL is a path.Match pattern.
	URL string `json:"url,omitempty"`
}

// Context keys set by the background.
const (
	ContextOptionsVersion = "optionsVersion"
	ContextProvider       = "provider"
)

// Background methods.
var (
	Ping              = bus.Define[Empty, bool]("ping")
	GetOptions        = bus.Define[Empty, options.Options]("options/get")
	UpdateOptions     = bus.Define[Patch, options.Options]("options/update")
	ResetOptions      = bus.Define[Empty, options.Options]("options/reset")
	GetActiveProvider = bus.Define[Empty, string]("provider/getActive")
	SetActiveProvider = bus.Define[string, bool]("provider/setActive")
	RelayStatus       = bus.Define[Empty, Status]("relay/status")
	ProbeContent      = bus.Define[ProbeRequest, FrameInfo]("content/probe")
)

// Content methods.
var (
	ContentPing      = bus.Define[Empty, bool]("content/ping")
	ContentFrameInfo = bus.Define[Empty, FrameInfo]("content/frameInfo")
)

// FrameInfoOf describes dest.
func FrameInfoOf(dest transport.Destination) FrameInfo {
	return FrameInfo{TabID: dest.TabID, FrameID: dest.FrameID, URL: dest.URL}
}
