package ari

import "encoding/json"

// Event types dispatched by the orchestrator. Asterisk's hangup event is
// ChannelHangupRequest; the legacy literal channelHangup is accepted too.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelHangup        = "channelHangup"
	EventChannelHangupRequest = "ChannelHangupRequest"
	EventChannelLeftBridge    = "ChannelLeftBridge"
)

// CallerID is the name/number pair Asterisk reports for each party.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is the subset of the ARI channel resource this system consumes.
type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Language string `json:"language"`

	Caller    CallerID `json:"caller"`
	Connected CallerID `json:"connected"`

	// ChannelVars carries creation-time variables; externalMedia responses
	// report the PBX-chosen local RTP port as UNICASTRTP_LOCAL_PORT.
	ChannelVars map[string]json.RawMessage `json:"channelvars"`
}

// Var returns a channel variable as a string, tolerating both quoted and
// bare JSON encodings.
func (c *Channel) Var(name string) string {
	if c.ChannelVars == nil {
		return ""
	}
	raw, ok := c.ChannelVars[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Bridge is the subset of the ARI bridge resource this system consumes.
type Bridge struct {
	ID string `json:"id"`
}

// Event is a single message from the ARI event WebSocket.
type Event struct {
	Type    string   `json:"type"`
	Channel *Channel `json:"channel,omitempty"`
	Bridge  *Bridge  `json:"bridge,omitempty"`
}
