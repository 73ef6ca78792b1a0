// Package mediastream defines the JSON control-frame protocol spoken by the
// telephony platform over its media WebSocket: start/media/stop envelopes,
// base64 µ-law payloads, and the custom parameters carried by the start
// event. The bridge parses inbound frames and builds outbound frames through
// this package; it never touches raw JSON itself.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedFrame reports a control frame that could not be parsed.
// Callers log and drop the frame; the stream itself stays up.
var ErrMalformedFrame = errors.New("mediastream: malformed control frame")

// Event discriminates the control-frame envelopes.
type Event string

const (
	EventConnected Event = "connected"
	EventStart     Event = "start"
	EventMedia     Event = "media"
	EventStop      Event = "stop"
)

// Audio track directions within a media event.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// Envelope is one JSON control frame. Exactly one of Start, Media, Stop is
// set depending on Event; unknown events carry none of them.
type Envelope struct {
	Event     Event         `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
}

// StartPayload announces a new media stream. The telephony platform passes
// call metadata through CustomParameters; values are always strings.
type StartPayload struct {
	StreamSID        string            `json:"streamSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// InteractionID returns the platform's interaction identifier, if present.
func (p *StartPayload) InteractionID() string {
	return p.CustomParameters["interaction_id"]
}

// CallerID returns the caller's phone number, if present.
func (p *StartPayload) CallerID() string {
	return p.CustomParameters["caller_id"]
}

// BusinessHours returns the raw business-hours descriptor, if present.
func (p *StartPayload) BusinessHours() string {
	return p.CustomParameters["business_hours"]
}

// MediaPayload carries one base64-encoded µ-law audio frame. Chunk and
// Timestamp are string-encoded integers on the wire.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// DecodePayload returns the raw µ-law bytes of the frame.
func (m *MediaPayload) DecodePayload() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("mediastream: decode media payload: %w", err)
	}
	return raw, nil
}

// StopPayload terminates the stream. Outbound stop frames carry an
// escalation command and the operator routing string.
type StopPayload struct {
	Command   string `json:"command,omitempty"`
	RingGroup string `json:"ringGroup,omitempty"`
}

// CommandEscalate marks a stop frame that hands the call to a human operator.
const CommandEscalate = "escalate"

// ParseEnvelope decodes one control frame. A frame that is not valid JSON
// or not an object yields ErrMalformedFrame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &env, nil
}

// NewOutboundMedia builds a media frame toward the telephony peer. The chunk
// counter is string-encoded, the timestamp is epoch milliseconds, and the
// µ-law payload is base64-encoded.
func NewOutboundMedia(streamSID string, chunk int64, sentAt time.Time, ulaw []byte) Envelope {
	return Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media: &MediaPayload{
			Track:     TrackOutbound,
			Chunk:     strconv.FormatInt(chunk, 10),
			Timestamp: strconv.FormatInt(sentAt.UnixMilli(), 10),
			Payload:   base64.StdEncoding.EncodeToString(ulaw),
		},
	}
}

// NewEscalationStop builds the final stop frame that routes the call to a
// human operator ring group.
func NewEscalationStop(streamSID, ringGroup string) Envelope {
	return Envelope{
		Event:     EventStop,
		StreamSID: streamSID,
		Stop: &StopPayload{
			Command:   CommandEscalate,
			RingGroup: ringGroup,
		},
	}
}

// BusinessStatus is the last field of the business-hours descriptor. The
// flow engine keys transfer availability off it; unknown values pass
// through lowercased so the voice agent sees what the platform sent.
type BusinessStatus string

const (
	StatusOpen       BusinessStatus = "open"
	StatusClosed     BusinessStatus = "close"
	StatusAfterHours BusinessStatus = "after_hours"
)

// ParseBusinessStatus extracts the status from a business-hours descriptor
// of the form "<open_spec>::<close_spec>::<tz>::<status>". Descriptors with
// fewer than four fields, or an empty status field, default to close.
func ParseBusinessStatus(businessHours string) BusinessStatus {
	parts := strings.Split(businessHours, "::")
	if len(parts) < 4 {
		return StatusClosed
	}
	status := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	if status == "" {
		return StatusClosed
	}
	return BusinessStatus(status)
}
