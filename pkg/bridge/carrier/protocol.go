// Package carrier implements the telephony carrier's media-stream protocol:
// the inbound WebSocket leg of a bridged phone call.
package carrier

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError reports a frame the carrier leg could not decode. A single bad
// frame never tears down a call; callers log it and move on.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// Event is a decoded inbound carrier frame. The set of implementations is
// closed; dispatch sites switch over every variant.
type Event interface {
	carrierEvent()
}

// ConnectedEvent is the carrier's transport-level greeting. It carries no
// call state and precedes StartEvent.
type ConnectedEvent struct{}

// StartEvent opens the call leg and assigns the stream identifier every
// outbound frame must echo.
type StartEvent struct {
	StreamSID  string
	CallSID    string
	AccountSID string
}

// MediaEvent carries one base64-encoded audio frame from the caller.
type MediaEvent struct {
	Payload   string
	Track     string
	Timestamp string
}

// StopEvent ends the call leg.
type StopEvent struct{}

// MarkEvent is the carrier's playback-synchronization echo.
type MarkEvent struct {
	Name string
}

// UnknownEvent preserves frames with an unrecognized discriminator so they
// can be logged without failing the session.
type UnknownEvent struct {
	Event string
}

func (ConnectedEvent) carrierEvent() {}
func (StartEvent) carrierEvent()     {}
func (MediaEvent) carrierEvent()     {}
func (StopEvent) carrierEvent()      {}
func (MarkEvent) carrierEvent()      {}
func (UnknownEvent) carrierEvent()   {}

type inboundEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID  string `json:"streamSid"`
		CallSID    string `json:"callSid"`
		AccountSID string `json:"accountSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// DecodeEvent decodes one inbound carrier frame into its typed variant.
// Unrecognized event names decode to UnknownEvent; structurally invalid
// frames return a *DecodeError.
func DecodeEvent(data []byte) (Event, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame")
	}

	switch strings.TrimSpace(envelope.Event) {
	case "connected":
		return ConnectedEvent{}, nil
	case "start":
		if envelope.Start == nil {
			return nil, badFrame("start frame missing start payload")
		}
		sid := strings.TrimSpace(envelope.Start.StreamSID)
		if sid == "" {
			return nil, badFrame("start frame missing streamSid")
		}
		return StartEvent{
			StreamSID:  sid,
			CallSID:    strings.TrimSpace(envelope.Start.CallSID),
			AccountSID: strings.TrimSpace(envelope.Start.AccountSID),
		}, nil
	case "media":
		if envelope.Media == nil || envelope.Media.Payload == "" {
			return nil, badFrame("media frame missing payload")
		}
		return MediaEvent{
			Payload:   envelope.Media.Payload,
			Track:     envelope.Media.Track,
			Timestamp: envelope.Media.Timestamp,
		}, nil
	case "stop":
		return StopEvent{}, nil
	case "mark":
		name := ""
		if envelope.Mark != nil {
			name = envelope.Mark.Name
		}
		return MarkEvent{Name: name}, nil
	case "":
		return nil, badFrame("missing event discriminator")
	default:
		return UnknownEvent{Event: envelope.Event}, nil
	}
}

// MediaFrame is the outbound envelope that routes one audio payload back to
// the caller's leg.
type MediaFrame struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// MediaPayload wraps the opaque base64 audio.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// ClearFrame tells the carrier to flush any queued playback audio.
type ClearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// NewMediaFrame builds the outbound media envelope for a stream.
func NewMediaFrame(streamSID, payload string) MediaFrame {
	return MediaFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: payload},
	}
}

// NewClearFrame builds the outbound clear envelope for a stream.
func NewClearFrame(streamSID string) ClearFrame {
	return ClearFrame{Event: "clear", StreamSID: streamSID}
}

// EventName returns the wire discriminator for a decoded event, for logging.
func EventName(ev Event) string {
	switch ev := ev.(type) {
	case ConnectedEvent:
		return "connected"
	case StartEvent:
		return "start"
	case MediaEvent:
		return "media"
	case StopEvent:
		return "stop"
	case MarkEvent:
		return "mark"
	case UnknownEvent:
		return fmt.Sprintf("unknown(%s)", ev.Event)
	default:
		return "unknown"
	}
}
