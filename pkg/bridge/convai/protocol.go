package convai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event is a decoded server-to-client frame from the conversational agent.
// The set of variants is closed; frames with an unrecognized type decode to
// UnknownEvent so new server-side event types never break an active call.
type Event interface {
	providerEvent()
}

// InitiationMetadata is the first event a healthy conversation emits. It
// confirms the agent accepted the session and names the conversation.
type InitiationMetadata struct {
	ConversationID    string
	AgentOutputFormat string
}

// AudioEvent carries one chunk of agent speech, base64-encoded in the audio
// codec the agent is configured for. The payload is forwarded to the caller
// without transcoding.
type AudioEvent struct {
	AudioBase64 string
	EventID     int64
}

// InterruptionEvent signals the caller spoke over the agent. Any queued
// agent audio downstream is stale and should be flushed.
type InterruptionEvent struct {
	EventID int64
}

// PingEvent is a liveness probe. EventID holds the raw correlation value so
// the reply can echo it back verbatim whatever its JSON shape.
type PingEvent struct {
	EventID json.RawMessage
}

// ConversationEnd signals the agent considers the conversation over.
type ConversationEnd struct{}

// UnknownEvent preserves the discriminator of a frame this client does not
// model.
type UnknownEvent struct {
	Type string
}

func (InitiationMetadata) providerEvent() {}
func (AudioEvent) providerEvent()         {}
func (InterruptionEvent) providerEvent()  {}
func (PingEvent) providerEvent()          {}
func (ConversationEnd) providerEvent()    {}
func (UnknownEvent) providerEvent()       {}

// DecodeError reports a frame that could not be decoded into any Event
// variant. Sessions log these and keep reading.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type providerEnvelope struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`

	InitiationMetadataEvent *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event"`

	InterruptionEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event"`

	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"ping_event"`
}

// DecodeEvent parses one provider frame. Structural failures return a
// *DecodeError; an unmodeled type decodes to UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env providerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Code: "bad_frame", Message: "frame is not valid JSON"}
	}
	switch env.Type {
	case "":
		return nil, &DecodeError{Code: "bad_frame", Message: "frame is missing a type"}
	case "conversation_initiation_metadata":
		ev := InitiationMetadata{}
		if env.InitiationMetadataEvent != nil {
			ev.ConversationID = env.InitiationMetadataEvent.ConversationID
			ev.AgentOutputFormat = env.InitiationMetadataEvent.AgentOutputFormat
		}
		return ev, nil
	case "audio":
		if env.AudioEvent == nil || env.AudioEvent.AudioBase64 == "" {
			return nil, &DecodeError{Code: "bad_frame", Message: "audio frame is missing audio_base_64"}
		}
		return AudioEvent{AudioBase64: env.AudioEvent.AudioBase64, EventID: env.AudioEvent.EventID}, nil
	case "interruption":
		ev := InterruptionEvent{}
		if env.InterruptionEvent != nil {
			ev.EventID = env.InterruptionEvent.EventID
		}
		return ev, nil
	case "ping":
		ev := PingEvent{}
		if env.PingEvent != nil && len(env.PingEvent.EventID) > 0 {
			ev.EventID = env.PingEvent.EventID
		} else if len(env.EventID) > 0 {
			ev.EventID = env.EventID
		}
		return ev, nil
	case "conversation_end":
		return ConversationEnd{}, nil
	default:
		return UnknownEvent{Type: env.Type}, nil
	}
}

// InitiationClientData is the conversation context sent as the first frame
// after the socket opens. The agent uses it to personalize its opening turn.
type InitiationClientData struct {
	UserName         string `json:"user_name"`
	IsFirstCall      bool   `json:"is_first_call"`
	ConversationType string `json:"conversation_type"`
}

type initiationFrame struct {
	Type string               `json:"type"`
	Data InitiationClientData `json:"conversation_initiation_client_data"`
}

type audioChunkFrame struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongFrame struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func encodeInitiation(data InitiationClientData) ([]byte, error) {
	return json.Marshal(initiationFrame{Type: "conversation_initiation_client_data", Data: data})
}

func encodeAudioChunk(payload string) ([]byte, error) {
	return json.Marshal(audioChunkFrame{UserAudioChunk: payload})
}

// encodePong builds the reply to a ping, echoing the ping's correlation id.
// A ping without one gets a synthesized id so the reply is still traceable.
func encodePong(pingID json.RawMessage, now func() time.Time) ([]byte, error) {
	id := pingID
	if len(id) == 0 {
		id = json.RawMessage(strconv.Quote("pong_" + strconv.FormatInt(now().UnixNano(), 10)))
	}
	return json.Marshal(pongFrame{Type: "pong", EventID: id})
}
