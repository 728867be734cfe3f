package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event is a decoded server message. The set is closed: every wire type listed in decoders
// maps to one struct, anything else becomes UnknownEvent, and the client adds
// ConnectionClosedEvent when the transport ends.
type Event interface {
	EventType() string
	isEvent()
}

// EventHeader is embedded in every server event.
type EventHeader struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func (h EventHeader) EventType() string { return h.Type }
func (EventHeader) isEvent()            {}

// PartRef locates a content part within a response.
type PartRef struct {
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

type SessionCreatedEvent struct {
	EventHeader
	Session SessionInfo `json:"session"`
}

type SessionUpdatedEvent struct {
	EventHeader
	Session SessionInfo `json:"session"`
}

type AvatarConnectingEvent struct {
	EventHeader
	ServerSDP string `json:"server_sdp"`
}

type InputAudioBufferCommittedEvent struct {
	EventHeader
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ItemID         string `json:"item_id"`
}

type InputAudioBufferClearedEvent struct {
	EventHeader
}

type SpeechStartedEvent struct {
	EventHeader
	AudioStartMS int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type SpeechStoppedEvent struct {
	EventHeader
	AudioEndMS int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type ItemCreatedEvent struct {
	EventHeader
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type ItemRetrievedEvent struct {
	EventHeader
	Item Item `json:"item"`
}

type ItemTruncatedEvent struct {
	EventHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type ItemDeletedEvent struct {
	EventHeader
	ItemID string `json:"item_id"`
}

// TranscriptionCompletedEvent carries the transcript of the user's committed audio.
type TranscriptionCompletedEvent struct {
	EventHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type TranscriptionDeltaEvent struct {
	EventHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type TranscriptionFailedEvent struct {
	EventHeader
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Error        ErrorDetail `json:"error"`
}

type ResponseCreatedEvent struct {
	EventHeader
	Response Response `json:"response"`
}

type ResponseDoneEvent struct {
	EventHeader
	Response Response `json:"response"`
}

type OutputItemAddedEvent struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

type OutputItemDoneEvent struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

type ContentPartAddedEvent struct {
	EventHeader
	PartRef
	Part ContentPart `json:"part"`
}

type ContentPartDoneEvent struct {
	EventHeader
	PartRef
	Part ContentPart `json:"part"`
}

type TextDeltaEvent struct {
	EventHeader
	PartRef
	Delta string `json:"delta"`
}

type TextDoneEvent struct {
	EventHeader
	PartRef
	Text string `json:"text"`
}

// AudioDeltaEvent carries a slice of response audio as base64 PCM16.
type AudioDeltaEvent struct {
	EventHeader
	PartRef
	Delta string `json:"delta"`
}

// Audio decodes the delta payload.
func (e AudioDeltaEvent) Audio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		return nil, fmt.Errorf("decode audio delta: %w", err)
	}
	return data, nil
}

type AudioDoneEvent struct {
	EventHeader
	PartRef
}

type AudioTranscriptDeltaEvent struct {
	EventHeader
	PartRef
	Delta string `json:"delta"`
}

type AudioTranscriptDoneEvent struct {
	EventHeader
	PartRef
	Transcript string `json:"transcript"`
}

type FunctionCallArgumentsDeltaEvent struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Delta       string `json:"delta"`
}

type FunctionCallArgumentsDoneEvent struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments"`
}

type ToolCallArgumentsDeltaEvent struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
}

type ToolCallArgumentsDoneEvent struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	Arguments   string `json:"arguments"`
}

// ToolCallStatusEvent reports the progress of a remote tool call. Type distinguishes
// in_progress, completed and failed.
type ToolCallStatusEvent struct {
	EventHeader
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
}

// ToolListStatusEvent reports the progress of listing a tool server's tools.
type ToolListStatusEvent struct {
	EventHeader
	ItemID string `json:"item_id"`
}

type BlendshapesDeltaEvent struct {
	EventHeader
	PartRef
	Frames     [][]float64 `json:"frames"`
	FrameIndex int         `json:"frame_index"`
}

type BlendshapesDoneEvent struct {
	EventHeader
	PartRef
}

type AudioTimestampDeltaEvent struct {
	EventHeader
	PartRef
	AudioOffsetMS   int    `json:"audio_offset_ms"`
	AudioDurationMS int    `json:"audio_duration_ms"`
	Text            string `json:"text"`
	TimestampType   string `json:"timestamp_type"`
}

type AudioTimestampDoneEvent struct {
	EventHeader
	PartRef
}

type VisemeDeltaEvent struct {
	EventHeader
	PartRef
	AudioOffsetMS int `json:"audio_offset_ms"`
	VisemeID      int `json:"viseme_id"`
}

type VisemeDoneEvent struct {
	EventHeader
	PartRef
}

type RateLimitsUpdatedEvent struct {
	EventHeader
	RateLimits []RateLimit `json:"rate_limits"`
}

type ErrorEvent struct {
	EventHeader
	Error ErrorDetail `json:"error"`
}

// Err returns the payload as a Go error.
func (e ErrorEvent) Err() *ServerError {
	return &ServerError{ErrorDetail: e.Error}
}

// UnknownEvent holds a message whose type is not recognised, or a recognised message that
// failed to decode (Err is set then).
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
	Err  error
}

func (e UnknownEvent) EventType() string { return e.Type }
func (UnknownEvent) isEvent()            {}

// ConnectionClosedEvent is the last event of a connection. Err is nil after Disconnect and
// set when the transport failed.
type ConnectionClosedEvent struct {
	Err error
}

func (ConnectionClosedEvent) EventType() string { return "connection.closed" }
func (ConnectionClosedEvent) isEvent()          {}

type decodeFunc func([]byte) (Event, error)

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

var decoders = map[string]decodeFunc{
	"session.created":           decodeAs[SessionCreatedEvent],
	"session.updated":           decodeAs[SessionUpdatedEvent],
	"session.avatar.connecting": decodeAs[AvatarConnectingEvent],

	"input_audio_buffer.committed":      decodeAs[InputAudioBufferCommittedEvent],
	"input_audio_buffer.cleared":        decodeAs[InputAudioBufferClearedEvent],
	"input_audio_buffer.speech_started": decodeAs[SpeechStartedEvent],
	"input_audio_buffer.speech_stopped": decodeAs[SpeechStoppedEvent],

	"conversation.item.created":                             decodeAs[ItemCreatedEvent],
	"conversation.item.retrieved":                           decodeAs[ItemRetrievedEvent],
	"conversation.item.truncated":                           decodeAs[ItemTruncatedEvent],
	"conversation.item.deleted":                             decodeAs[ItemDeletedEvent],
	"conversation.item.input_audio_transcription.completed": decodeAs[TranscriptionCompletedEvent],
	"conversation.item.input_audio_transcription.delta":     decodeAs[TranscriptionDeltaEvent],
	"conversation.item.input_audio_transcription.failed":    decodeAs[TranscriptionFailedEvent],

	"response.created":                decodeAs[ResponseCreatedEvent],
	"response.done":                   decodeAs[ResponseDoneEvent],
	"response.output_item.added":      decodeAs[OutputItemAddedEvent],
	"response.output_item.done":       decodeAs[OutputItemDoneEvent],
	"response.content_part.added":     decodeAs[ContentPartAddedEvent],
	"response.content_part.done":      decodeAs[ContentPartDoneEvent],
	"response.text.delta":             decodeAs[TextDeltaEvent],
	"response.text.done":              decodeAs[TextDoneEvent],
	"response.audio.delta":            decodeAs[AudioDeltaEvent],
	"response.audio.done":             decodeAs[AudioDoneEvent],
	"response.audio_transcript.delta": decodeAs[AudioTranscriptDeltaEvent],
	"response.audio_transcript.done":  decodeAs[AudioTranscriptDoneEvent],

	"response.function_call_arguments.delta": decodeAs[FunctionCallArgumentsDeltaEvent],
	"response.function_call_arguments.done":  decodeAs[FunctionCallArgumentsDoneEvent],
	"response.mcp_call_arguments.delta":      decodeAs[ToolCallArgumentsDeltaEvent],
	"response.mcp_call_arguments.done":       decodeAs[ToolCallArgumentsDoneEvent],
	"response.mcp_call.in_progress":          decodeAs[ToolCallStatusEvent],
	"response.mcp_call.completed":            decodeAs[ToolCallStatusEvent],
	"response.mcp_call.failed":               decodeAs[ToolCallStatusEvent],
	"mcp_list_tools.in_progress":             decodeAs[ToolListStatusEvent],
	"mcp_list_tools.completed":               decodeAs[ToolListStatusEvent],
	"mcp_list_tools.failed":                  decodeAs[ToolListStatusEvent],

	"response.animation_blendshapes.delta": decodeAs[BlendshapesDeltaEvent],
	"response.animation_blendshapes.done":  decodeAs[BlendshapesDoneEvent],
	"response.audio_timestamp.delta":       decodeAs[AudioTimestampDeltaEvent],
	"response.audio_timestamp.done":        decodeAs[AudioTimestampDoneEvent],
	"response.animation_viseme.delta":      decodeAs[VisemeDeltaEvent],
	"response.animation_viseme.done":       decodeAs[VisemeDoneEvent],

	"rate_limits.updated": decodeAs[RateLimitsUpdatedEvent],
	"error":               decodeAs[ErrorEvent],
}

// KnownTypes returns the number of wire types the decoder recognises.
func KnownTypes() int { return len(decoders) }

// Decode turns one text frame into an Event. It never fails: frames that cannot be decoded
// become UnknownEvent so the read loop keeps going.
func Decode(data []byte) Event {
	raw := json.RawMessage(append([]byte(nil), data...))
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return UnknownEvent{Raw: raw, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return UnknownEvent{Type: env.Type, Raw: raw}
	}
	ev, err := decode(data)
	if err != nil {
		return UnknownEvent{Type: env.Type, Raw: raw, Err: fmt.Errorf("decode %s: %w", env.Type, err)}
	}
	return ev
}
