package realtime

import "github.com/google/uuid"

// Outbound message types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeItemCreate             = "conversation.item.create"
	TypeItemRetrieve           = "conversation.item.retrieve"
	TypeItemTruncate           = "conversation.item.truncate"
	TypeItemDelete             = "conversation.item.delete"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeToolApprovalResponse   = "mcp_approval_response"
	TypeAvatarConnect          = "session.avatar.connect"
)

// ClientMessage is a request sent to the service.
type ClientMessage interface {
	MessageType() string
}

// MessageHeader carries the type tag and a client-generated event id.
type MessageHeader struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func (h MessageHeader) MessageType() string { return h.Type }

func newHeader(typ string) MessageHeader {
	return MessageHeader{Type: typ, EventID: "evt_" + uuid.NewString()}
}

type SessionUpdate struct {
	MessageHeader
	Session SessionConfig `json:"session"`
}

// InputAudioBufferAppend carries base64 PCM16 audio.
type InputAudioBufferAppend struct {
	MessageHeader
	Audio string `json:"audio"`
}

type InputAudioBufferCommit struct {
	MessageHeader
}

type InputAudioBufferClear struct {
	MessageHeader
}

type ItemCreate struct {
	MessageHeader
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type ItemRetrieve struct {
	MessageHeader
	ItemID string `json:"item_id"`
}

type ItemTruncate struct {
	MessageHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type ItemDelete struct {
	MessageHeader
	ItemID string `json:"item_id"`
}

type ResponseCreate struct {
	MessageHeader
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseCancel struct {
	MessageHeader
	ResponseID string `json:"response_id,omitempty"`
}

// ToolApprovalResponse answers a tool approval request. On the wire it is a
// conversation.item.create whose item has type mcp_approval_response.
type ToolApprovalResponse struct {
	MessageHeader
	Item Item `json:"item"`
}

func (ToolApprovalResponse) MessageType() string { return TypeToolApprovalResponse }

// AvatarConnect starts the avatar media negotiation. Audio-only clients never send it.
type AvatarConnect struct {
	MessageHeader
	ClientSDP string `json:"client_sdp"`
}
