package protocol

import "time"

// Intent is a user request delivered to a companion over the bus, for example from a paired
// phone or a caregiver console.
type Intent struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// IntentReply acknowledges an Intent sent as a request.
type IntentReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State string `json:"state"`
}

// StateUpdate is published whenever the interaction state changes.
type StateUpdate struct {
	DeviceID    string    `json:"device_id"`
	SessionID   string    `json:"session_id,omitempty"`
	From        string    `json:"from"`
	State       string    `json:"state"`
	DisplayText string    `json:"display_text"`
	Error       string    `json:"error,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Transcript is one finished utterance of either side of the conversation.
type Transcript struct {
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence announces a device and its current status.
type Presence struct {
	DeviceID     string    `json:"device_id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	State        string    `json:"state"`
	DisplayText  string    `json:"display_text"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionCancel     = "cancel"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	SubjectIntentPrefix     = "companion.intent"
	SubjectStatePrefix      = "companion.state"
	SubjectTranscriptPrefix = "companion.transcript"
	SubjectPresenceAnnounce = "companion.presence.announce"
	SubjectPresencePrefix   = "companion.presence.heartbeat"
)

// IntentSubject is where device listens for action, e.g. companion.intent.watch-1.start.
func IntentSubject(device, action string) string {
	return SubjectIntentPrefix + "." + device + "." + action
}

func StateSubject(device string) string {
	return SubjectStatePrefix + "." + device
}

// TranscriptSubject is e.g. companion.transcript.watch-1.user.
func TranscriptSubject(device, role string) string {
	return SubjectTranscriptPrefix + "." + device + "." + role
}

func PresenceSubject(device string) string {
	return SubjectPresencePrefix + "." + device
}
