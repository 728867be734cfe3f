package realtime

// Item is a conversation item as exchanged in both directions.
type Item struct {
	ID                string        `json:"id,omitempty"`
	Type              string        `json:"type,omitempty"`
	Object            string        `json:"object,omitempty"`
	Status            string        `json:"status,omitempty"`
	Role              string        `json:"role,omitempty"`
	Content           []ContentPart `json:"content,omitempty"`
	CallID            string        `json:"call_id,omitempty"`
	Name              string        `json:"name,omitempty"`
	Arguments         string        `json:"arguments,omitempty"`
	Output            string        `json:"output,omitempty"`
	ApprovalRequestID string        `json:"approval_request_id,omitempty"`
	Approve           *bool         `json:"approve,omitempty"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type Usage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	ID            string         `json:"id"`
	Object        string         `json:"object,omitempty"`
	Status        string         `json:"status,omitempty"`
	StatusDetails *StatusDetails `json:"status_details,omitempty"`
	Output        []Item         `json:"output,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
	Modalities    []string       `json:"modalities,omitempty"`
	Voice         *Voice         `json:"voice,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type StatusDetails struct {
	Type   string       `json:"type,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// Voice selects the synthesized voice. Rate is a speaking-rate multiplier such as "1.0".
type Voice struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Rate        string   `json:"rate,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type TurnDetection struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int      `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int      `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool    `json:"create_response,omitempty"`
}

type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the payload of session.update. Zero fields are left unchanged by the
// service, except TurnDetection: nil is sent as null and turns server-side VAD off.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   *Voice         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioSamplingRate  int            `json:"input_audio_sampling_rate,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             *float64       `json:"temperature,omitempty"`
	MaxResponseOutputTokens any            `json:"max_response_output_tokens,omitempty"`
}

// SessionInfo is the session object reported by session.created and session.updated.
type SessionInfo struct {
	ID                      string         `json:"id"`
	Object                  string         `json:"object,omitempty"`
	Model                   string         `json:"model,omitempty"`
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   *Voice         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	ExpiresAt               int64          `json:"expires_at,omitempty"`
}

// ResponseConfig overrides session settings for a single response.
type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Voice        *Voice   `json:"voice,omitempty"`
	Conversation string   `json:"conversation,omitempty"`
}
