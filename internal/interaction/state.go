package interaction

import "fmt"

// Kind identifies a State variant.
type Kind int

const (
	KindDisconnected Kind = iota
	KindConnecting
	KindConnectionFailed
	KindIdle
	KindRecording
	KindProcessing
	KindPlaying
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindConnecting:
		return "connecting"
	case KindConnectionFailed:
		return "connection_failed"
	case KindIdle:
		return "idle"
	case KindRecording:
		return "recording"
	case KindProcessing:
		return "processing"
	case KindPlaying:
		return "playing"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is one of the variants declared in this file. The unexported method closes the set.
type State interface {
	Kind() Kind
	isState()
}

type Disconnected struct{}

type Connecting struct{}

type ConnectionFailed struct {
	Reason string
}

type Idle struct {
	SessionID string
}

// Recording carries the number of bytes captured so far in this utterance.
type Recording struct {
	SessionID     string
	BufferedBytes int
}

type Processing struct {
	SessionID string
}

// Playing carries the number of playback buffers still scheduled.
type Playing struct {
	SessionID    string
	ActiveChunks int
}

// Error is recoverable when SessionID is set and fatal otherwise.
type Error struct {
	SessionID string
	Message   string
}

func (Disconnected) Kind() Kind     { return KindDisconnected }
func (Connecting) Kind() Kind       { return KindConnecting }
func (ConnectionFailed) Kind() Kind { return KindConnectionFailed }
func (Idle) Kind() Kind             { return KindIdle }
func (Recording) Kind() Kind        { return KindRecording }
func (Processing) Kind() Kind       { return KindProcessing }
func (Playing) Kind() Kind          { return KindPlaying }
func (Error) Kind() Kind            { return KindError }

func (Disconnected) isState()     {}
func (Connecting) isState()       {}
func (ConnectionFailed) isState() {}
func (Idle) isState()             {}
func (Recording) isState()        {}
func (Processing) isState()       {}
func (Playing) isState()          {}
func (Error) isState()            {}

// Recoverable reports whether the error still belongs to a live session.
func (e Error) Recoverable() bool { return e.SessionID != "" }

// SessionOf returns the session identifier carried by s, or "" for the
// pre-connection states and fatal errors.
func SessionOf(s State) string {
	switch v := s.(type) {
	case Disconnected, Connecting, ConnectionFailed:
		return ""
	case Idle:
		return v.SessionID
	case Recording:
		return v.SessionID
	case Processing:
		return v.SessionID
	case Playing:
		return v.SessionID
	case Error:
		return v.SessionID
	}
	return ""
}

// Describe renders s for logs, including its payload.
func Describe(s State) string {
	switch v := s.(type) {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectionFailed:
		return fmt.Sprintf("connection_failed(%q)", v.Reason)
	case Idle:
		return fmt.Sprintf("idle(%s)", v.SessionID)
	case Recording:
		return fmt.Sprintf("recording(%s, %d)", v.SessionID, v.BufferedBytes)
	case Processing:
		return fmt.Sprintf("processing(%s)", v.SessionID)
	case Playing:
		return fmt.Sprintf("playing(%s, %d)", v.SessionID, v.ActiveChunks)
	case Error:
		if v.SessionID == "" {
			return fmt.Sprintf("error(nil, %q)", v.Message)
		}
		return fmt.Sprintf("error(%s, %q)", v.SessionID, v.Message)
	}
	return "<nil>"
}
