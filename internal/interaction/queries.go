package interaction

// IsConnected reports whether s belongs to a live session.
func IsConnected(s State) bool {
	return SessionOf(s) != ""
}

func CanStartRecording(s State) bool {
	return s.Kind() == KindIdle
}

// HasActiveInteraction is true while a turn is being captured, answered or played.
func HasActiveInteraction(s State) bool {
	switch s.Kind() {
	case KindRecording, KindProcessing, KindPlaying:
		return true
	}
	return false
}

func CanCancel(s State) bool {
	return HasActiveInteraction(s)
}

// DisplayText is the status line shown on the watch face.
func DisplayText(s State) string {
	switch v := s.(type) {
	case Disconnected:
		return "Not connected"
	case Connecting:
		return "Connecting..."
	case ConnectionFailed:
		if v.Reason == "" {
			return "Connection failed"
		}
		return "Connection failed: " + v.Reason
	case Idle:
		return "Tap to talk"
	case Recording:
		return "Listening..."
	case Processing:
		return "Thinking..."
	case Playing:
		return "Speaking..."
	case Error:
		return "Error: " + v.Message
	}
	return ""
}

// ErrorMessage returns the failure text of s, or "" when s is not a failure state.
func ErrorMessage(s State) string {
	switch v := s.(type) {
	case ConnectionFailed:
		return v.Reason
	case Error:
		return v.Message
	}
	return ""
}
