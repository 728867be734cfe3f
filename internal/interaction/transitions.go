package interaction

// Allowed reports whether moving from one state to the next is a legal edge.
//
// Every variant is listed explicitly on both sides; there is no catch-all arm, so a new
// variant falls through to the final false until it is handled here.
func Allowed(from, to State) bool {
	if from == nil || to == nil {
		return false
	}
	if sid := SessionOf(to); needsSession(to) && sid == "" {
		return false
	}

	switch cur := from.(type) {
	case Disconnected:
		switch to.(type) {
		case Connecting:
			return true
		case Disconnected, ConnectionFailed, Idle, Recording, Processing, Playing, Error:
			return false
		}

	case Connecting:
		switch to.(type) {
		case Idle, ConnectionFailed, Disconnected, Error:
			return true
		case Connecting, Recording, Processing, Playing:
			return false
		}

	case ConnectionFailed:
		switch to.(type) {
		case Connecting, Disconnected:
			return true
		case ConnectionFailed, Idle, Recording, Processing, Playing, Error:
			return false
		}

	case Idle:
		switch next := to.(type) {
		case Recording:
			return next.SessionID == cur.SessionID
		case Error:
			return sameEpochOrFatal(cur.SessionID, next.SessionID)
		case Disconnected:
			return true
		case Idle, Connecting, ConnectionFailed, Processing, Playing:
			return false
		}

	case Recording:
		switch next := to.(type) {
		case Recording:
			return next.SessionID == cur.SessionID && next.BufferedBytes >= cur.BufferedBytes
		case Processing:
			return next.SessionID == cur.SessionID
		case Idle:
			return next.SessionID == cur.SessionID
		case Error:
			return sameEpochOrFatal(cur.SessionID, next.SessionID)
		case Disconnected, Connecting, ConnectionFailed, Playing:
			return false
		}

	case Processing:
		switch next := to.(type) {
		case Playing:
			return next.SessionID == cur.SessionID
		case Idle:
			return next.SessionID == cur.SessionID
		case Error:
			return sameEpochOrFatal(cur.SessionID, next.SessionID)
		case Disconnected, Connecting, ConnectionFailed, Recording, Processing:
			return false
		}

	case Playing:
		switch next := to.(type) {
		case Playing:
			return next.SessionID == cur.SessionID
		case Idle:
			return next.SessionID == cur.SessionID
		case Error:
			return sameEpochOrFatal(cur.SessionID, next.SessionID)
		case Disconnected, Connecting, ConnectionFailed, Recording, Processing:
			return false
		}

	case Error:
		switch next := to.(type) {
		case Idle:
			return cur.SessionID != "" && next.SessionID == cur.SessionID
		case Disconnected, Connecting:
			return true
		case Error, ConnectionFailed, Recording, Processing, Playing:
			return false
		}
	}
	return false
}

func needsSession(s State) bool {
	switch s.(type) {
	case Idle, Recording, Processing, Playing:
		return true
	case Disconnected, Connecting, ConnectionFailed, Error:
		return false
	}
	return false
}

// An error raised inside a session either keeps that session or drops it entirely.
func sameEpochOrFatal(current, next string) bool {
	return next == "" || next == current
}
