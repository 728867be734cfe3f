package companion

import (
	"time"

	"github.com/loqalabs/loqa-companion/internal/interaction"
	"github.com/loqalabs/loqa-companion/internal/stream"
)

type ActivityKind string

const (
	ActivitySessionStarted      ActivityKind = "session.started"
	ActivityUserTranscript      ActivityKind = "transcript.user"
	ActivityAssistantTranscript ActivityKind = "transcript.assistant"
	ActivityError               ActivityKind = "error"
)

// Activity is a conversation fact worth keeping outside the process: what was said and what
// went wrong.
type Activity struct {
	Kind      ActivityKind
	SessionID string
	Text      string
	At        time.Time
}

// Subscribe returns an ordered feed of activities, starting after the call. The feed closes
// with Close.
func (vm *ViewModel) Subscribe() <-chan Activity {
	q := stream.NewQueue[Activity]()
	vm.subsMu.Lock()
	defer vm.subsMu.Unlock()
	if vm.closed {
		q.Close()
		return q.C()
	}
	vm.subs = append(vm.subs, q)
	return q.C()
}

func (vm *ViewModel) publish(kind ActivityKind, sid, text string) {
	a := Activity{Kind: kind, SessionID: sid, Text: text, At: vm.clock().UTC()}
	vm.subsMu.Lock()
	defer vm.subsMu.Unlock()
	for _, sub := range vm.subs {
		sub.Push(a)
	}
}

// Status is the view of the companion the UI and the HTTP surface render.
type Status struct {
	State       string `json:"state"`
	DisplayText string `json:"display_text"`
	SessionID   string `json:"session_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Connected   bool   `json:"connected"`
	CanRecord   bool   `json:"can_record"`
	CanCancel   bool   `json:"can_cancel"`
	Rejected    uint64 `json:"rejected_transitions"`
}

func (vm *ViewModel) Status() Status {
	return StatusOf(vm.machine)
}

// StatusOf derives a Status from the machine's current state.
func StatusOf(m *interaction.Machine) Status {
	s := m.Current()
	return Status{
		State:       s.Kind().String(),
		DisplayText: interaction.DisplayText(s),
		SessionID:   interaction.SessionOf(s),
		Error:       interaction.ErrorMessage(s),
		Connected:   interaction.IsConnected(s),
		CanRecord:   interaction.CanStartRecording(s),
		CanCancel:   interaction.CanCancel(s),
		Rejected:    m.RejectedCount(),
	}
}
