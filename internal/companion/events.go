package companion

import (
	"log/slog"

	"github.com/loqalabs/loqa-companion/internal/interaction"
	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/realtime"
)

// Server errors that describe a request racing the service's own turn handling. They are
// logged and leave the state alone.
var benignErrorCodes = map[string]bool{
	"input_audio_buffer_commit_empty":          true,
	"response_cancel_not_active":               true,
	"conversation_already_has_active_response": true,
}

// consume applies the events of one connection in arrival order. Events of a connection that
// has since been replaced or torn down are drained and ignored.
func (vm *ViewModel) consume(ep *epoch, events <-chan realtime.Event) {
	defer close(ep.done)
	for ev := range events {
		vm.mu.Lock()
		if vm.epoch == ep {
			vm.handle(ep, ev)
		}
		vm.mu.Unlock()
	}
}

// handle must be called with vm.mu held.
func (vm *ViewModel) handle(ep *epoch, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SessionCreatedEvent:
		vm.sessionCreated(ep, e.Session.ID)

	case realtime.SpeechStoppedEvent:
		// Server VAD closed the utterance; it commits and answers by itself.
		if cur, ok := vm.machine.Current().(interaction.Recording); ok && ep.settings.ServerVAD() {
			if err := vm.finishRecording(cur.SessionID, false); err != nil {
				vm.log.Warn("failed to close utterance", slogError(err))
			}
		}

	case realtime.ResponseCreatedEvent:
		if vm.response.discardNext {
			vm.response.discardNext = false
			vm.response.discard = e.Response.ID
			return
		}
		vm.response.id = e.Response.ID

	case realtime.OutputItemAddedEvent:
		if e.ResponseID == vm.response.id && e.Item.Role == "assistant" {
			vm.response.itemID = e.Item.ID
		}

	case realtime.AudioDeltaEvent:
		vm.audioDelta(e)

	case realtime.AudioDoneEvent:
		if e.ResponseID == vm.response.id {
			vm.response.audioDone = true
			vm.maybeFinish()
		}

	case realtime.ResponseDoneEvent:
		vm.responseDone(e.Response)

	case realtime.TranscriptionCompletedEvent:
		vm.publish(ActivityUserTranscript, vm.machine.SessionID(), e.Transcript)

	case realtime.TranscriptionFailedEvent:
		vm.log.Warn("input transcription failed", slog.String("item_id", e.ItemID), slog.String("error", e.Error.Message))

	case realtime.AudioTranscriptDoneEvent:
		if e.ResponseID != vm.response.discard {
			vm.publish(ActivityAssistantTranscript, vm.machine.SessionID(), e.Transcript)
		}

	case realtime.RateLimitsUpdatedEvent:
		for _, rl := range e.RateLimits {
			vm.log.Debug("rate limit", slog.String("name", rl.Name), slog.Int("remaining", rl.Remaining))
		}

	case realtime.ErrorEvent:
		serr := e.Err()
		if serr.Code == "response_cancel_not_active" {
			// Nothing was generating, so there is nothing left to discard.
			vm.response.discardNext = false
		}
		if benignErrorCodes[serr.Code] {
			vm.log.Warn("voice service rejected request", slog.String("code", serr.Code), slog.String("message", serr.Message))
			return
		}
		vm.fail(vm.machine.SessionID(), serr.Error())

	case realtime.ConnectionClosedEvent:
		if e.Err == nil {
			return
		}
		// The transport is gone, so whatever session it carried is gone with it.
		vm.fail("", e.Err.Error())

	default:
		vm.log.Debug("ignoring realtime event", slog.String("type", ev.EventType()))
	}
}

func (vm *ViewModel) sessionCreated(ep *epoch, sid string) {
	if vm.machine.Current().Kind() != interaction.KindConnecting {
		return
	}
	if !vm.machine.Transition(interaction.Idle{SessionID: sid}) {
		return
	}
	vm.publish(ActivitySessionStarted, sid, "")
	if err := vm.client.UpdateSession(ep.settings.SessionConfig()); err != nil {
		vm.log.Warn("failed to send session settings", slogError(err))
	}
}

// audioDelta queues one slice of the answer for playback. The first chunk of a turn moves
// Processing to Playing.
func (vm *ViewModel) audioDelta(e realtime.AudioDeltaEvent) {
	if e.ResponseID != "" && e.ResponseID == vm.response.discard {
		return
	}
	cur := vm.machine.Current()
	if k := cur.Kind(); k != interaction.KindProcessing && k != interaction.KindPlaying {
		return
	}
	sid := interaction.SessionOf(cur)
	data, err := e.Audio()
	if err != nil {
		vm.log.Warn("dropping undecodable audio delta", slogError(err))
		return
	}
	if vm.response.itemID == "" {
		vm.response.itemID = e.ItemID
	}
	for _, c := range pcm.Split(data, vm.audio.ChunkBytes()) {
		if err := vm.audio.PlayAudio(c); err != nil {
			vm.log.Warn("failed to play audio", slogError(err))
			vm.fail(sid, err.Error())
			return
		}
		vm.response.queuedBytes += len(c)
	}
	vm.refreshPlaying(sid, vm.audio.Outstanding())
}

func (vm *ViewModel) responseDone(r realtime.Response) {
	if r.ID != "" && r.ID == vm.response.discard {
		vm.response.discard = ""
		return
	}
	vm.response.audioDone = true
	vm.response.finished = true
	vm.response.id = ""
	if r.Status == "failed" && r.StatusDetails != nil && r.StatusDetails.Error != nil {
		vm.fail(vm.machine.SessionID(), r.StatusDetails.Error.Message)
		return
	}
	vm.maybeFinish()
}

// maybeFinish ends the turn once the service is done and nothing is left to play. A response
// without audio goes straight from Processing back to Idle.
func (vm *ViewModel) maybeFinish() {
	switch cur := vm.machine.Current().(type) {
	case interaction.Playing:
		if vm.audio.Outstanding() == 0 {
			vm.finishTurn(cur.SessionID)
		}
	case interaction.Processing:
		if vm.response.id == "" {
			vm.finishTurn(cur.SessionID)
		}
	}
}

// fail forces the Error state. Errors inside a live session are recoverable and return to
// Idle; errors without one tear the connection down and stay visible until the next Connect
// or Disconnect.
func (vm *ViewModel) fail(sid, msg string) {
	if err := vm.stopAudio(); err != nil {
		vm.log.Warn("failed to stop audio", slogError(err))
	}
	next := vm.response.carry()
	if vm.response.id != "" {
		next.discard = vm.response.id
	}
	vm.response = next
	vm.publish(ActivityError, sid, msg)

	if vm.machine.Current().Kind() == interaction.KindConnecting {
		vm.countError("connect")
		vm.teardown()
		vm.machine.Transition(interaction.ConnectionFailed{Reason: msg})
		return
	}
	if sid != "" {
		vm.countError("recoverable")
		vm.machine.ForceTransition(interaction.Error{SessionID: sid, Message: msg})
		vm.machine.Transition(interaction.Idle{SessionID: sid})
		return
	}
	vm.countError("fatal")
	vm.teardown()
	vm.machine.ForceTransition(interaction.Error{Message: msg})
}

func (vm *ViewModel) teardown() {
	vm.epoch = nil
	if err := vm.client.Disconnect(); err != nil {
		vm.log.Warn("failed to close voice session", slogError(err))
	}
}
