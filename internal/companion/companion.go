// Package companion drives one voice conversation: it moves microphone audio to the remote
// voice service, plays the answer back, and keeps the interaction state machine current.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/interaction"
	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/realtime"
	"github.com/loqalabs/loqa-companion/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrInvalidState is returned when an operation is not available in the current state.
var ErrInvalidState = errors.New("companion: operation not allowed in current state")

// VoiceClient is the subset of the realtime client the view-model drives.
type VoiceClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan realtime.Event
	UpdateSession(cfg realtime.SessionConfig) error
	SendAudioChunk(data []byte) error
	CommitAudioBuffer() error
	ClearAudioBuffer() error
	TruncateItem(itemID string, contentIndex, audioEndMS int) error
	CreateResponse(cfg *realtime.ResponseConfig) error
	CancelResponse(responseID string) error
}

// AudioService is the subset of the capture/playback service the view-model drives.
type AudioService interface {
	StartCapture() (<-chan pcm.Chunk, error)
	StopCapture() error
	PlayAudio(chunk pcm.Chunk) error
	StopPlayback() error
	Outstanding() int
	ChunkBytes() int
	SetCompletionHandler(fn func(remaining int))
}

// ViewModel orchestrates the machine, the audio service and the voice client. User intents
// and inbound events are serialized on mu; the capture forwarder only touches the client and
// the machine, which guard themselves.
type ViewModel struct {
	machine  *interaction.Machine
	client   VoiceClient
	audio    AudioService
	settings SettingsStore
	format   pcm.Format
	log      *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	epoch    *epoch
	capture  *forwarder
	response responseState

	completions *stream.Queue[int]
	watchDone   chan struct{}

	subsMu sync.Mutex
	subs   []*stream.Queue[Activity]
	closed bool

	turnCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
}

// epoch is one connection to the voice service.
type epoch struct {
	settings Settings
	done     chan struct{}
}

// forwarder moves captured chunks to the voice client.
type forwarder struct {
	sessionID string
	done      chan struct{}
}

// responseState follows the assistant turn currently being answered. discardNext marks a
// response cancelled before the service announced its id.
type responseState struct {
	id          string
	discard     string
	discardNext bool
	itemID      string
	audioDone   bool
	finished    bool
	queuedBytes int
}

// carry keeps the discard markers that outlive a turn.
func (r responseState) carry() responseState {
	return responseState{discard: r.discard, discardNext: r.discardNext}
}

func New(machine *interaction.Machine, client VoiceClient, audio AudioService, settings SettingsStore, logger *slog.Logger) *ViewModel {
	vm := &ViewModel{
		machine:     machine,
		client:      client,
		audio:       audio,
		settings:    settings,
		format:      pcm.Wire(),
		log:         logger.With(slog.String("component", "companion")),
		clock:       time.Now,
		completions: stream.NewQueue[int](),
		watchDone:   make(chan struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-companion/companion")
	if c, err := meter.Int64Counter("companion.turns", metric.WithDescription("Completed voice round trips")); err == nil {
		vm.turnCounter = c
	}
	if c, err := meter.Int64Counter("companion.errors", metric.WithDescription("Errors surfaced to the user")); err == nil {
		vm.errorCounter = c
	}
	audio.SetCompletionHandler(func(remaining int) { vm.completions.Push(remaining) })
	go vm.watchPlayback()
	return vm
}

// Machine exposes the state machine for read-only queries.
func (vm *ViewModel) Machine() *interaction.Machine { return vm.machine }

func (vm *ViewModel) State() interaction.State { return vm.machine.Current() }

// Connect opens a session. The state is Connecting until the service reports session.created,
// at which point it becomes Idle and the settings snapshot is pushed to the service.
func (vm *ViewModel) Connect(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if !vm.machine.Transition(interaction.Connecting{}) {
		return fmt.Errorf("connect from %s: %w", interaction.Describe(vm.machine.Current()), ErrInvalidState)
	}
	settings := vm.settings.Snapshot()
	if err := vm.client.Connect(ctx); err != nil {
		vm.machine.Transition(interaction.ConnectionFailed{Reason: err.Error()})
		vm.countError("connect")
		return err
	}
	events := vm.client.Events()
	if events == nil {
		vm.machine.Transition(interaction.ConnectionFailed{Reason: "connection closed"})
		return realtime.ErrNotConnected
	}
	ep := &epoch{settings: settings, done: make(chan struct{})}
	vm.epoch = ep
	vm.response = responseState{}
	go vm.consume(ep, events)
	return nil
}

// Disconnect stops audio in both directions, closes the session and returns to Disconnected.
func (vm *ViewModel) Disconnect() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.disconnectLocked()
}

func (vm *ViewModel) disconnectLocked() error {
	errs := []error{vm.stopAudio()}
	vm.epoch = nil
	vm.response = responseState{}
	errs = append(errs, vm.client.Disconnect())

	cur := vm.machine.Current()
	switch {
	case cur.Kind() == interaction.KindDisconnected:
	case interaction.HasActiveInteraction(cur):
		vm.machine.ForceTransition(interaction.Disconnected{})
	default:
		vm.machine.Transition(interaction.Disconnected{})
	}
	return errors.Join(errs...)
}

// StartRecording opens the microphone and streams every chunk to the service in capture order.
func (vm *ViewModel) StartRecording() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	cur := vm.machine.Current()
	if !interaction.CanStartRecording(cur) {
		return fmt.Errorf("start recording from %s: %w", interaction.Describe(cur), ErrInvalidState)
	}
	sid := interaction.SessionOf(cur)
	chunks, err := vm.audio.StartCapture()
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if !vm.machine.Transition(interaction.Recording{SessionID: sid}) {
		_ = vm.audio.StopCapture()
		return fmt.Errorf("start recording: %w", ErrInvalidState)
	}
	fw := &forwarder{sessionID: sid, done: make(chan struct{})}
	vm.capture = fw
	go vm.forward(fw, chunks)
	return nil
}

// StopRecording closes the microphone, commits the utterance and asks for an answer.
func (vm *ViewModel) StopRecording() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	cur, ok := vm.machine.Current().(interaction.Recording)
	if !ok {
		return fmt.Errorf("stop recording from %s: %w", interaction.Describe(vm.machine.Current()), ErrInvalidState)
	}
	return vm.finishRecording(cur.SessionID, true)
}

// finishRecording ends capture and moves to Processing. With request unset the service has
// already committed the buffer and started a response on its own.
func (vm *ViewModel) finishRecording(sid string, request bool) error {
	captureErr := vm.endCapture()
	vm.response = vm.response.carry()
	if request {
		if err := errors.Join(vm.client.CommitAudioBuffer(), vm.client.CreateResponse(nil)); err != nil {
			vm.machine.Transition(interaction.Idle{SessionID: sid})
			return fmt.Errorf("commit utterance: %w", err)
		}
	}
	vm.machine.Transition(interaction.Processing{SessionID: sid})
	if captureErr != nil {
		vm.log.Warn("failed to stop capture", slogError(captureErr))
	}
	return nil
}

// Cancel abandons the current turn. While recording the remote buffer is discarded; while an
// answer is pending or playing it is cancelled and playback stops at once.
func (vm *ViewModel) Cancel() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	cur := vm.machine.Current()
	sid := interaction.SessionOf(cur)
	switch cur.(type) {
	case interaction.Recording:
		err := errors.Join(vm.endCapture(), vm.client.ClearAudioBuffer())
		vm.machine.Transition(interaction.Idle{SessionID: sid})
		return err
	case interaction.Processing, interaction.Playing:
		var errs []error
		// An empty id cancels whatever the service is generating, so a response that has
		// not been announced yet is stopped too.
		pending := !vm.response.finished
		if pending {
			errs = append(errs, vm.client.CancelResponse(vm.response.id))
		}
		if vm.response.itemID != "" {
			played := vm.response.queuedBytes - vm.audio.Outstanding()*vm.audio.ChunkBytes()
			if played < 0 {
				played = 0
			}
			ms := int(vm.format.Duration(played) / time.Millisecond)
			errs = append(errs, vm.client.TruncateItem(vm.response.itemID, 0, ms))
		}
		errs = append(errs, vm.audio.StopPlayback())
		next := vm.response.carry()
		if vm.response.id != "" {
			next.discard = vm.response.id
		} else if pending {
			next.discardNext = true
		}
		vm.response = next
		vm.machine.Transition(interaction.Idle{SessionID: sid})
		return errors.Join(errs...)
	case interaction.Disconnected, interaction.Connecting, interaction.ConnectionFailed, interaction.Idle, interaction.Error:
	}
	return fmt.Errorf("cancel from %s: %w", interaction.Describe(cur), ErrInvalidState)
}

// Close disconnects and ends every activity feed.
func (vm *ViewModel) Close() error {
	err := vm.Disconnect()
	vm.completions.Close()
	<-vm.watchDone

	vm.subsMu.Lock()
	subs := vm.subs
	vm.subs = nil
	vm.closed = true
	vm.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return err
}

// forward runs until the capture channel closes. It never takes vm.mu, so endCapture can wait
// for it while holding the lock.
func (vm *ViewModel) forward(fw *forwarder, chunks <-chan pcm.Chunk) {
	defer close(fw.done)
	total := 0
	for c := range chunks {
		if err := vm.client.SendAudioChunk(c); err != nil {
			vm.log.Debug("dropping captured chunk", slogError(err))
		}
		total += len(c)
		vm.refreshRecording(fw.sessionID, total)
	}
}

// refreshRecording updates the buffered byte count while the utterance is still open.
func (vm *ViewModel) refreshRecording(sid string, total int) {
	if !vm.machine.IsRecording() {
		return
	}
	vm.machine.Transition(interaction.Recording{SessionID: sid, BufferedBytes: total})
}

// refreshPlaying updates the number of chunks still queued for output.
func (vm *ViewModel) refreshPlaying(sid string, remaining int) {
	vm.machine.Transition(interaction.Playing{SessionID: sid, ActiveChunks: remaining})
}

// endCapture stops the microphone and waits until every captured chunk has been handed to the
// client. Must be called with vm.mu held.
func (vm *ViewModel) endCapture() error {
	fw := vm.capture
	vm.capture = nil
	err := vm.audio.StopCapture()
	if fw != nil {
		<-fw.done
	}
	return err
}

// stopAudio ends capture and playback. Must be called with vm.mu held.
func (vm *ViewModel) stopAudio() error {
	return errors.Join(vm.endCapture(), vm.audio.StopPlayback())
}

func (vm *ViewModel) watchPlayback() {
	defer close(vm.watchDone)
	for range vm.completions.C() {
		vm.mu.Lock()
		vm.playbackProgress()
		vm.mu.Unlock()
	}
}

// playbackProgress handles one completed output chunk. The count carried by the completion
// may be stale by the time vm.mu is held, since deltas can be queued in between, so the live
// count is read instead. Completions that arrive after the turn ended find the machine out of
// Playing and are dropped.
func (vm *ViewModel) playbackProgress() {
	cur, ok := vm.machine.Current().(interaction.Playing)
	if !ok {
		return
	}
	remaining := vm.audio.Outstanding()
	if remaining == 0 && vm.response.audioDone {
		vm.finishTurn(cur.SessionID)
		return
	}
	vm.refreshPlaying(cur.SessionID, remaining)
}

// finishTurn returns to Idle after the answer has been fully played.
func (vm *ViewModel) finishTurn(sid string) {
	if err := vm.audio.StopPlayback(); err != nil {
		vm.log.Warn("failed to release playback", slogError(err))
	}
	if vm.machine.Transition(interaction.Idle{SessionID: sid}) && vm.turnCounter != nil {
		vm.turnCounter.Add(context.Background(), 1)
	}
}

func (vm *ViewModel) countError(kind string) {
	if vm.errorCounter == nil {
		return
	}
	vm.errorCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
