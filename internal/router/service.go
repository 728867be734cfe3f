package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/companion"
	"github.com/loqalabs/loqa-companion/internal/interaction"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Companion is the part of the view-model the router drives.
type Companion interface {
	Connect(ctx context.Context) error
	Disconnect() error
	StartRecording() error
	StopRecording() error
	Cancel() error
	Status() companion.Status
	Subscribe() <-chan companion.Activity
	Machine() *interaction.Machine
}

// Recorder persists the conversation timeline.
type Recorder interface {
	Record(ctx context.Context, sessionID, deviceID, kind, text string, v any) error
	Prune(ctx context.Context) error
}

type Options struct {
	DeviceID       string
	ConnectTimeout time.Duration
}

// Service relays between the bus and one companion: intents in, state changes and transcripts
// out. Both a nil bus and a nil recorder are allowed.
type Service struct {
	opts      Options
	bus       *bus.Client
	companion Companion
	store     Recorder
	logger    *slog.Logger
	subIntent *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// persistCtx outlives the parent so the changes produced by shutdown are still recorded.
	persistCtx    context.Context
	persistCancel context.CancelFunc
}

func NewService(parent context.Context, opts Options, busClient *bus.Client, comp Companion, store Recorder, logger *slog.Logger) *Service {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	persistCtx, persistCancel := context.WithCancel(context.WithoutCancel(parent))
	return &Service{
		opts:          opts,
		bus:           busClient,
		companion:     comp,
		store:         store,
		logger:        logger.With(slog.String("component", "router")),
		ctx:           ctx,
		cancel:        cancel,
		persistCtx:    persistCtx,
		persistCancel: persistCancel,
	}
}

func (s *Service) Start() error {
	changes := s.companion.Machine().Subscribe()
	activities := s.companion.Subscribe()

	if s.bus != nil {
		sub, err := s.bus.Conn().Subscribe(protocol.IntentSubject(s.opts.DeviceID, "*"), s.handleIntent)
		if err != nil {
			s.cancel()
			s.persistCancel()
			return fmt.Errorf("subscribe intents: %w", err)
		}
		s.subIntent = sub
	}

	s.wg.Add(2)
	go s.relayChanges(changes)
	go s.relayActivities(activities)
	return nil
}

// Close stops taking intents and waits for the relays to flush. The relays end when the
// companion and its machine are closed, so close those first.
func (s *Service) Close() {
	if s.subIntent != nil {
		_ = s.subIntent.Drain()
	}
	s.wg.Wait()
	s.cancel()
	s.persistCancel()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || (s.subIntent != nil && s.subIntent.IsValid())
}

func (s *Service) handleIntent(msg *nats.Msg) {
	action := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	if len(msg.Data) > 0 {
		var intent protocol.Intent
		if err := json.Unmarshal(msg.Data, &intent); err != nil {
			s.logger.Warn("router failed to decode intent", slogError(err))
			s.reply(msg, err)
			return
		}
		if intent.Action != "" && intent.Action != action {
			s.logger.Warn("intent action does not match subject",
				slog.String("subject", msg.Subject),
				slog.String("action", intent.Action))
		}
	}

	err := s.dispatch(action)
	if err != nil {
		s.logger.Info("intent not applied",
			slog.String("action", action),
			slogError(err))
	}
	s.reply(msg, err)
}

func (s *Service) dispatch(action string) error {
	switch action {
	case protocol.ActionConnect:
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
		defer cancel()
		return s.companion.Connect(ctx)
	case protocol.ActionDisconnect:
		return s.companion.Disconnect()
	case protocol.ActionStart:
		return s.companion.StartRecording()
	case protocol.ActionStop:
		return s.companion.StopRecording()
	case protocol.ActionCancel:
		return s.companion.Cancel()
	}
	return fmt.Errorf("unknown action %q", action)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := protocol.IntentReply{OK: err == nil, State: s.companion.Status().State}
	if err != nil {
		resp.Error = err.Error()
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		s.logger.Warn("router failed to encode reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil && !errors.Is(rErr, nats.ErrConnectionClosed) {
		s.logger.Warn("router failed to reply", slogError(rErr))
	}
}

func (s *Service) relayChanges(changes <-chan interaction.Change) {
	defer s.wg.Done()
	for ch := range changes {
		s.publishChange(ch)
	}
}

// publishChange reports entering a state. Refreshes inside one state, such as the buffered
// byte count while recording, are left out unless forced.
func (s *Service) publishChange(ch interaction.Change) {
	if ch.From.Kind() == ch.To.Kind() && !ch.Forced {
		return
	}
	update := protocol.StateUpdate{
		DeviceID:    s.opts.DeviceID,
		SessionID:   interaction.SessionOf(ch.To),
		From:        ch.From.Kind().String(),
		State:       ch.To.Kind().String(),
		DisplayText: interaction.DisplayText(ch.To),
		Error:       interaction.ErrorMessage(ch.To),
		Forced:      ch.Forced,
		Timestamp:   ch.At.UTC(),
	}
	if s.bus != nil {
		if err := s.bus.PublishJSON(protocol.StateSubject(s.opts.DeviceID), update); err != nil {
			s.logger.Warn("router failed to publish state", slogError(err))
		}
	}

	// States outside a session are filed under the session they left.
	sid := update.SessionID
	if sid == "" {
		sid = interaction.SessionOf(ch.From)
	}
	if s.store == nil || sid == "" {
		return
	}
	if err := s.store.Record(s.persistCtx, sid, s.opts.DeviceID, "state", update.DisplayText, update); err != nil {
		s.logger.Warn("router failed to record state", slogError(err))
	}
	if ch.To.Kind() == interaction.KindDisconnected {
		if err := s.store.Prune(s.persistCtx); err != nil {
			s.logger.Warn("event store prune failed", slogError(err))
		}
	}
}

func (s *Service) relayActivities(activities <-chan companion.Activity) {
	defer s.wg.Done()
	for a := range activities {
		s.publishActivity(a)
	}
}

func (s *Service) publishActivity(a companion.Activity) {
	var role string
	switch a.Kind {
	case companion.ActivityUserTranscript:
		role = protocol.RoleUser
	case companion.ActivityAssistantTranscript:
		role = protocol.RoleAssistant
	}
	if role != "" && s.bus != nil {
		t := protocol.Transcript{
			DeviceID:  s.opts.DeviceID,
			SessionID: a.SessionID,
			Role:      role,
			Text:      a.Text,
			Timestamp: a.At,
		}
		if err := s.bus.PublishJSON(protocol.TranscriptSubject(s.opts.DeviceID, role), t); err != nil {
			s.logger.Warn("router failed to publish transcript", slogError(err))
		}
	}
	if s.store == nil || a.SessionID == "" {
		return
	}
	if err := s.store.Record(s.persistCtx, a.SessionID, s.opts.DeviceID, string(a.Kind), a.Text, nil); err != nil {
		s.logger.Warn("router failed to record activity", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
