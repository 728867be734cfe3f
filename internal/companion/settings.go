package companion

import (
	"strconv"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/realtime"
)

// Settings is a read-only snapshot of the user's voice preferences, taken once per connect.
type Settings struct {
	Voice              string
	VoiceType          string
	SpeakingRate       float64
	Instructions       string
	TurnDetection      TurnDetection
	TranscriptionModel string
}

type TurnDetection struct {
	Type              string
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// ServerVAD reports whether the service decides when the user stopped speaking.
func (s Settings) ServerVAD() bool { return s.TurnDetection.Type == "server_vad" }

// SettingsStore hands out the current settings.
type SettingsStore interface {
	Snapshot() Settings
}

// StaticSettings is a SettingsStore that never changes.
type StaticSettings Settings

func (s StaticSettings) Snapshot() Settings { return Settings(s) }

func SettingsFromConfig(cfg config.VoiceConfig) Settings {
	return Settings{
		Voice:        cfg.Voice,
		VoiceType:    cfg.VoiceType,
		SpeakingRate: cfg.SpeakingRate,
		Instructions: cfg.Instructions,
		TurnDetection: TurnDetection{
			Type:              cfg.TurnDetection.Type,
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMS:   cfg.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: cfg.TurnDetection.SilenceDurationMS,
		},
		TranscriptionModel: cfg.TranscriptionModel,
	}
}

// SessionConfig builds the session.update payload. Audio is always PCM16 mono at the wire rate.
func (s Settings) SessionConfig() realtime.SessionConfig {
	sc := realtime.SessionConfig{
		Modalities:             []string{"audio", "text"},
		Instructions:           s.Instructions,
		InputAudioFormat:       "pcm16",
		OutputAudioFormat:      "pcm16",
		InputAudioSamplingRate: pcm.SampleRate,
	}
	if s.Voice != "" {
		v := &realtime.Voice{Name: s.Voice, Type: s.VoiceType}
		if s.SpeakingRate > 0 && s.SpeakingRate != 1 {
			v.Rate = strconv.FormatFloat(s.SpeakingRate, 'f', -1, 64)
		}
		sc.Voice = v
	}
	if s.TranscriptionModel != "" {
		sc.InputAudioTranscription = &realtime.Transcription{Model: s.TranscriptionModel}
	}
	if s.ServerVAD() {
		threshold := s.TurnDetection.Threshold
		sc.TurnDetection = &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         &threshold,
			PrefixPaddingMS:   s.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: s.TurnDetection.SilenceDurationMS,
		}
	}
	return sc
}
