package realtime

import (
	"testing"
)

func TestDecodeKnownTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want Event
	}{
		{`{"type":"session.updated","session":{"id":"s"}}`, SessionUpdatedEvent{}},
		{`{"type":"input_audio_buffer.committed","item_id":"i"}`, InputAudioBufferCommittedEvent{}},
		{`{"type":"input_audio_buffer.cleared"}`, InputAudioBufferClearedEvent{}},
		{`{"type":"input_audio_buffer.speech_started","audio_start_ms":10}`, SpeechStartedEvent{}},
		{`{"type":"input_audio_buffer.speech_stopped","audio_end_ms":10}`, SpeechStoppedEvent{}},
		{`{"type":"conversation.item.created","item":{"id":"i"}}`, ItemCreatedEvent{}},
		{`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`, TranscriptionCompletedEvent{}},
		{`{"type":"conversation.item.input_audio_transcription.failed","error":{"message":"x"}}`, TranscriptionFailedEvent{}},
		{`{"type":"response.output_item.added","item":{"id":"i"}}`, OutputItemAddedEvent{}},
		{`{"type":"response.content_part.done","part":{"type":"audio"}}`, ContentPartDoneEvent{}},
		{`{"type":"response.audio.done"}`, AudioDoneEvent{}},
		{`{"type":"response.audio_transcript.done","transcript":"hello"}`, AudioTranscriptDoneEvent{}},
		{`{"type":"response.function_call_arguments.done","call_id":"c","arguments":"{}"}`, FunctionCallArgumentsDoneEvent{}},
		{`{"type":"response.mcp_call.failed","item_id":"i"}`, ToolCallStatusEvent{}},
		{`{"type":"mcp_list_tools.completed","item_id":"i"}`, ToolListStatusEvent{}},
		{`{"type":"response.animation_viseme.delta","viseme_id":3}`, VisemeDeltaEvent{}},
		{`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`, ErrorEvent{}},
	}
	for _, tt := range tests {
		ev := Decode([]byte(tt.raw))
		if _, unknown := ev.(UnknownEvent); unknown {
			t.Fatalf("%s decoded as unknown: %#v", tt.raw, ev)
		}
		if ev.EventType() == "" {
			t.Fatalf("%s has empty type", tt.raw)
		}
	}
}

func TestDecodeFieldValues(t *testing.T) {
	ev := Decode([]byte(`{"type":"response.audio_transcript.done","response_id":"r","item_id":"i","output_index":1,"content_index":2,"transcript":"hello"}`))
	done, ok := ev.(AudioTranscriptDoneEvent)
	if !ok {
		t.Fatalf("event = %#v", ev)
	}
	if done.ResponseID != "r" || done.ItemID != "i" || done.OutputIndex != 1 || done.ContentIndex != 2 || done.Transcript != "hello" {
		t.Fatalf("fields = %+v", done)
	}

	errEv, ok := Decode([]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`)).(ErrorEvent)
	if !ok {
		t.Fatal("expected error event")
	}
	if got := errEv.Err().Error(); got != "realtime server error rate_limited: slow down" {
		t.Fatalf("error text = %q", got)
	}
}

func TestDecodeTolerance(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		typ     string
		wantErr bool
	}{
		{"unknown type", `{"type":"future.event","x":1}`, "future.event", false},
		{"missing type", `{"x":1}`, "", false},
		{"not json", `not json`, "", true},
		{"known type with bad payload", `{"type":"session.created","session":"oops"}`, "session.created", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Decode([]byte(tt.raw)).(UnknownEvent)
			if !ok {
				t.Fatalf("expected UnknownEvent, got %#v", ev)
			}
			if ev.Type != tt.typ || (ev.Err != nil) != tt.wantErr || string(ev.Raw) != tt.raw {
				t.Fatalf("unknown = %+v", ev)
			}
		})
	}
}

func TestKnownTypesCount(t *testing.T) {
	if KnownTypes() != 44 {
		t.Fatalf("known types = %d, want 44", KnownTypes())
	}
}

func TestConfigURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			"resource",
			Config{Resource: "myres", Deployment: "gpt-4o-realtime", APIVersion: "2024-10-01-preview"},
			"wss://myres.openai.azure.com/openai/realtime?api-version=2024-10-01-preview&deployment=gpt-4o-realtime",
		},
		{
			"https endpoint",
			Config{Endpoint: "https://proxy.local/openai/realtime", Deployment: "d"},
			"wss://proxy.local/openai/realtime?api-version=" + defaultAPIVersion + "&deployment=d",
		},
		{
			"endpoint keeps its own query",
			Config{Endpoint: "ws://localhost:9000/rt?api-version=v1&deployment=x", Deployment: "ignored"},
			"ws://localhost:9000/rt?api-version=v1&deployment=x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.URL()
			if err != nil {
				t.Fatalf("URL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("URL = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (Config{}).URL(); err == nil {
		t.Fatal("expected error without resource or endpoint")
	}
	if _, err := (Config{Endpoint: "ftp://x"}).URL(); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
