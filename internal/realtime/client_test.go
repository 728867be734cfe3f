package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
	queries chan url.Values
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
		queries: make(chan url.Values, 4),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.headers <- r.Header.Clone()
		fs.queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) endpoint() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/openai/realtime"
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	return nil
}

func connect(t *testing.T, fs *fakeServer) (*Client, *websocket.Conn) {
	t.Helper()
	client, err := NewClient(Config{Endpoint: fs.endpoint(), Deployment: "gpt-4o-realtime", APIKey: "secret"}, newLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client, fs.accept(t)
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func writeJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestConnectSendsCredentialsAndQuery(t *testing.T) {
	fs := newFakeServer(t)
	connect(t, fs)

	h := <-fs.headers
	if h.Get("api-key") != "secret" {
		t.Fatalf("api-key header = %q", h.Get("api-key"))
	}
	q := <-fs.queries
	if q.Get("api-version") != defaultAPIVersion || q.Get("deployment") != "gpt-4o-realtime" {
		t.Fatalf("query = %v", q)
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	fs := newFakeServer(t)
	client, server := connect(t, fs)
	events := client.Events()

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	writeJSON(t, server, `{"type":"session.created","event_id":"e1","session":{"id":"sess_1","model":"gpt-4o"}}`)
	writeJSON(t, server, `{"type":"response.created","response":{"id":"resp_1","status":"in_progress"}}`)
	writeJSON(t, server, `{"type":"response.audio.delta","response_id":"resp_1","item_id":"item_1","delta":"`+audio+`"}`)
	writeJSON(t, server, `{"type":"response.brand_new_thing","foo":1}`)
	writeJSON(t, server, `{"type":"response.text.delta","delta":42}`)
	writeJSON(t, server, `{"type":"rate_limits.updated","rate_limits":[{"name":"tokens","limit":100,"remaining":90,"reset_seconds":1.5}]}`)
	writeJSON(t, server, `{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`)

	created, ok := nextEvent(t, events).(SessionCreatedEvent)
	if !ok || created.Session.ID != "sess_1" {
		t.Fatalf("first event = %#v", created)
	}
	if client.SessionID() != "sess_1" {
		t.Fatalf("session id = %q", client.SessionID())
	}
	if _, ok := nextEvent(t, events).(ResponseCreatedEvent); !ok {
		t.Fatal("expected response.created")
	}
	if !client.ResponseActive() {
		t.Fatal("response should be active")
	}
	delta, ok := nextEvent(t, events).(AudioDeltaEvent)
	if !ok {
		t.Fatal("expected audio delta")
	}
	pcm, err := delta.Audio()
	if err != nil || len(pcm) != 4 || delta.ItemID != "item_1" {
		t.Fatalf("audio delta = %v, %v, item %q", pcm, err, delta.ItemID)
	}
	unknown, ok := nextEvent(t, events).(UnknownEvent)
	if !ok || unknown.Type != "response.brand_new_thing" || unknown.Err != nil {
		t.Fatalf("unknown = %#v", unknown)
	}
	malformed, ok := nextEvent(t, events).(UnknownEvent)
	if !ok || malformed.Type != "response.text.delta" || malformed.Err == nil {
		t.Fatalf("malformed = %#v", malformed)
	}
	if _, ok := nextEvent(t, events).(RateLimitsUpdatedEvent); !ok {
		t.Fatal("expected rate limits")
	}
	if limits := client.RateLimits(); len(limits) != 1 || limits[0].Remaining != 90 {
		t.Fatalf("rate limits = %+v", limits)
	}
	if _, ok := nextEvent(t, events).(ResponseDoneEvent); !ok {
		t.Fatal("expected response.done")
	}
	if client.ResponseActive() {
		t.Fatal("response should be finished")
	}
}

func TestOutboundMessages(t *testing.T) {
	fs := newFakeServer(t)
	client, server := connect(t, fs)

	calls := []func() error{
		func() error { return client.UpdateSession(SessionConfig{Instructions: "be kind", InputAudioFormat: "pcm16"}) },
		func() error { return client.SendAudioChunk([]byte{9, 8, 7}) },
		client.CommitAudioBuffer,
		client.ClearAudioBuffer,
		func() error { return client.CreateItem("", Item{Type: "message", Role: "user"}) },
		func() error { return client.RetrieveItem("item_1") },
		func() error { return client.TruncateItem("item_1", 0, 1500) },
		func() error { return client.DeleteItem("item_1") },
		func() error { return client.CreateResponse(nil) },
		func() error { return client.CancelResponse("") },
		func() error { return client.RespondToolApproval("apr_1", true) },
		func() error { return client.ConnectAvatar("sdp") },
	}
	for i, call := range calls {
		if err := call(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	want := []string{
		"session.update", "input_audio_buffer.append", "input_audio_buffer.commit", "input_audio_buffer.clear",
		"conversation.item.create", "conversation.item.retrieve", "conversation.item.truncate", "conversation.item.delete",
		"response.create", "response.cancel", "conversation.item.create", "session.avatar.connect",
	}
	seen := make(map[string]bool)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, typ := range want {
		_, data, err := server.ReadMessage()
		if err != nil {
			t.Fatalf("server read %d: %v", i, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if msg["type"] != typ {
			t.Fatalf("message %d type = %v, want %s", i, msg["type"], typ)
		}
		id, _ := msg["event_id"].(string)
		if id == "" || seen[id] {
			t.Fatalf("message %d has missing or repeated event_id %q", i, id)
		}
		seen[id] = true

		switch typ {
		case "input_audio_buffer.append":
			raw, _ := base64.StdEncoding.DecodeString(msg["audio"].(string))
			if len(raw) != 3 || raw[0] != 9 {
				t.Fatalf("audio payload = %v", raw)
			}
		case "conversation.item.truncate":
			if msg["audio_end_ms"].(float64) != 1500 {
				t.Fatalf("truncate = %v", msg)
			}
		}
		if i == 10 {
			item := msg["item"].(map[string]any)
			if item["type"] != "mcp_approval_response" || item["approve"] != true || item["approval_request_id"] != "apr_1" {
				t.Fatalf("approval item = %v", item)
			}
		}
	}
}

func TestUpdateSessionRefusedDuringResponse(t *testing.T) {
	fs := newFakeServer(t)
	client, server := connect(t, fs)
	events := client.Events()

	writeJSON(t, server, `{"type":"response.created","response":{"id":"resp_1"}}`)
	nextEvent(t, events)
	if err := client.UpdateSession(SessionConfig{}); !errors.Is(err, ErrResponseInProgress) {
		t.Fatalf("err = %v, want ErrResponseInProgress", err)
	}
	writeJSON(t, server, `{"type":"response.done","response":{"id":"resp_1"}}`)
	nextEvent(t, events)
	if err := client.UpdateSession(SessionConfig{}); err != nil {
		t.Fatalf("UpdateSession after done: %v", err)
	}
}

func TestDisconnectIsCleanAndIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	client, _ := connect(t, fs)
	events := client.Events()

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	closed, ok := nextEvent(t, events).(ConnectionClosedEvent)
	if !ok || closed.Err != nil {
		t.Fatalf("last event = %#v", closed)
	}
	if _, open := <-events; open {
		t.Fatal("event channel still open")
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if err := client.CommitAudioBuffer(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect = %v", err)
	}
	if client.Events() != nil {
		t.Fatal("events available without a connection")
	}
}

func TestServerDropSurfacesTransportError(t *testing.T) {
	fs := newFakeServer(t)
	client, server := connect(t, fs)
	events := client.Events()

	server.Close()
	closed, ok := nextEvent(t, events).(ConnectionClosedEvent)
	if !ok || closed.Err == nil {
		t.Fatalf("last event = %#v", closed)
	}
	deadline := time.Now().Add(2 * time.Second)
	for client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client still connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectStartsNewEpoch(t *testing.T) {
	fs := newFakeServer(t)
	client, server := connect(t, fs)
	writeJSON(t, server, `{"type":"session.created","session":{"id":"sess_1"}}`)
	nextEvent(t, client.Events())
	client.Disconnect()

	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	server = fs.accept(t)
	if client.SessionID() != "" {
		t.Fatal("session id carried over to new connection")
	}
	writeJSON(t, server, `{"type":"session.created","session":{"id":"sess_2"}}`)
	if ev := nextEvent(t, client.Events()).(SessionCreatedEvent); ev.Session.ID != "sess_2" {
		t.Fatalf("session = %q", ev.Session.ID)
	}
}

func TestConnectFailure(t *testing.T) {
	fs := newFakeServer(t)
	endpoint := fs.endpoint()
	fs.srv.Close()

	client, err := NewClient(Config{Endpoint: endpoint, DialTimeout: time.Second}, newLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(t.Context()); err == nil {
		t.Fatal("expected dial error")
	}
	if client.Connected() {
		t.Fatal("client reports connected after failure")
	}
}

func TestConnectTwice(t *testing.T) {
	fs := newFakeServer(t)
	client, _ := connect(t, fs)
	if err := client.Connect(t.Context()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v", err)
	}
}
