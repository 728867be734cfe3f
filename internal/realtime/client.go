// Package realtime is a client for the remote voice service: a persistent websocket carrying
// JSON requests out and a closed set of typed events in.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-companion/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"
)

const (
	defaultAPIVersion   = "2024-10-01-preview"
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 20
)

type Config struct {
	// Endpoint is a full ws or wss URL. When empty the URL is built from Resource.
	Endpoint     string
	Resource     string
	Deployment   string
	APIVersion   string
	APIKey       string
	Proxy        string
	DialTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// URL returns the websocket address for cfg.
func (cfg Config) URL() (string, error) {
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	var u *url.URL
	if cfg.Endpoint != "" {
		parsed, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return "", fmt.Errorf("parse realtime endpoint: %w", err)
		}
		switch parsed.Scheme {
		case "https":
			parsed.Scheme = "wss"
		case "http":
			parsed.Scheme = "ws"
		case "ws", "wss":
		default:
			return "", fmt.Errorf("unsupported realtime endpoint scheme %q", parsed.Scheme)
		}
		u = parsed
	} else {
		if cfg.Resource == "" {
			return "", errors.New("realtime resource or endpoint required")
		}
		u = &url.URL{Scheme: "wss", Host: cfg.Resource + ".openai.azure.com", Path: "/openai/realtime"}
	}
	q := u.Query()
	if q.Get("api-version") == "" {
		q.Set("api-version", version)
	}
	if q.Get("deployment") == "" && cfg.Deployment != "" {
		q.Set("deployment", cfg.Deployment)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client manages one connection epoch at a time. Connect after a disconnect starts a new
// epoch with a fresh event channel.
type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
	tracer trace.Tracer

	mu             sync.Mutex
	conn           *connection
	sessionID      string
	responseActive bool
	rateLimits     []RateLimit

	sentCounter  metric.Int64Counter
	audioCounter metric.Int64Counter
}

type connection struct {
	ws     *websocket.Conn
	out    *stream.Queue[[]byte]
	events *stream.Queue[Event]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	// closing is set by Disconnect so the reader can tell a requested close from a failure.
	closing atomic.Bool
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	if cfg.Proxy != "" {
		socks, err := proxy.SOCKS5("tcp", cfg.Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("configure socks proxy: %w", err)
		}
		dialer.Proxy = nil
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socks.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	}

	c := &Client{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "realtime")),
		dialer: dialer,
		tracer: otel.Tracer("github.com/loqalabs/loqa-companion/realtime"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-companion/realtime")
	if m, err := meter.Int64Counter("companion.realtime.messages_sent", metric.WithDescription("Requests sent to the voice service")); err == nil {
		c.sentCounter = m
	}
	if m, err := meter.Int64Counter("companion.realtime.audio_bytes_sent", metric.WithDescription("Input audio bytes sent to the voice service")); err == nil {
		c.audioCounter = m
	}
	return c, nil
}

// Connect opens the websocket. The session id arrives later as a SessionCreatedEvent on
// Events.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "realtime.connect")
	defer span.End()

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	target, err := c.cfg.URL()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("realtime.host", hostOf(target)))

	headers := make(http.Header)
	if c.cfg.APIKey != "" {
		headers.Set("api-key", c.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, resp, err := c.dialer.DialContext(dialCtx, target, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("websocket dial failed: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	conn := &connection{
		ws:     ws,
		out:    stream.NewQueue[[]byte](),
		events: stream.NewQueue[Event](),
		ctx:    connCtx,
		cancel: connCancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		connCancel()
		_ = ws.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.sessionID = ""
	c.responseActive = false
	c.mu.Unlock()

	ws.SetReadLimit(c.cfg.ReadLimit)
	readWait := 3 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	conn.wg.Add(2)
	go c.writeLoop(conn)
	go c.readLoop(conn, readWait)
	go func() {
		conn.wg.Wait()
		close(conn.done)
	}()

	c.log.Info("realtime connected", slog.String("host", hostOf(target)))
	return nil
}

// Disconnect closes the connection and waits for its goroutines. Safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.closing.Store(true)
	conn.cancel()
	<-conn.done
	return nil
}

// Events returns the event channel of the current connection, or nil when disconnected. The
// channel ends with a ConnectionClosedEvent and is then closed.
func (c *Client) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.events.C()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SessionID returns the id reported by session.created on the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResponseActive reports whether a response has been created and not yet finished.
func (c *Client) ResponseActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseActive
}

// RateLimits returns the last snapshot reported by the service.
func (c *Client) RateLimits() []RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RateLimit(nil), c.rateLimits...)
}

// UpdateSession sends session.update. It is refused while a response is in progress.
func (c *Client) UpdateSession(cfg SessionConfig) error {
	c.mu.Lock()
	active := c.responseActive
	c.mu.Unlock()
	if active {
		return ErrResponseInProgress
	}
	return c.Send(SessionUpdate{MessageHeader: newHeader(TypeSessionUpdate), Session: cfg})
}

// SendAudioChunk appends PCM16 audio to the remote input buffer. Failures on the service side
// arrive later as an ErrorEvent.
func (c *Client) SendAudioChunk(data []byte) error {
	err := c.Send(InputAudioBufferAppend{
		MessageHeader: newHeader(TypeInputAudioBufferAppend),
		Audio:         base64.StdEncoding.EncodeToString(data),
	})
	if err == nil && c.audioCounter != nil {
		c.audioCounter.Add(context.Background(), int64(len(data)))
	}
	return err
}

func (c *Client) CommitAudioBuffer() error {
	return c.Send(InputAudioBufferCommit{MessageHeader: newHeader(TypeInputAudioBufferCommit)})
}

func (c *Client) ClearAudioBuffer() error {
	return c.Send(InputAudioBufferClear{MessageHeader: newHeader(TypeInputAudioBufferClear)})
}

func (c *Client) CreateItem(previousItemID string, item Item) error {
	return c.Send(ItemCreate{MessageHeader: newHeader(TypeItemCreate), PreviousItemID: previousItemID, Item: item})
}

func (c *Client) RetrieveItem(itemID string) error {
	return c.Send(ItemRetrieve{MessageHeader: newHeader(TypeItemRetrieve), ItemID: itemID})
}

func (c *Client) TruncateItem(itemID string, contentIndex, audioEndMS int) error {
	return c.Send(ItemTruncate{
		MessageHeader: newHeader(TypeItemTruncate),
		ItemID:        itemID,
		ContentIndex:  contentIndex,
		AudioEndMS:    audioEndMS,
	})
}

func (c *Client) DeleteItem(itemID string) error {
	return c.Send(ItemDelete{MessageHeader: newHeader(TypeItemDelete), ItemID: itemID})
}

// CreateResponse asks the service to answer. cfg may be nil to use the session settings.
func (c *Client) CreateResponse(cfg *ResponseConfig) error {
	return c.Send(ResponseCreate{MessageHeader: newHeader(TypeResponseCreate), Response: cfg})
}

func (c *Client) CancelResponse(responseID string) error {
	return c.Send(ResponseCancel{MessageHeader: newHeader(TypeResponseCancel), ResponseID: responseID})
}

// RespondToolApproval approves or rejects a pending tool call.
func (c *Client) RespondToolApproval(approvalRequestID string, approve bool) error {
	return c.Send(ToolApprovalResponse{
		MessageHeader: newHeader(TypeItemCreate),
		Item: Item{
			Type:              TypeToolApprovalResponse,
			ApprovalRequestID: approvalRequestID,
			Approve:           &approve,
		},
	})
}

func (c *Client) ConnectAvatar(clientSDP string) error {
	return c.Send(AvatarConnect{MessageHeader: newHeader(TypeAvatarConnect), ClientSDP: clientSDP})
}

// Send queues msg for the writer. Messages go out in the order Send is called.
func (c *Client) Send(msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.ctx.Err() != nil {
		return ErrNotConnected
	}
	if !conn.out.Push(data) {
		return ErrNotConnected
	}
	if c.sentCounter != nil {
		c.sentCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", msg.MessageType())))
	}
	return nil
}

func (c *Client) writeLoop(conn *connection) {
	defer conn.wg.Done()
	defer func() {
		conn.cancel()
		conn.out.Abandon()
	}()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	out := conn.out.C()
	for {
		select {
		case <-conn.ctx.Done():
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.ws.Close()
			return
		case <-ping.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.log.Warn("realtime ping failed", slogError(err))
				_ = conn.ws.Close()
				return
			}
		case data, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if err := conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = conn.ws.Close()
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("realtime write failed", slogError(err))
				_ = conn.ws.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *connection, readWait time.Duration) {
	defer conn.wg.Done()

	var closeErr error
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !conn.closing.Load() {
				closeErr = fmt.Errorf("transport closed: %w", err)
			}
			break
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.TextMessage {
			continue
		}
		ev := Decode(data)
		c.observe(ev)
		conn.events.Push(ev)
	}

	conn.cancel()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.responseActive = false
	}
	c.mu.Unlock()

	if closeErr != nil {
		c.log.Warn("realtime connection lost", slogError(closeErr))
	} else {
		c.log.Info("realtime disconnected")
	}
	conn.events.Push(ConnectionClosedEvent{Err: closeErr})
	conn.events.Close()
}

// observe tracks the connection-level facts the client needs from the event stream.
func (c *Client) observe(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case SessionCreatedEvent:
		c.sessionID = e.Session.ID
	case ResponseCreatedEvent:
		c.responseActive = true
	case ResponseDoneEvent:
		c.responseActive = false
	case RateLimitsUpdatedEvent:
		c.rateLimits = append([]RateLimit(nil), e.RateLimits...)
	case UnknownEvent:
		if e.Err != nil {
			c.log.Warn("undecodable realtime event", slog.String("type", e.Type), slogError(e.Err))
		} else {
			c.log.Debug("unknown realtime event", slog.String("type", e.Type))
		}
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.TrimSpace(u.Host)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
