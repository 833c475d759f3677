package convai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle of a provider session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultWriteTimeout    = 5 * time.Second
	defaultEventBuffer     = 64
	defaultMaxMessageBytes = 1 << 20
)

// SessionConfig carries per-call knobs for Dial.
type SessionConfig struct {
	// Init is sent as the first frame after the socket opens, before any
	// audio flows in either direction.
	Init InitiationClientData

	Logger          *slog.Logger
	WriteTimeout    time.Duration
	EventBuffer     int
	MaxMessageBytes int64

	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// Now overrides the clock used to synthesize pong ids.
	Now func() time.Time
}

func (c *SessionConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one live conversation with the agent over a signed streaming
// URL. It owns the socket: a read pump decodes frames onto Events, pings are
// answered inline, and all writes go through a single mutex-guarded path.
// Sessions do not reconnect; when the socket ends the session is over.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger
	cfg    SessionConfig

	events chan Event
	closed chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	mu             sync.Mutex
	state          State
	conversationID string
	lastReadErr    error
}

// Dial opens a conversation at signedURL and sends the initiation context
// before returning. The context bounds only the handshake.
func Dial(ctx context.Context, signedURL string, cfg SessionConfig) (*Session, error) {
	if signedURL == "" {
		return nil, fmt.Errorf("%w: signed url is required", ErrMisconfigured)
	}
	cfg.applyDefaults()

	conn, resp, err := cfg.Dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial conversation: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial conversation: %w", err)
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)

	s := &Session{
		conn:   conn,
		logger: cfg.Logger,
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		closed: make(chan struct{}),
		state:  StateOpen,
	}

	// The initiation frame must be the first thing on the wire.
	frame, err := encodeInitiation(cfg.Init)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("encode initiation: %w", err)
	}
	if err := s.write(frame); err != nil {
		s.Close()
		return nil, fmt.Errorf("send initiation: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// Events delivers decoded agent events in arrival order. The channel closes
// when the socket ends.
func (s *Session) Events() <-chan Event { return s.events }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the id from the initiation metadata, or "" before
// it arrives.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SendAudioChunk forwards one base64 caller-audio payload. Chunks sent when
// the session is not open are dropped silently; audio is disposable once the
// conversation is gone.
func (s *Session) SendAudioChunk(payload string) error {
	if s.State() != StateOpen {
		return nil
	}
	select {
	case <-s.closed:
		return nil
	default:
	}
	frame, err := encodeAudioChunk(payload)
	if err != nil {
		return fmt.Errorf("encode audio chunk: %w", err)
	}
	return s.write(frame)
}

// Close tears the session down. Safe to call from any goroutine and more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closed)
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
		s.setState(StateClosed)
	})
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.lastReadErr = err
			s.mu.Unlock()
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				select {
				case <-s.closed:
				default:
					s.logger.Debug("conversation read ended", "error", err)
				}
			}
			s.Close()
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn("dropping malformed conversation frame",
					"code", decodeErr.Code, "error", decodeErr.Message)
				continue
			}
			s.logger.Warn("dropping undecodable conversation frame", "error", err)
			continue
		}

		switch ev := ev.(type) {
		case PingEvent:
			s.pong(ev)
			continue
		case InitiationMetadata:
			s.mu.Lock()
			s.conversationID = ev.ConversationID
			s.mu.Unlock()
		case UnknownEvent:
			s.logger.Debug("ignoring conversation event", "type", ev.Type)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

// pong answers a liveness probe. Exactly one reply per ping, echoing the
// ping's correlation id.
func (s *Session) pong(ping PingEvent) {
	frame, err := encodePong(ping.EventID, s.cfg.Now)
	if err != nil {
		s.logger.Warn("encoding pong failed", "error", err)
		return
	}
	if err := s.write(frame); err != nil {
		s.logger.Debug("pong write failed", "error", err)
	}
}
