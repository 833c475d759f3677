package carrier

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the carrier leg's lifecycle position.
type State int

const (
	StateAwaitingStart State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Conn is the subset of *websocket.Conn the carrier leg uses. Tests
// substitute fakes; production code passes the upgraded connection.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Config bounds the carrier leg's I/O.
type Config struct {
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	EventBuffer     int
}

// Session wraps one inbound media-stream connection from the carrier. A read
// pump decodes frames into typed events; outbound frames are serialized
// through a single deadline-guarded writer.
type Session struct {
	conn   Conn
	logger *slog.Logger
	cfg    Config

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	streamSID string
}

// NewSession wraps an already-upgraded carrier connection and starts its
// read pump.
func NewSession(conn Conn, logger *slog.Logger, cfg Config) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	s := &Session{
		conn:   conn,
		logger: logger,
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		closed: make(chan struct{}),
		state:  StateAwaitingStart,
	}
	go s.readLoop()
	return s
}

// Events delivers decoded inbound frames in arrival order. The channel is
// closed when the carrier connection closes or errors.
func (s *Session) Events() <-chan Event {
	return s.events
}

// StreamSID returns the carrier-assigned stream identifier, empty until the
// start event has been observed.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// State returns the leg's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendMedia forwards one base64 audio payload to the caller. It is a no-op
// until the stream identifier is known and after the leg has stopped.
func (s *Session) SendMedia(payload string) error {
	sid, ok := s.sendableStreamSID()
	if !ok {
		return nil
	}
	return s.writeJSON(NewMediaFrame(sid, payload))
}

// SendClear tells the carrier to flush queued playback audio. Same no-op
// rules as SendMedia.
func (s *Session) SendClear() error {
	sid, ok := s.sendableStreamSID()
	if !ok {
		return nil
	}
	return s.writeJSON(NewClearFrame(sid))
}

func (s *Session) sendableStreamSID() (string, bool) {
	select {
	case <-s.closed:
		return "", false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamSID == "" || s.state == StateStopped {
		return "", false
	}
	return s.streamSID, true
}

// Close tears the leg down. Safe to call from any goroutine, any number of
// times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()

		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.logger.Debug("carrier read ended", "error", err)
			}
			return
		}

		ev, decErr := DecodeEvent(data)
		if decErr != nil {
			// Protocol errors discard the single offending frame; the call
			// itself survives.
			s.logger.Warn("dropping malformed carrier frame", "error", decErr)
			continue
		}

		switch ev := ev.(type) {
		case StartEvent:
			s.mu.Lock()
			if s.state == StateAwaitingStart {
				s.streamSID = ev.StreamSID
				s.state = StateActive
			}
			s.mu.Unlock()
		case StopEvent:
			s.mu.Lock()
			s.state = StateStopped
			s.mu.Unlock()
		case UnknownEvent:
			s.logger.Debug("ignoring unrecognized carrier event", "event", ev.Event)
			continue
		case ConnectedEvent, MarkEvent:
			// Observational only; not forwarded.
			continue
		}

		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}

		if _, isStop := ev.(StopEvent); isStop {
			return
		}
	}
}

func (s *Session) writeJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return nil
	default:
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
