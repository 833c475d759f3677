// Package session coordinates one bridged call: the carrier media-stream
// leg on one side, the conversational agent leg on the other.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/callbridge/pkg/bridge/carrier"
	"github.com/vango-go/callbridge/pkg/bridge/convai"
)

// CarrierLeg is the caller-facing side of a bridge.
type CarrierLeg interface {
	Events() <-chan carrier.Event
	StreamSID() string
	SendMedia(payload string) error
	SendClear() error
	Close() error
}

// ProviderLeg is the agent-facing side of a bridge.
type ProviderLeg interface {
	Events() <-chan convai.Event
	ConversationID() string
	SendAudioChunk(payload string) error
	Close() error
}

// Dependencies wires a Coordinator. Carrier, FetchSignedURL, DialProvider
// and AgentID are required.
type Dependencies struct {
	Carrier CarrierLeg
	Logger  *slog.Logger

	// FetchSignedURL performs the signed-URL handshake for AgentID.
	FetchSignedURL func(ctx context.Context, agentID string) (string, error)

	// DialProvider opens the agent leg at a signed URL and sends init as
	// its first frame.
	DialProvider func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error)

	AgentID          string
	CallerName       string
	IsFirstCall      bool
	ConversationType string

	// SetupTimeout bounds the handshake plus dial for the agent leg.
	SetupTimeout time.Duration

	// SessionID tags log lines for this bridge.
	SessionID string

	Now func() time.Time
}

const defaultSetupTimeout = 10 * time.Second

// Coordinator runs the relay loop between the two legs of one call. The
// agent leg is only opened after the carrier announces its stream; caller
// audio that arrives before the agent leg is ready is dropped, never queued.
// Tearing down either leg tears down the other, exactly once.
type Coordinator struct {
	carrier CarrierLeg
	logger  *slog.Logger
	deps    Dependencies

	ctx    context.Context
	cancel context.CancelFunc

	teardownOnce sync.Once

	mu       sync.Mutex
	provider ProviderLeg

	startedAt     time.Time
	droppedMedia  int
	relayedMedia  int
	relayedAgent  int
	interruptions int
}

// New validates deps and builds a Coordinator.
func New(deps Dependencies) (*Coordinator, error) {
	if deps.Carrier == nil {
		return nil, errors.New("session: carrier leg is required")
	}
	if deps.FetchSignedURL == nil {
		return nil, errors.New("session: signed url fetcher is required")
	}
	if deps.DialProvider == nil {
		return nil, errors.New("session: provider dialer is required")
	}
	if deps.AgentID == "" {
		return nil, errors.New("session: agent id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SetupTimeout <= 0 {
		deps.SetupTimeout = defaultSetupTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		carrier: deps.Carrier,
		logger:  deps.Logger.With("session_id", deps.SessionID),
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Cancel asks the bridge to shut down. Run observes it and tears both legs
// down.
func (c *Coordinator) Cancel() {
	c.cancel()
}

type setupResult struct {
	leg ProviderLeg
	err error
}

// Run relays events until either leg ends or the coordinator is canceled.
// It always returns with both legs closed.
func (c *Coordinator) Run() error {
	defer c.teardown()
	c.startedAt = c.deps.Now()

	var (
		provider       ProviderLeg
		providerEvents <-chan convai.Event
		setupCh        chan setupResult
		runErr         error
	)

loop:
	for {
		select {
		case <-c.ctx.Done():
			break loop

		case ev, ok := <-c.carrier.Events():
			if !ok {
				c.logger.Info("carrier stream ended")
				break loop
			}
			switch ev := ev.(type) {
			case carrier.StartEvent:
				if setupCh != nil || provider != nil {
					c.logger.Warn("duplicate start event ignored", "stream_sid", ev.StreamSID)
					continue
				}
				c.logger.Info("call started",
					"stream_sid", ev.StreamSID, "call_sid", ev.CallSID)
				setupCh = make(chan setupResult)
				go c.openProvider(setupCh)
			case carrier.MediaEvent:
				if provider == nil {
					c.noteDroppedMedia()
					continue
				}
				if err := provider.SendAudioChunk(ev.Payload); err != nil {
					runErr = fmt.Errorf("forward caller audio: %w", err)
					break loop
				}
				c.relayedMedia++
			case carrier.StopEvent:
				c.logger.Info("carrier stopped the stream")
				break loop
			}

		case res := <-setupCh:
			setupCh = nil
			if res.err != nil {
				runErr = fmt.Errorf("open agent session: %w", res.err)
				break loop
			}
			provider = res.leg
			providerEvents = provider.Events()
			c.mu.Lock()
			c.provider = provider
			c.mu.Unlock()
			c.logger.Info("agent session open", "stream_sid", c.carrier.StreamSID())

		case ev, ok := <-providerEvents:
			if !ok {
				c.logger.Info("agent session ended")
				break loop
			}
			switch ev := ev.(type) {
			case convai.InitiationMetadata:
				c.logger.Info("conversation accepted", "conversation_id", ev.ConversationID)
			case convai.AudioEvent:
				if err := c.carrier.SendMedia(ev.AudioBase64); err != nil {
					runErr = fmt.Errorf("forward agent audio: %w", err)
					break loop
				}
				c.relayedAgent++
			case convai.InterruptionEvent:
				c.interruptions++
				if err := c.carrier.SendClear(); err != nil {
					runErr = fmt.Errorf("flush caller playback: %w", err)
					break loop
				}
			case convai.ConversationEnd:
				c.logger.Info("conversation ended by agent")
				break loop
			}
		}
	}

	c.teardown()
	c.logBridgeEnd(runErr)
	return runErr
}

// openProvider performs the signed-URL handshake and dials the agent leg,
// then hands the result to the run loop. If the loop is already gone the
// leg is closed here instead of leaking.
func (c *Coordinator) openProvider(out chan<- setupResult) {
	ctx, cancel := context.WithTimeout(c.ctx, c.deps.SetupTimeout)
	defer cancel()

	signedURL, err := c.deps.FetchSignedURL(ctx, c.deps.AgentID)
	if err != nil {
		select {
		case out <- setupResult{err: fmt.Errorf("fetch signed url: %w", err)}:
		case <-c.ctx.Done():
		}
		return
	}

	leg, err := c.deps.DialProvider(ctx, signedURL, convai.InitiationClientData{
		UserName:         c.deps.CallerName,
		IsFirstCall:      c.deps.IsFirstCall,
		ConversationType: c.deps.ConversationType,
	})
	if err != nil {
		select {
		case out <- setupResult{err: fmt.Errorf("dial agent: %w", err)}:
		case <-c.ctx.Done():
		}
		return
	}

	select {
	case out <- setupResult{leg: leg}:
	case <-c.ctx.Done():
		_ = leg.Close()
	}
}

func (c *Coordinator) noteDroppedMedia() {
	if c.droppedMedia == 0 {
		c.logger.Debug("dropping caller audio, agent session not ready")
	}
	c.droppedMedia++
}

func (c *Coordinator) teardown() {
	c.teardownOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		provider := c.provider
		c.mu.Unlock()
		if provider != nil {
			_ = provider.Close()
		}
		_ = c.carrier.Close()
	})
}

func (c *Coordinator) logBridgeEnd(runErr error) {
	attrs := []any{
		"stream_sid", c.carrier.StreamSID(),
		"duration", c.deps.Now().Sub(c.startedAt),
		"caller_chunks", c.relayedMedia,
		"agent_chunks", c.relayedAgent,
		"dropped_chunks", c.droppedMedia,
		"interruptions", c.interruptions,
	}
	if runErr != nil {
		c.logger.Error("bridge ended with error", append(attrs, "error", runErr)...)
		return
	}
	c.logger.Info("bridge ended", attrs...)
}
