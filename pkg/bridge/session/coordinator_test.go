package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/callbridge/pkg/bridge/carrier"
	"github.com/vango-go/callbridge/pkg/bridge/convai"
)

type fakeCarrier struct {
	events chan carrier.Event

	mu         sync.Mutex
	streamSID  string
	media      []string
	clears     int
	closeCalls int
	closeOnce  sync.Once
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{events: make(chan carrier.Event, 16)}
}

func (f *fakeCarrier) Events() <-chan carrier.Event { return f.events }

func (f *fakeCarrier) StreamSID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamSID
}

func (f *fakeCarrier) SendMedia(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payload)
	return nil
}

func (f *fakeCarrier) SendClear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeCarrier) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeCarrier) start(sid string) {
	f.mu.Lock()
	f.streamSID = sid
	f.mu.Unlock()
	f.events <- carrier.StartEvent{StreamSID: sid}
}

func (f *fakeCarrier) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

func (f *fakeCarrier) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeCarrier) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type fakeProvider struct {
	events chan convai.Event

	mu         sync.Mutex
	chunks     []string
	closeCalls int
	closeOnce  sync.Once
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: make(chan convai.Event, 16)}
}

func (f *fakeProvider) Events() <-chan convai.Event { return f.events }

func (f *fakeProvider) ConversationID() string { return "conv_test" }

func (f *fakeProvider) SendAudioChunk(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, payload)
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeProvider) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeProvider) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runCoordinator(t *testing.T, deps Dependencies) (*Coordinator, chan error) {
	t.Helper()
	c, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run() }()
	t.Cleanup(c.Cancel)
	return c, done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	fc := newFakeCarrier()
	fetch := func(ctx context.Context, agentID string) (string, error) { return "wss://x", nil }
	dial := func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
		return newFakeProvider(), nil
	}

	cases := []struct {
		name string
		deps Dependencies
	}{
		{name: "no carrier", deps: Dependencies{FetchSignedURL: fetch, DialProvider: dial, AgentID: "a"}},
		{name: "no fetcher", deps: Dependencies{Carrier: fc, DialProvider: dial, AgentID: "a"}},
		{name: "no dialer", deps: Dependencies{Carrier: fc, FetchSignedURL: fetch, AgentID: "a"}},
		{name: "no agent id", deps: Dependencies{Carrier: fc, FetchSignedURL: fetch, DialProvider: dial}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.deps); err == nil {
				t.Fatal("New() error = nil, want validation error")
			}
		})
	}
}

func TestCoordinator_BridgesBothDirections(t *testing.T) {
	fc := newFakeCarrier()
	fp := newFakeProvider()

	var gotAgentID, gotSignedURL string
	var gotInit convai.InitiationClientData

	_, done := runCoordinator(t, Dependencies{
		Carrier: fc,
		AgentID: "agent_1",
		FetchSignedURL: func(ctx context.Context, agentID string) (string, error) {
			gotAgentID = agentID
			return "wss://signed.example/conv", nil
		},
		DialProvider: func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
			gotSignedURL = signedURL
			gotInit = init
			return fp, nil
		},
		CallerName:       "Riley",
		IsFirstCall:      true,
		ConversationType: "support",
		SessionID:        "call_1",
	})

	fc.start("SS1")

	// Agent audio flows out to the caller once the agent leg is up.
	fp.events <- convai.InitiationMetadata{ConversationID: "conv_1"}
	fp.events <- convai.AudioEvent{AudioBase64: "AGENT1"}
	waitFor(t, "agent audio relay", func() bool { return fc.mediaCount() == 1 })

	// Caller audio flows in to the agent.
	fc.events <- carrier.MediaEvent{Payload: "CALLER1"}
	waitFor(t, "caller audio relay", func() bool { return fp.chunkCount() == 1 })

	// An interruption flushes the caller's playback buffer.
	fp.events <- convai.InterruptionEvent{EventID: 1}
	waitFor(t, "clear frame", func() bool { return fc.clearCount() == 1 })

	fc.events <- carrier.StopEvent{}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gotAgentID != "agent_1" {
		t.Fatalf("fetch agent id = %q, want %q", gotAgentID, "agent_1")
	}
	if gotSignedURL != "wss://signed.example/conv" {
		t.Fatalf("dial url = %q, want signed url", gotSignedURL)
	}
	if gotInit.UserName != "Riley" || !gotInit.IsFirstCall || gotInit.ConversationType != "support" {
		t.Fatalf("init = %+v, want Riley/true/support", gotInit)
	}

	fc.mu.Lock()
	media := append([]string(nil), fc.media...)
	fc.mu.Unlock()
	if media[0] != "AGENT1" {
		t.Fatalf("relayed media = %q, want %q", media[0], "AGENT1")
	}
	fp.mu.Lock()
	chunk := fp.chunks[0]
	fp.mu.Unlock()
	if chunk != "CALLER1" {
		t.Fatalf("relayed chunk = %q, want %q", chunk, "CALLER1")
	}

	if fc.closeCount() != 1 {
		t.Fatalf("carrier close calls = %d, want 1", fc.closeCount())
	}
	if fp.closeCount() != 1 {
		t.Fatalf("provider close calls = %d, want 1", fp.closeCount())
	}
}

func TestCoordinator_DropsMediaUntilAgentReady(t *testing.T) {
	fc := newFakeCarrier()
	fp := newFakeProvider()
	release := make(chan struct{})

	coord, done := runCoordinator(t, Dependencies{
		Carrier: fc,
		AgentID: "agent_1",
		FetchSignedURL: func(ctx context.Context, agentID string) (string, error) {
			select {
			case <-release:
				return "wss://signed.example/conv", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		DialProvider: func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
			return fp, nil
		},
	})

	// Before start there is nowhere to send audio.
	fc.events <- carrier.MediaEvent{Payload: "EARLY1"}
	fc.start("SS1")
	// During the handshake there still is not.
	fc.events <- carrier.MediaEvent{Payload: "EARLY2"}

	close(release)

	// After the leg opens, audio flows.
	fp.events <- convai.InitiationMetadata{ConversationID: "conv_1"}
	waitFor(t, "agent session open", func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.provider != nil
	})
	fc.events <- carrier.MediaEvent{Payload: "LATE1"}
	waitFor(t, "late media relay", func() bool { return fp.chunkCount() == 1 })

	fc.events <- carrier.StopEvent{}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	fp.mu.Lock()
	chunks := append([]string(nil), fp.chunks...)
	fp.mu.Unlock()
	if len(chunks) != 1 || chunks[0] != "LATE1" {
		t.Fatalf("chunks = %v, want only LATE1", chunks)
	}
	if coord.droppedMedia != 2 {
		t.Fatalf("dropped media = %d, want 2", coord.droppedMedia)
	}
}

func TestCoordinator_HandshakeFailureClosesCarrier(t *testing.T) {
	fc := newFakeCarrier()
	dialed := false

	_, done := runCoordinator(t, Dependencies{
		Carrier: fc,
		AgentID: "agent_1",
		FetchSignedURL: func(ctx context.Context, agentID string) (string, error) {
			return "", errors.New("signed url request failed: status 401")
		},
		DialProvider: func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
			dialed = true
			return newFakeProvider(), nil
		},
	})

	fc.start("SS1")

	err := waitRun(t, done)
	if err == nil {
		t.Fatal("Run() error = nil, want handshake error")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("Run() error = %v, want wrapped handshake failure", err)
	}
	if dialed {
		t.Fatal("provider was dialed despite handshake failure")
	}
	if fc.closeCount() != 1 {
		t.Fatalf("carrier close calls = %d, want 1", fc.closeCount())
	}
}

func TestCoordinator_AgentEndClosesCarrier(t *testing.T) {
	fc := newFakeCarrier()
	fp := newFakeProvider()

	_, done := runCoordinator(t, Dependencies{
		Carrier: fc,
		AgentID: "agent_1",
		FetchSignedURL: func(ctx context.Context, agentID string) (string, error) {
			return "wss://signed.example/conv", nil
		},
		DialProvider: func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
			return fp, nil
		},
	})

	fc.start("SS1")
	fp.events <- convai.ConversationEnd{}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fc.closeCount() != 1 {
		t.Fatalf("carrier close calls = %d, want 1", fc.closeCount())
	}
	if fp.closeCount() != 1 {
		t.Fatalf("provider close calls = %d, want 1", fp.closeCount())
	}
}

func TestCoordinator_CancelTearsDownOnce(t *testing.T) {
	fc := newFakeCarrier()
	fp := newFakeProvider()

	coord, done := runCoordinator(t, Dependencies{
		Carrier: fc,
		AgentID: "agent_1",
		FetchSignedURL: func(ctx context.Context, agentID string) (string, error) {
			return "wss://signed.example/conv", nil
		},
		DialProvider: func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
			return fp, nil
		},
	})

	fc.start("SS1")
	waitFor(t, "agent session open", func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.provider != nil
	})

	coord.Cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	coord.Cancel()
	coord.teardown()
	if fc.closeCount() != 1 {
		t.Fatalf("carrier close calls = %d, want 1", fc.closeCount())
	}
	if fp.closeCount() != 1 {
		t.Fatalf("provider close calls = %d, want 1", fp.closeCount())
	}
}

func TestCoordinator_LateDialIsClosedAfterCancel(t *testing.T) {
	fc := newFakeCarrier()
	fp := newFakeProvider()
	release := make(chan struct{})

	coord, done := runCoordinator(t, Dependencies{
		Carrier: fc,
		AgentID: "agent_1",
		FetchSignedURL: func(ctx context.Context, agentID string) (string, error) {
			return "wss://signed.example/conv", nil
		},
		DialProvider: func(ctx context.Context, signedURL string, init convai.InitiationClientData) (ProviderLeg, error) {
			<-release
			return fp, nil
		},
	})

	fc.start("SS1")
	coord.Cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	close(release)
	waitFor(t, "late-dialed leg close", func() bool { return fp.closeCount() == 1 })
}
