package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
	"tablecam/native/internal/signal"
)

// mockAdapter records every call the orchestrator makes.
type mockAdapter struct {
	events domain.PeerEvents

	// block, when set, holds CallPeer until closed.
	block   chan struct{}
	callErr error

	// handleBlock, when set, holds HandleSignal until closed.
	handleBlock chan struct{}

	mu      sync.Mutex
	local   *media.Stream
	ops     []string
	calls   []string
	handled []domain.Envelope
	closed  []string
	closeN  int
}

func (m *mockAdapter) CallPeer(_ context.Context, remoteID, _ string) error {
	m.mu.Lock()
	m.calls = append(m.calls, remoteID)
	m.ops = append(m.ops, "call:"+remoteID)
	block, err := m.block, m.callErr
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (m *mockAdapter) HandleSignal(_ context.Context, env domain.Envelope) error {
	m.mu.Lock()
	m.handled = append(m.handled, env)
	m.ops = append(m.ops, "handle:"+env.From)
	block := m.handleBlock
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	return nil
}

func (m *mockAdapter) SetLocalStream(s *media.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = s
}

func (m *mockAdapter) HasLocalStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local != nil
}

func (m *mockAdapter) ClosePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, peerID)
	m.ops = append(m.ops, "close:"+peerID)
}

func (m *mockAdapter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeN++
}

func (m *mockAdapter) callList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockAdapter) handledList() []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Envelope(nil), m.handled...)
}

func (m *mockAdapter) closedList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

func (m *mockAdapter) opList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// mockFactory hands out mock adapters and keeps every one it built.
type mockFactory struct {
	mu       sync.Mutex
	adapters []*mockAdapter

	// prepare, when set, configures each adapter before use.
	prepare func(n int, a *mockAdapter)
}

func (f *mockFactory) New(_, _ string, events domain.PeerEvents) (domain.PeerAdapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &mockAdapter{events: events}
	if f.prepare != nil {
		f.prepare(len(f.adapters), a)
	}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *mockFactory) adapter(i int) *mockAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[i]
}

// callbackLog records orchestrator outputs.
type callbackLog struct {
	mu      sync.Mutex
	streams []string
	nils    []string
	states  map[string][]domain.ConnectionState
	errs    []error
}

func newCallbackLog() *callbackLog {
	return &callbackLog{states: make(map[string][]domain.ConnectionState)}
}

func (l *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnRemoteStream: func(peerID string, s *media.RemoteStream) {
			l.mu.Lock()
			defer l.mu.Unlock()
			if s == nil {
				l.nils = append(l.nils, peerID)
				return
			}
			l.streams = append(l.streams, peerID)
		},
		OnConnectionState: func(peerID string, s domain.ConnectionState) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.states[peerID] = append(l.states[peerID], s)
		},
		OnError: func(err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.errs = append(l.errs, err)
		},
	}
}

func (l *callbackLog) lastState(peerID string) domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.states[peerID]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func (l *callbackLog) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// harness runs one orchestrator against an in-memory signal store.
type harness struct {
	t       *testing.T
	store   *signal.MemoryStore
	tr      *signal.Transport
	factory *mockFactory
	cb      *callbackLog
	clock   *fakeClock
	o       *Orchestrator
}

type harnessOption func(*harness, *Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	store := signal.NewMemoryStore()
	h := &harness{
		t:       t,
		store:   store,
		tr:      signal.NewTransport(signal.TransportConfig{Store: store}),
		factory: &mockFactory{},
		cb:      newCallbackLog(),
		clock:   &fakeClock{t: time.Unix(1_700_000_000, 0)},
	}

	cfg := Config{
		Transport:  h.tr,
		NewAdapter: h.factory.New,
		Callbacks:  h.cb.callbacks(),

		// Ticks are driven by hand.
		WatchdogInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	h.o = New(cfg)
	h.o.now = h.clock.Now
	h.start()
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	go h.o.Run(ctx)
	h.t.Cleanup(func() {
		cancel()
		<-h.o.Done()
	})
}

// join sets identity and presence and waits for the first manager.
func (h *harness) join(localID string, peers ...string) {
	h.t.Helper()
	h.o.SetIdentity(localID, "room-1")
	h.o.SetRemotePeers(peers)
	h.o.SetPresenceReady(true)
	h.waitActive()
}

func (h *harness) waitActive() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.o.Snapshot().Active
	}, 2*time.Second, 5*time.Millisecond)
}

// sync waits until everything posted so far has been processed.
func (h *harness) sync() {
	h.o.Snapshot()
}

func (h *harness) send(env domain.Envelope) {
	h.t.Helper()
	require.NoError(h.t, h.tr.Send(context.Background(), env))
}

func offerFrom(from, to string) domain.Envelope {
	return domain.Envelope{
		Type:   domain.SignalOffer,
		From:   from,
		To:     to,
		RoomID: "room-1",
		SDP:    &domain.SDPPayload{Type: "offer", SDP: "v=0\r\noffer-from-" + from},
	}
}

func candidateFrom(from, to, c string) domain.Envelope {
	return domain.Envelope{
		Type:      domain.SignalICECandidate,
		From:      from,
		To:        to,
		RoomID:    "room-1",
		Candidate: &domain.ICECandidatePayload{SDPMid: "0", Candidate: c},
	}
}
