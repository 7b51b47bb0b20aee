package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
)

// eventLog records every adapter callback.
type eventLog struct {
	mu      sync.Mutex
	streams map[string]*media.RemoteStream
	nils    map[string]int
	states  map[string][]domain.ConnectionState
	tracks  map[string][]domain.TrackState
	errs    []error
}

func newEventLog() *eventLog {
	return &eventLog{
		streams: make(map[string]*media.RemoteStream),
		nils:    make(map[string]int),
		states:  make(map[string][]domain.ConnectionState),
		tracks:  make(map[string][]domain.TrackState),
	}
}

func (l *eventLog) events() domain.PeerEvents {
	return domain.PeerEvents{
		OnRemoteStream: func(peerID string, s *media.RemoteStream) {
			l.mu.Lock()
			defer l.mu.Unlock()
			if s == nil {
				l.nils[peerID]++
				delete(l.streams, peerID)
				return
			}
			l.streams[peerID] = s
		},
		OnConnectionStateChange: func(peerID string, s domain.ConnectionState) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.states[peerID] = append(l.states[peerID], s)
		},
		OnTrackStateChange: func(peerID string, s domain.TrackState) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.tracks[peerID] = append(l.tracks[peerID], s)
		},
		OnError: func(_ string, err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.errs = append(l.errs, err)
		},
	}
}

func (l *eventLog) lastState(peerID string) domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.states[peerID]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func (l *eventLog) stream(peerID string) *media.RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[peerID]
}

func (l *eventLog) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// pipe hands envelopes to a target adapter one at a time, in send order.
type pipe struct {
	ch chan domain.Envelope
}

func newPipe(t *testing.T, target func() *Adapter) *pipe {
	p := &pipe{ch: make(chan domain.Envelope, 64)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-p.ch:
				_ = target().HandleSignal(ctx, env)
			}
		}
	}()
	return p
}

func (p *pipe) send(_ context.Context, env domain.Envelope) error {
	p.ch <- env
	return nil
}

type sentLog struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (s *sentLog) send(_ context.Context, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *sentLog) sent() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Envelope(nil), s.envs...)
}

func newTestAdapter(t *testing.T, id string, send domain.SendFunc, events domain.PeerEvents) *Adapter {
	a, err := NewAdapter(Config{
		LocalID:         id,
		Send:            send,
		Events:          events,
		IncludeLoopback: true,
		MuteTimeout:     time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestConnectionStateMapping(t *testing.T) {
	tests := []struct {
		in   pion.PeerConnectionState
		want domain.ConnectionState
	}{
		{pion.PeerConnectionStateNew, domain.ConnectionNew},
		{pion.PeerConnectionStateConnecting, domain.ConnectionConnecting},
		{pion.PeerConnectionStateConnected, domain.ConnectionConnected},
		{pion.PeerConnectionStateDisconnected, domain.ConnectionDisconnected},
		{pion.PeerConnectionStateFailed, domain.ConnectionFailed},
		{pion.PeerConnectionStateClosed, domain.ConnectionClosed},
		{pion.PeerConnectionStateUnknown, domain.ConnectionNew},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, connectionState(tt.in), tt.in.String())
	}
}

func TestCallPeer_RequiresLocalStream(t *testing.T) {
	events := newEventLog()
	sent := &sentLog{}
	a := newTestAdapter(t, "a", sent.send, events.events())

	err := a.CallPeer(context.Background(), "b", "room-1")

	require.ErrorIs(t, err, domain.ErrNoLocalStream)
	assert.Empty(t, sent.sent())
	assert.Empty(t, a.Peers())
	require.Len(t, events.errors(), 1, "the failure is reported through OnError too")
}

func TestCallPeer_SendsOffer(t *testing.T) {
	capture, err := media.NewCapture("a", nil)
	require.NoError(t, err)

	sent := &sentLog{}
	a := newTestAdapter(t, "a", sent.send, newEventLog().events())
	a.SetLocalStream(capture.Stream)
	require.True(t, a.HasLocalStream())

	require.NoError(t, a.CallPeer(context.Background(), "b", "room-1"))

	envs := sent.sent()
	require.NotEmpty(t, envs)
	offer := envs[0]
	assert.Equal(t, domain.SignalOffer, offer.Type)
	assert.Equal(t, "a", offer.From)
	assert.Equal(t, "b", offer.To)
	assert.Equal(t, "room-1", offer.RoomID)
	require.NotNil(t, offer.SDP)
	assert.Contains(t, offer.SDP.SDP, "m=audio")
	assert.Contains(t, offer.SDP.SDP, "m=video")
	assert.Contains(t, offer.SDP.SDP, "a=sendrecv")
	assert.Equal(t, []string{"b"}, a.Peers())
}

func TestSetLocalStream_NilStopsMediaWithoutClosing(t *testing.T) {
	capture, err := media.NewCapture("a", nil)
	require.NoError(t, err)

	a := newTestAdapter(t, "a", (&sentLog{}).send, newEventLog().events())
	a.SetLocalStream(capture.Stream)
	require.NoError(t, a.CallPeer(context.Background(), "b", "room-1"))

	a.SetLocalStream(nil)
	assert.False(t, a.HasLocalStream())
	assert.Equal(t, []string{"b"}, a.Peers())

	s := a.session("b")
	require.NotNil(t, s)
	assert.Nil(t, s.video.Track())
	assert.Nil(t, s.audio.Track())

	a.SetLocalStream(capture.Stream)
	assert.Equal(t, capture.Video, s.video.Track())
}

func TestClosePeer_Idempotent(t *testing.T) {
	capture, err := media.NewCapture("a", nil)
	require.NoError(t, err)

	a := newTestAdapter(t, "a", (&sentLog{}).send, newEventLog().events())
	a.ClosePeer("nobody")

	a.SetLocalStream(capture.Stream)
	require.NoError(t, a.CallPeer(context.Background(), "b", "room-1"))

	a.ClosePeer("b")
	a.ClosePeer("b")
	assert.Empty(t, a.Peers())
}

func TestHandleSignal_AnswerForUnknownPeer(t *testing.T) {
	a := newTestAdapter(t, "a", (&sentLog{}).send, newEventLog().events())

	err := a.HandleSignal(context.Background(), domain.Envelope{
		Type:   domain.SignalAnswer,
		From:   "b",
		To:     "a",
		RoomID: "room-1",
		SDP:    &domain.SDPPayload{Type: "answer", SDP: "v=0"},
	})
	require.ErrorIs(t, err, domain.ErrUnknownPeer)

	var nerr *domain.NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "b", nerr.PeerID)
}

func TestHandleSignal_CandidateForUnknownPeerIsHeld(t *testing.T) {
	a := newTestAdapter(t, "a", (&sentLog{}).send, newEventLog().events())

	err := a.HandleSignal(context.Background(), domain.Envelope{
		Type:      domain.SignalICECandidate,
		From:      "b",
		To:        "a",
		RoomID:    "room-1",
		Candidate: &domain.ICECandidatePayload{SDPMid: "0", Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"},
	})
	require.NoError(t, err)

	a.mu.Lock()
	held := len(a.orphans["b"])
	a.mu.Unlock()
	assert.Equal(t, 1, held)

	a.ClosePeer("b")
	a.mu.Lock()
	held = len(a.orphans["b"])
	a.mu.Unlock()
	assert.Equal(t, 0, held)
}

func TestHandleSignal_RejectsMalformedEnvelope(t *testing.T) {
	events := newEventLog()
	a := newTestAdapter(t, "a", (&sentLog{}).send, events.events())

	err := a.HandleSignal(context.Background(), domain.Envelope{Type: domain.SignalOffer, From: "b", RoomID: "room-1"})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, events.errors(), 1)
}

func TestLoopbackHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	captureA, err := media.NewCapture("a", nil)
	require.NoError(t, err)
	captureB, err := media.NewCapture("b", nil)
	require.NoError(t, err)

	var a, b *Adapter
	toA := newPipe(t, func() *Adapter { return a })
	toB := newPipe(t, func() *Adapter { return b })

	eventsA, eventsB := newEventLog(), newEventLog()
	a = newTestAdapter(t, "a", toB.send, eventsA.events())
	b = newTestAdapter(t, "b", toA.send, eventsB.events())

	a.SetLocalStream(captureA.Stream)
	b.SetLocalStream(captureB.Stream)

	require.NoError(t, a.CallPeer(context.Background(), "b", "room-1"))

	require.Eventually(t, func() bool {
		return eventsA.lastState("b") == domain.ConnectionConnected &&
			eventsB.lastState("a") == domain.ConnectionConnected
	}, 15*time.Second, 50*time.Millisecond)

	// Tracks only surface once RTP flows.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpSamples(ctx, captureA)

	require.Eventually(t, func() bool {
		return eventsB.stream("a") != nil
	}, 10*time.Second, 50*time.Millisecond)

	stream := eventsB.stream("a")
	assert.Equal(t, "a", stream.PeerID)
	assert.NotNil(t, stream.Track(pion.RTPCodecTypeVideo))

	b.ClosePeer("a")
	eventsB.mu.Lock()
	assert.Equal(t, 1, eventsB.nils["a"])
	eventsB.mu.Unlock()
}

func pumpSamples(ctx context.Context, c *media.Capture) {
	frame := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x33}
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Video.WriteSample(pionmedia.Sample{Data: frame, Duration: 33 * time.Millisecond})
			_ = c.Audio.WriteSample(pionmedia.Sample{Data: []byte{0xfc, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
		}
	}
}
