package webrtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
)

// Compile-time interface check.
var _ domain.PeerAdapter = (*Adapter)(nil)

const (
	defaultMuteTimeout = 3 * time.Second
	sendTimeout        = 10 * time.Second
)

// TrackSink receives the inbound tracks of every peer. OpenTrack returns
// the writer fed with the track's RTP packets, or nil to only observe it.
type TrackSink interface {
	OpenTrack(peerID string, track *pion.TrackRemote) (pionmedia.Writer, error)
}

// Config configures an Adapter.
type Config struct {
	// LocalID is the peer ID the adapter signs outgoing envelopes with.
	LocalID string

	ICEServers []pion.ICEServer

	// Send delivers outgoing envelopes, usually signal.Transport.Send.
	Send domain.SendFunc

	Events domain.PeerEvents

	// Sink is optional.
	Sink TrackSink

	// MuteTimeout is how long a flowing remote track may go without RTP
	// before it is reported muted. Defaults to 3s.
	MuteTimeout time.Duration

	// IncludeLoopback keeps loopback ICE candidates, for same-host tests.
	IncludeLoopback bool

	LoggerFactory logging.LoggerFactory
}

// Adapter manages one PeerConnection per remote peer.
type Adapter struct {
	localID         string
	iceServers      []pion.ICEServer
	send            domain.SendFunc
	events          domain.PeerEvents
	sink            TrackSink
	muteTimeout     time.Duration
	includeLoopback bool
	api             *pion.API
	log             logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	orphans  map[string][]domain.ICECandidatePayload
	local    *media.Stream
	closed   bool
}

// NewAdapter builds the pion API and returns an adapter with no sessions.
func NewAdapter(cfg Config) (*Adapter, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		localID:         cfg.LocalID,
		iceServers:      cfg.ICEServers,
		send:            cfg.Send,
		events:          cfg.Events,
		sink:            cfg.Sink,
		muteTimeout:     cfg.MuteTimeout,
		includeLoopback: cfg.IncludeLoopback,
		api:             api,
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[string]*session),
		orphans:         make(map[string][]domain.ICECandidatePayload),
	}
	if a.muteTimeout == 0 {
		a.muteTimeout = defaultMuteTimeout
	}
	if cfg.LoggerFactory != nil {
		a.log = cfg.LoggerFactory.NewLogger("webrtc")
	}
	return a, nil
}

// CallPeer replaces any session to remoteID with a fresh one and sends it
// an offer. It fails with domain.ErrNoLocalStream before any local stream
// has been set.
func (a *Adapter) CallPeer(ctx context.Context, remoteID, roomID string) error {
	if !a.HasLocalStream() {
		return a.fail(remoteID, "call", domain.ErrNoLocalStream)
	}

	s, err := a.replaceSession(remoteID, roomID)
	if err != nil {
		return a.fail(remoteID, "create session", err)
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return a.fail(remoteID, "create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return a.fail(remoteID, "set local description", err)
	}

	a.logf("sending offer to %s", remoteID)
	err = a.send(ctx, domain.Envelope{
		Type:   domain.SignalOffer,
		From:   a.localID,
		To:     remoteID,
		RoomID: roomID,
		SDP:    &domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP},
	})
	if err != nil {
		return a.fail(remoteID, "send offer", err)
	}

	a.flushLocalCandidates(s)
	return nil
}

// HandleSignal applies an inbound envelope. An offer always starts a fresh
// session; candidates for peers without a session are held until one
// exists.
func (a *Adapter) HandleSignal(ctx context.Context, env domain.Envelope) error {
	if err := env.Validate(); err != nil {
		return a.fail(env.From, "handle "+string(env.Type), err)
	}

	switch env.Type {
	case domain.SignalOffer:
		return a.handleOffer(ctx, env)
	case domain.SignalAnswer:
		return a.handleAnswer(env)
	default:
		return a.handleCandidate(env)
	}
}

func (a *Adapter) handleOffer(ctx context.Context, env domain.Envelope) error {
	peerID := env.From

	s, err := a.replaceSession(peerID, env.RoomID)
	if err != nil {
		return a.fail(peerID, "create session", err)
	}

	queued, err := s.setRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: env.SDP.SDP})
	if err != nil {
		return a.fail(peerID, "apply offer", err)
	}
	a.addQueuedCandidates(s, queued)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return a.fail(peerID, "create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return a.fail(peerID, "set local description", err)
	}

	a.logf("sending answer to %s", peerID)
	err = a.send(ctx, domain.Envelope{
		Type:   domain.SignalAnswer,
		From:   a.localID,
		To:     peerID,
		RoomID: env.RoomID,
		SDP:    &domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP},
	})
	if err != nil {
		return a.fail(peerID, "send answer", err)
	}

	a.flushLocalCandidates(s)
	return nil
}

func (a *Adapter) handleAnswer(env domain.Envelope) error {
	s := a.session(env.From)
	if s == nil {
		return a.fail(env.From, "apply answer", domain.ErrUnknownPeer)
	}
	if s.pc.SignalingState() != pion.SignalingStateHaveLocalOffer {
		// Answer to an offer this session never made, e.g. from before a
		// reconnect.
		if a.log != nil {
			a.log.Warnf("ignoring answer from %s in state %s", env.From, s.pc.SignalingState())
		}
		return nil
	}

	queued, err := s.setRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: env.SDP.SDP})
	if err != nil {
		return a.fail(env.From, "apply answer", err)
	}
	a.addQueuedCandidates(s, queued)
	return nil
}

func (a *Adapter) handleCandidate(env domain.Envelope) error {
	a.mu.Lock()
	s := a.sessions[env.From]
	if s == nil {
		a.orphans[env.From] = append(a.orphans[env.From], *env.Candidate)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := s.addRemoteCandidate(*env.Candidate); err != nil {
		return a.fail(env.From, "add candidate", err)
	}
	return nil
}

// SetLocalStream swaps the outgoing tracks of every session. A nil stream
// stops outgoing media without closing anything.
func (a *Adapter) SetLocalStream(stream *media.Stream) {
	a.mu.Lock()
	if a.local == stream || a.closed {
		a.mu.Unlock()
		return
	}
	a.local = stream
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.replaceTracks(stream); err != nil {
			a.fail(s.peerID, "set local stream", err)
		}
	}
}

// HasLocalStream reports whether a non-nil local stream is set.
func (a *Adapter) HasLocalStream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local != nil
}

// ClosePeer tears down the session to peerID, if any.
func (a *Adapter) ClosePeer(peerID string) {
	a.mu.Lock()
	s := a.sessions[peerID]
	delete(a.sessions, peerID)
	delete(a.orphans, peerID)
	a.mu.Unlock()

	if s == nil {
		return
	}
	a.logf("closing peer %s", peerID)
	if s.close() && a.events.OnRemoteStream != nil {
		a.events.OnRemoteStream(peerID, nil)
	}
}

// Close tears down every session. The adapter cannot be reused.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sessions := a.sessions
	a.sessions = make(map[string]*session)
	a.orphans = make(map[string][]domain.ICECandidatePayload)
	a.mu.Unlock()

	a.cancel()
	for _, s := range sessions {
		s.close()
	}
}

// Peers returns the IDs of the peers with a live session.
func (a *Adapter) Peers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		out = append(out, id)
	}
	return out
}

func (a *Adapter) session(peerID string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[peerID]
}

// current reports whether s is still the live session of its peer.
func (a *Adapter) current(s *session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[s.peerID] == s
}

// replaceSession closes the session to peerID, if any, and installs a new
// one carrying the current local stream and any orphaned candidates.
func (a *Adapter) replaceSession(peerID, roomID string) (*session, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, domain.ErrClosed
	}
	old := a.sessions[peerID]
	delete(a.sessions, peerID)
	local := a.local
	a.mu.Unlock()

	if old != nil && old.close() && a.events.OnRemoteStream != nil {
		a.events.OnRemoteStream(peerID, nil)
	}

	s, err := newSession(a.api, a.iceServers, peerID, roomID, local)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		s.close()
		return nil, domain.ErrClosed
	}
	a.sessions[peerID] = s
	orphans := a.orphans[peerID]
	delete(a.orphans, peerID)
	latest := a.local
	a.mu.Unlock()

	a.wire(s)

	if latest != local {
		if err := s.replaceTracks(latest); err != nil {
			s.close()
			return nil, err
		}
	}
	for _, c := range orphans {
		// No remote description yet, so these only queue.
		_ = s.addRemoteCandidate(c)
	}
	return s, nil
}

// wire installs the pion callbacks of s. Each one drops events once s is
// no longer the live session of its peer.
func (a *Adapter) wire(s *session) {
	s.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			if a.log != nil {
				a.log.Debugf("ICE gathering complete for %s", s.peerID)
			}
			return
		}
		if !a.includeLoopback && isLoopback(c) {
			return
		}
		payload := candidatePayload(c)
		if s.queueLocalCandidate(payload) {
			a.sendCandidate(s, payload)
		}
	})

	s.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		if a.log != nil {
			a.log.Infof("peer %s connection state: %s", s.peerID, state)
		}
		mapped := connectionState(state)
		if !a.current(s) || !s.setState(mapped) {
			return
		}
		if a.events.OnConnectionStateChange != nil {
			a.events.OnConnectionStateChange(s.peerID, mapped)
		}
	})

	s.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		a.logf("peer %s track: kind=%s codec=%s", s.peerID, track.Kind(), codec.MimeType)

		if !a.current(s) {
			return
		}
		stream := s.addTrack(track)
		if a.events.OnRemoteStream != nil {
			a.events.OnRemoteStream(s.peerID, stream)
		}

		var w pionmedia.Writer
		if a.sink != nil {
			var err error
			w, err = a.sink.OpenTrack(s.peerID, track)
			if err != nil {
				a.fail(s.peerID, "open track sink", err)
			}
		}

		onPacket := func() {
			if s.packetReceived(time.Now()) && a.current(s) {
				a.emitTrackState(s.peerID, domain.TrackFlowing)
			}
		}
		onWriteErr := func(err error) {
			a.fail(s.peerID, "write track", err)
		}
		go s.readTrack(track, w, onPacket, onWriteErr)
	})

	go a.watchTracks(s)
}

// watchTracks reports muted tracks of s until it closes.
func (a *Adapter) watchTracks(s *session) {
	ticker := time.NewTicker(a.muteTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.checkMuted(now, a.muteTimeout) && a.current(s) {
				a.emitTrackState(s.peerID, domain.TrackMuted)
			}
		}
	}
}

func (a *Adapter) emitTrackState(peerID string, state domain.TrackState) {
	if a.events.OnTrackStateChange != nil {
		a.events.OnTrackStateChange(peerID, state)
	}
}

func (a *Adapter) addQueuedCandidates(s *session, queued []pion.ICECandidateInit) {
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			a.fail(s.peerID, "add candidate", err)
		}
	}
}

// flushLocalCandidates sends the candidates gathered before the offer or
// answer went out.
func (a *Adapter) flushLocalCandidates(s *session) {
	for _, c := range s.markSignalSent() {
		a.sendCandidate(s, c)
	}
}

func (a *Adapter) sendCandidate(s *session, c domain.ICECandidatePayload) {
	if !a.current(s) {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, sendTimeout)
	defer cancel()

	err := a.send(ctx, domain.Envelope{
		Type:      domain.SignalICECandidate,
		From:      a.localID,
		To:        s.peerID,
		RoomID:    s.roomID,
		Candidate: &c,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.fail(s.peerID, "send candidate", err)
	}
}

// fail wraps err for peerID, reports it through OnError and returns it.
// Errors from a closed adapter are returned without being reported.
func (a *Adapter) fail(peerID, op string, err error) error {
	if errors.Is(err, domain.ErrClosed) {
		return err
	}

	var nerr *domain.NegotiationError
	if !errors.As(err, &nerr) {
		err = &domain.NegotiationError{PeerID: peerID, Op: op, Err: err}
	}
	if a.log != nil {
		a.log.Warnf("%v", err)
	}
	if a.events.OnError != nil {
		a.events.OnError(peerID, err)
	}
	return err
}

func (a *Adapter) logf(format string, args ...any) {
	if a.log != nil {
		a.log.Infof(format, args...)
	}
}
