package webrtc

import (
	"fmt"
	"net"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
)

// session wraps the PeerConnection to one remote peer.
type session struct {
	peerID string
	roomID string
	pc     *pion.PeerConnection
	audio  *pion.RTPSender
	video  *pion.RTPSender
	done   chan struct{}

	mu             sync.Mutex
	remoteDescSet  bool
	pendingRemote  []pion.ICECandidateInit
	signalSent     bool
	pendingLocal   []domain.ICECandidatePayload
	remote         *media.RemoteStream
	state          domain.ConnectionState
	trackState     domain.TrackState
	lastPacketTime time.Time
	closed         bool
}

// newSession creates a PeerConnection with sendrecv audio and video
// transceivers. Tracks of local are attached when present; otherwise the
// senders stay idle until a stream is set.
func newSession(api *pion.API, iceServers []pion.ICEServer, peerID, roomID string, local *media.Stream) (*session, error) {
	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &session{
		peerID:     peerID,
		roomID:     roomID,
		pc:         pc,
		done:       make(chan struct{}),
		state:      domain.ConnectionNew,
		trackState: domain.TrackAbsent,
	}

	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		init := pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionSendrecv}

		var tr *pion.RTPTransceiver
		if track := local.Track(kind); track != nil {
			tr, err = pc.AddTransceiverFromTrack(track, init)
		} else {
			tr, err = pc.AddTransceiverFromKind(kind, init)
		}
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}

		sender := tr.Sender()
		if kind == pion.RTPCodecTypeAudio {
			s.audio = sender
		} else {
			s.video = sender
		}
		go drainRTCP(sender)
	}

	return s, nil
}

// drainRTCP reads RTCP so the sender's interceptors keep running.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// replaceTracks swaps the outgoing tracks without renegotiating. A nil
// stream detaches both senders.
func (s *session) replaceTracks(local *media.Stream) error {
	if err := s.audio.ReplaceTrack(local.Track(pion.RTPCodecTypeAudio)); err != nil {
		return fmt.Errorf("replace audio track: %w", err)
	}
	if err := s.video.ReplaceTrack(local.Track(pion.RTPCodecTypeVideo)); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// setRemoteDescription applies desc and returns the remote candidates that
// were waiting for it.
func (s *session) setRemoteDescription(desc pion.SessionDescription) ([]pion.ICECandidateInit, error) {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteDescSet = true
	queued := s.pendingRemote
	s.pendingRemote = nil
	return queued, nil
}

// addRemoteCandidate adds c, or queues it until the remote description is
// set.
func (s *session) addRemoteCandidate(c domain.ICECandidatePayload) error {
	init := candidateInit(c)

	s.mu.Lock()
	if !s.remoteDescSet {
		s.pendingRemote = append(s.pendingRemote, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// queueLocalCandidate holds c until the offer or answer has been sent. It
// reports whether c should be sent now instead.
func (s *session) queueLocalCandidate(c domain.ICECandidatePayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.signalSent {
		s.pendingLocal = append(s.pendingLocal, c)
		return false
	}
	return true
}

// markSignalSent records that the description went out and returns the
// local candidates gathered before it.
func (s *session) markSignalSent() []domain.ICECandidatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalSent = true
	queued := s.pendingLocal
	s.pendingLocal = nil
	return queued
}

// setState records state and reports whether it changed.
func (s *session) setState(state domain.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == state {
		return false
	}
	s.state = state
	return true
}

// addTrack binds track to this session's peer and returns a copy of the
// resulting remote stream.
func (s *session) addTrack(track *pion.TrackRemote) *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		s.remote = &media.RemoteStream{PeerID: s.peerID, ID: track.StreamID()}
	}
	s.remote.Tracks = append(s.remote.Tracks, track)

	out := *s.remote
	out.Tracks = append([]*pion.TrackRemote(nil), s.remote.Tracks...)
	return &out
}

// packetReceived records RTP arrival and reports whether the track state
// changed to flowing.
func (s *session) packetReceived(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPacketTime = now
	if s.closed || s.trackState == domain.TrackFlowing {
		return false
	}
	s.trackState = domain.TrackFlowing
	return true
}

// checkMuted reports whether a flowing track went silent for longer than
// timeout.
func (s *session) checkMuted(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.trackState != domain.TrackFlowing {
		return false
	}
	if now.Sub(s.lastPacketTime) <= timeout {
		return false
	}
	s.trackState = domain.TrackMuted
	return true
}

// close tears down the PeerConnection. It reports whether a remote stream
// had been bound; closing twice is a no-op.
func (s *session) close() (hadRemote bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	hadRemote = s.remote != nil
	s.remote = nil
	s.pendingLocal = nil
	s.pendingRemote = nil
	close(s.done)
	s.mu.Unlock()

	s.pc.Close()
	return hadRemote
}

// readTrack consumes RTP until the track ends, feeding w when non-nil.
func (s *session) readTrack(track *pion.TrackRemote, w pionmedia.Writer, onPacket func(), onWriteErr func(error)) {
	defer func() {
		if w != nil {
			w.Close()
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		onPacket()

		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			onWriteErr(err)
			w.Close()
			w = nil
		}
	}
}

func candidateInit(c domain.ICECandidatePayload) pion.ICECandidateInit {
	sdpMid := c.SDPMid
	sdpMLineIndex := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if c.UsernameFragment != "" {
		ufrag := c.UsernameFragment
		init.UsernameFragment = &ufrag
	}
	return init
}

func candidatePayload(c *pion.ICECandidate) domain.ICECandidatePayload {
	init := c.ToJSON()
	p := domain.ICECandidatePayload{Candidate: init.Candidate}
	if init.SDPMid != nil {
		p.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		p.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	if init.UsernameFragment != nil {
		p.UsernameFragment = *init.UsernameFragment
	}
	return p
}

func isLoopback(c *pion.ICECandidate) bool {
	ip := net.ParseIP(c.Address)
	return ip != nil && ip.IsLoopback()
}

// connectionState maps pion's peer connection state onto ours.
func connectionState(state pion.PeerConnectionState) domain.ConnectionState {
	switch state {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}
