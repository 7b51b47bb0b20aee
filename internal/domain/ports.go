package domain

import (
	"context"

	"tablecam/native/internal/media"
)

// SendFunc delivers an outbound envelope to the signal transport.
type SendFunc func(ctx context.Context, env Envelope) error

// PeerEvents receives per-peer side effects from a PeerAdapter. Each
// callback fires at most once per actual transition.
type PeerEvents struct {
	OnRemoteStream          func(peerID string, stream *media.RemoteStream)
	OnConnectionStateChange func(peerID string, state ConnectionState)
	OnTrackStateChange      func(peerID string, state TrackState)
	OnError                 func(peerID string, err error)
}

// PeerAdapter manages one WebRTC session per remote peer.
type PeerAdapter interface {
	CallPeer(ctx context.Context, remoteID, roomID string) error
	HandleSignal(ctx context.Context, env Envelope) error
	SetLocalStream(stream *media.Stream)
	HasLocalStream() bool
	ClosePeer(peerID string)
	Close()
}

// SignalHandler receives envelopes and errors from a transport subscription.
type SignalHandler interface {
	OnSignal(env Envelope)
	OnInitialized()
	OnError(err error)
}

// PresenceFeed reports the remote peers currently present in a room.
type PresenceFeed interface {
	Join(ctx context.Context, roomID, peerID string) error
	Leave(ctx context.Context, roomID, peerID string) error
	Watch(ctx context.Context, roomID, peerID string) (<-chan []string, error)
}
