package media

import (
	pion "github.com/pion/webrtc/v4"
)

// Stream is the local capture shared read-only by every peer session.
// Replacing the stream on the adapter swaps the tracks on all senders.
type Stream struct {
	id     string
	tracks []pion.TrackLocal
}

// NewStream groups local tracks under one stream ID.
func NewStream(id string, tracks ...pion.TrackLocal) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream ID announced in SDP.
func (s *Stream) ID() string { return s.id }

// Tracks returns the local tracks of the stream.
func (s *Stream) Tracks() []pion.TrackLocal {
	out := make([]pion.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the first track of the given kind, or nil.
func (s *Stream) Track(kind pion.RTPCodecType) pion.TrackLocal {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// RemoteStream is the inbound media received from one peer.
type RemoteStream struct {
	PeerID string
	ID     string
	Tracks []*pion.TrackRemote
}

// Track returns the first remote track of the given kind, or nil.
func (s *RemoteStream) Track(kind pion.RTPCodecType) *pion.TrackRemote {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}
