package domain

// ConnectionState is the local observation of a peer connection.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// TrackState describes whether inbound media from a peer is flowing.
type TrackState string

const (
	TrackAbsent  TrackState = "absent"
	TrackFlowing TrackState = "flowing"
	TrackMuted   TrackState = "muted"
)

// ShouldInitiate reports whether the local peer is the one that calls the
// remote peer. The peer whose ID sorts strictly lower initiates; both sides
// compute the same answer from the same pair of IDs.
func ShouldInitiate(localID, remoteID string) bool {
	return localID < remoteID
}
