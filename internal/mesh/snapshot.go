package mesh

import "tablecam/native/internal/domain"

// PeerStatus is what a UI needs to show one remote peer.
type PeerStatus struct {
	PeerID    string
	State     domain.ConnectionState
	Track     domain.TrackState
	Initiated bool
	HasStream bool
	Attempts  int
}

// Snapshot is a point-in-time copy of the orchestrator state. Active is
// true while a manager generation exists.
type Snapshot struct {
	LocalID string
	RoomID  string
	Active  bool
	Desired []string
	Pending int
	Peers   []PeerStatus
	Err     error
}

// Snapshot returns the current state. After Run has returned it is empty.
func (o *Orchestrator) Snapshot() Snapshot {
	var snap Snapshot
	o.call(func() {
		snap = o.snapshot()
	})
	return snap
}

func (o *Orchestrator) snapshot() Snapshot {
	snap := Snapshot{
		LocalID: o.localID,
		RoomID:  o.roomID,
		Desired: append([]string(nil), o.desired...),
		Pending: len(o.pending),
		Err:     o.lastErr,
	}

	m := o.mgr
	if m == nil {
		return snap
	}
	snap.Active = true

	seen := make(map[string]struct{})
	for _, set := range [][]string{sortedKeys(m.initiated), sortedKeys(m.states), sortedKeys(m.streams)} {
		for _, peerID := range set {
			seen[peerID] = struct{}{}
		}
	}

	for _, peerID := range sortedKeys(seen) {
		st := PeerStatus{
			PeerID:    peerID,
			State:     m.states[peerID],
			Track:     m.tracks[peerID],
			Initiated: m.isInitiated(peerID),
		}
		if st.State == "" {
			st.State = domain.ConnectionNew
		}
		if st.Track == "" {
			st.Track = domain.TrackAbsent
		}
		_, st.HasStream = m.streams[peerID]
		if tr, ok := m.reconnect[peerID]; ok {
			st.Attempts = tr.Attempts
		}
		snap.Peers = append(snap.Peers, st)
	}
	return snap
}
