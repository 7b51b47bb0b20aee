package mesh

import (
	"time"

	"tablecam/native/internal/domain"
)

// reconnectTracker bounds watchdog reconnects to one peer.
type reconnectTracker struct {
	Attempts      int
	LastAttemptAt time.Time
}

// watchdog recovers peers stuck connecting or disconnected past the
// threshold, and peers whose connection failed on the initiating side.
func (o *Orchestrator) watchdog(now time.Time) {
	m := o.mgr
	if m == nil {
		return
	}

	for _, peerID := range sortedKeys(m.states) {
		if !m.isInitiated(peerID) {
			continue
		}

		switch m.states[peerID] {
		case domain.ConnectionConnecting, domain.ConnectionDisconnected:
			since, ok := m.stalledSince[peerID]
			if !ok || now.Sub(since) <= o.threshold {
				continue
			}
			o.logf("peer %s stuck %s for %s", peerID, m.states[peerID], now.Sub(since).Round(time.Second))
		case domain.ConnectionFailed:
			if !domain.ShouldInitiate(o.localID, peerID) {
				continue
			}
			o.logf("peer %s failed", peerID)
		default:
			continue
		}

		o.recover(m, peerID, now)
	}
}

// recover closes peerID and, when this side still initiates and the retry
// budget allows, calls it again. An exhausted budget resets once the
// cooldown since the last attempt has elapsed.
func (o *Orchestrator) recover(m *manager, peerID string, now time.Time) {
	tr, ok := m.reconnect[peerID]
	if !ok {
		tr = &reconnectTracker{}
		m.reconnect[peerID] = tr
	}
	if tr.Attempts >= o.maxAttempts {
		if now.Sub(tr.LastAttemptAt) < o.cooldown {
			return
		}
		o.logf("peer %s cooldown elapsed, resetting attempts", peerID)
		tr.Attempts = 0
	}

	o.closePeer(m, peerID)

	if !domain.ShouldInitiate(o.localID, peerID) || !o.isDesired(peerID) || o.local == nil {
		return
	}

	tr.Attempts++
	tr.LastAttemptAt = now
	o.logf("reconnecting %s (attempt %d/%d)", peerID, tr.Attempts, o.maxAttempts)
	o.callPeer(m, peerID)
}

func (o *Orchestrator) isDesired(peerID string) bool {
	for _, p := range o.desired {
		if p == peerID {
			return true
		}
	}
	return false
}
