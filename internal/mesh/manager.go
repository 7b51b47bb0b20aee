package mesh

import (
	"context"
	"slices"
	"time"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
)

// manager is one generation of peer connections: the adapter plus every
// per-peer map the orchestrator keeps for it. Continuations of async work
// check destroyed before touching anything.
type manager struct {
	gen       int
	adapter   domain.PeerAdapter
	ctx       context.Context
	cancel    context.CancelFunc
	destroyed bool

	initiated    map[string]struct{}
	states       map[string]domain.ConnectionState
	stalledSince map[string]time.Time
	tracks       map[string]domain.TrackState
	streams      map[string]*media.RemoteStream
	reconnect    map[string]*reconnectTracker
	workers      map[string]*peerWorker
}

// worker returns the worker for peerID. Workers leave the map once idle
// and a fresh one is made for the next job, so only an idle worker is
// ever replaced.
func (o *Orchestrator) worker(m *manager, peerID string) *peerWorker {
	if w, ok := m.workers[peerID]; ok {
		return w
	}
	var w *peerWorker
	w = newPeerWorker(func() {
		o.post(func() {
			if m.workers[peerID] == w && w.idle() {
				delete(m.workers, peerID)
			}
		})
	})
	m.workers[peerID] = w
	return w
}

func (m *manager) isInitiated(peerID string) bool {
	_, ok := m.initiated[peerID]
	return ok
}

// createManager starts a new generation with a fresh adapter.
func (o *Orchestrator) createManager() bool {
	o.generation++
	ctx, cancel := context.WithCancel(o.ctx)
	m := &manager{
		gen:          o.generation,
		ctx:          ctx,
		cancel:       cancel,
		initiated:    make(map[string]struct{}),
		states:       make(map[string]domain.ConnectionState),
		stalledSince: make(map[string]time.Time),
		tracks:       make(map[string]domain.TrackState),
		streams:      make(map[string]*media.RemoteStream),
		reconnect:    make(map[string]*reconnectTracker),
		workers:      make(map[string]*peerWorker),
	}

	adapter, err := o.newAdapter(o.localID, o.roomID, o.peerEvents(m))
	if err != nil {
		cancel()
		o.reportError(err)
		return false
	}
	m.adapter = adapter
	if o.local != nil {
		adapter.SetLocalStream(o.local)
	}

	o.mgr = m
	o.logf("manager %d started", m.gen)
	return true
}

// destroyManager tears down the current generation. Late results from its
// workers and adapter find destroyed set and are dropped.
func (o *Orchestrator) destroyManager() {
	m := o.mgr
	if m == nil {
		return
	}
	o.mgr = nil
	m.destroyed = true
	m.cancel()

	for _, w := range m.workers {
		w.close()
	}
	m.adapter.Close()

	for _, peerID := range sortedKeys(m.streams) {
		if o.cb.OnRemoteStream != nil {
			o.cb.OnRemoteStream(peerID, nil)
		}
	}

	o.pending = nil
	o.lastErr = nil
	o.logf("manager %d destroyed", m.gen)
}

// peerEvents binds adapter callbacks to generation m.
func (o *Orchestrator) peerEvents(m *manager) domain.PeerEvents {
	return domain.PeerEvents{
		OnRemoteStream: func(peerID string, stream *media.RemoteStream) {
			o.post(func() {
				if !m.destroyed {
					o.onRemoteStream(m, peerID, stream)
				}
			})
		},
		OnConnectionStateChange: func(peerID string, state domain.ConnectionState) {
			o.post(func() {
				if !m.destroyed {
					o.onConnectionState(m, peerID, state)
				}
			})
		},
		OnTrackStateChange: func(peerID string, state domain.TrackState) {
			o.post(func() {
				if !m.destroyed {
					o.onTrackState(m, peerID, state)
				}
			})
		},
		OnError: func(peerID string, err error) {
			o.post(func() {
				if !m.destroyed {
					o.reportError(err)
				}
			})
		},
	}
}

func (o *Orchestrator) onRemoteStream(m *manager, peerID string, stream *media.RemoteStream) {
	if stream == nil {
		if _, ok := m.streams[peerID]; !ok {
			return
		}
		delete(m.streams, peerID)
	} else {
		if !o.isDesired(peerID) {
			// Its close is already queued or will be once its offer is
			// answered.
			o.logf("ignoring stream from departed peer %s", peerID)
			return
		}
		m.streams[peerID] = stream
		// The remote side opened this connection; reconciliation must not
		// call it again.
		m.initiated[peerID] = struct{}{}
	}
	if o.cb.OnRemoteStream != nil {
		o.cb.OnRemoteStream(peerID, stream)
	}
}

func (o *Orchestrator) onConnectionState(m *manager, peerID string, state domain.ConnectionState) {
	o.setState(m, peerID, state)

	if state == domain.ConnectionConnected {
		delete(m.reconnect, peerID)
	}
}

// setState records state and keeps the stall timer: it starts on entering
// connecting or disconnected and resets on every other change.
func (o *Orchestrator) setState(m *manager, peerID string, state domain.ConnectionState) {
	prev, had := m.states[peerID]
	if had && prev == state {
		return
	}
	m.states[peerID] = state

	switch state {
	case domain.ConnectionConnecting, domain.ConnectionDisconnected:
		m.stalledSince[peerID] = o.now()
	default:
		delete(m.stalledSince, peerID)
	}

	if o.cb.OnConnectionState != nil {
		o.cb.OnConnectionState(peerID, state)
	}
}

func (o *Orchestrator) onTrackState(m *manager, peerID string, state domain.TrackState) {
	if m.tracks[peerID] == state {
		return
	}
	m.tracks[peerID] = state
	if o.cb.OnTrackState != nil {
		o.cb.OnTrackState(peerID, state)
	}
}

// reconcile calls every desired peer this side must initiate and does not
// track yet. Without local media nothing is called; the next evaluation
// after media arrives picks them up.
func (o *Orchestrator) reconcile(m *manager) {
	if o.local == nil {
		return
	}
	for _, peerID := range o.desired {
		if m.isInitiated(peerID) {
			continue
		}
		if !domain.ShouldInitiate(o.localID, peerID) {
			continue
		}
		o.callPeer(m, peerID)
	}
}

// closeUndesired closes every tracked peer that left the desired set.
func (o *Orchestrator) closeUndesired(m *manager) {
	for _, peerID := range sortedKeys(m.initiated) {
		if _, ok := slices.BinarySearch(o.desired, peerID); ok {
			continue
		}
		o.logf("peer %s left, closing", peerID)
		o.closePeer(m, peerID)
		delete(m.reconnect, peerID)
	}
}

// callPeer marks peerID initiated and queues the call on its worker.
func (o *Orchestrator) callPeer(m *manager, peerID string) {
	o.logf("calling %s", peerID)
	m.initiated[peerID] = struct{}{}
	o.setState(m, peerID, domain.ConnectionConnecting)

	adapter, roomID := m.adapter, o.roomID
	o.worker(m, peerID).enqueue(func() {
		err := adapter.CallPeer(m.ctx, peerID, roomID)
		if err == nil {
			return
		}
		o.post(func() {
			if m.destroyed || !m.isInitiated(peerID) {
				return
			}
			// Already reported through the adapter's OnError. Failed
			// calls are retried by the watchdog.
			o.setState(m, peerID, domain.ConnectionFailed)
		})
	})
}

// closePeer queues the close on the peer's worker, behind any call or
// signal still pending for it, and forgets the peer's state.
func (o *Orchestrator) closePeer(m *manager, peerID string) {
	adapter := m.adapter
	o.worker(m, peerID).enqueue(func() {
		adapter.ClosePeer(peerID)
	})

	delete(m.initiated, peerID)
	delete(m.states, peerID)
	delete(m.stalledSince, peerID)
	delete(m.tracks, peerID)
	if _, ok := m.streams[peerID]; ok {
		delete(m.streams, peerID)
		if o.cb.OnRemoteStream != nil {
			o.cb.OnRemoteStream(peerID, nil)
		}
	}
}

// dispatch hands env to the adapter on the sender's worker. A handled
// offer implicitly accepts the connection unless the sender left the
// desired set in the meantime.
func (o *Orchestrator) dispatch(m *manager, env domain.Envelope) {
	adapter := m.adapter
	peerID := env.From

	if env.Type == domain.SignalOffer {
		// The offer replaces any session with this peer; the new one
		// reports its own states and gets a fresh stall timer.
		delete(m.states, peerID)
		delete(m.stalledSince, peerID)
	}

	o.worker(m, peerID).enqueue(func() {
		err := adapter.HandleSignal(m.ctx, env)
		if err != nil || env.Type != domain.SignalOffer {
			return
		}
		o.post(func() {
			if m.destroyed {
				return
			}
			if !o.isDesired(peerID) {
				o.logf("peer %s left while its offer was answered, closing", peerID)
				o.closePeer(m, peerID)
				delete(m.reconnect, peerID)
				return
			}
			m.initiated[peerID] = struct{}{}
		})
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
