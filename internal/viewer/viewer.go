package viewer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
	"tablecam/native/internal/mesh"
)

const leaveTimeout = 5 * time.Second

// Mesh is the part of the orchestrator the viewer drives.
type Mesh interface {
	SetRemotePeers(peers []string)
	SetPresenceReady(ready bool)
}

// PeerView is what the viewer knows about one remote player.
type PeerView struct {
	PeerID    string
	State     domain.ConnectionState
	Track     domain.TrackState
	HasStream bool
}

// Config configures a Viewer.
type Config struct {
	RoomID string
	PeerID string
	Feed   domain.PresenceFeed

	// OnChange, when set, is called after any peer view changes. It runs
	// on the orchestrator loop and must not block.
	OnChange func(PeerView)

	LoggerFactory logging.LoggerFactory
}

// Viewer connects the room's presence to the orchestrator and keeps the
// per-player view the UI shows.
type Viewer struct {
	roomID   string
	peerID   string
	feed     domain.PresenceFeed
	onChange func(PeerView)
	log      logging.LeveledLogger

	mu    sync.Mutex
	peers map[string]*PeerView
}

// New creates a viewer. Wire Callbacks into the orchestrator config.
func New(cfg Config) *Viewer {
	v := &Viewer{
		roomID:   cfg.RoomID,
		peerID:   cfg.PeerID,
		feed:     cfg.Feed,
		onChange: cfg.OnChange,
		peers:    make(map[string]*PeerView),
	}
	if cfg.LoggerFactory != nil {
		v.log = cfg.LoggerFactory.NewLogger("viewer")
	}
	return v
}

// Run joins the room, forwards every presence update to m and leaves when
// ctx is done. Presence is ready once the first update after joining
// arrives.
func (v *Viewer) Run(ctx context.Context, m Mesh) error {
	if err := v.feed.Join(ctx, v.roomID, v.peerID); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	defer v.leave()

	updates, err := v.feed.Watch(ctx, v.roomID, v.peerID)
	if err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}

	ready := false
	for peers := range updates {
		v.logf("room %s: %d remote players %v", v.roomID, len(peers), peers)
		m.SetRemotePeers(peers)
		v.prune(peers)
		if !ready {
			ready = true
			m.SetPresenceReady(true)
		}
	}

	m.SetPresenceReady(false)
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("presence feed closed")
}

func (v *Viewer) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := v.feed.Leave(ctx, v.roomID, v.peerID); err != nil && v.log != nil {
		v.log.Warnf("leave presence: %v", err)
	}
}

// Callbacks returns the orchestrator outputs feeding this viewer.
func (v *Viewer) Callbacks() mesh.Callbacks {
	return mesh.Callbacks{
		OnRemoteStream: func(peerID string, stream *media.RemoteStream) {
			v.update(peerID, func(p *PeerView) {
				p.HasStream = stream != nil
			})
			if stream == nil {
				v.logf("stream from %s ended", peerID)
			} else {
				v.logf("receiving %d tracks from %s", len(stream.Tracks), peerID)
			}
		},
		OnConnectionState: func(peerID string, state domain.ConnectionState) {
			v.update(peerID, func(p *PeerView) { p.State = state })
			v.logf("%s: %s", peerID, state)
		},
		OnTrackState: func(peerID string, state domain.TrackState) {
			v.update(peerID, func(p *PeerView) { p.Track = state })
			v.logf("%s video %s", peerID, state)
		},
		OnError: func(err error) {
			if v.log != nil {
				v.log.Warnf("%v", err)
			}
		},
	}
}

// Peers returns the current views sorted by peer ID.
func (v *Viewer) Peers() []PeerView {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]PeerView, 0, len(v.peers))
	for _, p := range v.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PeerView) int {
		return strings.Compare(a.PeerID, b.PeerID)
	})
	return out
}

// prune forgets players that left the room.
func (v *Viewer) prune(present []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for peerID := range v.peers {
		if !slices.Contains(present, peerID) {
			delete(v.peers, peerID)
		}
	}
}

func (v *Viewer) update(peerID string, fn func(*PeerView)) {
	v.mu.Lock()
	p, ok := v.peers[peerID]
	if !ok {
		p = &PeerView{PeerID: peerID, State: domain.ConnectionNew, Track: domain.TrackAbsent}
		v.peers[peerID] = p
	}
	fn(p)
	view := *p
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange(view)
	}
}

func (v *Viewer) logf(format string, args ...any) {
	if v.log != nil {
		v.log.Infof(format, args...)
	}
}
