package mesh

import (
	"errors"
	"sync"
)

// ErrAlreadyClaimed is returned when another orchestrator holds the same
// room and identity.
var ErrAlreadyClaimed = errors.New("room identity already claimed")

// Coordinator is shared by every orchestrator of a process so that two of
// them never process signals for the same (room, identity) at once.
type Coordinator struct {
	mu     sync.Mutex
	claims map[claimKey]struct{}
}

type claimKey struct {
	roomID string
	peerID string
}

// NewCoordinator returns a coordinator with no claims.
func NewCoordinator() *Coordinator {
	return &Coordinator{claims: make(map[claimKey]struct{})}
}

// Claim reserves (roomID, peerID). The returned release func is safe to
// call more than once.
func (c *Coordinator) Claim(roomID, peerID string) (func(), error) {
	key := claimKey{roomID: roomID, peerID: peerID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claims[key]; ok {
		return nil, ErrAlreadyClaimed
	}
	c.claims[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.claims, key)
			c.mu.Unlock()
		})
	}, nil
}
