package mesh

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/pion/logging"

	"tablecam/native/internal/domain"
	"tablecam/native/internal/media"
	"tablecam/native/internal/signal"
)

const (
	defaultWatchdogInterval     = 5 * time.Second
	defaultStuckThreshold       = 30 * time.Second
	defaultMaxReconnectAttempts = 3
	defaultReconnectCooldown    = 60 * time.Second
)

// Subscriber opens live signal queries. *signal.Transport implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID, localID string, h domain.SignalHandler) (*signal.Subscription, error)
}

// AdapterFactory builds the peer adapter of a new manager generation.
// events must be wired into the adapter unchanged.
type AdapterFactory func(localID, roomID string, events domain.PeerEvents) (domain.PeerAdapter, error)

// Callbacks are the outputs of an Orchestrator. They run on the
// orchestrator's loop and must not block.
type Callbacks struct {
	OnRemoteStream    func(peerID string, stream *media.RemoteStream)
	OnConnectionState func(peerID string, state domain.ConnectionState)
	OnTrackState      func(peerID string, state domain.TrackState)
	OnError           func(err error)
}

// Config configures an Orchestrator.
type Config struct {
	Transport  Subscriber
	NewAdapter AdapterFactory
	Callbacks  Callbacks

	// Coordinator is optional.
	Coordinator *Coordinator

	WatchdogInterval     time.Duration
	StuckThreshold       time.Duration
	MaxReconnectAttempts int
	ReconnectCooldown    time.Duration

	LoggerFactory logging.LoggerFactory
}

// Orchestrator keeps one healthy peer connection per desired remote peer.
//
// All state is owned by the goroutine running Run. The setters only queue
// work for it and may be called from any goroutine, before or after Run
// starts.
type Orchestrator struct {
	transport   Subscriber
	newAdapter  AdapterFactory
	cb          Callbacks
	coordinator *Coordinator
	interval    time.Duration
	threshold   time.Duration
	maxAttempts int
	cooldown    time.Duration
	now         func() time.Time
	log         logging.LeveledLogger

	qmu     sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}

	// Owned by the loop.
	ctx           context.Context
	localID       string
	roomID        string
	presenceReady bool
	desired       []string
	local         *media.Stream
	sub           *signal.Subscription
	subGen        int
	subPending    bool
	subReady      bool
	release       func()
	mgr           *manager
	generation    int
	pending       []domain.Envelope
	lastErr       error
}

// New creates an idle orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		transport:   cfg.Transport,
		newAdapter:  cfg.NewAdapter,
		cb:          cfg.Callbacks,
		coordinator: cfg.Coordinator,
		interval:    cfg.WatchdogInterval,
		threshold:   cfg.StuckThreshold,
		maxAttempts: cfg.MaxReconnectAttempts,
		cooldown:    cfg.ReconnectCooldown,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if o.interval == 0 {
		o.interval = defaultWatchdogInterval
	}
	if o.threshold == 0 {
		o.threshold = defaultStuckThreshold
	}
	if o.maxAttempts == 0 {
		o.maxAttempts = defaultMaxReconnectAttempts
	}
	if o.cooldown == 0 {
		o.cooldown = defaultReconnectCooldown
	}
	if cfg.LoggerFactory != nil {
		o.log = cfg.LoggerFactory.NewLogger("mesh")
	}
	return o
}

// Run processes inputs and watchdog ticks until ctx is done, then tears
// everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer close(o.done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logf("orchestrator running")

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-o.wake:
			o.drain()
		case <-ticker.C:
			o.tick(o.now())
		}
	}
}

// tick retries a subscription that was lost or never established, then
// runs the watchdog.
func (o *Orchestrator) tick(now time.Time) {
	if o.sub == nil && !o.subPending {
		o.evaluate()
	}
	o.watchdog(now)
}

// SetIdentity sets the local peer ID and room. Changing either tears down
// the current manager and subscription.
func (o *Orchestrator) SetIdentity(localID, roomID string) {
	o.post(func() {
		if localID == o.localID && roomID == o.roomID {
			return
		}
		o.logf("identity %q in room %q", localID, roomID)
		o.destroyManager()
		o.closeSubscription()
		o.localID = localID
		o.roomID = roomID
		o.desired = normalizePeers(o.desired, localID)
		o.evaluate()
	})
}

// SetPresenceReady gates startup on the presence feed having confirmed
// the local peer.
func (o *Orchestrator) SetPresenceReady(ready bool) {
	o.post(func() {
		if ready == o.presenceReady {
			return
		}
		o.presenceReady = ready
		o.evaluate()
	})
}

// SetRemotePeers replaces the desired set. Sets equal by value to the
// current one are ignored.
func (o *Orchestrator) SetRemotePeers(peers []string) {
	peers = slices.Clone(peers)
	o.post(func() {
		next := normalizePeers(peers, o.localID)
		if slices.Equal(next, o.desired) {
			return
		}
		o.desired = next
		if o.mgr != nil {
			o.closeUndesired(o.mgr)
		}
		o.evaluate()
	})
}

// SetLocalStream replaces the local media on every peer. A nil stream
// stops outgoing media.
func (o *Orchestrator) SetLocalStream(stream *media.Stream) {
	o.post(func() {
		if stream == o.local {
			return
		}
		o.local = stream
		if o.mgr != nil {
			o.mgr.adapter.SetLocalStream(stream)
		}
		o.evaluate()
	})
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// post queues fn for the loop. It never blocks; work posted after Run
// returned is dropped.
func (o *Orchestrator) post(fn func()) {
	o.qmu.Lock()
	if o.stopped {
		o.qmu.Unlock()
		return
	}
	o.queue = append(o.queue, fn)
	o.qmu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// call runs fn on the loop and waits for it. It reports false if the loop
// has stopped.
func (o *Orchestrator) call(fn func()) bool {
	ran := make(chan struct{})
	o.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) drain() {
	for {
		o.qmu.Lock()
		if len(o.queue) == 0 {
			o.qmu.Unlock()
			return
		}
		batch := o.queue
		o.queue = nil
		o.qmu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.qmu.Lock()
	o.stopped = true
	o.queue = nil
	o.qmu.Unlock()

	o.destroyManager()
	o.closeSubscription()
	o.logf("orchestrator stopped")
}

// evaluate brings the subscription and manager in line with the inputs.
func (o *Orchestrator) evaluate() {
	known := o.localID != "" && o.roomID != ""
	if !known {
		return
	}
	if o.sub == nil && !o.subPending {
		o.subscribe()
	}

	if !o.presenceReady || !o.subReady {
		o.destroyManager()
		return
	}

	if o.mgr == nil && !o.createManager() {
		return
	}
	o.reconcile(o.mgr)
	o.replayPending()
}

func (o *Orchestrator) subscribe() {
	if o.coordinator != nil {
		release, err := o.coordinator.Claim(o.roomID, o.localID)
		if err != nil {
			o.reportError(err)
			return
		}
		o.release = release
	} else {
		o.release = func() {}
	}

	o.subGen++
	o.subPending = true
	gen := o.subGen
	roomID, localID := o.roomID, o.localID
	h := &subscriptionHandler{o: o, gen: gen}

	go func() {
		sub, err := o.transport.Subscribe(o.ctx, roomID, localID, h)
		o.post(func() {
			if gen != o.subGen {
				if sub != nil {
					go sub.Close()
				}
				return
			}
			o.subPending = false
			if err != nil {
				o.reportError(err)
				o.releaseClaim()
				return
			}
			o.sub = sub
			o.logf("subscribed to room %s as %s", roomID, localID)
		})
	}()
}

func (o *Orchestrator) closeSubscription() {
	o.subGen++
	o.subPending = false
	o.subReady = false
	o.pending = nil
	if o.sub != nil {
		sub := o.sub
		o.sub = nil
		// Close waits for the delivery goroutine, which posts to this loop.
		go sub.Close()
	}
	o.releaseClaim()
}

func (o *Orchestrator) releaseClaim() {
	if o.release != nil {
		o.release()
		o.release = nil
	}
}

// subscriptionHandler forwards one subscription's callbacks to the loop,
// dropping them once the subscription has been replaced.
type subscriptionHandler struct {
	o   *Orchestrator
	gen int
}

func (h *subscriptionHandler) OnSignal(env domain.Envelope) {
	h.o.post(func() {
		if h.gen == h.o.subGen {
			h.o.onSignal(env)
		}
	})
}

func (h *subscriptionHandler) OnInitialized() {
	h.o.post(func() {
		if h.gen != h.o.subGen {
			return
		}
		h.o.logf("signal subscription initialized")
		h.o.subReady = true
		h.o.evaluate()
	})
}

func (h *subscriptionHandler) OnError(err error) {
	h.o.post(func() {
		if h.gen != h.o.subGen {
			return
		}
		if errors.Is(err, domain.ErrClosed) {
			// The store stopped delivering. Signaling restarts from a new
			// subscription on the next tick.
			h.o.logf("signal subscription lost")
			h.o.closeSubscription()
			h.o.destroyManager()
		}
		h.o.reportError(err)
	})
}

// onSignal buffers the envelope until a manager with local media exists,
// then hands it to the peer's worker.
func (o *Orchestrator) onSignal(env domain.Envelope) {
	if env.From == o.localID {
		return
	}
	if o.mgr == nil || o.local == nil {
		if o.log != nil {
			o.log.Debugf("buffering %s from %s", env.Type, env.From)
		}
		o.pending = append(o.pending, env)
		return
	}
	o.dispatch(o.mgr, env)
}

// replayPending dispatches the buffered envelopes in arrival order. The
// queue is detached before the first dispatch.
func (o *Orchestrator) replayPending() {
	if o.mgr == nil || o.local == nil || len(o.pending) == 0 {
		return
	}
	queued := o.pending
	o.pending = nil

	o.logf("replaying %d buffered signals", len(queued))
	for _, env := range queued {
		o.dispatch(o.mgr, env)
	}
}

func (o *Orchestrator) reportError(err error) {
	if err == nil {
		return
	}
	if o.log != nil {
		o.log.Warnf("%v", err)
	}
	o.lastErr = err
	if o.cb.OnError != nil {
		o.cb.OnError(err)
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.log != nil {
		o.log.Infof(format, args...)
	}
}

// normalizePeers sorts and deduplicates peers, dropping empty IDs and self.
func normalizePeers(peers []string, self string) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != "" && p != self {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
