package signal

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"

	"tablecam/native/internal/domain"
)

// Transport delivers signaling envelopes between the peers of a room
// through a Store.
type Transport struct {
	store    Store
	lookback time.Duration
	now      func() time.Time
	log      logging.LeveledLogger
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	Store Store

	// Lookback sets the advisory low-water mark of subscriptions: records
	// older than subscription start minus Lookback are not queried. Zero
	// queries the whole room.
	Lookback time.Duration

	LoggerFactory logging.LoggerFactory
}

// NewTransport creates a transport over cfg.Store.
func NewTransport(cfg TransportConfig) *Transport {
	t := &Transport{
		store:    cfg.Store,
		lookback: cfg.Lookback,
		now:      time.Now,
	}
	if cfg.LoggerFactory != nil {
		t.log = cfg.LoggerFactory.NewLogger("signal")
	}
	return t
}

// Send validates env and persists it. Validation failures are returned as
// *domain.ValidationError before the store is touched; store failures as
// *domain.TransportError.
func (t *Transport) Send(ctx context.Context, env domain.Envelope) error {
	rec, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	stored, err := t.store.Insert(ctx, rec)
	if err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}

	if t.log != nil {
		t.log.Debugf("sent %s %s -> %s (%s)", env.Type, env.From, stringOrBroadcast(rec.ToUserID), stored.ID)
	}
	return nil
}

// Subscribe starts a live query for the envelopes addressed to localID in
// roomID and feeds them to h in createdAt order, each at most once.
func (t *Transport) Subscribe(ctx context.Context, roomID, localID string, h domain.SignalHandler) (*Subscription, error) {
	q := Query{RoomID: roomID, UserID: localID}
	if t.lookback > 0 {
		q.Since = t.now().Add(-t.lookback).UnixMilli()
	}

	ctx, cancel := context.WithCancel(ctx)
	results, err := t.store.Watch(ctx, q)
	if err != nil {
		cancel()
		return nil, &domain.TransportError{Op: "subscribe", Err: err}
	}

	sub := &Subscription{
		ctx:         ctx,
		handler:     h,
		log:         t.log,
		cancel:      cancel,
		seen:        make(map[string]struct{}),
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go sub.run(results)
	return sub, nil
}

// Subscription is one live signaling query. It deduplicates records by
// their store-assigned ID.
type Subscription struct {
	ctx     context.Context
	handler domain.SignalHandler
	log     logging.LeveledLogger
	cancel  context.CancelFunc

	mu   sync.Mutex
	seen map[string]struct{}

	initialized chan struct{}
	initOnce    sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

// Initialized is closed once the first result set, possibly empty, has
// been received.
func (s *Subscription) Initialized() <-chan struct{} {
	return s.initialized
}

// Done is closed when the subscription stops delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and clears its dedup state. No handler
// call happens after Close returns.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		s.mu.Lock()
		s.seen = make(map[string]struct{})
		s.mu.Unlock()
	})
}

// Seen reports how many distinct records have been processed.
func (s *Subscription) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *Subscription) run(results <-chan Result) {
	defer close(s.done)

	for res := range results {
		if res.Err != nil {
			if s.log != nil {
				s.log.Warnf("subscription error: %v", res.Err)
			}
			s.handler.OnError(&domain.TransportError{Op: "subscribe", Err: res.Err})
			continue
		}

		s.initOnce.Do(func() {
			close(s.initialized)
			s.handler.OnInitialized()
		})

		for _, rec := range res.Records {
			if s.ctx.Err() != nil {
				break
			}
			if !s.markSeen(rec.ID) {
				continue
			}

			env, err := DecodeRecord(rec)
			if err != nil {
				// Still marked seen so a malformed record is reported once.
				if s.log != nil {
					s.log.Warnf("dropping record %s: %v", rec.ID, err)
				}
				s.handler.OnError(err)
				continue
			}
			s.handler.OnSignal(env)
		}
	}

	if s.ctx.Err() == nil {
		s.handler.OnError(&domain.TransportError{Op: "subscribe", Err: domain.ErrClosed})
	}
}

// markSeen records id and reports whether it was new.
func (s *Subscription) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}
