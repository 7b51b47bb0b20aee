package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"tablecam/native/internal/domain"
)

// Compile-time interface check.
var _ Store = (*RemoteStore)(nil)

const (
	defaultPingInterval = 20 * time.Second
	writeWait           = 10 * time.Second
)

// RemoteStore is a Store served by the signal store server over a
// websocket. Inserts are request/response; watches are server pushes of
// full result sets.
type RemoteStore struct {
	url          string
	token        string
	pingInterval time.Duration
	log          logging.LeveledLogger

	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan StoreMessage
	watchers map[string]*remoteWatcher
	err      error

	closed    chan struct{}
	closeOnce sync.Once
}

type remoteWatcher struct {
	ctx context.Context
	out chan Result
}

// RemoteStoreConfig configures a RemoteStore.
type RemoteStoreConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws/store.
	URL string

	// Token is the JWT sent as a bearer token.
	Token string

	// PingInterval defaults to 20s.
	PingInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// NewRemoteStore creates an unconnected remote store client.
func NewRemoteStore(cfg RemoteStoreConfig) *RemoteStore {
	s := &RemoteStore{
		url:          cfg.URL,
		token:        cfg.Token,
		pingInterval: cfg.PingInterval,
		pending:      make(map[string]chan StoreMessage),
		watchers:     make(map[string]*remoteWatcher),
		closed:       make(chan struct{}),
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultPingInterval
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("store")
	}
	return s
}

// Connect dials the store websocket and starts the read loop.
func (s *RemoteStore) Connect(ctx context.Context) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	s.logf("connecting to %s", s.url)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (http %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	s.conn = conn

	go s.readLoop()
	go s.pingLoop()

	return nil
}

// Close shuts down the websocket connection and fails outstanding calls.
func (s *RemoteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
		s.fail(domain.ErrClosed)
	})
	return nil
}

// Insert sends rec to the server and waits for the stored copy.
func (s *RemoteStore) Insert(ctx context.Context, rec Record) (Record, error) {
	reqID := uuid.NewString()
	reply := make(chan StoreMessage, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return Record{}, err
	}
	s.pending[reqID] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	if err := s.sendJSON(StoreMessage{Method: MethodInsert, RequestID: reqID, Record: &rec}); err != nil {
		return Record{}, err
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return Record{}, errors.New(msg.Error)
		}
		if msg.Record == nil {
			return Record{}, fmt.Errorf("insert response without record")
		}
		return *msg.Record, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-s.closed:
		return Record{}, domain.ErrClosed
	}
}

// Watch registers a live query on the server.
func (s *RemoteStore) Watch(ctx context.Context, q Query) (<-chan Result, error) {
	reqID := uuid.NewString()
	w := &remoteWatcher{ctx: ctx, out: make(chan Result, 1)}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.watchers[reqID] = w
	s.mu.Unlock()

	if err := s.sendJSON(StoreMessage{Method: MethodWatch, RequestID: reqID, Query: &q}); err != nil {
		s.removeWatcher(reqID)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		if s.removeWatcher(reqID) {
			_ = s.sendJSON(StoreMessage{Method: MethodUnwatch, RequestID: reqID})
		}
	}()

	return w.out, nil
}

// removeWatcher unregisters and closes a watcher. It reports whether the
// watcher was still registered.
func (s *RemoteStore) removeWatcher(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watchers[reqID]
	if !ok {
		return false
	}
	delete(s.watchers, reqID)
	close(w.out)
	return true
}

func (s *RemoteStore) sendJSON(msg StoreMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Method, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("send %s: not connected", msg.Method)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Method, err)
	}
	return nil
}

func (s *RemoteStore) readLoop() {
	defer s.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if s.log != nil {
					s.log.Warnf("read error: %v", err)
				}
				s.fail(fmt.Errorf("store connection lost: %w", err))
			}
			return
		}

		var msg StoreMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if s.log != nil {
				s.log.Warnf("unmarshal error: %v", err)
			}
			continue
		}

		s.dispatch(msg)
	}
}

func (s *RemoteStore) dispatch(msg StoreMessage) {
	switch msg.Method {
	case MethodInsertResponse:
		s.mu.Lock()
		reply, ok := s.pending[msg.RequestID]
		s.mu.Unlock()
		if ok {
			reply <- msg
		}

	case MethodResult:
		s.mu.Lock()
		w, ok := s.watchers[msg.RequestID]
		if ok {
			// Delivered under the lock so removeWatcher cannot close out
			// concurrently; deliver never blocks on a buffer of one.
			s.deliverLocked(w, Result{Records: msg.Records})
		}
		s.mu.Unlock()

	case MethodError:
		s.mu.Lock()
		if reply, ok := s.pending[msg.RequestID]; ok {
			reply <- msg
		} else if w, ok := s.watchers[msg.RequestID]; ok {
			s.deliverLocked(w, Result{Err: errors.New(msg.Error)})
		}
		s.mu.Unlock()

	default:
		if s.log != nil {
			s.log.Debugf("unhandled method: %s", msg.Method)
		}
	}
}

// deliverLocked never blocks. An error that finds an unread snapshot is
// logged and dropped so the snapshot still reaches the watcher.
func (s *RemoteStore) deliverLocked(w *remoteWatcher, res Result) {
	if res.Err != nil {
		select {
		case w.out <- res:
		default:
			if s.log != nil {
				s.log.Warnf("watch error dropped behind unread records: %v", res.Err)
			}
		}
		return
	}

	select {
	case <-w.out:
	default:
	}
	select {
	case w.out <- res:
	default:
	}
}

// fail records a terminal error, reports it to watchers and closes them.
func (s *RemoteStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
	for reqID, w := range s.watchers {
		s.deliverLocked(w, Result{Err: err})
		close(w.out)
		delete(s.watchers, reqID)
	}
}

func (s *RemoteStore) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			s.writeMu.Unlock()
			if err != nil {
				select {
				case <-s.closed:
				default:
					if s.log != nil {
						s.log.Warnf("ping error: %v", err)
					}
				}
				return
			}
		}
	}
}

func (s *RemoteStore) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Infof(format, args...)
	}
}
