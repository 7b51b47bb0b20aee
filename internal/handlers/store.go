package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"tablecam/native/internal/middleware"
	"tablecam/native/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	insertTimeout  = 10 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// StoreServer serves a signal.Store over the websocket store protocol.
// Each authenticated connection may only insert records it sends and only
// watch records addressed to itself.
type StoreServer struct {
	store signal.Store
	log   logging.LeveledLogger
}

// NewStoreServer creates a handler serving store.
func NewStoreServer(store signal.Store, lf logging.LoggerFactory) *StoreServer {
	s := &StoreServer{store: store}
	if lf != nil {
		s.log = lf.NewLogger("server")
	}
	return s
}

// Handle upgrades the request and serves one client. It must run behind
// middleware.JWTAuth.
func (s *StoreServer) Handle(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("failed to upgrade connection: %v", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &storeClient{
		server:  s,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
	}

	if s.log != nil {
		s.log.Infof("store client %s connected", userID)
	}

	go client.writePump()
	go client.readPump()
}

// storeClient is one websocket connection.
type storeClient struct {
	server *StoreServer
	userID string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

func (c *storeClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		if c.server.log != nil {
			c.server.log.Infof("store client %s disconnected", c.userID)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && c.server.log != nil {
				c.server.log.Warnf("websocket error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg signal.StoreMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.replyError("", errors.New("malformed message"))
			continue
		}

		switch msg.Method {
		case signal.MethodInsert:
			c.insert(msg)
		case signal.MethodWatch:
			c.watch(msg)
		case signal.MethodUnwatch:
			c.unwatch(msg.RequestID)
		default:
			c.replyError(msg.RequestID, errors.New("unknown method "+msg.Method))
		}
	}
}

func (c *storeClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if c.server.log != nil {
					c.server.log.Warnf("failed to write message: %v", err)
				}
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// insert stores a record sent by the authenticated user.
func (c *storeClient) insert(msg signal.StoreMessage) {
	if msg.Record == nil {
		c.replyError(msg.RequestID, errors.New("insert without record"))
		return
	}
	rec := *msg.Record
	if rec.FromUserID != c.userID {
		c.replyError(msg.RequestID, errors.New("record sender does not match token"))
		return
	}
	if _, err := signal.DecodeRecord(rec); err != nil {
		c.replyError(msg.RequestID, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, insertTimeout)
	defer cancel()

	stored, err := c.server.store.Insert(ctx, rec)
	if err != nil {
		if c.server.log != nil {
			c.server.log.Warnf("insert from %s: %v", c.userID, err)
		}
		c.replyError(msg.RequestID, err)
		return
	}
	c.reply(signal.StoreMessage{Method: signal.MethodInsertResponse, RequestID: msg.RequestID, Record: &stored})
}

// watch starts a live query and pushes every result set as RESULT.
func (c *storeClient) watch(msg signal.StoreMessage) {
	if msg.Query == nil || msg.RequestID == "" {
		c.replyError(msg.RequestID, errors.New("watch needs a query and request id"))
		return
	}
	q := *msg.Query
	if q.UserID != c.userID {
		c.replyError(msg.RequestID, errors.New("query user does not match token"))
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	results, err := c.server.store.Watch(ctx, q)
	if err != nil {
		cancel()
		c.replyError(msg.RequestID, err)
		return
	}

	c.mu.Lock()
	if prev, ok := c.watches[msg.RequestID]; ok {
		prev()
	}
	c.watches[msg.RequestID] = cancel
	c.mu.Unlock()

	go func() {
		for res := range results {
			if res.Err != nil {
				c.replyError(msg.RequestID, res.Err)
				continue
			}
			c.reply(signal.StoreMessage{Method: signal.MethodResult, RequestID: msg.RequestID, Records: res.Records})
		}
	}()
}

func (c *storeClient) unwatch(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.watches[requestID]; ok {
		cancel()
		delete(c.watches, requestID)
	}
}

func (c *storeClient) replyError(requestID string, err error) {
	c.reply(signal.StoreMessage{Method: signal.MethodError, RequestID: requestID, Error: err.Error()})
}

func (c *storeClient) reply(msg signal.StoreMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		if c.server.log != nil {
			c.server.log.Warnf("failed to marshal %s: %v", msg.Method, err)
		}
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}
