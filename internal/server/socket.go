package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/broker"
)

const (
	EventJoinRoom  = "joinRoom"
	EventLeaveRoom = "leaveRoom"
	EventError     = "error"

	sendBuffer = 32
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socketConn is one live-tracking connection. Each joined room delivers its
// broadcasts through Send; a slow reader loses messages instead of stalling
// the broker.
type socketConn struct {
	id     string
	ws     *websocket.Conn
	send   chan broker.Message
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *socketConn) ID() string { return c.id }

func (c *socketConn) Send(m broker.Message) error {
	select {
	case <-c.done:
		return broker.ErrClosed
	default:
	}
	select {
	case c.send <- m:
	default:
		c.logger.Warn("socket send buffer full, dropping message",
			zap.String("conn", c.id), zap.String("event", m.Event))
	}
	return nil
}

// shutdown tells the client the server is going away, then closes the socket.
func (c *socketConn) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

func (c *socketConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// socketSet holds the open sockets. Hijacked connections are invisible to
// http.Server.Shutdown, so they are closed from here.
type socketSet struct {
	mu     sync.Mutex
	conns  map[string]*socketConn
	closed bool
}

// add reports false once the set is closed.
func (s *socketSet) add(c *socketConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[string]*socketConn)
	}
	s.conns[c.id] = c
	return true
}

func (s *socketSet) remove(c *socketConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *socketSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *socketSet) closeAll() int {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	return len(conns)
}

// CloseSockets closes every live socket and refuses new ones.
func (s *Server) CloseSockets() {
	if n := s.sockets.closeAll(); n > 0 {
		s.logger.Info("closed live sockets", zap.Int("count", n))
	}
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &socketConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan broker.Message, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	if !s.sockets.add(c) {
		c.shutdown()
		return
	}
	s.logger.Info("socket connected", zap.String("conn", c.id))

	go s.writePump(c)
	s.readPump(c)

	s.broker.LeaveAll(c)
	s.sockets.remove(c)
	c.close()
	s.logger.Info("socket disconnected", zap.String("conn", c.id))
}

func (s *Server) readPump(c *socketConn) {
	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("socket read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *socketConn, msg inbound) {
	var trackingNumber string
	if msg.Event == EventJoinRoom || msg.Event == EventLeaveRoom {
		if err := json.Unmarshal(msg.Data, &trackingNumber); err != nil || strings.TrimSpace(trackingNumber) == "" {
			_ = c.Send(broker.Message{Event: EventError, Data: "room name must be a non-empty string"})
			return
		}
		trackingNumber = strings.ToUpper(strings.TrimSpace(trackingNumber))
	}

	switch msg.Event {
	case EventJoinRoom:
		if err := s.broker.Join(trackingNumber, c); err != nil {
			_ = c.Send(broker.Message{Event: EventError, Data: err.Error()})
			return
		}
		s.logger.Debug("joined room", zap.String("conn", c.id), zap.String("room", trackingNumber))
	case EventLeaveRoom:
		s.broker.Leave(trackingNumber, c)
	default:
		_ = c.Send(broker.Message{Event: EventError, Data: "unknown event " + msg.Event})
	}
}

func (s *Server) writePump(c *socketConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				s.logger.Warn("socket write failed", zap.String("conn", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
