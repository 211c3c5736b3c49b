package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 16 << 10
	sendBufferSize = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// Socket wraps one websocket connection. All writes go through a single
// writer goroutine.
type Socket struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Upgrade switches the request to the websocket protocol. buffer bounds the
// frames queued for the writer.
func Upgrade(w http.ResponseWriter, r *http.Request, buffer int) (*Socket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = sendBufferSize
	}
	return &Socket{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}, nil
}

// Send queues frame for the writer. A full buffer drops the frame.
func (s *Socket) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Serve registers the socket with the router and pumps frames until the peer
// goes away or ctx is cancelled.
func (s *Socket) Serve(ctx context.Context, router *Router, userID string, admin bool) {
	id := router.Register(userID, admin, s)
	defer func() {
		router.Unregister(id)
		_ = s.Close()
	}()

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		router.Touch(id)
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read", "socket", id, "user", userID, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		router.Handle(ctx, id, frame)
	}
}

func (s *Socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
