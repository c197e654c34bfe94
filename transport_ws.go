package callkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// WSBroadcaster is the websocket client for the relay's broadcast path.
// One connection per subscribed room; the relay pushes both live broadcasts
// and durable-log insert notifications down the same socket.
type WSBroadcaster struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	token   string
	dialer  *websocket.Dialer

	mu     sync.Mutex
	rooms  map[string]*wsRoom
	closed bool
}

var _ Broadcaster = (*WSBroadcaster)(nil)

type wsRoom struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewWSBroadcaster(baseURL, token string, logger shared.LoggerAdapter) (*WSBroadcaster, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay URL: %w", err)
	}
	return &WSBroadcaster{
		logger:  logger,
		baseURL: parsed,
		token:   token,
		dialer:  websocket.DefaultDialer,
		rooms:   make(map[string]*wsRoom),
	}, nil
}

func (b *WSBroadcaster) Listen(ctx context.Context, roomID string, handler SignalHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, shared.ErrTransportClosed
	}
	if _, ok := b.rooms[roomID]; ok {
		return nil, fmt.Errorf("already subscribed to room %s", roomID)
	}

	endpoint := b.baseURL.JoinPath("/ws/rooms/", roomID)
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	if b.token != "" {
		q := endpoint.Query()
		q.Set("token", b.token)
		endpoint.RawQuery = q.Encode()
	}

	conn, _, err := b.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay websocket: %w", err)
	}

	room := &wsRoom{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	b.rooms[roomID] = room

	go b.readPump(roomID, room, handler)
	go b.writePump(roomID, room)

	return func() { b.drop(roomID, room) }, nil
}

func (b *WSBroadcaster) Publish(_ context.Context, roomID string, sig *Signal) error {
	b.mu.Lock()
	room, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("not subscribed to room %s", roomID)
	}

	blob, err := sig.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	frame, err := sonic.Marshal(map[string]any{
		"room_id": roomID,
		"path":    "broadcast",
		"signal":  json.RawMessage(blob),
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	select {
	case room.send <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full for room %s", roomID)
	}
}

func (b *WSBroadcaster) readPump(roomID string, room *wsRoom, handler SignalHandler) {
	defer b.drop(roomID, room)

	room.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	room.conn.SetPongHandler(func(string) error {
		room.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := room.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("relay websocket read failed", zap.String("room", roomID), zap.Error(err))
			}
			return
		}

		var env struct {
			Path   string          `json:"path"`
			Signal json.RawMessage `json:"signal"`
		}
		if err := sonic.Unmarshal(message, &env); err != nil {
			b.logger.Warn("malformed relay frame", zap.String("room", roomID), zap.Error(err))
			continue
		}
		sig := new(Signal)
		if err := sig.UnmarshalJSON(env.Signal); err != nil {
			b.logger.Warn("malformed signal in relay frame", zap.String("room", roomID), zap.Error(err))
			continue
		}
		handler(sig)
	}
}

func (b *WSBroadcaster) writePump(roomID string, room *wsRoom) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		room.conn.Close()
	}()

	for {
		select {
		case <-room.done:
			room.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			room.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-room.send:
			room.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := room.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				b.logger.Warn("relay websocket write failed", zap.String("room", roomID), zap.Error(err))
				return
			}
		case <-ticker.C:
			room.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := room.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *WSBroadcaster) drop(roomID string, room *wsRoom) {
	room.once.Do(func() { close(room.done) })
	b.mu.Lock()
	if current, ok := b.rooms[roomID]; ok && current == room {
		delete(b.rooms, roomID)
	}
	b.mu.Unlock()
}

func (b *WSBroadcaster) Close() error {
	b.mu.Lock()
	rooms := make(map[string]*wsRoom, len(b.rooms))
	for id, room := range b.rooms {
		rooms[id] = room
	}
	b.closed = true
	b.mu.Unlock()

	for id, room := range rooms {
		b.drop(id, room)
	}
	return nil
}
