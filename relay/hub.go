package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 54 * time.Second
	hubSendBuffer = 256
)

// frame is the websocket envelope both directions. path is "broadcast" for
// live fan-out and "stored" for durable-log insert notifications.
type frame struct {
	RoomID string          `json:"room_id,omitempty"`
	Path   string          `json:"path"`
	Signal json.RawMessage `json:"signal"`
}

const (
	pathBroadcast = "broadcast"
	pathStored    = "stored"
)

// Hub owns the live websocket connections, one client set per room. The
// durable log is the Store's business; the hub only moves frames.
type Hub struct {
	logger shared.LoggerAdapter

	mu    sync.RWMutex
	rooms map[string]map[*hubClient]struct{}

	// onBroadcast is invoked for every broadcast frame a client sends,
	// after fan-out. The server uses it to mirror the live path into the
	// durable log.
	onBroadcast func(roomID string, blob []byte)
}

type hubClient struct {
	hub           *Hub
	roomID        string
	participantID string
	conn          *websocket.Conn
	send          chan []byte
	onClose       func()
	closeOnce     sync.Once
}

func NewHub(logger shared.LoggerAdapter) *Hub {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*hubClient]struct{}),
	}
}

func (h *Hub) SetBroadcastHook(hook func(roomID string, blob []byte)) {
	h.onBroadcast = hook
}

// Join registers a freshly upgraded connection and starts its pumps.
// onClose fires exactly once when the connection goes away.
func (h *Hub) Join(roomID, participantID string, conn *websocket.Conn, onClose func()) {
	client := &hubClient{
		hub:           h,
		roomID:        roomID,
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, hubSendBuffer),
		onClose:       onClose,
	}

	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*hubClient]struct{})
	}
	h.rooms[roomID][client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info(
		"participant connected",
		zap.String("room", roomID),
		zap.String("participant", participantID),
	)

	go client.writePump()
	go client.readPump()
}

// RoomSize reports the number of live connections in the room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast fans a frame out to every connection in the room except the
// one identified by excludeParticipant (empty string excludes nobody).
func (h *Hub) Broadcast(roomID, path string, blob []byte, excludeParticipant string) {
	data, err := sonic.Marshal(frame{Path: path, Signal: json.RawMessage(blob)})
	if err != nil {
		h.logger.Error("encoding hub frame", err, zap.String("room", roomID))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[roomID] {
		if excludeParticipant != "" && client.participantID == excludeParticipant {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn(
				"send buffer full, dropping frame",
				zap.String("room", roomID),
				zap.String("participant", client.participantID),
			)
		}
	}
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	if clients, ok := h.rooms[client.roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.roomID)
		}
	}
	h.mu.Unlock()
	client.closeOnce.Do(func() {
		if client.onClose != nil {
			client.onClose()
		}
	})
}

// Close drops every connection. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var clients []*hubClient
	for _, room := range h.rooms {
		for client := range room {
			clients = append(clients, client)
		}
	}
	h.rooms = make(map[string]map[*hubClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
		client.closeOnce.Do(func() {
			if client.onClose != nil {
				client.onClose()
			}
		})
	}
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.logger.Info(
			"participant disconnected",
			zap.String("room", c.roomID),
			zap.String("participant", c.participantID),
		)
	}()

	c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", zap.String("room", c.roomID), zap.Error(err))
			}
			return
		}

		var env frame
		if err := sonic.Unmarshal(message, &env); err != nil {
			c.hub.logger.Warn("malformed frame", zap.String("room", c.roomID), zap.Error(err))
			continue
		}
		if env.Path != pathBroadcast || len(env.Signal) == 0 {
			continue
		}

		c.hub.Broadcast(c.roomID, pathBroadcast, env.Signal, c.participantID)
		if c.hub.onBroadcast != nil {
			c.hub.onBroadcast(c.roomID, env.Signal)
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write failed", zap.String("room", c.roomID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
