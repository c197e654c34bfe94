package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the relay HTTP surface: room management, the durable signal
// log, and the websocket broadcast endpoint.
type Server struct {
	logger shared.LoggerAdapter
	cfg    Config
	store  Store
	hub    *Hub

	engine *gin.Engine
	http   *http.Server
}

func NewServer(cfg Config, store Store, logger shared.LoggerAdapter) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		logger: logger,
		cfg:    cfg,
		store:  store,
		hub:    NewHub(logger),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())

	// Frames broadcast over the websocket are mirrored into the durable
	// log. Clients append over REST too; the log keys on the blob, and the
	// engine deduplicates on read anyway.
	s.hub.SetBroadcastHook(func(roomID string, blob []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.AppendSignal(ctx, roomID, time.Now(), blob); err != nil {
			s.logger.Warn("mirroring broadcast to log failed", zap.String("room", roomID), zap.Error(err))
		}
	})

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.POST("/auth/tokens", s.issueToken)

	auth := JWTAuth(s.cfg.JWTSecret)
	s.engine.POST("/rooms", auth, s.createRoom)
	s.engine.GET("/rooms/:roomKey", s.getRoom)
	s.engine.POST("/rooms/:roomKey/signals", auth, s.appendSignal)
	s.engine.GET("/rooms/:roomKey/signals", auth, s.listSignals)
	s.engine.GET("/ws/rooms/:roomKey", auth, s.handleWebsocket)
}

// Router exposes the gin engine for httptest-based tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errC := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// issueToken is the demo login endpoint. Real deployments use the external
// identity service and disable this route at the proxy.
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id is required"})
		return
	}
	token, err := IssueToken(s.cfg.JWTSecret, req.ParticipantID, s.cfg.RoomTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) createRoom(c *gin.Context) {
	creatorID := c.GetString(participantIDKey)
	room := &Room{
		ID:        uuid.NewString(),
		Code:      generateRoomCode(),
		CreatorID: creatorID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateRoom(c.Request.Context(), room); err != nil {
		s.logger.Error("creating room failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	s.logger.Info("room created", zap.String("room", room.ID), zap.String("code", room.Code))
	c.JSON(http.StatusCreated, gin.H{"id": room.ID, "code": room.Code})
}

func (s *Server) getRoom(c *gin.Context) {
	room, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *Server) appendSignal(c *gin.Context) {
	room, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	blob, err := c.GetRawData()
	if err != nil || !sonic.Valid(blob) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON signal"})
		return
	}

	if err := s.store.AppendSignal(c.Request.Context(), room.ID, time.Now(), blob); err != nil {
		s.logger.Error("appending signal failed", err, zap.String("room", room.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store signal"})
		return
	}

	// Durable-log insert notification down the live path. Receivers that
	// already saw the broadcast copy drop this one by dedup key.
	s.hub.Broadcast(room.ID, pathStored, blob, "")
	c.Status(http.StatusCreated)
}

func (s *Server) listSignals(c *gin.Context) {
	room, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	since := time.Time{}
	if raw := c.Query("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be unix milliseconds"})
			return
		}
		since = time.UnixMilli(ms)
	}

	blobs, err := s.store.SignalsSince(c.Request.Context(), room.ID, since)
	if err != nil {
		s.logger.Error("reading signal log failed", err, zap.String("room", room.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read signals"})
		return
	}
	out := make([]json.RawMessage, 0, len(blobs))
	for _, blob := range blobs {
		out = append(out, json.RawMessage(blob))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	room, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	participantID := c.GetString(participantIDKey)

	// Capacity is enforced at connect time: live connections plus the
	// membership set, because a participant may reconnect.
	if s.hub.RoomSize(room.ID) >= s.cfg.MaxParticipants && !contains(room.Participants, participantID) {
		c.JSON(http.StatusConflict, gin.H{"error": shared.ErrRoomFull.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", err, zap.String("room", room.ID))
		return
	}

	if err := s.store.AddParticipant(c.Request.Context(), room.ID, participantID); err != nil {
		s.logger.Warn("recording participant failed", zap.String("room", room.ID), zap.Error(err))
	}

	roomID := room.ID
	s.hub.Join(roomID, participantID, conn, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.RemoveParticipant(ctx, roomID, participantID); err != nil {
			s.logger.Warn("removing participant failed", zap.String("room", roomID), zap.Error(err))
		}
	})
}

func (s *Server) resolveRoom(c *gin.Context) (*Room, bool) {
	room, err := s.store.RoomByKey(c.Request.Context(), c.Param("roomKey"))
	switch {
	case errors.Is(err, shared.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return nil, false
	case err != nil:
		s.logger.Error("resolving room failed", err, zap.String("key", c.Param("roomKey")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return nil, false
	}
	return room, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
