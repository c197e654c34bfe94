package relay

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Room is the relay-side room record. Participants is filled from the live
// membership set on reads.
type Room struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	CreatorID    string    `json:"creator_id"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
}

// Store persists rooms, their membership and the durable signal log.
// Signals are opaque JSON blobs; the relay never needs to look inside.
type Store interface {
	CreateRoom(ctx context.Context, room *Room) error
	// RoomByKey resolves a room by join code or by id. Returns
	// shared.ErrRoomNotFound when neither matches.
	RoomByKey(ctx context.Context, key string) (*Room, error)
	AddParticipant(ctx context.Context, roomID, participantID string) error
	RemoveParticipant(ctx context.Context, roomID, participantID string) error
	Participants(ctx context.Context, roomID string) ([]string, error)

	AppendSignal(ctx context.Context, roomID string, at time.Time, blob []byte) error
	// SignalsSince returns logged blobs with timestamps at or after since,
	// oldest first.
	SignalsSince(ctx context.Context, roomID string, since time.Time) ([][]byte, error)

	Close() error
}

const (
	roomCodeLength = 6
	// No ambiguous characters; codes are read aloud over a call.
	roomCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeChars))))
		code[i] = roomCodeChars[n.Int64()]
	}
	return string(code)
}
