package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sign-bridge/callkit/shared"
)

// RedisStore keeps room metadata as JSON values, membership as sets and the
// signal log as a sorted set scored by unix milliseconds. Everything carries
// the room TTL so abandoned rooms expire on their own.
type RedisStore struct {
	client    *redis.Client
	roomTTL   time.Duration
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(cfg RedisConfig, roomTTL, retention time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{client: client, roomTTL: roomTTL, retention: retention}, nil
}

func roomKey(id string) string    { return "room:" + id }
func codeKey(code string) string  { return "code:" + code }
func peersKey(id string) string   { return "room:" + id + ":peers" }
func signalsKey(id string) string { return "room:" + id + ":signals" }

func (s *RedisStore) CreateRoom(ctx context.Context, room *Room) error {
	data, err := sonic.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}
	if err := s.client.Set(ctx, roomKey(room.ID), data, s.roomTTL).Err(); err != nil {
		return fmt.Errorf("storing room: %w", err)
	}
	if err := s.client.Set(ctx, codeKey(room.Code), room.ID, s.roomTTL).Err(); err != nil {
		return fmt.Errorf("storing room code: %w", err)
	}
	return nil
}

func (s *RedisStore) RoomByKey(ctx context.Context, key string) (*Room, error) {
	roomID := key
	if len(key) == roomCodeLength {
		id, err := s.client.Get(ctx, codeKey(key)).Result()
		switch {
		case errors.Is(err, redis.Nil):
			return nil, shared.ErrRoomNotFound
		case err != nil:
			return nil, fmt.Errorf("resolving room code: %w", err)
		}
		roomID = id
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, shared.ErrRoomNotFound
	case err != nil:
		return nil, fmt.Errorf("loading room: %w", err)
	}

	room := new(Room)
	if err := sonic.Unmarshal(data, room); err != nil {
		return nil, fmt.Errorf("decoding room: %w", err)
	}
	participants, err := s.Participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.Participants = participants
	return room, nil
}

func (s *RedisStore) AddParticipant(ctx context.Context, roomID, participantID string) error {
	if err := s.client.SAdd(ctx, peersKey(roomID), participantID).Err(); err != nil {
		return fmt.Errorf("adding participant: %w", err)
	}
	return s.client.Expire(ctx, peersKey(roomID), s.roomTTL).Err()
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	return s.client.SRem(ctx, peersKey(roomID), participantID).Err()
}

func (s *RedisStore) Participants(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return members, nil
}

func (s *RedisStore) AppendSignal(ctx context.Context, roomID string, at time.Time, blob []byte) error {
	key := signalsKey(roomID)
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: blob,
	}).Err(); err != nil {
		return fmt.Errorf("appending signal: %w", err)
	}
	// Trim entries older than the retention window and keep the key from
	// outliving the room.
	cutoff := at.Add(-s.retention).UnixMilli()
	s.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	return s.client.Expire(ctx, key, s.roomTTL).Err()
}

func (s *RedisStore) SignalsSince(ctx context.Context, roomID string, since time.Time) ([][]byte, error) {
	entries, err := s.client.ZRangeByScore(ctx, signalsKey(roomID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading signal log: %w", err)
	}
	blobs := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		blobs = append(blobs, []byte(entry))
	}
	return blobs, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
