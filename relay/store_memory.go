package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sign-bridge/callkit/shared"
)

// MemoryStore is the in-process Store used by tests and single-node demos.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	codes   map[string]string
	peers   map[string]map[string]struct{}
	signals map[string][]loggedSignal
}

type loggedSignal struct {
	at   time.Time
	blob []byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]*Room),
		codes:   make(map[string]string),
		peers:   make(map[string]map[string]struct{}),
		signals: make(map[string][]loggedSignal),
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *room
	s.rooms[room.ID] = &clone
	s.codes[room.Code] = room.ID
	return nil
}

func (s *MemoryStore) RoomByKey(_ context.Context, key string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := key
	if id, ok := s.codes[key]; ok {
		roomID = id
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, shared.ErrRoomNotFound
	}
	clone := *room
	clone.Participants = s.participantsLocked(roomID)
	return &clone, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, roomID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[roomID]; !ok {
		s.peers[roomID] = make(map[string]struct{})
	}
	s.peers[roomID][participantID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, roomID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers[roomID], participantID)
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked(roomID), nil
}

func (s *MemoryStore) participantsLocked(roomID string) []string {
	members := make([]string, 0, len(s.peers[roomID]))
	for id := range s.peers[roomID] {
		members = append(members, id)
	}
	return members
}

func (s *MemoryStore) AppendSignal(_ context.Context, roomID string, at time.Time, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[roomID] = append(s.signals[roomID], loggedSignal{at: at, blob: blob})
	return nil
}

func (s *MemoryStore) SignalsSince(_ context.Context, roomID string, since time.Time) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blobs [][]byte
	for _, entry := range s.signals[roomID] {
		if !entry.at.Before(since) {
			blobs = append(blobs, entry.blob)
		}
	}
	return blobs, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
