package callkit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/sign-bridge/callkit/shared"
	"github.com/valyala/fasthttp"
)

// RoomDirectory answers membership questions about a room. The supervisor
// uses it for the two-party capacity check before opening an attempt; the
// relay remains the authoritative enforcer.
type RoomDirectory interface {
	IsRoomParticipant(ctx context.Context, roomID, participantID string) (bool, error)
	ActiveParticipants(ctx context.Context, roomID string) ([]string, error)
}

// RelayDirectory queries the relay's room endpoints.
type RelayDirectory struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	token   string
}

var _ RoomDirectory = (*RelayDirectory)(nil)

func NewRelayDirectory(baseURL, token string, logger shared.LoggerAdapter) (*RelayDirectory, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay URL: %w", err)
	}
	return &RelayDirectory{logger: logger, baseURL: parsed, token: token}, nil
}

func (d *RelayDirectory) IsRoomParticipant(ctx context.Context, roomID, participantID string) (bool, error) {
	participants, err := d.ActiveParticipants(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p == participantID {
			return true, nil
		}
	}
	return false, nil
}

func (d *RelayDirectory) ActiveParticipants(ctx context.Context, roomID string) ([]string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.baseURL.JoinPath("/rooms/", roomID).String())
	req.Header.SetMethod(fasthttp.MethodGet)
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	if err := d.do(ctx, req, resp); err != nil {
		return nil, err
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return nil, shared.ErrRoomNotFound
	default:
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	var room struct {
		ID           string   `json:"id"`
		Participants []string `json:"participants"`
	}
	if err := sonic.Unmarshal(resp.Body(), &room); err != nil {
		return nil, fmt.Errorf("decoding room response: %w", err)
	}
	return room.Participants, nil
}

func (d *RelayDirectory) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	return nil
}

// StaticDirectory is a fixed in-memory directory for tests and in-process
// demos.
type StaticDirectory struct {
	mu    sync.Mutex
	rooms map[string][]string
}

var _ RoomDirectory = (*StaticDirectory)(nil)

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{rooms: make(map[string][]string)}
}

func (d *StaticDirectory) SetParticipants(roomID string, participants ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[roomID] = append([]string(nil), participants...)
}

func (d *StaticDirectory) IsRoomParticipant(_ context.Context, roomID, participantID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	participants, ok := d.rooms[roomID]
	if !ok {
		return false, shared.ErrRoomNotFound
	}
	for _, p := range participants {
		if p == participantID {
			return true, nil
		}
	}
	return false, nil
}

func (d *StaticDirectory) ActiveParticipants(_ context.Context, roomID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	participants, ok := d.rooms[roomID]
	if !ok {
		return nil, shared.ErrRoomNotFound
	}
	return append([]string(nil), participants...), nil
}
