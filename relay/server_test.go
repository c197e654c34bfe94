package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sign-bridge/callkit/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultRelayConfig()
	cfg.JWTSecret = testSecret
	server, err := NewServer(cfg, NewMemoryStore(), shared.NewNopLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ts
}

func testToken(t *testing.T, participantID string) string {
	t.Helper()
	token, err := IssueToken(testSecret, participantID, time.Hour)
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(blob)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestRoomLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	token := testToken(t, "alice")

	// Unauthenticated creation is rejected.
	resp := doJSON(t, http.MethodPost, ts.URL+"/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/rooms", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Len(t, created.Code, roomCodeLength)

	// Lookup works by code and by id, and reports the creator.
	for _, key := range []string{created.Code, created.ID} {
		resp = doJSON(t, http.MethodGet, ts.URL+"/rooms/"+key, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var room Room
		decodeBody(t, resp, &room)
		assert.Equal(t, created.ID, room.ID)
		assert.Equal(t, "alice", room.CreatorID)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/rooms/NOSUCH", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSignalLogAppendAndBackfill(t *testing.T) {
	_, ts := newTestServer(t)
	token := testToken(t, "alice")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rooms", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	signal := map[string]any{
		"sender_id":   "alice",
		"signal_type": "offer",
		"signal_data": map[string]any{"type": "offer", "sdp": "v=0", "sequence": 1, "call_session_id": "s1"},
		"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/rooms/"+created.ID+"/signals", token, signal)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Malformed bodies are rejected before they reach the log.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rooms/"+created.ID+"/signals", strings.NewReader("{broken"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
	badResp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/rooms/"+created.ID+"/signals?since=0", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []json.RawMessage
	decodeBody(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0]), `"sender_id":"alice"`)

	// A since cursor past the append returns nothing.
	future := time.Now().Add(time.Minute).UnixMilli()
	resp = doJSON(t, http.MethodGet, ts.URL+"/rooms/"+created.ID+"/signals?since="+strconv.FormatInt(future, 10), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries = nil
	decodeBody(t, resp, &entries)
	assert.Empty(t, entries)
}

func dialRoom(t *testing.T, ts *httptest.Server, roomID, participantID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + roomID + "?token=" + testToken(t, participantID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestWebsocketBroadcast(t *testing.T) {
	server, ts := newTestServer(t)
	token := testToken(t, "alice")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rooms", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	alice := dialRoom(t, ts, created.ID, "alice")
	defer alice.Close()
	bob := dialRoom(t, ts, created.ID, "bob")
	defer bob.Close()

	require.Eventually(t, func() bool {
		return server.hub.RoomSize(created.ID) == 2
	}, time.Second, 5*time.Millisecond)

	payload := `{"sender_id":"alice","signal_type":"text","signal_data":{"text":"hi","sequence":1}}`
	env := frame{RoomID: created.ID, Path: pathBroadcast, Signal: json.RawMessage(payload)}
	require.NoError(t, alice.WriteJSON(env))

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got frame
	require.NoError(t, bob.ReadJSON(&got))
	assert.Equal(t, pathBroadcast, got.Path)
	assert.JSONEq(t, payload, string(got.Signal))

	// The sender does not get its own frame back; the next read times out.
	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var echo frame
	assert.Error(t, alice.ReadJSON(&echo))

	// The broadcast was mirrored into the durable log.
	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/rooms/" + created.ID + "/signals?since=0&token=" + token)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var entries []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return false
		}
		return len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketCapacityEnforced(t *testing.T) {
	_, ts := newTestServer(t)
	token := testToken(t, "alice")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rooms", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	alice := dialRoom(t, ts, created.ID, "alice")
	defer alice.Close()
	bob := dialRoom(t, ts, created.ID, "bob")
	defer bob.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + created.ID + "?token=" + testToken(t, "carol")
	_, dialResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, dialResp)
	assert.Equal(t, http.StatusConflict, dialResp.StatusCode)
	dialResp.Body.Close()
}

func TestRestAppendNotifiesSubscribers(t *testing.T) {
	server, ts := newTestServer(t)
	token := testToken(t, "alice")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rooms", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	bob := dialRoom(t, ts, created.ID, "bob")
	defer bob.Close()
	require.Eventually(t, func() bool {
		return server.hub.RoomSize(created.ID) == 1
	}, time.Second, 5*time.Millisecond)

	signal := map[string]any{
		"sender_id":   "alice",
		"signal_type": "text",
		"signal_data": map[string]any{"text": "hi", "sequence": 1},
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/rooms/"+created.ID+"/signals", token, signal)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// The durable append is pushed down the live path as a stored
	// notification.
	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got frame
	require.NoError(t, bob.ReadJSON(&got))
	assert.Equal(t, pathStored, got.Path)
	assert.Contains(t, string(got.Signal), `"sender_id":"alice"`)
}
