package relay

import (
	"context"
	"testing"
	"time"

	"github.com/sign-bridge/callkit/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRooms(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	room := &Room{ID: "id-1", Code: "ABC234", CreatorID: "alice", CreatedAt: time.Now()}
	require.NoError(t, store.CreateRoom(ctx, room))

	byID, err := store.RoomByKey(ctx, "id-1")
	require.NoError(t, err)
	byCode, err := store.RoomByKey(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, byCode.ID)

	_, err = store.RoomByKey(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrRoomNotFound)

	require.NoError(t, store.AddParticipant(ctx, "id-1", "alice"))
	require.NoError(t, store.AddParticipant(ctx, "id-1", "bob"))
	participants, err := store.Participants(ctx, "id-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, participants)

	require.NoError(t, store.RemoveParticipant(ctx, "id-1", "bob"))
	participants, err = store.Participants(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, participants)
}

func TestMemoryStoreSignalLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	require.NoError(t, store.AppendSignal(ctx, "id-1", base, []byte(`{"n":1}`)))
	require.NoError(t, store.AppendSignal(ctx, "id-1", base.Add(time.Second), []byte(`{"n":2}`)))

	all, err := store.SignalsSince(ctx, "id-1", base)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// since is inclusive on the boundary.
	tail, err := store.SignalsSince(ctx, "id-1", base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, `{"n":2}`, string(tail[0]))
}
