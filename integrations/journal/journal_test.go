package journal

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"streamchain/core/events"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	return db
}

func streamID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func TestAppendBuildsChain(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)

	j.Emit(events.StreamStarted{StreamID: streamID(1), StartedAt: 1_700_000_000})
	j.Emit(events.StreamTicked{StreamID: streamID(1), TickNumber: 1, Amount: 50, TotalPaid: 50, EscrowRemaining: 50, Timestamp: 1_700_000_050})

	entries, err := j.Entries(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(1), entries[0].Sequence)
	require.Empty(t, entries[0].PrevHash)
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.Equal(t, events.TypeStreamTicked, entries[1].Type)
	require.Equal(t, int64(1_700_000_050), entries[1].Timestamp)

	attrs, err := entries[1].Attributes()
	require.NoError(t, err)
	require.Equal(t, "50", attrs["amount"])

	count, err := j.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestNewRestoresHead(t *testing.T) {
	db := setupTestDB(t)
	first, err := New(db, nil)
	require.NoError(t, err)
	first.Emit(events.StreamPaused{StreamID: streamID(2), Timestamp: 10})
	seq, head := first.Head()

	reopened, err := New(db, nil)
	require.NoError(t, err)
	gotSeq, gotHead := reopened.Head()
	require.Equal(t, seq, gotSeq)
	require.Equal(t, head, gotHead)

	entry, err := reopened.Append(context.Background(), events.Render(events.StreamResumed{StreamID: streamID(2), Timestamp: 20}))
	require.NoError(t, err)
	require.Equal(t, uint64(2), entry.Sequence)
	require.Equal(t, head, entry.PrevHash)

	_, err = reopened.Verify(context.Background())
	require.NoError(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		j.Emit(events.EscrowToppedUp{StreamID: streamID(3), Amount: uint64(i + 1), NewBalance: 100, Timestamp: int64(i)})
	}
	require.NoError(t, db.Model(&Entry{}).Where("sequence = ?", 2).Update("payload", `{"amount":"999"}`).Error)

	count, err := j.Verify(context.Background())
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, uint64(1), count)
}

func TestVerifyDetectsGap(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		j.Emit(events.StreamCancelled{StreamID: streamID(4), Refunded: 5, Timestamp: int64(i)})
	}
	require.NoError(t, db.Where("sequence = ?", 2).Delete(&Entry{}).Error)

	_, err = j.Verify(context.Background())
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestStreamEntriesFiltersByStream(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	j.Emit(events.StreamStarted{StreamID: streamID(5), StartedAt: 1})
	j.Emit(events.StreamStarted{StreamID: streamID(6), StartedAt: 2})
	j.Emit(events.StreamPaused{StreamID: streamID(5), Timestamp: 3})

	id := streamID(5)
	entries, err := j.StreamEntries(context.Background(), fmt.Sprintf("0x%x", id[:]))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, events.TypeStreamPaused, entries[1].Type)

	evt, err := entries[0].Event()
	require.NoError(t, err)
	require.Equal(t, "1", evt.Attr("startedAt"))
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
