package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestLogSequencesAndTrimsHistory(t *testing.T) {
	log := NewLog(3)
	for i := 0; i < 5; i++ {
		log.Emit(StreamPaused{StreamID: sampleID(byte(i)), Timestamp: int64(i)})
	}
	require.Equal(t, uint64(5), log.Head())

	records := log.Since(0)
	require.Len(t, records, 3)
	require.Equal(t, uint64(3), records[0].Sequence)
	require.Equal(t, "5", records[2].Cursor)

	records = log.Since(4)
	require.Len(t, records, 1)
	require.Equal(t, TypeStreamPaused, records[0].Event.Type)
}

func TestLogFilterByStream(t *testing.T) {
	log := NewLog(0)
	a, b := sampleID(0xAA), sampleID(0xBB)
	log.Emit(StreamStarted{StreamID: a, StartedAt: 10})
	log.Emit(StreamTicked{StreamID: a, TickNumber: 1, Amount: 5, Timestamp: 11})
	log.Emit(StreamStarted{StreamID: b, StartedAt: 12})

	ticks := log.Filter(TypeStreamTicked, "")
	require.Len(t, ticks, 1)
	require.Equal(t, "5", ticks[0].Event.Attr("amount"))

	forA := log.Filter("", formatID(a))
	require.Len(t, forA, 2)
}

func TestLogSubscribeReceivesBacklogAndLive(t *testing.T) {
	log := NewLog(0)
	log.Emit(StreamPaused{StreamID: sampleID(1), Timestamp: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop, backlog := log.Subscribe(ctx, "")
	defer stop()
	require.Len(t, backlog, 1)

	log.Emit(StreamResumed{StreamID: sampleID(1), Timestamp: 2})
	select {
	case rec := <-updates:
		require.Equal(t, TypeStreamResumed, rec.Event.Type)
		require.Equal(t, uint64(2), rec.Sequence)
	case <-time.After(time.Second):
		t.Fatalf("expected live record")
	}

	stop()
	stop()
	_, open := <-updates
	require.False(t, open)
	require.Equal(t, 0, log.Subscribers())
}

func TestLogRecordsAreIsolated(t *testing.T) {
	log := NewLog(0)
	rec := log.Append(StreamPaused{StreamID: sampleID(2)}.Event())
	rec.Event.Attributes["stream"] = "mutated"
	stored := log.Since(0)
	require.Equal(t, formatID(sampleID(2)), stored[0].Event.Attr("stream"))
}

func TestRenderFallsBackToType(t *testing.T) {
	rendered := Render(bareEvent{})
	require.Equal(t, "bare", rendered.Type)
	require.Empty(t, rendered.Attributes)
	require.Nil(t, Render(nil))
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestStreamEventAttributes(t *testing.T) {
	var payer, payee [20]byte
	payer[0], payee[0] = 1, 2
	evt := StreamCreated{
		StreamID:      sampleID(7),
		Payer:         payer,
		Payee:         payee,
		RatePerSecond: 100,
		EscrowAmount:  1000,
		MaxDuration:   3600,
		AutoTerminate: true,
		Timestamp:     42,
	}.Event()
	require.Equal(t, TypeStreamCreated, evt.Type)
	require.Equal(t, "100", evt.Attr("ratePerSecond"))
	require.Equal(t, "true", evt.Attr("autoTerminate"))
	require.Equal(t, "42", evt.Attr("timestamp"))
	require.Contains(t, evt.Attr("payer"), "dos1")
}
