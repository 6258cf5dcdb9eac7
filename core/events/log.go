package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamchain/core/types"
)

const defaultLogHistoryLimit = 2048

// Record is a sequenced, rendered event as retained by the Log.
type Record struct {
	Sequence  uint64       `json:"sequence"`
	Cursor    string       `json:"cursor"`
	Event     *types.Event `json:"event"`
	Timestamp int64        `json:"timestamp"`
}

func cloneRecord(rec Record) Record {
	cloned := rec
	if rec.Event != nil {
		attrs := make(map[string]string, len(rec.Event.Attributes))
		for k, v := range rec.Event.Attributes {
			attrs[k] = v
		}
		cloned.Event = &types.Event{Type: rec.Event.Type, Attributes: attrs}
	}
	return cloned
}

// Log is an append-only, in-process event log. It keeps a bounded history
// for cursor based replay and fans each record out to live subscribers.
// Slow subscribers drop records rather than block the emitter.
type Log struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	history []Record
	subs    map[uint64]chan Record
	nextID  uint64
	nowFn   func() time.Time
}

// NewLog constructs a log retaining at most limit records. Non-positive
// limits fall back to the default history size.
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = defaultLogHistoryLimit
	}
	return &Log{limit: limit, subs: make(map[uint64]chan Record), nowFn: time.Now}
}

// Emit implements Emitter.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	l.Append(Render(evt))
}

// Append sequences the rendered event and broadcasts it.
func (l *Log) Append(evt *types.Event) Record {
	if l == nil || evt == nil {
		return Record{}
	}
	l.mu.Lock()
	l.seq++
	rec := Record{
		Sequence:  l.seq,
		Cursor:    strconv.FormatUint(l.seq, 10),
		Event:     evt,
		Timestamp: l.nowFn().Unix(),
	}
	stored := cloneRecord(rec)
	l.history = append(l.history, stored)
	if len(l.history) > l.limit {
		excess := len(l.history) - l.limit
		trimmed := make([]Record, l.limit)
		copy(trimmed, l.history[excess:])
		l.history = trimmed
	}
	subscribers := make([]chan Record, 0, len(l.subs))
	for _, ch := range l.subs {
		subscribers = append(subscribers, ch)
	}
	l.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneRecord(rec):
		default:
		}
	}
	return cloneRecord(rec)
}

// Since returns the retained records with a sequence greater than seq.
func (l *Log) Since(seq uint64) []Record {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.history))
	for _, rec := range l.history {
		if rec.Sequence > seq {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// Filter returns retained records whose type matches typ and, when streamID is
// non-empty, whose stream attribute equals it.
func (l *Log) Filter(typ, streamID string) []Record {
	records := l.Since(0)
	out := records[:0]
	for _, rec := range records {
		if typ != "" && rec.Event.Type != typ {
			continue
		}
		if streamID != "" && rec.Event.Attr("stream") != streamID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Head returns the latest sequence number.
func (l *Log) Head() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ParseCursor converts a textual cursor into a sequence, treating blanks and
// malformed values as the start of the log.
func ParseCursor(cursor string) uint64 {
	trimmed := strings.TrimSpace(cursor)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// Subscribe registers a live subscriber and returns the backlog after cursor.
// The returned cancel function is idempotent and also fires when ctx is done.
func (l *Log) Subscribe(ctx context.Context, cursor string) (<-chan Record, func(), []Record) {
	updates := make(chan Record, 32)
	since := ParseCursor(cursor)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = updates
	l.mu.Unlock()

	backlog := l.Since(since)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
			l.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscribers.
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
