// Package journal persists every stream event into an append-only SQL table
// whose rows are linked by a blake3 hash chain, so an auditor can detect
// rewritten or dropped history without trusting the node.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"streamchain/core/events"
	"streamchain/core/types"
)

// ErrChainBroken reports a journal row whose hash or back-link does not match
// its predecessor.
var ErrChainBroken = errors.New("journal: hash chain broken")

const verifyBatchSize = 500

// Entry is one journaled event.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence  uint64    `gorm:"uniqueIndex;not null"`
	Type      string    `gorm:"index;not null"`
	StreamID  string    `gorm:"index"`
	Payload   string    `gorm:"type:text;not null"`
	PrevHash  string    `gorm:"size:64"`
	Hash      string    `gorm:"size:64;uniqueIndex;not null"`
	Timestamp int64     `gorm:"index"`
	CreatedAt time.Time
}

// TableName pins the table name independent of gorm's pluralisation.
func (Entry) TableName() string { return "stream_journal" }

// Attributes decodes the stored event attributes.
func (e Entry) Attributes() (map[string]string, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(e.Payload) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(e.Payload), &attrs); err != nil {
		return nil, fmt.Errorf("journal: decode entry %d: %w", e.Sequence, err)
	}
	return attrs, nil
}

// Event reconstructs the rendered event stored in the entry.
func (e Entry) Event() (*types.Event, error) {
	attrs, err := e.Attributes()
	if err != nil {
		return nil, err
	}
	return &types.Event{Type: e.Type, Attributes: attrs}, nil
}

// Open connects to the journal database. postgres:// and postgresql:// DSNs
// select the postgres driver; anything else is treated as a sqlite DSN.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("journal: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return db, nil
}

// Journal appends events to the hash-chained table. It implements
// events.Emitter so it can sit in the node's emitter fan-out.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu   sync.Mutex
	seq  uint64
	head string
}

// New migrates the schema and restores the chain head from the last row.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log, nowFn: time.Now}
	var last Entry
	err := db.Order("sequence desc").Limit(1).Take(&last).Error
	switch {
	case err == nil:
		j.seq = last.Sequence
		j.head = last.Hash
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	return j, nil
}

// Head returns the last sequence number and hash.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// Emit implements events.Emitter. Persistence failures are logged; the
// ledger never waits on the journal.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), events.Render(evt)); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append writes evt as the next entry in the chain.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Entry, error) {
	if evt == nil {
		return Entry{}, errors.New("journal: nil event")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		ID:        uuid.New(),
		Sequence:  j.seq + 1,
		Type:      evt.Type,
		StreamID:  attrs["stream"],
		Payload:   string(payload),
		PrevHash:  j.head,
		Timestamp: eventTimestamp(attrs, j.nowFn),
	}
	entry.Hash = ChainHash(entry.PrevHash, entry.Sequence, entry.Type, entry.Payload)
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("journal: insert %d: %w", entry.Sequence, err)
	}
	j.seq = entry.Sequence
	j.head = entry.Hash
	return entry, nil
}

// Entries returns up to limit entries with a sequence greater than after.
func (j *Journal) Entries(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = verifyBatchSize
	}
	var out []Entry
	err := j.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence asc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// StreamEntries returns every entry recorded for the given stream id.
func (j *Journal) StreamEntries(ctx context.Context, streamID string) ([]Entry, error) {
	var out []Entry
	err := j.db.WithContext(ctx).
		Where("stream_id = ?", strings.TrimPrefix(streamID, "0x")).
		Order("sequence asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list stream: %w", err)
	}
	return out, nil
}

// Verify walks the whole table and returns the number of entries checked.
// Gaps, broken back-links and mismatched hashes wrap ErrChainBroken.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	var (
		after uint64
		prev  string
		count uint64
	)
	for {
		batch, err := j.Entries(ctx, after, verifyBatchSize)
		if err != nil {
			return count, err
		}
		if len(batch) == 0 {
			return count, nil
		}
		for _, entry := range batch {
			if entry.Sequence != after+1 {
				return count, fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, after+1, entry.Sequence)
			}
			if entry.PrevHash != prev {
				return count, fmt.Errorf("%w: sequence %d links to %q, want %q", ErrChainBroken, entry.Sequence, entry.PrevHash, prev)
			}
			if want := ChainHash(entry.PrevHash, entry.Sequence, entry.Type, entry.Payload); want != entry.Hash {
				return count, fmt.Errorf("%w: sequence %d hash mismatch", ErrChainBroken, entry.Sequence)
			}
			after = entry.Sequence
			prev = entry.Hash
			count++
		}
	}
}

// ChainHash computes blake3(prev ‖ sequence_be64 ‖ type ‖ 0x00 ‖ payload).
func ChainHash(prev string, sequence uint64, typ, payload string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h.Write(seq[:])
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func eventTimestamp(attrs map[string]string, now func() time.Time) int64 {
	if raw := strings.TrimSpace(attrs["timestamp"]); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return ts
		}
	}
	return now().Unix()
}
