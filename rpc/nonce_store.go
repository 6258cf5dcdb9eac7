package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamchain/storage"
)

var (
	nonceKeyPrefix    = []byte("rpc/nonce/")
	observedKeyPrefix = []byte("rpc/observed/")
)

// StoredNoncePersistence keeps nonce usage in a storage.Database so replay
// protection survives restarts. The node backs it with its own LevelDB.
type StoredNoncePersistence struct {
	db storage.Database
}

// NewStoredNoncePersistence wraps db.
func NewStoredNoncePersistence(db storage.Database) *StoredNoncePersistence {
	return &StoredNoncePersistence{db: db}
}

// EnsureNonce records a nonce usage if it has not been observed previously.
func (p *StoredNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("nonce persistence not configured")
	}
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := compositeKey(record.Caller, ts, nonce)
	nonceKey := append(append([]byte{}, nonceKeyPrefix...), composite...)
	existing, err := p.db.Get(nonceKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		if len(existing) == 8 {
			previous := int64(binary.BigEndian.Uint64(existing))
			if observed.UnixNano() > previous {
				batch := storage.NewBatch()
				batch.Put(nonceKey, encodeUnixNano(observed.UnixNano()))
				batch.Delete(observedKey(previous, composite))
				batch.Put(observedKey(observed.UnixNano(), composite), []byte{})
				if err := p.db.Write(batch); err != nil {
					return true, fmt.Errorf("update observed nonce: %w", err)
				}
			}
		}
		return true, nil
	}

	batch := storage.NewBatch()
	nanos := observed.UnixNano()
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put(observedKey(nanos, composite), []byte{})
	if err := p.db.Write(batch); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns persisted nonces observed at or after cutoff.
func (p *StoredNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("nonce persistence not configured")
	}
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	records := make([]NonceRecord, 0)
	err := p.db.Iterate(observedKeyPrefix, func(key, _ []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		if bytes.Compare(key, cutoffKey) < 0 {
			return true
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok {
			return true
		}
		rec, ok := parseComposite(composite)
		if !ok {
			return true
		}
		rec.ObservedAt = time.Unix(0, nanos).UTC()
		records = append(records, rec)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *StoredNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("nonce persistence not configured")
	}
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	batch := storage.NewBatch()
	err := p.db.Iterate(observedKeyPrefix, func(key, _ []byte) bool {
		if ctx.Err() != nil || bytes.Compare(key, cutoffKey) >= 0 {
			return false
		}
		composite, _, ok := parseObservedKey(key)
		if !ok {
			return true
		}
		batch.Delete(key)
		batch.Delete(append(append([]byte{}, nonceKeyPrefix...), composite...))
		return true
	})
	if err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := strings.TrimPrefix(string(key), string(observedKeyPrefix))
	stamp, composite, found := strings.Cut(raw, ":")
	if !found {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return composite, nanos, true
}

func compositeKey(caller [20]byte, timestamp, nonce string) string {
	return strings.Join([]string{hex.EncodeToString(caller[:]), timestamp, nonce}, "|")
}

func parseComposite(composite string) (NonceRecord, bool) {
	parts := strings.SplitN(composite, "|", 3)
	if len(parts) != 3 {
		return NonceRecord{}, false
	}
	raw, err := hex.DecodeString(parts[0])
	if err != nil || len(raw) != 20 {
		return NonceRecord{}, false
	}
	rec := NonceRecord{Timestamp: parts[1], Nonce: parts[2]}
	copy(rec.Caller[:], raw)
	return rec, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
