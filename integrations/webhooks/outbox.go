package webhooks

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPending   = []byte("pending")
	bucketAbandoned = []byte("abandoned")

	errUnknownDelivery = errors.New("webhook: delivery not in outbox")
)

// Outbox persists queued deliveries so events accepted before a restart are
// still delivered afterwards. Deliveries that exhaust their retries move to
// an abandoned bucket for operator review.
type Outbox struct {
	db *bolt.DB
}

// OutboxRecord is one stored delivery.
type OutboxRecord struct {
	Key        uint64    `json:"-"`
	DeliveryID string    `json:"deliveryId"`
	EventType  string    `json:"eventType"`
	Body       []byte    `json:"body"`
	QueuedAt   time.Time `json:"queuedAt"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// OpenOutbox opens (and migrates) the Bolt file at path.
func OpenOutbox(path string, options *bolt.Options) (*Outbox, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketAbandoned} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

// Close releases the Bolt handle.
func (o *Outbox) Close() error {
	if o == nil || o.db == nil {
		return nil
	}
	return o.db.Close()
}

func outboxKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Put stores rec as pending and returns its key.
func (o *Outbox) Put(rec OutboxRecord) (uint64, error) {
	var key uint64
	err := o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key = seq
		return bucket.Put(outboxKey(seq), data)
	})
	return key, err
}

// Delivered drops a pending record.
func (o *Outbox) Delivered(key uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(outboxKey(key))
	})
}

// Abandon moves a pending record to the abandoned bucket, keeping the
// attempt count and last error.
func (o *Outbox) Abandon(key uint64, attempts int, cause error) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		raw := pending.Get(outboxKey(key))
		if raw == nil {
			return errUnknownDelivery
		}
		var rec OutboxRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Attempts = attempts
		if cause != nil {
			rec.LastError = cause.Error()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAbandoned).Put(outboxKey(key), data); err != nil {
			return err
		}
		return pending.Delete(outboxKey(key))
	})
}

// Pending lists undelivered records oldest first.
func (o *Outbox) Pending() ([]OutboxRecord, error) {
	return o.list(bucketPending)
}

// Abandoned lists deliveries that ran out of retries, oldest first.
func (o *Outbox) Abandoned() ([]OutboxRecord, error) {
	return o.list(bucketAbandoned)
}

func (o *Outbox) list(name []byte) ([]OutboxRecord, error) {
	var out []OutboxRecord
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(name).ForEach(func(k, v []byte) error {
			var rec OutboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			rec.Key = binary.BigEndian.Uint64(k)
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
