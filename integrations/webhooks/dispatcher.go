// Package webhooks delivers stream events to an operator-configured HTTP
// endpoint, signing each body with HMAC-SHA256.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamchain/core/events"
)

const (
	HeaderEvent     = "X-Stream-Event"
	HeaderDelivery  = "X-Stream-Delivery"
	HeaderSignature = "X-Stream-Signature"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
)

// ErrQueueFull is returned by Enqueue when the delivery queue is saturated.
var ErrQueueFull = errors.New("webhook: queue full")

// Payload is the JSON body delivered for each stream event.
type Payload struct {
	Type       string            `json:"type"`
	Stream     string            `json:"stream,omitempty"`
	Attributes map[string]string `json:"attributes"`
	DeliveryID string            `json:"deliveryId"`
	SentAt     time.Time         `json:"sentAt"`
}

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	types       map[string]struct{}
	logger      *slog.Logger
	outbox      *Outbox

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType string
	id        string
	body      []byte
	key       uint64
	stored    bool
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithEventTypes restricts deliveries to the listed event types. An empty
// list delivers everything.
func WithEventTypes(types ...string) Option {
	return func(d *Dispatcher) {
		for _, typ := range types {
			if typ = strings.TrimSpace(typ); typ != "" {
				if d.types == nil {
					d.types = make(map[string]struct{})
				}
				d.types[typ] = struct{}{}
			}
		}
	}
}

// WithLogger sets the logger used for failed deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithOutbox persists deliveries in o until they succeed or are abandoned.
// Pending records left by an earlier run are requeued on start.
func WithOutbox(o *Outbox) Option {
	return func(d *Dispatcher) {
		d.outbox = o
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	if err := dispatcher.replay(); err != nil {
		cancel()
		return nil, err
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Emit implements events.Emitter. Filtered event types are ignored and a
// saturated queue drops the event with a warning.
func (d *Dispatcher) Emit(evt events.Event) {
	if d == nil || evt == nil {
		return
	}
	if err := d.Enqueue(evt); err != nil && !errors.Is(err, errFiltered) {
		d.logger.Warn("webhook enqueue failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

var errFiltered = errors.New("webhook: event type filtered")

// Enqueue schedules evt for delivery without blocking.
func (d *Dispatcher) Enqueue(evt events.Event) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	rendered := events.Render(evt)
	if d.types != nil {
		if _, ok := d.types[rendered.Type]; !ok {
			return errFiltered
		}
	}
	payload := Payload{
		Type:       rendered.Type,
		Stream:     rendered.Attr("stream"),
		Attributes: rendered.Attributes,
		DeliveryID: uuid.NewString(),
		SentAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	default:
	}
	job := delivery{eventType: payload.Type, id: payload.DeliveryID, body: data}
	if d.outbox != nil {
		key, err := d.outbox.Put(OutboxRecord{DeliveryID: job.id, EventType: job.eventType, Body: data, QueuedAt: payload.SentAt})
		if err != nil {
			return fmt.Errorf("webhook: persist delivery: %w", err)
		}
		job.key, job.stored = key, true
	}
	select {
	case d.queue <- job:
		return nil
	default:
		// A stored job stays pending and is requeued on the next start.
		return ErrQueueFull
	}
}

// replay requeues deliveries the outbox still holds. Records beyond the queue
// capacity wait for a later start.
func (d *Dispatcher) replay() error {
	if d.outbox == nil {
		return nil
	}
	pending, err := d.outbox.Pending()
	if err != nil {
		return fmt.Errorf("webhook: load outbox: %w", err)
	}
	for i, rec := range pending {
		select {
		case d.queue <- delivery{eventType: rec.EventType, id: rec.DeliveryID, body: rec.Body, key: rec.Key, stored: true}:
		default:
			d.logger.Warn("webhook outbox exceeds queue", slog.Int("deferred", len(pending)-i))
			return nil
		}
	}
	if len(pending) > 0 {
		d.logger.Info("webhook outbox replayed", slog.Int("deliveries", len(pending)))
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			d.settle(job, func(o *Outbox) error { return o.Delivered(job.key) })
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Error("webhook delivery abandoned",
				slog.String("type", job.eventType),
				slog.String("delivery", job.id),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			d.settle(job, func(o *Outbox) error { return o.Abandon(job.key, attempt, err) })
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) settle(job delivery, fn func(*Outbox) error) {
	if d.outbox == nil || !job.stored {
		return
	}
	if err := fn(d.outbox); err != nil {
		d.logger.Error("webhook outbox update failed", slog.String("delivery", job.id), slog.Any("error", err))
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderDelivery, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header in constant time.
func Verify(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
