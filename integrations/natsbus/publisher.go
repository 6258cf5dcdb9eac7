// Package natsbus republishes stream events onto a NATS JetStream subject
// tree so downstream indexers can consume them with at-least-once delivery.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"streamchain/core/events"
	"streamchain/core/types"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher needs.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Config describes the NATS connection.
type Config struct {
	URL     string
	Subject string
	Stream  string
	Name    string
}

// Message is the JSON body published for each event.
type Message struct {
	Type       string            `json:"type"`
	StreamID   string            `json:"stream,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Published  int64             `json:"published"`
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithQueueSize bounds the number of events buffered for publishing.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithExpectStream asserts every publish lands in the named stream.
func WithExpectStream(name string) Option {
	return func(p *Publisher) {
		p.stream = strings.TrimSpace(name)
	}
}

// Publisher is an events.Emitter that forwards rendered events to JetStream
// from a background worker. Emit never blocks; events are dropped and
// counted when the queue is full.
type Publisher struct {
	js        JetStreamPublisher
	subject   string
	stream    string
	logger    *slog.Logger
	queueSize int
	nowFn     func() time.Time

	queue chan *types.Event
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
	conn    *nats.Conn
}

// NewPublisher starts a publisher over an existing JetStream handle.
func NewPublisher(js JetStreamPublisher, subject string, opts ...Option) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("natsbus: jetstream required")
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, errors.New("natsbus: subject required")
	}
	p := &Publisher{
		js:        js,
		subject:   subject,
		logger:    slog.Default(),
		queueSize: defaultQueueSize,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan *types.Event, p.queueSize)
	p.done = make(chan struct{})
	go p.run()
	return p, nil
}

// Connect dials NATS, ensures the JetStream stream exists when one is named
// and returns a running publisher that owns the connection.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Publisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("natsbus: url required")
	}
	name := cfg.Name
	if name == "" {
		name = "streamd"
	}
	log := slog.Default()
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}
	subject := strings.Trim(strings.TrimSpace(cfg.Subject), ".")
	if streamName := strings.TrimSpace(cfg.Stream); streamName != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subject + ".>"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("natsbus: ensure stream %s: %w", streamName, err)
		}
		opts = append(opts, WithExpectStream(streamName))
	}
	p, err := NewPublisher(js, subject, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// Subject returns the subject an event type is published on. The "stream."
// prefix of event types is folded into the configured root.
func (p *Publisher) Subject(eventType string) string {
	return p.subject + "." + strings.TrimPrefix(eventType, "stream.")
}

// Dropped reports how many events were discarded because the queue was full.
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Emit implements events.Emitter.
func (p *Publisher) Emit(evt events.Event) {
	if p == nil || evt == nil {
		return
	}
	rendered := events.Render(evt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- rendered:
	default:
		p.dropped++
		p.logger.Warn("nats publish queue full; dropping event", slog.String("type", rendered.Type))
	}
}

// Publish sends evt synchronously, bypassing the queue.
func (p *Publisher) Publish(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return errors.New("natsbus: nil event")
	}
	payload, err := json.Marshal(Message{
		Type:       evt.Type,
		StreamID:   evt.Attr("stream"),
		Attributes: evt.Attributes,
		Published:  p.nowFn().Unix(),
	})
	if err != nil {
		return fmt.Errorf("natsbus: encode: %w", err)
	}
	var opts []jetstream.PublishOpt
	if p.stream != "" {
		opts = append(opts, jetstream.WithExpectStream(p.stream))
	}
	if _, err := p.js.Publish(ctx, p.Subject(evt.Type), payload, opts...); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for evt := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		if err := p.Publish(ctx, evt); err != nil {
			p.logger.Error("nats publish failed", slog.String("type", evt.Type), slog.Any("error", err))
		}
		cancel()
	}
}

// Close stops accepting events, flushes the queue and drains the owned
// connection, if any.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
			return fmt.Errorf("natsbus: drain: %w", err)
		}
	}
	return nil
}
