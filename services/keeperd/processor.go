package keeperd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"streamchain/observability"
	telemetry "streamchain/observability/otel"
	"streamchain/rpc"
	"streamchain/sdk/streams"
)

// ErrProcessorPaused is returned when a sweep is attempted while paused.
var ErrProcessorPaused = errors.New("keeperd: processor paused")

// Tick outcomes recorded in metrics and the attempt log.
const (
	OutcomeTicked  = "ticked"
	OutcomeIdle    = "idle"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// StreamAPI is the subset of the streams client the keeper drives.
type StreamAPI interface {
	ListActive(ctx context.Context, after string, limit int) ([]rpc.StreamView, error)
	Tick(ctx context.Context, id string) (*rpc.StreamView, error)
}

// SweepResult summarises one pass over the active streams.
type SweepResult struct {
	Active  int `json:"active"`
	Ticked  int `json:"ticked"`
	Idle    int `json:"idle"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Status is reported on the admin API.
type Status struct {
	Paused    bool           `json:"paused"`
	LastSweep time.Time      `json:"lastSweep"`
	Last      SweepResult    `json:"last"`
	Outcomes  map[string]int `json:"outcomes,omitempty"`
}

// Processor periodically ticks every active stream.
type Processor struct {
	api       StreamAPI
	store     *AttemptStore
	limiter   *rate.Limiter
	metrics   *observability.KeeperMetrics
	logger    *slog.Logger
	batchSize int
	now       func() time.Time

	mu        sync.Mutex
	paused    bool
	lastSweep time.Time
	last      SweepResult
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithStore records attempts in the supplied log.
func WithStore(store *AttemptStore) ProcessorOption {
	return func(p *Processor) { p.store = store }
}

// WithRateLimit paces tick requests.
func WithRateLimit(perSecond float64, burst int) ProcessorOption {
	return func(p *Processor) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBatchSize sets how many active streams a sweep requests per page.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

func NewProcessor(api StreamAPI, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		api:       api,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		metrics:   observability.Keeper(),
		logger:    slog.Default(),
		batchSize: 200,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

// Pause stops future sweeps until Resume is called.
func (p *Processor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.metrics.SetPaused(true)
}

func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.metrics.SetPaused(false)
}

// Status reports pause state, the last sweep and, when an attempt log is
// configured, cumulative outcome counts.
func (p *Processor) Status(ctx context.Context) Status {
	p.mu.Lock()
	status := Status{Paused: p.paused, LastSweep: p.lastSweep, Last: p.last}
	p.mu.Unlock()
	if p.store != nil {
		if outcomes, err := p.store.Outcomes(ctx); err == nil {
			status.Outcomes = outcomes
		}
	}
	return status
}

// Run sweeps every interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.Sweep(ctx); err != nil && !errors.Is(err, ErrProcessorPaused) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("keeper sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep pages through every active stream and ticks each one. Streams with
// nothing accrued and streams that changed state since listing are not
// failures.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		return result, ErrProcessorPaused
	}

	cursor := ""
	for {
		page, err := p.api.ListActive(ctx, cursor, p.batchSize)
		if err != nil {
			return result, err
		}
		result.Active += len(page)
		for _, st := range page {
			if err := p.limiter.Wait(ctx); err != nil {
				return result, err
			}
			p.sweepOne(ctx, st, &result)
		}
		if len(page) < p.batchSize {
			break
		}
		next := page[len(page)-1].ID
		if next <= cursor {
			return result, fmt.Errorf("keeperd: listing cursor did not advance past %q", cursor)
		}
		cursor = next
	}

	at := p.now()
	p.metrics.RecordSweep(at, result.Active)
	p.mu.Lock()
	p.lastSweep = at
	p.last = result
	p.mu.Unlock()
	return result, nil
}

func (p *Processor) sweepOne(ctx context.Context, st rpc.StreamView, result *SweepResult) {
	outcome, view, tickErr := p.tick(ctx, st.ID)
	switch outcome {
	case OutcomeTicked:
		result.Ticked++
	case OutcomeIdle:
		result.Idle++
	case OutcomeSkipped:
		result.Skipped++
	default:
		result.Failed++
		p.logger.Warn("tick failed", slog.String("stream", st.ID), slog.Any("error", tickErr))
	}
	attempt := Attempt{StreamID: st.ID, Outcome: outcome, TotalPaid: st.TotalPaid, AttemptedAt: p.now()}
	if view != nil {
		attempt.TotalPaid = view.TotalPaid
	}
	if tickErr != nil && outcome == OutcomeFailed {
		attempt.Error = tickErr.Error()
	}
	if err := p.store.Record(ctx, attempt); err != nil {
		p.logger.Error("record tick attempt", slog.Any("error", err))
	}
}

func (p *Processor) tick(ctx context.Context, id string) (string, *rpc.StreamView, error) {
	start := p.now()
	ctx, span := telemetry.StartStreamOp(ctx, "keeperd", "tick", id)
	view, err := p.api.Tick(ctx, id)
	outcome := classify(err)
	telemetry.EndStreamOp(span, outcome, err)
	p.metrics.RecordTick(outcome, p.now().Sub(start))
	return outcome, view, err
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeTicked
	case streams.IsCode(err, streams.CodeNoTimeElapsed):
		return OutcomeIdle
	case streams.IsCode(err, streams.CodeInvalidState), streams.IsCode(err, streams.CodeNotFound):
		return OutcomeSkipped
	default:
		return OutcomeFailed
	}
}
