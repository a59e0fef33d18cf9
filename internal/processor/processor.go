package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/fangqiank/pgdrift/internal/cdc"
	"github.com/fangqiank/pgdrift/internal/telemetry"
)

// ErrGateTimeout marks an event dropped because the in-flight gate could
// not be acquired before the timeout.
var ErrGateTimeout = errors.New("processing gate not acquired before timeout")

// ErrTableNotAllowed marks an event whose table is outside the allow-list.
var ErrTableNotAllowed = errors.New("table not in processing allow-list")

// Stats are the processing counters. Snapshot-copied on read.
type Stats struct {
	TotalProcessed          int64
	FailedEvents            int64
	AverageProcessingTimeMs float64
	EventsByType            map[string]int64
	EventsByTable           map[string]int64
	LastProcessedEvent      time.Time
}

// HandlerFunc processes one validated event for a routed table.
type HandlerFunc func(ctx context.Context, event cdc.ChangeEvent) error

// Processor validates, routes and batches change events. A single
// in-flight processing operation is enforced through a timed gate; events
// that cannot acquire the gate are dropped with a warning rather than
// queueing unboundedly.
type Processor struct {
	logger *logrus.Logger
	tracer trace.Tracer

	allowed     map[string]struct{}
	chunkSize   int
	gateTimeout time.Duration
	gate        chan struct{}

	handlers       map[string]HandlerFunc
	defaultHandler HandlerFunc

	mu    sync.Mutex
	stats Stats
}

// Option configures the processor.
type Option func(*Processor)

func WithChunkSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.chunkSize = size
		}
	}
}

func WithGateTimeout(timeout time.Duration) Option {
	return func(p *Processor) {
		if timeout > 0 {
			p.gateTimeout = timeout
		}
	}
}

// WithHandler routes events for the given table to fn.
func WithHandler(table string, fn HandlerFunc) Option {
	return func(p *Processor) {
		p.handlers[strings.ToLower(table)] = fn
	}
}

// WithDefaultHandler replaces the debug fallback handler.
func WithDefaultHandler(fn HandlerFunc) Option {
	return func(p *Processor) {
		p.defaultHandler = fn
	}
}

// New returns a processor accepting events for the allowed tables.
func New(allowedTables []string, logger *logrus.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Processor{
		logger:      logger,
		tracer:      telemetry.Tracer("processor"),
		allowed:     make(map[string]struct{}, len(allowedTables)),
		chunkSize:   50,
		gateTimeout: 30 * time.Second,
		gate:        make(chan struct{}, 1),
		handlers:    make(map[string]HandlerFunc),
	}
	for _, table := range allowedTables {
		p.allowed[strings.ToLower(table)] = struct{}{}
	}
	p.defaultHandler = p.debugHandler
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEvent validates and routes one event. The gate admits a single
// in-flight operation; on timeout the event is dropped with a warning.
func (p *Processor) ProcessEvent(ctx context.Context, event cdc.ChangeEvent) error {
	if err := p.acquireGate(ctx, event.TableName); err != nil {
		return err
	}
	defer p.releaseGate()
	return p.handleCounted(ctx, event)
}

// ProcessBatch partitions events into chunks. A chunk is retried
// event-by-event when it fails as a whole, so one bad record degrades the
// chunk to partial rather than total loss.
func (p *Processor) ProcessBatch(ctx context.Context, events []cdc.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := p.acquireGate(ctx, "batch"); err != nil {
		return err
	}
	defer p.releaseGate()

	spanCtx, span := p.tracer.Start(ctx, "processor.batch")
	defer span.End()

	var firstErr error
	for start := 0; start < len(events); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(events) {
			end = len(events)
		}
		if err := p.processChunk(spanCtx, events[start:end]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// processChunk attempts the chunk as one unit, and on failure reprocesses
// each event individually so healthy records still land.
func (p *Processor) processChunk(ctx context.Context, chunk []cdc.ChangeEvent) error {
	chunkErr := func() error {
		for _, event := range chunk {
			if err := p.handle(ctx, event); err != nil {
				return fmt.Errorf("event for %s: %w", event.QualifiedTable(), err)
			}
		}
		return nil
	}()
	if chunkErr == nil {
		for _, event := range chunk {
			p.recordResult(event, 0, nil)
		}
		return nil
	}

	p.logger.WithError(chunkErr).WithField("chunk_size", len(chunk)).
		Warn("chunk failed, degrading to per-event processing")
	var firstErr error
	for _, event := range chunk {
		if err := p.handleCounted(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetStats returns a snapshot copy of the counters.
func (p *Processor) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.EventsByType = make(map[string]int64, len(p.stats.EventsByType))
	for k, v := range p.stats.EventsByType {
		out.EventsByType[k] = v
	}
	out.EventsByTable = make(map[string]int64, len(p.stats.EventsByTable))
	for k, v := range p.stats.EventsByTable {
		out.EventsByTable[k] = v
	}
	return out
}

func (p *Processor) acquireGate(ctx context.Context, what string) error {
	select {
	case p.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.gateTimeout):
		p.logger.WithField("event", what).Warn("dropping event, processing gate busy past timeout")
		return ErrGateTimeout
	}
}

func (p *Processor) releaseGate() {
	<-p.gate
}

func (p *Processor) handleCounted(ctx context.Context, event cdc.ChangeEvent) error {
	started := time.Now()
	err := p.handle(ctx, event)
	p.recordResult(event, time.Since(started), err)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"table":     event.TableName,
			"operation": event.Operation,
		}).WithError(err).Error("event processing failed")
	}
	return err
}

func (p *Processor) handle(ctx context.Context, event cdc.ChangeEvent) error {
	if event.IsEmpty() {
		return errors.New("empty change event")
	}
	table := strings.ToLower(event.TableName)
	if _, ok := p.allowed[table]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotAllowed, event.TableName)
	}
	if fn, ok := p.handlers[table]; ok {
		return fn(ctx, event)
	}
	return p.defaultHandler(ctx, event)
}

func (p *Processor) debugHandler(_ context.Context, event cdc.ChangeEvent) error {
	p.logger.WithFields(logrus.Fields{
		"table":     event.QualifiedTable(),
		"operation": event.Operation,
		"columns":   len(event.After),
	}).Debug("unrouted change event")
	return nil
}

func (p *Processor) recordResult(event cdc.ChangeEvent, took time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stats.EventsByType == nil {
		p.stats.EventsByType = make(map[string]int64)
	}
	if p.stats.EventsByTable == nil {
		p.stats.EventsByTable = make(map[string]int64)
	}
	p.stats.EventsByType[string(event.Operation)]++
	p.stats.EventsByTable[strings.ToLower(event.TableName)]++
	p.stats.LastProcessedEvent = time.Now().UTC()

	if err != nil {
		p.stats.FailedEvents++
		return
	}
	p.stats.TotalProcessed++
	n := float64(p.stats.TotalProcessed)
	ms := float64(took.Microseconds()) / 1000.0
	p.stats.AverageProcessingTimeMs = (p.stats.AverageProcessingTimeMs*(n-1) + ms) / n
}
