package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/fangqiank/pgdrift/internal/cdc"
	"github.com/fangqiank/pgdrift/internal/telemetry"
)

// State is the poller lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateActive       State = "active"
)

// Dispatcher receives captured change events.
type Dispatcher interface {
	Dispatch(ctx context.Context, event cdc.ChangeEvent)
}

// WatermarkStore persists per-table watermarks across restarts. Optional;
// without one the poller starts from the current instant.
type WatermarkStore interface {
	Load(ctx context.Context) (map[string]time.Time, error)
	Save(ctx context.Context, table string, ts time.Time) error
}

// Status is an observability snapshot of the poller.
type Status struct {
	State            State
	StartTime        time.Time
	TablesWatched    int
	EventsDispatched int64
	PollCycles       int64
	LastPollAt       time.Time
	LastError        string
}

// Poller captures row changes by comparing per-table watermarks against
// change-tracking timestamps. One Active instance per process; concurrent
// Start calls while active are logged no-ops.
type Poller struct {
	source     TableSource
	dispatcher Dispatcher
	wmStore    WatermarkStore
	logger     *logrus.Logger
	tracer     trace.Tracer

	tables         []string
	pollInterval   time.Duration
	statusInterval time.Duration

	mu         sync.Mutex
	state      State
	watermarks map[string]time.Time
	resolved   map[string]string
	status     Status
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option configures the poller.
type Option func(*Poller)

func WithPollInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

func WithStatusInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.statusInterval = interval
		}
	}
}

// WithWatermarkStore persists watermarks so a restart resumes from the
// last captured position instead of the start instant.
func WithWatermarkStore(store WatermarkStore) Option {
	return func(p *Poller) {
		p.wmStore = store
	}
}

// New returns a poller over the given tables.
func New(source TableSource, dispatcher Dispatcher, tables []string, logger *logrus.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	poller := &Poller{
		source:         source,
		dispatcher:     dispatcher,
		logger:         logger,
		tracer:         telemetry.Tracer("poller"),
		tables:         append([]string(nil), tables...),
		pollInterval:   time.Second,
		statusInterval: 30 * time.Second,
		state:          StateStopped,
		watermarks:     make(map[string]time.Time),
		resolved:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(poller)
	}
	return poller
}

// Start transitions Stopped -> Initializing -> Active and launches the
// poll loop. Watermarks resume from the persisted store when one is
// configured; otherwise they seed to the start instant so only changes
// after startup are captured.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		p.logger.Warn("change poller already running")
		return
	}
	p.state = StateInitializing
	now := time.Now().UTC()
	var persisted map[string]time.Time
	if p.wmStore != nil {
		loaded, err := p.wmStore.Load(ctx)
		if err != nil {
			p.logger.WithError(err).Warn("load persisted watermarks failed, starting from now")
		} else {
			persisted = loaded
		}
	}
	for _, table := range p.tables {
		if ts, ok := persisted[table]; ok {
			p.watermarks[table] = ts
			continue
		}
		p.watermarks[table] = now
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.status = Status{
		State:         StateActive,
		StartTime:     now,
		TablesWatched: len(p.tables),
	}
	p.state = StateActive
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.logger.WithFields(logrus.Fields{
		"tables":   len(p.tables),
		"interval": p.pollInterval,
	}).Info("change poller started")
}

// Stop cancels the poll loop and waits for it to exit. A stopped poller
// requires an explicit Start to resume.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.state = StateStopped
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	p.mu.Lock()
	p.status.State = StateStopped
	p.mu.Unlock()
	p.logger.Info("change poller stopped")
}

// GetStatus returns a snapshot copy of the poller status.
func (p *Poller) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Watermarks returns a snapshot of the per-table watermarks.
func (p *Poller) Watermarks() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.watermarks))
	for table, ts := range p.watermarks {
		out[table] = ts
	}
	return out
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	pollTicker := time.NewTicker(p.pollInterval)
	defer pollTicker.Stop()
	statusTicker := time.NewTicker(p.statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.pollOnce(ctx)
		case <-statusTicker.C:
			p.refreshStatus()
		}
	}
}

// pollOnce runs one capture cycle across all tables. An error on one table
// leaves its watermark untouched and never halts the other tables.
func (p *Poller) pollOnce(ctx context.Context) {
	spanCtx, span := p.tracer.Start(ctx, "poller.cycle")
	defer span.End()

	for _, table := range p.tables {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollTable(spanCtx, table); err != nil {
			p.logger.WithField("table", table).WithError(err).Error("poll cycle failed for table")
			p.mu.Lock()
			p.status.LastError = err.Error()
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.status.PollCycles++
	p.status.LastPollAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *Poller) pollTable(ctx context.Context, table string) error {
	physical, err := p.resolveTable(ctx, table)
	if err != nil {
		return err
	}
	if physical == "" {
		// No case variant matched; skip this tick.
		return nil
	}

	p.mu.Lock()
	since := p.watermarks[table]
	p.mu.Unlock()

	events, err := p.source.Changes(ctx, physical, since)
	if errors.Is(err, ErrUnsupportedShape) {
		p.logger.WithField("table", table).Warn("table has no change-tracking columns, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	// Dispatch in non-decreasing event-time order, then advance the
	// watermark to the maximum timestamp seen.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EventTime.Before(events[j].EventTime)
	})
	maxSeen := since
	for _, event := range events {
		p.dispatcher.Dispatch(ctx, event)
		if event.EventTime.After(maxSeen) {
			maxSeen = event.EventTime
		}
	}

	p.mu.Lock()
	advanced := maxSeen.After(p.watermarks[table])
	if advanced {
		p.watermarks[table] = maxSeen
	}
	p.status.EventsDispatched += int64(len(events))
	p.mu.Unlock()

	if advanced && p.wmStore != nil {
		// Persistence is best effort; a failed save means re-capture
		// after restart, which consumers already tolerate.
		if err := p.wmStore.Save(ctx, table, maxSeen); err != nil {
			p.logger.WithField("table", table).WithError(err).Warn("persist watermark failed")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"table":  table,
		"events": len(events),
	}).Debug("dispatched change events")
	return nil
}

func (p *Poller) resolveTable(ctx context.Context, table string) (string, error) {
	p.mu.Lock()
	physical, ok := p.resolved[table]
	p.mu.Unlock()
	if ok {
		return physical, nil
	}

	physical, found, err := p.source.Resolve(ctx, table)
	if err != nil {
		return "", err
	}
	if !found {
		p.logger.WithField("table", table).Warn("configured table not found in catalog, skipping")
		return "", nil
	}
	p.mu.Lock()
	p.resolved[table] = physical
	p.mu.Unlock()
	return physical, nil
}

func (p *Poller) refreshStatus() {
	p.mu.Lock()
	watched := 0
	for range p.watermarks {
		watched++
	}
	p.status.TablesWatched = watched
	p.mu.Unlock()
}
