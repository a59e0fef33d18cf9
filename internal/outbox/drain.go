package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EntryStore is the persistence surface the drain worker needs.
type EntryStore interface {
	FetchUnprocessed(ctx context.Context, limit int) ([]Entry, error)
	MarkProcessed(ctx context.Context, entry *Entry) error
	Reload(ctx context.Context, entry *Entry) error
}

// EntryHandler delivers one entry downstream before it is marked
// processed.
type EntryHandler func(ctx context.Context, entry Entry) error

// Worker drains unprocessed outbox entries on a fixed interval. A failing
// entry is reloaded and retried on a later tick; a systemic store failure
// backs the whole loop off 5x the normal interval.
type Worker struct {
	store     EntryStore
	handler   EntryHandler
	logger    *logrus.Logger
	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// WorkerOption configures the drain worker.
type WorkerOption func(*Worker)

func WithInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithBatchSize(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithHandler sets the delivery callback invoked before an entry is marked
// processed.
func WithHandler(handler EntryHandler) WorkerOption {
	return func(w *Worker) {
		w.handler = handler
	}
}

// NewWorker returns a drain worker over the given store.
func NewWorker(store EntryStore, logger *logrus.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	worker := &Worker{
		store:     store,
		logger:    logger,
		interval:  time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(worker)
	}
	if worker.handler == nil {
		worker.handler = func(_ context.Context, entry Entry) error {
			logger.WithFields(logrus.Fields{
				"entry_id":   entry.ID,
				"event_type": entry.EventType,
				"aggregate":  entry.AggregateType + "/" + entry.AggregateID,
			}).Info("draining outbox entry")
			return nil
		}
	}
	return worker
}

// Start launches the drain loop. Starting an already-running worker is a
// logged no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.logger.Warn("outbox drain worker already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.WithField("interval", w.interval).Info("outbox drain worker started")
}

// Stop cancels the drain loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox drain worker stopped")
			return
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.WithError(err).Error("outbox fetch failed, backing off")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * w.interval):
				}
			}
		}
	}
}

// drainOnce processes one batch. A per-entry failure reloads that entry
// and moves on; only a failed fetch is reported as systemic.
func (w *Worker) drainOnce(ctx context.Context) error {
	entries, err := w.store.FetchUnprocessed(ctx, w.batchSize)
	if err != nil {
		return err
	}
	for i := range entries {
		entry := &entries[i]
		if err := w.processEntry(ctx, entry); err != nil {
			w.logger.WithField("entry_id", entry.ID).WithError(err).Error("outbox entry failed, will retry next tick")
			if reloadErr := w.store.Reload(ctx, entry); reloadErr != nil {
				w.logger.WithField("entry_id", entry.ID).WithError(reloadErr).Warn("could not reload outbox entry")
			}
		}
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, entry *Entry) error {
	if err := w.handler(ctx, *entry); err != nil {
		return err
	}
	return w.store.MarkProcessed(ctx, entry)
}
