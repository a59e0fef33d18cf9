package replication

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/fangqiank/pgdrift/internal/telemetry"
)

// CoordState is the coordinator lifecycle state.
type CoordState string

const (
	CoordIdle         CoordState = "idle"
	CoordProvisioning CoordState = "provisioning"
	CoordMonitoring   CoordState = "monitoring"
	CoordError        CoordState = "error"
	CoordStopped      CoordState = "stopped"
)

const maxBackoffDelay = 5 * time.Minute

// CoordinatorConfig names the replication objects the coordinator keeps
// in the desired state.
type CoordinatorConfig struct {
	SlotName          string
	Publication       string
	PublicationTables []string
	Subscription      string
	SourceConnInfo    string
	CopyData          bool

	Heartbeat            time.Duration
	BaseRetryDelay       time.Duration
	MaxConsecutiveErrors int
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 5 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 10
	}
}

// CoordinatorStatus is an observability snapshot of the coordinator.
type CoordinatorStatus struct {
	State              CoordState
	IsRunning          bool
	StartTime          time.Time
	MessagesReplicated int64
	ErrorCount         int
	LastError          string
	SubscriptionState  string
	SlotLagBytes       int64
}

// Coordinator brings the publication, slot and subscription into the
// desired state and keeps retrying with exponential backoff. After the
// configured number of consecutive failures it stops permanently and
// surfaces the last error.
type Coordinator struct {
	admin  Admin
	logger *logrus.Logger
	tracer trace.Tracer
	cfg    CoordinatorConfig

	mu     sync.Mutex
	state  CoordState
	status CoordinatorStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator returns an idle coordinator.
func NewCoordinator(admin Admin, cfg CoordinatorConfig, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.applyDefaults()
	return &Coordinator{
		admin:  admin,
		logger: logger,
		tracer: telemetry.Tracer("replication"),
		cfg:    cfg,
		state:  CoordIdle,
	}
}

// Start launches the provisioning/monitoring loop. Starting a running
// coordinator is a logged no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != CoordIdle && c.state != CoordStopped {
		c.mu.Unlock()
		c.logger.Warn("replication coordinator already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = CoordProvisioning
	c.status = CoordinatorStatus{
		State:     CoordProvisioning,
		IsRunning: true,
		StartTime: time.Now().UTC(),
	}
	c.mu.Unlock()

	go c.run(loopCtx)
	c.logger.WithFields(logrus.Fields{
		"slot":        c.cfg.SlotName,
		"publication": c.cfg.Publication,
	}).Info("replication coordinator started")
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(CoordStopped)
	c.logger.Info("replication coordinator stopped")
}

// GetStatus returns a snapshot copy of the coordinator status.
func (c *Coordinator) GetStatus() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RecordReplicated adds to the replicated-message counter. Called by the
// stream consumer feeding off this coordinator's slot.
func (c *Coordinator) RecordReplicated(n int64) {
	c.mu.Lock()
	c.status.MessagesReplicated += n
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(CoordProvisioning)
		if err := c.provision(ctx); err != nil {
			consecutiveErrors++
			c.mu.Lock()
			c.state = CoordError
			c.status.State = CoordError
			c.status.ErrorCount = consecutiveErrors
			c.status.LastError = err.Error()
			c.mu.Unlock()
			c.logger.WithError(err).WithField("attempt", consecutiveErrors).Error("replication provisioning failed")

			if consecutiveErrors >= c.cfg.MaxConsecutiveErrors {
				c.logger.WithField("errors", consecutiveErrors).Error("retry ceiling reached, stopping replication coordinator")
				c.mu.Lock()
				c.state = CoordStopped
				c.status.State = CoordStopped
				c.status.IsRunning = false
				c.mu.Unlock()
				return
			}

			delay := backoffDelay(c.cfg.BaseRetryDelay, consecutiveErrors)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		consecutiveErrors = 0
		c.mu.Lock()
		c.state = CoordMonitoring
		c.status.State = CoordMonitoring
		c.status.ErrorCount = 0
		c.mu.Unlock()

		if err := c.monitor(ctx); err != nil {
			consecutiveErrors = 1
			c.mu.Lock()
			c.state = CoordError
			c.status.State = CoordError
			c.status.ErrorCount = consecutiveErrors
			c.status.LastError = err.Error()
			c.mu.Unlock()
			c.logger.WithError(err).Warn("replication heartbeat failed, reprovisioning")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(c.cfg.BaseRetryDelay, consecutiveErrors)):
			}
		} else {
			// monitor only returns nil on cancellation
			return
		}
	}
}

// provision is idempotent and safe to re-run after partial failure.
func (c *Coordinator) provision(ctx context.Context) error {
	spanCtx, span := c.tracer.Start(ctx, "replication.provision")
	defer span.End()

	privileged, err := c.admin.HasReplicationPrivilege(spanCtx)
	if err != nil {
		return err
	}
	if !privileged {
		c.logger.Warn("current role lacks replication privilege, slot operations may fail")
	}

	created, err := c.admin.EnsurePublication(spanCtx, c.cfg.Publication, c.cfg.PublicationTables)
	if err != nil {
		return err
	}
	if created {
		c.logger.WithField("publication", c.cfg.Publication).Info("publication created")
	}

	if err := c.ensureSlot(spanCtx); err != nil {
		return err
	}

	if c.cfg.Subscription != "" {
		created, err := c.admin.EnsureSubscription(spanCtx,
			c.cfg.Subscription, c.cfg.SourceConnInfo, c.cfg.Publication, c.cfg.SlotName, c.cfg.CopyData)
		if err != nil {
			return err
		}
		if created {
			c.logger.WithField("subscription", c.cfg.Subscription).Info("subscription created")
		}
		c.mu.Lock()
		c.status.SubscriptionState = "configured"
		c.mu.Unlock()
	}
	return nil
}

// ensureSlot creates a missing slot, and resets an inactive slot only
// when its confirmed flush position is uninitialized. An active slot is
// never touched.
func (c *Coordinator) ensureSlot(ctx context.Context) error {
	status, found, err := c.admin.SlotStatus(ctx, c.cfg.SlotName)
	if err != nil {
		return err
	}
	if !found {
		if err := c.admin.CreateSlot(ctx, c.cfg.SlotName); err != nil {
			return err
		}
		c.logger.WithField("slot", c.cfg.SlotName).Info("replication slot created")
		return nil
	}
	if status.Active {
		return nil
	}

	fields := logrus.Fields{"slot": c.cfg.SlotName}
	diag, diagErr := c.admin.Diagnostics(ctx)
	if diagErr != nil {
		c.logger.WithError(diagErr).Warn("server diagnostics unavailable for inactive slot")
	} else {
		fields["wal_level"] = diag.WALLevel
		fields["max_wal_senders"] = diag.MaxWALSenders
		fields["wal_senders"] = diag.WALSenderCount
	}
	if status.ConfirmedFlushLSN == 0 {
		c.logger.WithFields(fields).Warn("inactive slot has no confirmed position, resetting")
		if err := c.admin.DropSlot(ctx, c.cfg.SlotName); err != nil {
			return err
		}
		return c.admin.CreateSlot(ctx, c.cfg.SlotName)
	}
	fields["confirmed"] = status.ConfirmedFlushLSN.String()
	c.logger.WithFields(fields).Debug("inactive slot holds a valid position, leaving it for reconnection")
	return nil
}

// monitor samples slot lag on the heartbeat interval. Returns nil on
// cancellation and an error when a heartbeat fails, which sends the loop
// back through provisioning.
func (c *Coordinator) monitor(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status, found, err := c.admin.SlotStatus(ctx, c.cfg.SlotName)
			if err != nil {
				return err
			}
			c.mu.Lock()
			if found {
				c.status.SlotLagBytes = status.LagBytes
			}
			c.mu.Unlock()
			c.logger.WithFields(logrus.Fields{
				"slot":      c.cfg.SlotName,
				"active":    found && status.Active,
				"lag_bytes": status.LagBytes,
			}).Debug("replication heartbeat")
		}
	}
}

func (c *Coordinator) setState(state CoordState) {
	c.mu.Lock()
	c.state = state
	c.status.State = state
	if state == CoordStopped {
		c.status.IsRunning = false
	}
	c.mu.Unlock()
}

// backoffDelay doubles per consecutive failure starting from base, capped
// at five minutes.
func backoffDelay(base time.Duration, errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	delay := base
	for i := 1; i < errorCount; i++ {
		delay *= 2
		if delay >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	if delay > maxBackoffDelay {
		return maxBackoffDelay
	}
	return delay
}
