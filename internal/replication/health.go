package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus is the advisory verdict over the replication objects.
// Consumed by readiness endpoints; never gates the capture loops.
type HealthStatus struct {
	IsHealthy   bool
	Slot        SlotStatus
	LagMs       int64
	Issues      []string
	LastChecked time.Time
}

// MonitorConfig tunes the health checks.
type MonitorConfig struct {
	SlotName string
	Interval time.Duration
	// LagThresholdBytes above which lag is reported as an issue.
	LagThresholdBytes int64
	// ThroughputBytesPerSec converts byte lag into an estimated
	// time lag.
	ThroughputBytesPerSec int64
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.LagThresholdBytes <= 0 {
		c.LagThresholdBytes = 64 << 20
	}
	if c.ThroughputBytesPerSec <= 0 {
		c.ThroughputBytesPerSec = 1 << 20
	}
}

// Monitor periodically inspects the slot and server settings and derives
// a health verdict with a diagnostic issue list.
type Monitor struct {
	admin  Admin
	logger *logrus.Logger
	cfg    MonitorConfig

	mu     sync.Mutex
	latest HealthStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor returns a health monitor for the configured slot.
func NewMonitor(admin Admin, cfg MonitorConfig, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.applyDefaults()
	return &Monitor{admin: admin, logger: logger, cfg: cfg}
}

// Start launches the check loop on its own timer.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		m.logger.Warn("replication health monitor already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(loopCtx)
}

// Stop cancels the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// GetHealthStatus returns a snapshot copy of the latest verdict.
func (m *Monitor) GetHealthStatus() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.latest
	status.Issues = append([]string(nil), m.latest.Issues...)
	return status
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.runCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx)
		}
	}
}

// Check runs one health check immediately and returns the verdict. Used
// by operator tooling outside the loop.
func (m *Monitor) Check(ctx context.Context) HealthStatus {
	m.runCheck(ctx)
	return m.GetHealthStatus()
}

func (m *Monitor) runCheck(ctx context.Context) {
	status := m.checkOnce(ctx)
	m.mu.Lock()
	m.latest = status
	m.mu.Unlock()
	if !status.IsHealthy {
		m.logger.WithFields(logrus.Fields{
			"slot":   m.cfg.SlotName,
			"issues": strings.Join(status.Issues, "; "),
		}).Warn("replication unhealthy")
	}
}

// checkOnce produces one verdict. A check failure becomes an issue in the
// verdict, never an error to the caller.
func (m *Monitor) checkOnce(ctx context.Context) HealthStatus {
	status := HealthStatus{LastChecked: time.Now().UTC()}

	if err := m.admin.Ping(ctx); err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("database unreachable: %v", err))
		return status
	}

	slot, found, err := m.admin.SlotStatus(ctx, m.cfg.SlotName)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("query slot %s: %v", m.cfg.SlotName, err))
		return status
	}
	if !found {
		status.Issues = append(status.Issues, fmt.Sprintf("slot %s does not exist", m.cfg.SlotName))
		return status
	}
	status.Slot = slot
	status.LagMs = slot.LagBytes * 1000 / m.cfg.ThroughputBytesPerSec

	if !slot.Active {
		status.Issues = append(status.Issues, fmt.Sprintf("slot %s is inactive", m.cfg.SlotName))
		m.diagnoseInactive(ctx, slot, &status)
	}
	if slot.ConfirmedFlushLSN == 0 {
		status.Issues = append(status.Issues, "confirmed flush position is uninitialized")
	}
	if slot.LagBytes > m.cfg.LagThresholdBytes {
		status.Issues = append(status.Issues,
			fmt.Sprintf("lag %d bytes exceeds threshold %d", slot.LagBytes, m.cfg.LagThresholdBytes))
	}

	status.IsHealthy = len(status.Issues) == 0
	return status
}

// diagnoseInactive distinguishes a slot idly awaiting reconnection from a
// structurally misconfigured server.
func (m *Monitor) diagnoseInactive(ctx context.Context, slot SlotStatus, status *HealthStatus) {
	if slot.ActivePID != nil {
		status.Issues = append(status.Issues,
			fmt.Sprintf("slot reported inactive but pid %d still holds it", *slot.ActivePID))
	}

	diag, err := m.admin.Diagnostics(ctx)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("read server diagnostics: %v", err))
		return
	}
	if !strings.EqualFold(diag.WALLevel, "logical") {
		status.Issues = append(status.Issues,
			fmt.Sprintf("wal_level is %s, logical decoding disabled", diag.WALLevel))
	}
	if diag.MaxWALSenders < 1 {
		status.Issues = append(status.Issues, "max_wal_senders is 0, no sender process can start")
	}
	if diag.WALSenderCount == 0 {
		status.Issues = append(status.Issues, "no wal sender process is running")
	}
}
