package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fangqiank/pgdrift/internal/cdc"
)

// SideEffect is one fire-and-forget step triggered by a state transition.
// Failures are isolated and logged, never propagated to the dispatcher.
type SideEffect func(ctx context.Context, event cdc.ChangeEvent) error

// OrderHandler routes order-row changes to state-transition side effects.
// It demonstrates the routing pattern: inserts announce a new aggregate,
// updates that move the status column fire the matching transition chain,
// deletes run compensating cleanup.
type OrderHandler struct {
	logger      *logrus.Logger
	statusField string
	transitions map[string][]SideEffect
	onDelete    []SideEffect
	wg          sync.WaitGroup
}

// NewOrderHandler returns a handler with the default transition chains.
func NewOrderHandler(logger *logrus.Logger) *OrderHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &OrderHandler{
		logger:      logger,
		statusField: "status",
		transitions: make(map[string][]SideEffect),
	}
	h.transitions["confirmed"] = []SideEffect{h.logStep("reserve inventory")}
	h.transitions["shipped"] = []SideEffect{h.logStep("notify shipment")}
	h.transitions["delivered"] = []SideEffect{h.logStep("close order")}
	h.transitions["cancelled"] = []SideEffect{
		h.logStep("release inventory"),
		h.logStep("issue refund"),
	}
	h.onDelete = []SideEffect{h.logStep("compensating cleanup")}
	return h
}

// OnTransition replaces the side-effect chain for a status value.
func (h *OrderHandler) OnTransition(status string, effects ...SideEffect) {
	h.transitions[strings.ToLower(status)] = effects
}

// Handle is the HandlerFunc routed to order tables.
func (h *OrderHandler) Handle(ctx context.Context, event cdc.ChangeEvent) error {
	switch event.Operation {
	case cdc.OpInsert:
		h.logger.WithField("table", event.QualifiedTable()).Info("new order aggregate")
		return nil
	case cdc.OpUpdate:
		if !columnChanged(event, h.statusField) {
			return nil
		}
		status, _ := event.After[h.statusField].(string)
		chain, ok := h.transitions[strings.ToLower(status)]
		if !ok {
			h.logger.WithField("status", status).Debug("no transition chain for status")
			return nil
		}
		h.fireChain(ctx, event, status, chain)
		return nil
	case cdc.OpDelete:
		h.fireChain(ctx, event, "deleted", h.onDelete)
		return nil
	default:
		return fmt.Errorf("unknown operation %q", event.Operation)
	}
}

// fireChain runs the side effects asynchronously. A failing or panicking
// step is logged and does not stop its siblings.
func (h *OrderHandler) fireChain(ctx context.Context, event cdc.ChangeEvent, status string, chain []SideEffect) {
	for _, step := range chain {
		h.wg.Add(1)
		go func(step SideEffect) {
			defer h.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					h.logger.WithFields(logrus.Fields{
						"status": status,
						"panic":  r,
					}).Error("side effect panicked")
				}
			}()
			if err := step(ctx, event); err != nil {
				h.logger.WithField("status", status).WithError(err).Warn("side effect failed")
			}
		}(step)
	}
}

// Wait blocks until all in-flight side effects finish. Used in shutdown
// and tests.
func (h *OrderHandler) Wait() {
	h.wg.Wait()
}

func (h *OrderHandler) logStep(name string) SideEffect {
	return func(_ context.Context, event cdc.ChangeEvent) error {
		h.logger.WithFields(logrus.Fields{
			"step":  name,
			"table": event.QualifiedTable(),
		}).Info("order side effect")
		return nil
	}
}

func columnChanged(event cdc.ChangeEvent, column string) bool {
	for _, name := range event.ChangedColumns {
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// OutboxRowHandler surfaces changes on outbox-shaped tables: a fresh row
// is a pending event, a processed flip is a completed delivery.
func OutboxRowHandler(logger *logrus.Logger) HandlerFunc {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(_ context.Context, event cdc.ChangeEvent) error {
		eventType, _ := event.After["event_type"].(string)
		switch event.Operation {
		case cdc.OpInsert:
			logger.WithFields(logrus.Fields{
				"event_type": eventType,
				"table":      event.QualifiedTable(),
			}).Info("outbox event pending")
		case cdc.OpUpdate:
			if columnChanged(event, "processed") {
				logger.WithFields(logrus.Fields{
					"event_type": eventType,
					"table":      event.QualifiedTable(),
				}).Debug("outbox event drained")
			}
		}
		return nil
	}
}
