package cdc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventFunc consumes a single change event. Returned errors are logged by
// the registry and never propagate to sibling handlers.
type EventFunc func(ctx context.Context, event ChangeEvent) error

// Registry maps table names to ordered handler lists and fans events out.
// Catch-all handlers registered through SubscribeAll are always invoked
// after table-specific handlers so specific handlers keep priority without
// suppressing generic auditing.
type Registry struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	handlers map[string][]EventFunc
	catchAll []EventFunc
}

// NewRegistry returns an empty dispatch registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string][]EventFunc),
	}
}

// Subscribe registers a handler for one table. Multiple handlers per table
// are invoked in registration order. Table matching is case-insensitive.
func (r *Registry) Subscribe(table string, fn EventFunc) {
	if table == "" || fn == nil {
		return
	}
	key := strings.ToLower(table)
	r.mu.Lock()
	r.handlers[key] = append(r.handlers[key], fn)
	r.mu.Unlock()
}

// SubscribeAll registers a catch-all handler invoked for every table.
func (r *Registry) SubscribeAll(fn EventFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.catchAll = append(r.catchAll, fn)
	r.mu.Unlock()
}

// Unsubscribe removes every table-specific handler for the given table.
func (r *Registry) Unsubscribe(table string) {
	r.mu.Lock()
	delete(r.handlers, strings.ToLower(table))
	r.mu.Unlock()
}

// HandlerCount returns the number of handlers that would run for a table.
func (r *Registry) HandlerCount(table string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[strings.ToLower(table)]) + len(r.catchAll)
}

// Dispatch invokes every matching handler concurrently and waits for all of
// them. A failing or panicking handler is logged and does not prevent its
// siblings from running.
func (r *Registry) Dispatch(ctx context.Context, event ChangeEvent) {
	r.mu.RLock()
	specific := r.handlers[strings.ToLower(event.TableName)]
	fns := make([]EventFunc, 0, len(specific)+len(r.catchAll))
	fns = append(fns, specific...)
	fns = append(fns, r.catchAll...)
	r.mu.RUnlock()

	if len(fns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func(fn EventFunc) {
			defer wg.Done()
			if err := r.invoke(ctx, fn, event); err != nil {
				r.logger.WithFields(logrus.Fields{
					"table":     event.QualifiedTable(),
					"operation": event.Operation,
				}).WithError(err).Error("change event handler failed")
			}
		}(fn)
	}
	wg.Wait()
}

func (r *Registry) invoke(ctx context.Context, fn EventFunc, event ChangeEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(ctx, event)
}
