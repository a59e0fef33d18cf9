package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultService = "pgdrift"

var (
	mu      sync.RWMutex
	service = defaultService
)

// SetServiceName overrides the service prefix used for tracer names.
// Called once at startup, before components are constructed; empty names
// are ignored.
func SetServiceName(name string) {
	if name == "" {
		return
	}
	mu.Lock()
	service = name
	mu.Unlock()
}

// Tracer returns a named tracer for a component, scoped under the
// configured service name.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(tracerName(component))
}

func tracerName(component string) string {
	mu.RLock()
	defer mu.RUnlock()
	if component == "" {
		return service
	}
	return service + "/" + component
}
