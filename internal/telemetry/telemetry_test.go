package telemetry

import "testing"

func TestTracerName_ScopedUnderServiceName(t *testing.T) {
	t.Cleanup(func() { SetServiceName(defaultService) })

	if got := tracerName("poller"); got != "pgdrift/poller" {
		t.Fatalf("default service not applied: %q", got)
	}

	SetServiceName("cdc-bridge")
	if got := tracerName("replication"); got != "cdc-bridge/replication" {
		t.Fatalf("configured service not applied: %q", got)
	}
	if got := tracerName(""); got != "cdc-bridge" {
		t.Fatalf("empty component must yield the bare service name: %q", got)
	}

	// Empty names keep the current service.
	SetServiceName("")
	if got := tracerName("poller"); got != "cdc-bridge/poller" {
		t.Fatalf("empty override must be ignored: %q", got)
	}
}
