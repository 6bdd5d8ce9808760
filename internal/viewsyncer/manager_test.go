package viewsyncer

import (
	"testing"

	"github.com/example/sync-vector-engine/internal/client"
)

// TestManagerDisconnectWithNoRunningServiceIsNoop exercises the one
// Manager codepath that never touches durable storage: Disconnect for
// a group that was never connected to must not create a service (and
// therefore must not attempt to load a CVR) just to discover there's
// nothing to disconnect.
func TestManagerDisconnectWithNoRunningServiceIsNoop(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, discardLogger(), 0)
	m.Disconnect("group-1", "alice", client.ConnEpoch("epoch-1"))

	if len(m.services) != 0 {
		t.Fatalf("expected Disconnect on an unknown group to leave the service map empty, got %d entries", len(m.services))
	}
}

func TestManagerStopOnEmptyManagerIsNoop(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, discardLogger(), 0)
	m.Stop()
}
