package tasksync

import (
	"fmt"

	"github.com/p-blackswan/tasksync/internal/store"
)

// IsTerminal reports whether a sync operation has finished.
func IsTerminal(s store.SyncStatus) bool {
	switch s {
	case store.SyncSynced, store.SyncError:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to store.SyncStatus) bool {
	switch from {
	case store.SyncPending:
		return to == store.SyncSyncing
	case store.SyncSyncing:
		return to == store.SyncSynced || to == store.SyncError
	default:
		return false
	}
}

// machine tracks the state of one sync operation:
// pending -> syncing -> synced | error.
type machine struct {
	taskID string
	state  store.SyncStatus
}

func newMachine(taskID string) *machine {
	return &machine{taskID: taskID, state: store.SyncPending}
}

func (m *machine) transition(to store.SyncStatus) error {
	if !isAllowedTransition(m.state, to) {
		return fmt.Errorf("disallowed transition for task %q: %s -> %s", m.taskID, m.state, to)
	}
	m.state = to
	return nil
}
