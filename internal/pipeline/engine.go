package pipeline

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/cvr"
)

// Engine owns one Driver per client group, creating them on demand. It
// mirrors crdt.Engine's role of being the single entry point a service
// uses to reach per-group pipeline state without managing a map of its
// own.
type Engine struct {
	mu      sync.RWMutex
	source  Source
	drivers map[cvr.GroupID]*Driver
	logger  zerolog.Logger
}

// NewEngine constructs an Engine reading from source.
func NewEngine(source Source, logger zerolog.Logger) *Engine {
	return &Engine{
		source:  source,
		drivers: map[cvr.GroupID]*Driver{},
		logger:  logger,
	}
}

// Driver returns the pipeline driver for a group, creating it if this
// is the first time the group has been seen.
func (e *Engine) Driver(groupID cvr.GroupID) *Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drivers[groupID]
	if ok {
		return d
	}
	d = NewDriver(e.source, e.logger.With().Str("group_id", string(groupID)).Logger())
	e.drivers[groupID] = d
	return d
}

// Groups returns every group currently holding a driver.
func (e *Engine) Groups() []cvr.GroupID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]cvr.GroupID, 0, len(e.drivers))
	for id := range e.drivers {
		out = append(out, id)
	}
	return out
}

// Drop discards a group's driver entirely, used when the View Syncer
// evicts an idle group from memory.
func (e *Engine) Drop(groupID cvr.GroupID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.drivers, groupID)
}
