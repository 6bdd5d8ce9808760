package viewsyncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/client"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/fanout"
	"github.com/example/sync-vector-engine/internal/pipeline"
	"github.com/example/sync-vector-engine/internal/version"
)

// Manager owns the map of running Services, one per client group,
// created lazily on first contact and torn down once a group goes
// idle. It implements client.Service, making it the single seam
// between the WebSocket gateway and the CVR/pipeline core.
type Manager struct {
	mu        sync.Mutex
	services  map[cvr.GroupID]*Service
	store     *cvr.Store
	engine    *pipeline.Engine
	source    pipeline.Source
	fanout    *fanout.Fanout
	logger    zerolog.Logger
	keepalive time.Duration
}

// NewManager builds a Manager. keepalive is how long a client group's
// service stays resident after its last client disconnects before the
// group is evicted from memory; zero or negative disables idle
// eviction. fan may be nil, disabling cross-instance signaling — every
// service then assumes it's the group's sole owner.
func NewManager(store *cvr.Store, engine *pipeline.Engine, source pipeline.Source, fan *fanout.Fanout, logger zerolog.Logger, keepalive time.Duration) *Manager {
	return &Manager{
		services:  map[cvr.GroupID]*Service{},
		store:     store,
		engine:    engine,
		source:    source,
		fanout:    fan,
		logger:    logger,
		keepalive: keepalive,
	}
}

// serviceFor returns the running Service for groupID, starting one if
// this is the first time the group has been seen since the last time
// it went idle.
func (m *Manager) serviceFor(groupID cvr.GroupID) *Service {
	m.mu.Lock()
	defer m.mu.Unlock()

	if svc, ok := m.services[groupID]; ok {
		return svc
	}

	ctx, cancel := context.WithCancel(context.Background())
	driver := m.engine.Driver(groupID)
	logger := m.logger.With().Str("group_id", string(groupID)).Logger()
	svc := newService(groupID, m.store, driver, m.source, m.fanout, logger, m.keepalive, cancel)
	m.services[groupID] = svc
	activeServices.Inc()

	go func() {
		svc.run(ctx)
		m.mu.Lock()
		delete(m.services, groupID)
		m.mu.Unlock()
		m.engine.Drop(groupID)
		activeServices.Dec()
	}()

	return svc
}

// InitConnection implements client.Service.
func (m *Manager) InitConnection(ctx context.Context, conn *client.Connection, baseVersion version.Version, desired []client.UpstreamPatch) error {
	svc := m.serviceFor(cvr.GroupID(conn.GroupID()))
	return svc.initConnection(ctx, conn, desired)
}

// ChangeDesiredQueries implements client.Service.
func (m *Manager) ChangeDesiredQueries(ctx context.Context, groupID, clientID string, epoch client.ConnEpoch, desired []client.UpstreamPatch) error {
	svc := m.serviceFor(cvr.GroupID(groupID))
	return svc.changeDesiredQueries(ctx, clientID, epoch, desired)
}

// Disconnect implements client.Service. It never creates a service: a
// group with no running service has no connection left to disconnect.
func (m *Manager) Disconnect(groupID, clientID string, epoch client.ConnEpoch) {
	m.mu.Lock()
	svc, ok := m.services[cvr.GroupID(groupID)]
	m.mu.Unlock()
	if !ok {
		return
	}
	svc.disconnect(clientID, epoch)
}

// Stop cancels every running service, used at process shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services {
		svc.stop()
	}
}
