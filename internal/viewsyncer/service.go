// Package viewsyncer implements the View Syncer's orchestrator: one
// Service per client group, owning the single fair lock that
// serializes every mutation of that group's CVR snapshot, pipeline
// driver, and connected-client set. Manager owns the map of running
// services.
package viewsyncer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/client"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/fanout"
	"github.com/example/sync-vector-engine/internal/pipeline"
	"github.com/example/sync-vector-engine/internal/verr"
	"github.com/example/sync-vector-engine/internal/version"
)

// Service is the cooperative, single-threaded owner of one client
// group's CVR and pipeline driver. Every mutation of cvr, clients, or
// the driver happens while lock is held; suspension points inside the
// lock (storage I/O, pipeline hydration, poker sends) are safe only
// because no other goroutine may observe this Service's state while
// one holder has it.
type Service struct {
	groupID cvr.GroupID
	store   *cvr.Store
	driver  *pipeline.Driver
	source  pipeline.Source
	logger  zerolog.Logger
	lock    *Lock
	fanout  *fanout.Fanout

	keepalive time.Duration
	idleCh    chan struct{}
	idleTimer *time.Timer

	cvr     cvr.CVR
	clients map[string]*client.Connection

	cancel context.CancelFunc
}

func newService(groupID cvr.GroupID, store *cvr.Store, driver *pipeline.Driver, source pipeline.Source, fan *fanout.Fanout, logger zerolog.Logger, keepalive time.Duration, cancel context.CancelFunc) *Service {
	return &Service{
		groupID:   groupID,
		store:     store,
		driver:    driver,
		source:    source,
		fanout:    fan,
		logger:    logger,
		lock:      NewLock(),
		keepalive: keepalive,
		idleCh:    make(chan struct{}, 1),
		clients:   map[string]*client.Connection{},
		cancel:    cancel,
	}
}

func newPokeID() string { return ulid.Make().String() }

// run drives the service's lifecycle: load the CVR, hydrate queries
// unchanged since the last run, then alternate between replica
// advancements and idle-timeout checks until ctx is canceled or the
// group goes idle past keepalive.
func (s *Service) run(ctx context.Context) {
	if err := s.lock.Acquire(ctx); err != nil {
		return
	}
	snapshot, err := s.store.Load(ctx, s.groupID)
	if err != nil {
		s.logger.Error().Err(err).Msg("load cvr failed")
		s.lock.Release()
		return
	}
	s.cvr = snapshot
	if err := s.hydrateUnchangedQueries(ctx); err != nil {
		s.logger.Error().Err(err).Msg("hydrate unchanged queries failed")
		s.lock.Release()
		return
	}
	if err := s.syncQueryPipelineSet(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sync query pipeline set failed")
		s.lock.Release()
		return
	}
	s.lock.Release()

	changes, errs := s.source.Changes(ctx, s.driver.CurrentVersion())
	sigCh, sigErrs := s.fanout.Watch(ctx, s.groupID)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				s.logger.Error().Err(err).Msg("replica change stream failed")
			}
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := s.lock.Acquire(ctx); err != nil {
				return
			}
			s.processChange(ctx, change)
			s.lock.Release()
		case <-s.idleCh:
			if err := s.lock.Acquire(ctx); err != nil {
				return
			}
			idle := len(s.clients) == 0
			s.lock.Release()
			if idle {
				return
			}
		case sig, ok := <-sigCh:
			if !ok {
				sigCh = nil
				continue
			}
			if s.peerSuperseded(ctx, sig) {
				s.logger.Warn().Str("peer_instance", sig.InstanceID).Msg("peer instance flushed a newer cvr version for this group; stepping aside")
				s.closeAllClients(ctx)
				return
			}
		case <-sigErrs:
			sigErrs = nil
		}
	}
}

// peerSuperseded reports whether sig announces a version this instance
// never produced itself and hasn't yet observed — evidence that some
// other instance is also running a service for this group, which
// should only happen transiently during a gateway rebalance.
func (s *Service) peerSuperseded(ctx context.Context, sig fanout.Signal) bool {
	if err := s.lock.Acquire(ctx); err != nil {
		return false
	}
	defer s.lock.Release()
	return version.LessThan(s.cvr.Version, sig.Version())
}

// closeAllClients drops every connected client so it reconnects through
// the gateway and lands on whichever instance actually owns the group.
func (s *Service) closeAllClients(ctx context.Context) {
	if err := s.lock.Acquire(ctx); err != nil {
		return
	}
	for _, conn := range s.clients {
		conn.Close()
	}
	s.clients = map[string]*client.Connection{}
	s.lock.Release()
}

func (s *Service) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// hydrateUnchangedQueries primes the in-memory pipeline driver with
// every already-got query so its materialized row sets match the
// durably persisted CVR before the first replica advancement — this
// is priming, not a CVR mutation, so its hydration output is
// discarded rather than flushed or poked.
func (s *Service) hydrateUnchangedQueries(ctx context.Context) error {
	for hash, q := range s.cvr.Queries {
		if q.Got() {
			s.driver.AddQuery(hash, q.AST)
		}
	}
	_, err := s.driver.Init(ctx)
	return err
}

// syncQueryPipelineSet reconciles the pipeline driver's tracked query
// set against the CVR's desired set, converging whatever
// hydrateUnchangedQueries left out of sync: a query the CVR desires
// but the driver isn't tracking (stranded desired-but-not-got across a
// crash, or newly desired since the CVR was last flushed) gets
// hydrated; a query the driver tracks but the CVR no longer desires
// (orphaned got query) gets dropped. Without this, a crash between a
// query becoming desired and its hydration flush — or between a query
// becoming undesired and its removal flush — would never self-heal on
// restart.
func (s *Service) syncQueryPipelineSet(ctx context.Context) error {
	toAdd, toRemove := diffQueryPipelineSet(s.driver.TrackedQueries(), s.cvr.Queries)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return nil
	}
	return s.addAndRemoveQueries(ctx, toAdd, toRemove)
}

// diffQueryPipelineSet computes the convergence toAdd/toRemove sets
// between what the pipeline driver tracks and what the CVR desires.
func diffQueryPipelineSet(tracked []cvr.QueryHash, queries map[cvr.QueryHash]cvr.Query) (toAdd map[cvr.QueryHash]ast.Query, toRemove []cvr.QueryHash) {
	trackedSet := make(map[cvr.QueryHash]struct{}, len(tracked))
	for _, hash := range tracked {
		trackedSet[hash] = struct{}{}
	}

	toAdd = map[cvr.QueryHash]ast.Query{}
	for hash, q := range queries {
		if !q.Desired() {
			continue
		}
		if _, ok := trackedSet[hash]; !ok {
			toAdd[hash] = q.AST
		}
	}

	for hash := range trackedSet {
		if q, ok := queries[hash]; !ok || !q.Desired() {
			toRemove = append(toRemove, hash)
		}
	}
	return toAdd, toRemove
}

// initConnection handles the initConnection RPC: register the
// connection, apply its initial desired-query patch, hydrate any
// newly desired query, and catch the client up to the current
// version.
func (s *Service) initConnection(ctx context.Context, conn *client.Connection, desired []client.UpstreamPatch) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()

	clientID := conn.ClientID()
	if prior, ok := s.clients[clientID]; ok && prior != conn {
		prior.Close()
	}
	s.clients[clientID] = conn
	s.disarmIdleTimer()

	cfg := cvr.NewConfigUpdater(s.cvr, s.logger)
	if _, ok := s.cvr.Clients[cvr.ClientID(clientID)]; !ok {
		cfg.PutClient(cvr.ClientID(clientID))
	}
	added, touched, err := s.applyDesiredPatch(cfg, cvr.ClientID(clientID), desired)
	if err != nil {
		return err
	}
	updated, err := cfg.Flush(ctx, s.store)
	if err != nil {
		return err
	}
	s.cvr = updated
	s.publishVersion(ctx)

	if err := s.addAndRemoveQueries(ctx, added, touched); err != nil {
		return err
	}

	return s.catchupClient(ctx, conn)
}

// changeDesiredQueries handles the changeDesiredQueries RPC for an
// already-connected client.
func (s *Service) changeDesiredQueries(ctx context.Context, clientID string, epoch client.ConnEpoch, desired []client.UpstreamPatch) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()

	conn, ok := s.clients[clientID]
	if !ok || conn.Epoch() != epoch {
		return verr.New(verr.StaleConnection, "changeDesiredQueries for unknown or stale connection")
	}

	cfg := cvr.NewConfigUpdater(s.cvr, s.logger)
	added, touched, err := s.applyDesiredPatch(cfg, cvr.ClientID(clientID), desired)
	if err != nil {
		return err
	}
	updated, err := cfg.Flush(ctx, s.store)
	if err != nil {
		return err
	}
	s.cvr = updated
	s.publishVersion(ctx)

	if err := s.addAndRemoveQueries(ctx, added, touched); err != nil {
		return err
	}

	return s.catchupClient(ctx, conn)
}

// disconnect drops a connection from the service's live client set.
// The CVR's client record survives: a disconnect is not a delete, and
// a reconnecting client resumes from its last acknowledged cookie.
func (s *Service) disconnect(clientID string, epoch client.ConnEpoch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lock.Acquire(ctx); err != nil {
		return
	}
	defer s.lock.Release()

	conn, ok := s.clients[clientID]
	if !ok || conn.Epoch() != epoch {
		return
	}
	delete(s.clients, clientID)
	if len(s.clients) == 0 {
		s.armIdleTimer()
	}
}

func (s *Service) armIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.keepalive <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(s.keepalive, func() {
		select {
		case s.idleCh <- struct{}{}:
		default:
		}
	})
}

func (s *Service) disarmIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// applyDesiredPatch stages a client's desiredQueriesPatch entries
// against cfg, returning the queries newly introduced by a put (so
// the caller can hydrate them) and every hash touched by a del/clear
// (so the caller can check whether it became undesired and needs
// reconciling).
func (s *Service) applyDesiredPatch(cfg *cvr.ConfigUpdater, clientID cvr.ClientID, patches []client.UpstreamPatch) (added map[cvr.QueryHash]ast.Query, touched []cvr.QueryHash, err error) {
	added = map[cvr.QueryHash]ast.Query{}
	for _, p := range patches {
		switch p.Op {
		case "put":
			if p.AST == nil {
				return nil, nil, verr.New(verr.BadRequest, "put desired query missing ast")
			}
			hash := cvr.QueryHash(p.Hash)
			if hash == "" {
				hash = cvr.QueryHash(ast.TransformationHash(*p.AST))
			}
			cfg.PutDesiredQueries(clientID, map[cvr.QueryHash]cvr.Query{hash: {ID: hash, AST: *p.AST}})
			if existing, ok := s.cvr.Queries[hash]; !ok || !existing.Got() {
				added[hash] = *p.AST
			}
		case "del":
			hash := cvr.QueryHash(p.Hash)
			cfg.DeleteDesiredQueries(clientID, []cvr.QueryHash{hash})
			touched = append(touched, hash)
		case "clear":
			if c, ok := s.cvr.Clients[clientID]; ok {
				touched = append(touched, c.DesiredQueryIDs...)
			}
			cfg.ClearDesiredQueries(clientID)
		default:
			return nil, nil, verr.New(verr.BadRequest, fmt.Sprintf("unknown desired-query op %q", p.Op))
		}
	}
	return added, touched, nil
}

// addAndRemoveQueries hydrates every newly desired query and
// reconciles every query that a del/clear may have left undesired,
// staging a patch set and flushing it once per logical operation.
func (s *Service) addAndRemoveQueries(ctx context.Context, added map[cvr.QueryHash]ast.Query, touched []cvr.QueryHash) error {
	if len(added) > 0 {
		for hash, q := range added {
			s.driver.AddQuery(hash, q)
		}
		changes, err := s.driver.Init(ctx)
		if err != nil {
			return verr.Wrap(verr.Fatal, "hydrate newly desired queries", err)
		}

		qu := cvr.NewQueryUpdaterMinorBump(s.cvr, s.logger)
		qu.TrackQueries(added)
		if err := stageRowChanges(ctx, s.store, qu, changes); err != nil {
			return err
		}
		updated, err := qu.Flush(ctx, s.store)
		if err != nil {
			return err
		}
		s.cvr = updated
		s.publishVersion(ctx)
	}

	var dropped []cvr.QueryHash
	for _, hash := range touched {
		if q, ok := s.cvr.Queries[hash]; !ok || !q.Desired() {
			dropped = append(dropped, hash)
		}
	}
	if len(dropped) == 0 {
		return nil
	}

	qu := cvr.NewQueryUpdaterMinorBump(s.cvr, s.logger)
	for _, hash := range dropped {
		var rowIDs []cvr.RowID
		for id, row := range s.cvr.Rows {
			if _, referenced := row.RefCounts[hash]; referenced {
				rowIDs = append(rowIDs, id)
			}
		}
		qu.Unreceived(hash, rowIDs)
		qu.DeleteQuery(hash)
		s.driver.RemoveQuery(hash)
	}
	qu.DeleteUnreferencedRows()
	updated, err := qu.Flush(ctx, s.store)
	if err != nil {
		return err
	}
	s.cvr = updated
	s.publishVersion(ctx)
	return nil
}

// processChange advances the pipeline for one replica change and
// pokes every affected, connected client with the resulting row
// deltas.
func (s *Service) processChange(ctx context.Context, change pipeline.ReplicaChange) {
	rowChanges := s.driver.Advance(change)
	if len(rowChanges) == 0 {
		return
	}

	qu := cvr.NewQueryUpdater(s.cvr, change.Version.StateVersion, s.logger)
	if err := stageRowChanges(ctx, s.store, qu, rowChanges); err != nil {
		s.logger.Error().Err(err).Msg("stage row changes failed")
		return
	}
	qu.DeleteUnreferencedRows()
	updated, err := qu.Flush(ctx, s.store)
	if err != nil {
		s.logger.Error().Err(err).Msg("flush query updater failed")
		return
	}

	from := s.cvr.Version
	s.cvr = updated
	s.publishVersion(ctx)
	s.pokeAllClients(ctx, from, rowChanges)
}

// publishVersion tells the fleet this instance just flushed s.cvr's
// current version, so a peer instance still running a service for the
// same group (a gateway rebalance landed two instances on it at once)
// notices and steps aside. Publish errors are logged, not fatal — a
// dropped signal only delays, never breaks, the step-aside.
func (s *Service) publishVersion(ctx context.Context) {
	if err := s.fanout.Publish(ctx, s.groupID, s.cvr.Version); err != nil {
		s.logger.Warn().Err(err).Msg("publish version signal failed")
	}
}

// pokeAllClients delivers one poke per connected client for the
// version increment just flushed. A client whose acknowledged version
// already lags behind the delta's starting point gets a full
// catch-up instead, since the incremental delta alone can't bring it
// current.
func (s *Service) pokeAllClients(ctx context.Context, from version.Version, changes []pipeline.RowChange) {
	if len(s.clients) == 0 {
		return
	}
	to := s.cvr.Version
	for _, conn := range s.clients {
		if version.LessThan(conn.Version(), from) {
			if err := s.catchupClient(ctx, conn); err != nil {
				s.logger.Warn().Err(err).Str("client", conn.ClientID()).Msg("catchup after replica advance failed")
				conn.Close()
			}
			continue
		}

		poker := conn.StartPoke(newPokeID(), to)
		for _, c := range changes {
			q, ok := s.cvr.Queries[c.Query]
			if !ok || !desiresQuery(q, conn.ClientID()) {
				continue
			}
			switch c.Op {
			case cvr.PatchPut:
				poker.AddRowPatch(cvr.RowPatch{Op: cvr.PatchPut, ID: c.Row, RowVersion: rowVersionOf(c.Contents), Contents: c.Contents, PatchVersion: to})
			case cvr.PatchDel:
				poker.AddRowPatch(cvr.RowPatch{Op: cvr.PatchDel, ID: c.Row, PatchVersion: to})
			}
		}
		s.notePokeOutcome(poker.End())
	}
}

// catchupClient streams every config and row patch the client hasn't
// yet acknowledged, materializing row contents for every surviving
// row patch via the pipeline driver. Every row the client is behind
// on — whether produced by a replica advance or by this group's own
// query hydration — reaches the client exactly once this way, since
// it's the only delivery path a catching-up client goes through.
func (s *Service) catchupClient(ctx context.Context, conn *client.Connection) error {
	from := conn.Version()
	to := s.cvr.Version
	if !version.LessThan(from, to) {
		return nil
	}

	cfgPatches, err := s.store.CatchupConfigPatches(ctx, s.groupID, from, to)
	if err != nil {
		return err
	}

	poker := conn.StartPoke(newPokeID(), to)
	for _, p := range cfgPatches.Clients {
		poker.AddClientPatch(p)
	}
	for _, p := range cfgPatches.Queries {
		// A query deleted outright (Op == PatchDel) or only desired, not
		// yet got, is reported on the desired-query stream; only a got
		// query is reported on the got-query stream, so a catching-up
		// client never learns a merely-desired query is already hydrated.
		if p.Op == cvr.PatchPut && p.TransformationHash != "" {
			poker.AddGotQueryPatch(p)
			continue
		}
		poker.AddDesiredQueryPatch(p)
	}

	rows, err := s.store.CatchupRowPatches(ctx, s.groupID, from, to, nil)
	if err != nil {
		poker.Fail(err)
		s.notePokeOutcome(err)
		return err
	}
	defer rows.Close()

	rowCount := 0
	for rows.Next() {
		patch := rows.Patch()
		if patch.Op == cvr.PatchPut {
			contents, ok := s.materializeRow(patch)
			if !ok {
				err := verr.New(verr.Internal, fmt.Sprintf("catchup row %+v vanished from pipeline", patch.ID))
				poker.Fail(err)
				s.notePokeOutcome(err)
				return err
			}
			patch.Contents = contents
		}
		poker.AddRowPatch(patch)
		rowCount++
	}
	if err := rows.Err(); err != nil {
		poker.Fail(err)
		s.notePokeOutcome(err)
		return err
	}

	s.logger.Debug().Str("client", conn.ClientID()).Str("rows", humanize.Comma(int64(rowCount))).Msg("catchup row patches staged")

	err = poker.End()
	s.notePokeOutcome(err)
	return err
}

func (s *Service) materializeRow(patch cvr.RowPatch) (map[string]any, bool) {
	for hash := range patch.RefCounts {
		if row, ok := s.driver.GetRow(hash, patch.ID); ok {
			return row, true
		}
	}
	return nil, false
}

func (s *Service) notePokeOutcome(err error) {
	if err != nil {
		pokesSent.WithLabelValues("error").Inc()
		return
	}
	pokesSent.WithLabelValues("ok").Inc()
}

// stageRowChanges groups pipeline row changes by query and stages
// them against a QueryUpdater: puts via Received (with each row's
// already-known identity threaded through Received's idFor callback
// rather than re-derived from its contents), deletes via Unreceived.
// store is passed through to Received so a query whose result set
// spans more than one page can flush mid-stage without the caller
// needing to know that happened.
func stageRowChanges(ctx context.Context, store *cvr.Store, qu *cvr.QueryUpdater, changes []pipeline.RowChange) error {
	byQueryPut := map[cvr.QueryHash][]pipeline.RowChange{}
	byQueryDel := map[cvr.QueryHash][]cvr.RowID{}
	for _, c := range changes {
		switch c.Op {
		case cvr.PatchPut:
			byQueryPut[c.Query] = append(byQueryPut[c.Query], c)
		case cvr.PatchDel:
			byQueryDel[c.Query] = append(byQueryDel[c.Query], c.Row)
		}
	}

	for hash, puts := range byQueryPut {
		rows := make([]map[string]any, len(puts))
		ids := make([]cvr.RowID, len(puts))
		for i, c := range puts {
			rows[i] = c.Contents
			ids[i] = c.Row
		}
		idx := 0
		err := qu.Received(ctx, store, hash, rows, func(map[string]any) (cvr.RowID, error) {
			id := ids[idx]
			idx++
			return id, nil
		})
		if err != nil {
			return err
		}
	}
	for hash, rowIDs := range byQueryDel {
		qu.Unreceived(hash, rowIDs)
	}
	return nil
}

func desiresQuery(q cvr.Query, clientID string) bool {
	if q.Internal {
		return true
	}
	_, ok := q.DesiredBy[cvr.ClientID(clientID)]
	return ok
}

func rowVersionOf(contents map[string]any) string {
	if v, ok := contents["_0_version"].(string); ok {
		return v
	}
	return ""
}
