package cvr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/verr"
	"github.com/example/sync-vector-engine/internal/version"
)

// CursorPageSize bounds how many rows a single Received call stages
// before it flushes them as one page and continues, so a query
// that hydrates millions of rows never stages an unbounded patch set in
// memory.
const CursorPageSize = 10_000

// QueryUpdater stages the result of hydrating or advancing one or more
// queries: new transformation hashes, and the row reference-count
// deltas those queries produce. Unlike ConfigUpdater it always adopts a
// new replica state version, since its changes track replica data.
type QueryUpdater struct {
	base    CVR
	staged  CVR
	patches Patches
	logger  zerolog.Logger
}

// NewQueryUpdater starts a query-driven update staged against base,
// adopting newStateVersion as the replica version this update tracks.
func NewQueryUpdater(base CVR, newStateVersion string, logger zerolog.Logger) *QueryUpdater {
	staged := base.clone()
	staged.Version = version.Bump(base.Version, newStateVersion, false)
	return &QueryUpdater{base: base, staged: staged, logger: logger}
}

// NewQueryUpdaterMinorBump starts a query-driven update that reconciles
// rows and queries without a replica delta of its own — for example,
// dropping a query (and the rows that only it referenced) once its
// last desiring client disappears. It bumps the minor version, the
// same way ConfigUpdater does, instead of adopting a new state version
// the replica never actually produced.
func NewQueryUpdaterMinorBump(base CVR, logger zerolog.Logger) *QueryUpdater {
	staged := base.clone()
	staged.Version = version.Bump(base.Version, "", true)
	return &QueryUpdater{base: base, staged: staged, logger: logger}
}

// TrackQueries marks the given queries as got, recording their
// transformation hash and AST without yet attaching any rows. This is
// the only place a query's TransformationHash is ever set — merely
// desiring a query (ConfigUpdater.PutDesiredQueries) never does.
func (u *QueryUpdater) TrackQueries(queries map[QueryHash]ast.Query) {
	for hash, q := range queries {
		entry, ok := u.staged.Queries[hash]
		if !ok {
			entry = Query{ID: hash, DesiredBy: map[ClientID]version.Version{}}
		}
		entry.AST = q
		entry.TransformationHash = ast.TransformationHash(q)
		entry.TransformationVer = u.staged.Version.String()
		entry.PatchVersion = u.staged.Version
		u.staged.Queries[hash] = entry
		u.patches.Queries = append(u.patches.Queries, QueryPatch{
			Op:                 PatchPut,
			Hash:               hash,
			AST:                entry.AST,
			Internal:           entry.Internal,
			DesiredBy:          cloneDesiredBy(entry.DesiredBy),
			TransformationHash: entry.TransformationHash,
			TransformationVer:  entry.TransformationVer,
		})
	}
}

// Received stages the rows a got query currently produces. It merges
// each row's reference count for queryHash against whatever other
// queries already reference that row — a row referenced by two got
// queries keeps a ref count of 2 and is only ever resent to a client
// once, even though both queries emitted it.
//
// Each row's version is read from its "_0_version" column, the
// convention the replica ingester uses to stamp every replicated row
// with the WAL position that last touched it; rows whose column is
// missing, not a string, or empty fail with Internal rather than
// silently omitting version tracking.
//
// Rows are staged CursorPageSize at a time: once that many rows have
// accumulated in the current page, Received flushes the patches built
// so far via store and clears them before continuing, so a query
// matching millions of rows never holds an unbounded patch set in
// memory. The final partial page is left staged for the caller's own
// Flush. store may be nil only when the caller already knows rows
// will never exceed one page (as in tests).
func (u *QueryUpdater) Received(ctx context.Context, store *Store, queryHash QueryHash, rows []map[string]any, idFor func(row map[string]any) (RowID, error)) error {
	pending := 0
	for _, row := range rows {
		id, err := idFor(row)
		if err != nil {
			return verr.Wrap(verr.BadQuery, "derive row id", err)
		}
		rawVersion, ok := row["_0_version"]
		if !ok {
			return verr.New(verr.Internal, fmt.Sprintf("row %v missing _0_version", id))
		}
		rowVersion, ok := rawVersion.(string)
		if !ok || rowVersion == "" {
			return verr.New(verr.Internal, fmt.Sprintf("row %v has non-string or empty _0_version", id))
		}

		existing, ok := u.staged.Rows[id]
		if !ok {
			existing = Row{ID: id, RefCounts: map[QueryHash]int{}}
		}
		if existing.RefCounts == nil {
			existing.RefCounts = map[QueryHash]int{}
		}
		existing.RefCounts[queryHash] = existing.RefCounts[queryHash] + 1
		existing.RowVersion = rowVersion
		existing.PatchVersion = u.staged.Version
		u.staged.Rows[id] = existing

		u.patches.Rows = append(u.patches.Rows, RowPatch{
			Op:           PatchPut,
			ID:           id,
			RowVersion:   rowVersion,
			Contents:     row,
			RefCounts:    cloneRefCounts(existing.RefCounts),
			PatchVersion: u.staged.Version,
		})

		pending++
		if pending >= CursorPageSize {
			if err := u.flushPage(ctx, store); err != nil {
				return err
			}
			pending = 0
		}
	}
	return nil
}

// flushPage persists whatever has been staged so far as an intermediate
// page of a larger hydration. The first page CASes from base.Version to
// staged.Version; base.Version then becomes staged.Version, so every
// later page (and the final Flush) re-asserts staged.Version as both
// the expected and new version, and paging never changes Flush's
// overall CAS contract.
func (u *QueryUpdater) flushPage(ctx context.Context, store *Store) error {
	if u.patches.Empty() {
		return nil
	}
	if err := store.Flush(ctx, u.base.ID, u.base.Version, u.staged.Version, u.patches); err != nil {
		return err
	}
	u.base.Version = u.staged.Version
	u.patches = Patches{}
	return nil
}

// Unreceived drops queryHash's reference to the given rows, decrementing
// their ref counts. Rows must already be known to the updater — callers
// derive the list from the CVR snapshot's Rows map before staging
// removal, since the updater has no way to enumerate "every row this
// query used to reference" on its own.
func (u *QueryUpdater) Unreceived(queryHash QueryHash, rowIDs []RowID) {
	for _, id := range rowIDs {
		row, ok := u.staged.Rows[id]
		if !ok || row.RefCounts == nil {
			continue
		}
		if row.RefCounts[queryHash] <= 1 {
			delete(row.RefCounts, queryHash)
		} else {
			row.RefCounts[queryHash]--
		}
		row.PatchVersion = u.staged.Version
		u.staged.Rows[id] = row
	}
}

// DeleteUnreferencedRows removes every row with an empty ref-count map
// from the staged CVR, emitting a tombstone row patch for each so
// clients holding a stale reference learn to drop it. Called once per
// flush after all Unreceived calls for the flush have been made.
func (u *QueryUpdater) DeleteUnreferencedRows() {
	for id, row := range u.staged.Rows {
		if row.Referenced() {
			continue
		}
		delete(u.staged.Rows, id)
		u.patches.Rows = append(u.patches.Rows, RowPatch{
			Op:           PatchDel,
			ID:           id,
			PatchVersion: u.staged.Version,
		})
	}
}

// DeleteQuery drops queryHash entirely: used when a del/clear (or the
// startup reconciler) leaves a query with no desiring client, alongside
// Unreceived and DeleteUnreferencedRows for its rows.
func (u *QueryUpdater) DeleteQuery(queryHash QueryHash) {
	delete(u.staged.Queries, queryHash)
	u.patches.Queries = append(u.patches.Queries, QueryPatch{Op: PatchDel, Hash: queryHash})
}

// Flush persists every staged change via store and returns the new CVR
// snapshot on success.
func (u *QueryUpdater) Flush(ctx context.Context, store *Store) (CVR, error) {
	if u.patches.Empty() {
		if u.base.Version == u.staged.Version {
			// flushPage already persisted everything staged.
			return u.staged, nil
		}
		return u.base, nil
	}
	if err := store.Flush(ctx, u.base.ID, u.base.Version, u.staged.Version, u.patches); err != nil {
		return CVR{}, err
	}
	return u.staged, nil
}

func cloneRefCounts(rc map[QueryHash]int) map[QueryHash]int {
	out := make(map[QueryHash]int, len(rc))
	for k, v := range rc {
		out[k] = v
	}
	return out
}
