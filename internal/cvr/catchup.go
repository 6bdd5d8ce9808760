package cvr

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/verr"
	"github.com/example/sync-vector-engine/internal/version"
)

// RowPatchIterator streams row patches in ascending (patchVersion,
// schema, table, rowKey) order without materializing the whole result
// set — a client may have millions of row patches. The CVR store only
// tracks row identity, version, and reference counts, not row
// contents; internal/viewsyncer's catch-up fills in Contents from the
// pipeline driver's materialized rows once it knows which rows it must
// resend.
type RowPatchIterator struct {
	rows pgx.Rows
	err  error
	cur  RowPatch
}

// Next advances the iterator. It returns false at end-of-stream or on
// error; callers must check Err after Next returns false.
func (it *RowPatchIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}

	var schemaName, tableName, rowKeyText, patchState string
	var patchMinor uint32
	var rowVersion *string
	var refCountsRaw []byte

	if err := it.rows.Scan(&schemaName, &tableName, &rowKeyText, &rowVersion, &patchState, &patchMinor, &refCountsRaw); err != nil {
		it.err = err
		return false
	}

	patch := RowPatch{
		ID:           RowID{Schema: schemaName, Table: tableName, RowKey: rowKeyText},
		PatchVersion: version.Version{StateVersion: patchState, MinorVersion: patchMinor},
	}
	if len(refCountsRaw) == 0 || string(refCountsRaw) == "null" {
		patch.Op = PatchDel
	} else {
		patch.Op = PatchPut
		if rowVersion != nil {
			patch.RowVersion = *rowVersion
		}
		var rc map[QueryHash]int
		if err := json.Unmarshal(refCountsRaw, &rc); err != nil {
			it.err = err
			return false
		}
		patch.RefCounts = rc
	}

	it.cur = patch
	return true
}

// Patch returns the row patch produced by the most recent Next call.
func (it *RowPatchIterator) Patch() RowPatch { return it.cur }

// Err returns the first error encountered, if any.
func (it *RowPatchIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying cursor. Safe to call multiple times.
func (it *RowPatchIterator) Close() { it.rows.Close() }

// CatchupRowPatches streams every row patch in (fromVersion,
// toVersion] for groupID. excludeQueries is accepted but not applied:
// every row patch in the range is returned, including one whose sole
// query reference is in excludeQueries.
func (s *Store) CatchupRowPatches(ctx context.Context, groupID GroupID, from, to version.Version, excludeQueries map[QueryHash]struct{}) (*RowPatchIterator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT schema_name, table_name, row_key_text, row_version,
		       patch_state_version, patch_minor_version, ref_counts
		FROM cvr_rows
		WHERE group_id = $1
		  AND (patch_state_version, patch_minor_version) > ($2, $3)
		  AND (patch_state_version, patch_minor_version) <= ($4, $5)
		ORDER BY patch_state_version, patch_minor_version, schema_name, table_name, row_key_text`,
		groupID, from.StateVersion, from.MinorVersion, to.StateVersion, to.MinorVersion)
	if err != nil {
		return nil, verr.Wrap(verr.Unavailable, "query row patches", err)
	}
	return filterExcluded(&RowPatchIterator{rows: rows}, excludeQueries), nil
}

// filterExcluded is a pass-through: it returns it unchanged and ignores
// the exclusion set. No caller excludes rows either; internal/viewsyncer's
// catchupClient passes a nil set.
func filterExcluded(it *RowPatchIterator, _ map[QueryHash]struct{}) *RowPatchIterator {
	return it
}

// CatchupConfigPatches returns every client/query patch in (fromVersion,
// toVersion] for groupID, ordered the same way as row patches.
func (s *Store) CatchupConfigPatches(ctx context.Context, groupID GroupID, from, to version.Version) (Patches, error) {
	var patches Patches

	clientRows, err := s.pool.Query(ctx, `
		SELECT client_id, patch_state_version, patch_minor_version, desired_query_ids
		FROM cvr_clients
		WHERE group_id = $1
		  AND (patch_state_version, patch_minor_version) > ($2, $3)
		  AND (patch_state_version, patch_minor_version) <= ($4, $5)
		ORDER BY patch_state_version, patch_minor_version, client_id`,
		groupID, from.StateVersion, from.MinorVersion, to.StateVersion, to.MinorVersion)
	if err != nil {
		return Patches{}, verr.Wrap(verr.Unavailable, "query client patches", err)
	}
	for clientRows.Next() {
		var id string
		var ps string
		var pm uint32
		var desiredRaw []byte
		if err := clientRows.Scan(&id, &ps, &pm, &desiredRaw); err != nil {
			clientRows.Close()
			return Patches{}, verr.Wrap(verr.Unavailable, "scan client patch", err)
		}
		var desired []QueryHash
		if len(desiredRaw) > 0 {
			if err := json.Unmarshal(desiredRaw, &desired); err != nil {
				clientRows.Close()
				return Patches{}, verr.Wrap(verr.Unavailable, "decode desired_query_ids", err)
			}
		}
		patches.Clients = append(patches.Clients, ClientPatch{Op: PatchPut, ClientID: ClientID(id), DesiredQueryIDs: desired})
	}
	clientRows.Close()
	if err := clientRows.Err(); err != nil {
		return Patches{}, verr.Wrap(verr.Unavailable, "iterate client patches", err)
	}

	queryRows, err := s.pool.Query(ctx, `
		SELECT query_hash, ast, internal, desired_by, transformation_hash, transformation_version
		FROM cvr_queries
		WHERE group_id = $1
		  AND (patch_state_version, patch_minor_version) > ($2, $3)
		  AND (patch_state_version, patch_minor_version) <= ($4, $5)
		ORDER BY patch_state_version, patch_minor_version, query_hash`,
		groupID, from.StateVersion, from.MinorVersion, to.StateVersion, to.MinorVersion)
	if err != nil {
		return Patches{}, verr.Wrap(verr.Unavailable, "query query patches", err)
	}
	defer queryRows.Close()
	for queryRows.Next() {
		var hash string
		var astRaw, desiredByRaw []byte
		var internal bool
		var transformationHash, transformationVer *string
		if err := queryRows.Scan(&hash, &astRaw, &internal, &desiredByRaw, &transformationHash, &transformationVer); err != nil {
			return Patches{}, verr.Wrap(verr.Unavailable, "scan query patch", err)
		}
		// A row present here is always a surviving put: a query is hard
		// deleted from cvr_queries (and so never reappears in this scan)
		// once it is neither internal nor desired by anyone. A present row
		// with no transformation_hash is merely desired, not yet got.
		var q ast.Query
		if err := json.Unmarshal(astRaw, &q); err != nil {
			return Patches{}, verr.Wrap(verr.Unavailable, "decode query ast", err)
		}
		desiredBy, err := unmarshalDesiredBy(desiredByRaw)
		if err != nil {
			return Patches{}, verr.Wrap(verr.Unavailable, "decode desired_by", err)
		}
		patch := QueryPatch{Op: PatchPut, Hash: QueryHash(hash), AST: q, Internal: internal, DesiredBy: desiredBy}
		if transformationHash != nil {
			patch.TransformationHash = *transformationHash
		}
		if transformationVer != nil {
			patch.TransformationVer = *transformationVer
		}
		patches.Queries = append(patches.Queries, patch)
	}
	if err := queryRows.Err(); err != nil {
		return Patches{}, verr.Wrap(verr.Unavailable, "iterate query patches", err)
	}

	return patches, nil
}
