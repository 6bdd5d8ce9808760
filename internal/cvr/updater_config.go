package cvr

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/version"
)

// ConfigUpdater stages changes to which queries a client desires, without
// touching row data or transformation hashes. It only ever bumps the
// CVR's minor version: desired-query membership is metadata, not a
// replica-driven change, so it never needs a new state version of its
// own.
type ConfigUpdater struct {
	base    CVR
	staged  CVR
	patches Patches
	logger  zerolog.Logger
}

// NewConfigUpdater starts a config-driven update staged against base.
// The caller owns base and must not mutate it concurrently.
func NewConfigUpdater(base CVR, logger zerolog.Logger) *ConfigUpdater {
	return &ConfigUpdater{base: base, staged: base.clone(), logger: logger}
}

// PutDesiredQueries records that clientID now wants the given queries,
// adding any query not already tracked as a non-internal entry with no
// transformation hash (not yet got). Every touched query's full current
// state — AST, Internal, DesiredBy — is staged as a patch so a query
// merely being desired is durably persisted the same way a client's
// desired-query membership is, without ever setting a transformation
// hash: that only happens once QueryUpdater.TrackQueries hydrates it.
// A clientID the CVR has no record of is added as a new client.
func (u *ConfigUpdater) PutDesiredQueries(clientID ClientID, queries map[QueryHash]Query) {
	client, ok := u.staged.Clients[clientID]
	if !ok {
		client = Client{ID: clientID}
	}

	v := u.bump()
	desired := make(map[QueryHash]struct{}, len(client.DesiredQueryIDs))
	for _, h := range client.DesiredQueryIDs {
		desired[h] = struct{}{}
	}

	for hash, q := range queries {
		existing, ok := u.staged.Queries[hash]
		if !ok {
			existing = Query{ID: hash, AST: q.AST, DesiredBy: map[ClientID]version.Version{}}
		}
		existing.DesiredBy[clientID] = v
		u.staged.Queries[hash] = existing
		u.patches.Queries = append(u.patches.Queries, QueryPatch{
			Op:                 PatchPut,
			Hash:               hash,
			AST:                existing.AST,
			Internal:           existing.Internal,
			DesiredBy:          cloneDesiredBy(existing.DesiredBy),
			TransformationHash: existing.TransformationHash,
			TransformationVer:  existing.TransformationVer,
		})

		if _, already := desired[hash]; !already {
			desired[hash] = struct{}{}
			client.DesiredQueryIDs = append(client.DesiredQueryIDs, hash)
		}
	}

	client.PatchVersion = v
	u.staged.Clients[clientID] = client
	u.patches.Clients = append(u.patches.Clients, ClientPatch{
		Op:              PatchPut,
		ClientID:        clientID,
		DesiredQueryIDs: append([]QueryHash(nil), client.DesiredQueryIDs...),
	})
}

// DeleteDesiredQueries removes clientID's desire for the given query
// hashes. A query with no remaining desire and no internal flag is
// fully dropped from the CVR; its rows are reconciled by the
// query-driven updater's DeleteUnreferencedRows, not here.
func (u *ConfigUpdater) DeleteDesiredQueries(clientID ClientID, hashes []QueryHash) {
	client, ok := u.staged.Clients[clientID]
	if !ok {
		return
	}
	toDelete := make(map[QueryHash]struct{}, len(hashes))
	for _, h := range hashes {
		toDelete[h] = struct{}{}
	}

	kept := make([]QueryHash, 0, len(client.DesiredQueryIDs))
	for _, h := range client.DesiredQueryIDs {
		if _, drop := toDelete[h]; drop {
			continue
		}
		kept = append(kept, h)
	}
	client.DesiredQueryIDs = kept
	client.PatchVersion = u.bump()
	u.staged.Clients[clientID] = client
	u.patches.Clients = append(u.patches.Clients, ClientPatch{
		Op:              PatchPut,
		ClientID:        clientID,
		DesiredQueryIDs: append([]QueryHash(nil), kept...),
	})

	for h := range toDelete {
		q, ok := u.staged.Queries[h]
		if !ok {
			continue
		}
		delete(q.DesiredBy, clientID)
		u.staged.Queries[h] = q
		if !q.Desired() {
			delete(u.staged.Queries, h)
			u.patches.Queries = append(u.patches.Queries, QueryPatch{Op: PatchDel, Hash: h})
			continue
		}
		u.patches.Queries = append(u.patches.Queries, QueryPatch{
			Op:                 PatchPut,
			Hash:               h,
			AST:                q.AST,
			Internal:           q.Internal,
			DesiredBy:          cloneDesiredBy(q.DesiredBy),
			TransformationHash: q.TransformationHash,
			TransformationVer:  q.TransformationVer,
		})
	}
}

// ClearDesiredQueries drops every query clientID desires, used for a
// client's "clear" op; queries it orphans are reconciled afterwards by
// the query-driven updater.
func (u *ConfigUpdater) ClearDesiredQueries(clientID ClientID) {
	client, ok := u.staged.Clients[clientID]
	if !ok {
		return
	}
	u.DeleteDesiredQueries(clientID, append([]QueryHash(nil), client.DesiredQueryIDs...))
}

// PutClient adds or refreshes a client's membership row.
func (u *ConfigUpdater) PutClient(clientID ClientID) {
	v := u.bump()
	u.staged.Clients[clientID] = Client{ID: clientID, PatchVersion: v}
	u.patches.Clients = append(u.patches.Clients, ClientPatch{Op: PatchPut, ClientID: clientID})
}

// DeleteClient removes a client's membership row. Callers should call
// ClearDesiredQueries first so orphaned queries are reconciled.
func (u *ConfigUpdater) DeleteClient(clientID ClientID) {
	delete(u.staged.Clients, clientID)
	u.patches.Clients = append(u.patches.Clients, ClientPatch{Op: PatchDel, ClientID: clientID})
}

func (u *ConfigUpdater) bump() version.Version {
	v := version.Bump(u.staged.Version, "", true)
	u.staged.Version = v
	return v
}

// Flush persists every staged change via store and returns the new CVR
// snapshot on success.
func (u *ConfigUpdater) Flush(ctx context.Context, store *Store) (CVR, error) {
	if u.patches.Empty() {
		return u.base, nil
	}
	if err := store.Flush(ctx, u.base.ID, u.base.Version, u.staged.Version, u.patches); err != nil {
		return CVR{}, err
	}
	return u.staged, nil
}
