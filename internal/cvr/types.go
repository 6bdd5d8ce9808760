// Package cvr implements the Client View Record: the durable,
// per-client-group record of which clients exist, what queries they
// desire, which queries are "got" (hydrated), and which rows each got
// query references.
package cvr

import (
	"time"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/version"
)

// GroupID identifies a client group — the unit of CVR ownership.
type GroupID string

// ClientID identifies one connected (or previously connected) client
// within a group.
type ClientID string

// QueryHash identifies a query by the hash of its normalized AST.
type QueryHash string

// Client is one client's membership record.
type Client struct {
	ID               ClientID
	PatchVersion     version.Version
	DesiredQueryIDs  []QueryHash // order preserved for deterministic patch replay
}

// Query is one query's membership and hydration record. A query is
// "desired" iff Internal is true or DesiredBy is non-empty; "got" iff
// TransformationHash is non-empty.
type Query struct {
	ID                  QueryHash
	AST                 ast.Query
	DesiredBy           map[ClientID]version.Version
	Internal            bool
	TransformationHash  string
	TransformationVer   string
	PatchVersion        version.Version
}

// Desired reports whether the query is wanted by anyone, or is internal.
func (q Query) Desired() bool {
	return q.Internal || len(q.DesiredBy) > 0
}

// Got reports whether the query has been hydrated.
func (q Query) Got() bool {
	return q.TransformationHash != ""
}

// RowID is the canonical identity of a replicated row: schema, table,
// and the row's primary-key value encoded as canonical JSON so any
// primary-key shape round-trips.
type RowID struct {
	Schema string
	Table  string
	RowKey string // canonical JSON encoding of the primary key
}

// Row is one row's CVR bookkeeping: the version at which its contents
// last changed and the set of got queries currently referencing it. A
// row with an empty RefCounts is unreferenced and represented
// durably as a tombstone patch.
type Row struct {
	ID           RowID
	PatchVersion version.Version
	RowVersion   string // drawn from the replicated row's _0_version column
	RefCounts    map[QueryHash]int
}

// Referenced reports whether any got query still references the row.
func (r Row) Referenced() bool { return len(r.RefCounts) > 0 }

// CVR is one client group's full, immutable snapshot. All in-memory CVR
// values are immutable snapshots; updaters stage changes against a
// borrowed snapshot and produce a new one on flush.
type CVR struct {
	ID         GroupID
	Version    version.Version
	LastActive time.Time
	Clients    map[ClientID]Client
	Queries    map[QueryHash]Query
	Rows       map[RowID]Row
}

// Empty returns the zero-value CVR for a group that has never been
// persisted: version (00, 0), no clients, no queries, no rows.
func Empty(id GroupID) CVR {
	return CVR{
		ID:      id,
		Version: version.Zero,
		Clients: map[ClientID]Client{},
		Queries: map[QueryHash]Query{},
		Rows:    map[RowID]Row{},
	}
}

// clone produces a deep-enough copy for an updater to stage mutations
// against without aliasing the borrowed snapshot's maps.
func (c CVR) clone() CVR {
	out := CVR{
		ID:         c.ID,
		Version:    c.Version,
		LastActive: c.LastActive,
		Clients:    make(map[ClientID]Client, len(c.Clients)),
		Queries:    make(map[QueryHash]Query, len(c.Queries)),
		Rows:       make(map[RowID]Row, len(c.Rows)),
	}
	for k, v := range c.Clients {
		v.DesiredQueryIDs = append([]QueryHash(nil), v.DesiredQueryIDs...)
		out.Clients[k] = v
	}
	for k, v := range c.Queries {
		if v.DesiredBy != nil {
			db := make(map[ClientID]version.Version, len(v.DesiredBy))
			for c2, ver := range v.DesiredBy {
				db[c2] = ver
			}
			v.DesiredBy = db
		}
		out.Queries[k] = v
	}
	for k, v := range c.Rows {
		if v.RefCounts != nil {
			rc := make(map[QueryHash]int, len(v.RefCounts))
			for q, n := range v.RefCounts {
				rc[q] = n
			}
			v.RefCounts = rc
		}
		out.Rows[k] = v
	}
	return out
}

// PatchOp enumerates the two operations any patch kind may carry.
type PatchOp string

const (
	PatchPut PatchOp = "put"
	PatchDel PatchOp = "del"
)

// ClientPatch reflects a client being added or removed, or its desired
// query set changing. DesiredQueryIDs is the client's full desired-query
// list as of this patch, not a delta, matching RowPatch's RefCounts
// convention: a flush always writes the updater's current view.
type ClientPatch struct {
	Op              PatchOp
	ClientID        ClientID
	DesiredQueryIDs []QueryHash
}

// QueryPatch reflects a query's membership and hydration state
// changing. Internal, DesiredBy, and TransformationHash/TransformationVer
// are the query's full current state, not a delta. ConfigUpdater only
// carries a query's existing TransformationHash forward into its
// patches — a query only becomes "got" when QueryUpdater.TrackQueries
// sets it, never merely by being desired.
type QueryPatch struct {
	Op                 PatchOp
	Hash               QueryHash
	AST                ast.Query // only set on Put
	Internal           bool
	DesiredBy          map[ClientID]version.Version
	TransformationHash string
	TransformationVer  string
}

// RowPatch reflects a row's contents changing or the row leaving every
// got query that referenced it (tombstone, Op == PatchDel). RefCounts
// is the row's full ref-count map as of this patch, not a delta: a
// flush always writes the updater's current view of who references
// the row.
type RowPatch struct {
	Op           PatchOp
	ID           RowID
	RowVersion   string
	Contents     map[string]any
	RefCounts    map[QueryHash]int
	PatchVersion version.Version
}

// Patches bundles everything one flush (or one catch-up scan) produces,
// in the shape the View Syncer pushes into pokers.
type Patches struct {
	Clients []ClientPatch
	Queries []QueryPatch
	Rows    []RowPatch
}

func (p *Patches) Empty() bool {
	return len(p.Clients) == 0 && len(p.Queries) == 0 && len(p.Rows) == 0
}

// cloneDesiredBy copies a query's desiredBy map so a staged QueryPatch
// doesn't alias the CVR snapshot's live map.
func cloneDesiredBy(desiredBy map[ClientID]version.Version) map[ClientID]version.Version {
	out := make(map[ClientID]version.Version, len(desiredBy))
	for clientID, v := range desiredBy {
		out[clientID] = v
	}
	return out
}
