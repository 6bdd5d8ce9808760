// Package pipeline implements the View Syncer's pipeline driver: the
// component that hydrates queries against replicated data and
// incrementally advances their result sets as the replica stream
// delivers new row versions.
package pipeline

import (
	"context"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

// RowChange is one row's observed transition: either it now matches a
// query's predicate with the given contents (Op == cvr.PatchPut), or it
// no longer matches and must be dropped (Op == cvr.PatchDel).
type RowChange struct {
	Query    cvr.QueryHash
	Row      cvr.RowID
	Op       cvr.PatchOp
	Contents map[string]any
	Version  version.Version
}

// ReplicaChange is one row mutation observed on the replicated tables,
// independent of any particular query — the pipeline driver matches it
// against every active query's predicate.
type ReplicaChange struct {
	Row      cvr.RowID
	Deleted  bool
	Contents map[string]any
	Version  version.Version
}

// Source is the replicated data the pipeline driver reads from: a full
// scan for initial hydration, plus a live change stream for
// incremental advance. internal/walsource implements this over a
// polling WAL replay.
type Source interface {
	// Scan returns every row currently matching q's table/schema, along
	// with the replica version as of the scan, so hydration and the
	// change stream agree on a consistent starting point.
	Scan(ctx context.Context, q ast.Query) ([]map[string]any, version.Version, error)
	// Changes streams row mutations from afterVersion onward. The
	// channel closes when ctx is done or the source encounters a fatal
	// error, in which case the returned error channel carries it.
	Changes(ctx context.Context, afterVersion version.Version) (<-chan ReplicaChange, <-chan error)
}
