package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

// trackedQuery is one query's hydration state inside a Driver.
type trackedQuery struct {
	ast      ast.Query
	hydrated bool
	rows     map[cvr.RowID]map[string]any
}

// Driver is the pipeline for a single client group: it owns the set of
// actively tracked queries and their materialized row sets, and
// advances them as ReplicaChanges arrive. It mirrors crdt.CRDTStore's
// role (an in-memory index a single group mutates under one lock)
// reshaped around queries instead of document character nodes.
type Driver struct {
	mu      sync.Mutex
	queries map[cvr.QueryHash]*trackedQuery
	pending []cvr.QueryHash // added since the last init(), awaiting hydration
	current version.Version
	init    bool
	source  Source
	logger  zerolog.Logger
}

// NewDriver constructs a Driver reading from source.
func NewDriver(source Source, logger zerolog.Logger) *Driver {
	return &Driver{
		queries: map[cvr.QueryHash]*trackedQuery{},
		source:  source,
		logger:  logger,
	}
}

// Initialized reports whether Init has hydrated at least once.
func (d *Driver) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.init
}

// CurrentVersion returns the replica version the driver's result sets
// currently reflect.
func (d *Driver) CurrentVersion() version.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// AddQuery registers a new query to track. It takes effect on the next
// Init call; until then AddedQueries reports it as pending.
func (d *Driver) AddQuery(hash cvr.QueryHash, q ast.Query) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queries[hash]; ok {
		return
	}
	d.queries[hash] = &trackedQuery{ast: q, rows: map[cvr.RowID]map[string]any{}}
	d.pending = append(d.pending, hash)
}

// RemoveQuery drops a query and its materialized rows.
func (d *Driver) RemoveQuery(hash cvr.QueryHash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queries, hash)
	for i, h := range d.pending {
		if h == hash {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
}

// AddedQueries returns the queries staged by AddQuery since the last
// Init call.
func (d *Driver) AddedQueries() []cvr.QueryHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]cvr.QueryHash(nil), d.pending...)
}

// TrackedQueries returns every query hash the driver currently tracks,
// hydrated or still pending.
func (d *Driver) TrackedQueries() []cvr.QueryHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]cvr.QueryHash, 0, len(d.queries))
	for hash := range d.queries {
		out = append(out, hash)
	}
	return out
}

// Init hydrates every pending query by scanning the source, merging the
// scan's reported version into the driver's current version (the max
// across all scans, since different queries may read replicas at
// slightly different points before the change stream catches them up).
// It returns one RowChange per matched row per newly hydrated query.
func (d *Driver) Init(ctx context.Context) ([]RowChange, error) {
	start := time.Now()
	defer func() { pipelineInitLatency.Observe(time.Since(start).Seconds()) }()

	d.mu.Lock()
	pending := append([]cvr.QueryHash(nil), d.pending...)
	d.mu.Unlock()

	var changes []RowChange
	for _, hash := range pending {
		d.mu.Lock()
		tracked, ok := d.queries[hash]
		d.mu.Unlock()
		if !ok {
			continue // removed while waiting to be hydrated
		}

		rows, scanVersion, err := d.source.Scan(ctx, tracked.ast)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		for _, row := range rows {
			id, err := rowID(tracked.ast, row)
			if err != nil {
				d.mu.Unlock()
				return nil, err
			}
			tracked.rows[id] = row
			changes = append(changes, RowChange{Query: hash, Row: id, Op: cvr.PatchPut, Contents: row, Version: scanVersion})
		}
		tracked.hydrated = true
		if version.LessThan(d.current, scanVersion) {
			d.current = scanVersion
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	remaining := d.pending[:0]
	for _, h := range d.pending {
		if stillPending(pending, h) {
			continue
		}
		remaining = append(remaining, h)
	}
	d.pending = remaining
	d.init = true
	d.mu.Unlock()

	pipelineHydratedQueries.Add(float64(len(pending)))
	return changes, nil
}

func stillPending(hydrated []cvr.QueryHash, h cvr.QueryHash) bool {
	for _, x := range hydrated {
		if x == h {
			return true
		}
	}
	return false
}

// Advance applies one ReplicaChange to every tracked, hydrated query,
// producing a RowChange for each query whose membership for that row
// flips (newly matches, no longer matches, or contents changed while
// still matching). Queries still awaiting Init are skipped — their
// first view of the row comes from their own Scan.
func (d *Driver) Advance(change ReplicaChange) []RowChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	if version.LessThan(change.Version, d.current) {
		return nil
	}
	d.current = change.Version

	var out []RowChange
	for hash, tracked := range d.queries {
		if !tracked.hydrated {
			continue
		}
		_, wasPresent := tracked.rows[change.Row]
		matches := !change.Deleted && tracked.ast.Matches(change.Contents)

		switch {
		case matches:
			tracked.rows[change.Row] = change.Contents
			out = append(out, RowChange{Query: hash, Row: change.Row, Op: cvr.PatchPut, Contents: change.Contents, Version: change.Version})
		case wasPresent:
			delete(tracked.rows, change.Row)
			out = append(out, RowChange{Query: hash, Row: change.Row, Op: cvr.PatchDel, Version: change.Version})
		}
	}
	pipelineRowsAdvanced.Add(float64(len(out)))
	return out
}

// GetRow returns the materialized contents a query currently holds for
// a row, if any.
func (d *Driver) GetRow(hash cvr.QueryHash, id cvr.RowID) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tracked, ok := d.queries[hash]
	if !ok {
		return nil, false
	}
	row, ok := tracked.rows[id]
	return row, ok
}

// rowID derives a row's identity from its primary-key-bearing columns.
// The pipeline driver has no schema catalog of its own; it relies on
// every row carrying an "id" column, the convention the replica
// ingester guarantees for every table it streams.
func rowID(q ast.Query, row map[string]any) (cvr.RowID, error) {
	key, ok := row["id"]
	if !ok {
		return cvr.RowID{}, errMissingID(q.Table)
	}
	return cvr.RowID{Schema: q.SchemaOrDefault(), Table: q.Table, RowKey: toRowKeyText(key)}, nil
}
