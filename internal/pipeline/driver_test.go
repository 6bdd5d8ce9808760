package pipeline

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

type fakeSource struct {
	rows        map[string][]map[string]any // table -> rows
	scanVersion version.Version
}

func (f *fakeSource) Scan(_ context.Context, q ast.Query) ([]map[string]any, version.Version, error) {
	var out []map[string]any
	for _, row := range f.rows[q.Table] {
		if q.Matches(row) {
			out = append(out, row)
		}
	}
	return out, f.scanVersion, nil
}

func (f *fakeSource) Changes(_ context.Context, _ version.Version) (<-chan ReplicaChange, <-chan error) {
	ch := make(chan ReplicaChange)
	errCh := make(chan error)
	close(ch)
	close(errCh)
	return ch, errCh
}

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestDriverInitHydratesMatchingRows(t *testing.T) {
	source := &fakeSource{
		rows: map[string][]map[string]any{
			"issues": {
				{"id": "1", "status": "open"},
				{"id": "2", "status": "closed"},
			},
		},
		scanVersion: version.Version{StateVersion: "05", MinorVersion: 0},
	}
	d := NewDriver(source, discardLogger())
	q := ast.Query{Table: "issues", Predicates: []ast.Predicate{{Column: "status", Op: ast.OpEq, Value: "open"}}}
	hash := cvr.QueryHash("q1")
	d.AddQuery(hash, q)

	changes, err := d.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 hydrated row, got %d", len(changes))
	}
	if changes[0].Op != cvr.PatchPut {
		t.Fatalf("expected Put, got %v", changes[0].Op)
	}
	if !d.Initialized() {
		t.Fatalf("expected driver to be initialized")
	}
	if len(d.AddedQueries()) != 0 {
		t.Fatalf("expected no pending queries after Init")
	}
	if d.CurrentVersion() != source.scanVersion {
		t.Fatalf("expected current version %v, got %v", source.scanVersion, d.CurrentVersion())
	}
}

func TestDriverAdvanceEmitsPutOnNewMatchAndDelOnStopMatching(t *testing.T) {
	source := &fakeSource{
		rows:        map[string][]map[string]any{"issues": {}},
		scanVersion: version.Version{StateVersion: "05", MinorVersion: 0},
	}
	d := NewDriver(source, discardLogger())
	q := ast.Query{Table: "issues", Predicates: []ast.Predicate{{Column: "status", Op: ast.OpEq, Value: "open"}}}
	hash := cvr.QueryHash("q1")
	d.AddQuery(hash, q)
	if _, err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	rowID := cvr.RowID{Schema: "public", Table: "issues", RowKey: "1"}
	v1 := version.Version{StateVersion: "06", MinorVersion: 0}
	changes := d.Advance(ReplicaChange{Row: rowID, Contents: map[string]any{"id": "1", "status": "open"}, Version: v1})
	if len(changes) != 1 || changes[0].Op != cvr.PatchPut {
		t.Fatalf("expected a Put change, got %+v", changes)
	}
	if row, ok := d.GetRow(hash, rowID); !ok || row["status"] != "open" {
		t.Fatalf("expected driver to materialize the matching row")
	}

	v2 := version.Version{StateVersion: "07", MinorVersion: 0}
	changes = d.Advance(ReplicaChange{Row: rowID, Contents: map[string]any{"id": "1", "status": "closed"}, Version: v2})
	if len(changes) != 1 || changes[0].Op != cvr.PatchDel {
		t.Fatalf("expected a Del change once the row stops matching, got %+v", changes)
	}
	if _, ok := d.GetRow(hash, rowID); ok {
		t.Fatalf("expected row to be dropped from the driver once it stops matching")
	}
}

func TestDriverAdvanceIgnoresStaleVersion(t *testing.T) {
	source := &fakeSource{
		rows:        map[string][]map[string]any{"issues": {}},
		scanVersion: version.Version{StateVersion: "10", MinorVersion: 0},
	}
	d := NewDriver(source, discardLogger())
	d.AddQuery(cvr.QueryHash("q1"), ast.Query{Table: "issues"})
	if _, err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	stale := version.Version{StateVersion: "05", MinorVersion: 0}
	changes := d.Advance(ReplicaChange{Row: cvr.RowID{Table: "issues", RowKey: "1"}, Contents: map[string]any{"id": "1"}, Version: stale})
	if changes != nil {
		t.Fatalf("expected stale change to be ignored, got %+v", changes)
	}
}
