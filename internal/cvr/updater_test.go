package cvr

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/version"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestConfigUpdaterPutDesiredQueriesAddsQueryAndBumpsMinor(t *testing.T) {
	base := Empty("group-1")
	base.Clients["alice"] = Client{ID: "alice", PatchVersion: version.Zero}

	u := NewConfigUpdater(base, discardLogger())
	q := ast.Query{Table: "issues", Columns: []string{"id"}}
	hash := QueryHash(ast.TransformationHash(q))
	u.PutDesiredQueries("alice", map[QueryHash]Query{hash: {ID: hash, AST: q}})

	if u.staged.Version.MinorVersion != 1 {
		t.Fatalf("expected minor version bump, got %v", u.staged.Version)
	}
	query, ok := u.staged.Queries[hash]
	if !ok {
		t.Fatalf("expected query %q to be staged", hash)
	}
	if !query.Desired() {
		t.Fatalf("expected staged query to be desired")
	}
	if _, wants := query.DesiredBy["alice"]; !wants {
		t.Fatalf("expected alice to desire the query")
	}
}

func TestConfigUpdaterDeleteDropsQueryWhenLastClientLeaves(t *testing.T) {
	base := Empty("group-1")
	q := ast.Query{Table: "issues"}
	hash := QueryHash(ast.TransformationHash(q))
	base.Clients["alice"] = Client{ID: "alice", DesiredQueryIDs: []QueryHash{hash}}
	base.Queries[hash] = Query{ID: hash, AST: q, DesiredBy: map[ClientID]version.Version{"alice": version.Zero}}

	u := NewConfigUpdater(base, discardLogger())
	u.DeleteDesiredQueries("alice", []QueryHash{hash})

	if _, exists := u.staged.Queries[hash]; exists {
		t.Fatalf("expected query to be dropped once its only client stops desiring it")
	}
	if len(u.staged.Clients["alice"].DesiredQueryIDs) != 0 {
		t.Fatalf("expected alice's desired query list to be empty")
	}
}

func TestConfigUpdaterDeleteKeepsQueryWhileOtherClientDesiresIt(t *testing.T) {
	base := Empty("group-1")
	q := ast.Query{Table: "issues"}
	hash := QueryHash(ast.TransformationHash(q))
	base.Clients["alice"] = Client{ID: "alice", DesiredQueryIDs: []QueryHash{hash}}
	base.Clients["bob"] = Client{ID: "bob", DesiredQueryIDs: []QueryHash{hash}}
	base.Queries[hash] = Query{ID: hash, AST: q, DesiredBy: map[ClientID]version.Version{
		"alice": version.Zero,
		"bob":   version.Zero,
	}}

	u := NewConfigUpdater(base, discardLogger())
	u.DeleteDesiredQueries("alice", []QueryHash{hash})

	query, ok := u.staged.Queries[hash]
	if !ok {
		t.Fatalf("expected query to survive while bob still desires it")
	}
	if _, stillWants := query.DesiredBy["alice"]; stillWants {
		t.Fatalf("expected alice removed from desired_by")
	}
	if _, stillWants := query.DesiredBy["bob"]; !stillWants {
		t.Fatalf("expected bob to still desire the query")
	}
}

func TestQueryUpdaterReceivedMergesRefCountsAcrossQueries(t *testing.T) {
	base := Empty("group-1")
	u := NewQueryUpdater(base, "05", discardLogger())

	row := map[string]any{"id": "row-1", "_0_version": "05"}
	idFor := func(r map[string]any) (RowID, error) {
		return RowID{Schema: "public", Table: "issues", RowKey: r["id"].(string)}, nil
	}

	if err := u.Received(context.Background(), nil, "query-a", []map[string]any{row}, idFor); err != nil {
		t.Fatalf("Received query-a: %v", err)
	}
	if err := u.Received(context.Background(), nil, "query-b", []map[string]any{row}, idFor); err != nil {
		t.Fatalf("Received query-b: %v", err)
	}

	id := RowID{Schema: "public", Table: "issues", RowKey: "row-1"}
	got := u.staged.Rows[id]
	if got.RefCounts["query-a"] != 1 || got.RefCounts["query-b"] != 1 {
		t.Fatalf("expected both queries to hold a ref count of 1, got %+v", got.RefCounts)
	}
	if len(u.patches.Rows) != 2 {
		t.Fatalf("expected one row patch per Received call, got %d", len(u.patches.Rows))
	}
}

func TestQueryUpdaterReceivedRejectsRowMissingVersion(t *testing.T) {
	base := Empty("group-1")
	u := NewQueryUpdater(base, "05", discardLogger())
	idFor := func(r map[string]any) (RowID, error) {
		return RowID{Schema: "public", Table: "issues", RowKey: "row-1"}, nil
	}
	err := u.Received(context.Background(), nil, "query-a", []map[string]any{{"id": "row-1"}}, idFor)
	if err == nil {
		t.Fatalf("expected error for row missing _0_version")
	}
}

func TestQueryUpdaterUnreceivedThenDeleteUnreferencedRowsTombstones(t *testing.T) {
	id := RowID{Schema: "public", Table: "issues", RowKey: "row-1"}
	base := Empty("group-1")
	base.Rows[id] = Row{ID: id, RefCounts: map[QueryHash]int{"query-a": 1}}

	u := NewQueryUpdater(base, "06", discardLogger())
	u.Unreceived("query-a", []RowID{id})
	u.DeleteUnreferencedRows()

	if _, exists := u.staged.Rows[id]; exists {
		t.Fatalf("expected unreferenced row to be removed from staged CVR")
	}
	var sawTombstone bool
	for _, p := range u.patches.Rows {
		if p.ID == id && p.Op == PatchDel {
			sawTombstone = true
		}
	}
	if !sawTombstone {
		t.Fatalf("expected a tombstone row patch for the now-unreferenced row")
	}
}

func TestQueryUpdaterUnreceivedKeepsRowWhileOtherQueryStillRefersToIt(t *testing.T) {
	id := RowID{Schema: "public", Table: "issues", RowKey: "row-1"}
	base := Empty("group-1")
	base.Rows[id] = Row{ID: id, RefCounts: map[QueryHash]int{"query-a": 1, "query-b": 1}}

	u := NewQueryUpdater(base, "06", discardLogger())
	u.Unreceived("query-a", []RowID{id})
	u.DeleteUnreferencedRows()

	row, exists := u.staged.Rows[id]
	if !exists {
		t.Fatalf("expected row to survive while query-b still references it")
	}
	if !row.Referenced() {
		t.Fatalf("expected row to still be referenced")
	}
}
