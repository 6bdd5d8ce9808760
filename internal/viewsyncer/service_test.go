package viewsyncer

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/client"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/fanout"
	"github.com/example/sync-vector-engine/internal/pipeline"
	"github.com/example/sync-vector-engine/internal/version"
)

func clientPatch(t *testing.T, op, hash string, q *ast.Query) []client.UpstreamPatch {
	t.Helper()
	return []client.UpstreamPatch{{Op: op, Hash: hash, AST: q}}
}

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeSource struct {
	rows        map[string][]map[string]any
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

func (f *fakeSource) Changes(_ context.Context, _ version.Version) (<-chan pipeline.ReplicaChange, <-chan error) {
	ch := make(chan pipeline.ReplicaChange)
	errCh := make(chan error)
	close(ch)
	close(errCh)
	return ch, errCh
}

func newTestService(cv cvr.CVR, source pipeline.Source) *Service {
	driver := pipeline.NewDriver(source, discardLogger())
	s := newService(cv.ID, nil, driver, source, nil, discardLogger(), 0, func() {})
	s.cvr = cv
	return s
}

func TestApplyDesiredPatchPutTracksNewlyAddedQuery(t *testing.T) {
	base := cvr.Empty("group-1")
	base.Clients["alice"] = cvr.Client{ID: "alice"}
	s := newTestService(base, &fakeSource{})

	q := ast.Query{Table: "issues", Columns: []string{"id"}}
	hash := ast.TransformationHash(q)
	cfg := cvr.NewConfigUpdater(s.cvr, discardLogger())

	added, touched, err := s.applyDesiredPatch(cfg, "alice", clientPatch(t, "put", hash, &q))
	if err != nil {
		t.Fatalf("applyDesiredPatch: %v", err)
	}
	if len(touched) != 0 {
		t.Fatalf("expected no touched hashes for a put, got %v", touched)
	}
	if _, ok := added[cvr.QueryHash(hash)]; !ok {
		t.Fatalf("expected newly put query to be staged as added")
	}
}

func TestApplyDesiredPatchPutSkipsAlreadyGotQuery(t *testing.T) {
	base := cvr.Empty("group-1")
	base.Clients["alice"] = cvr.Client{ID: "alice"}
	q := ast.Query{Table: "issues", Columns: []string{"id"}}
	hash := cvr.QueryHash(ast.TransformationHash(q))
	base.Queries[hash] = cvr.Query{ID: hash, AST: q, TransformationHash: string(hash), DesiredBy: map[cvr.ClientID]version.Version{}}

	s := newTestService(base, &fakeSource{})
	cfg := cvr.NewConfigUpdater(s.cvr, discardLogger())

	added, _, err := s.applyDesiredPatch(cfg, "alice", clientPatch(t, "put", string(hash), &q))
	if err != nil {
		t.Fatalf("applyDesiredPatch: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("expected an already-got query not to be re-hydrated, got %v", added)
	}
}

func TestApplyDesiredPatchClearTouchesEveryDesiredHash(t *testing.T) {
	base := cvr.Empty("group-1")
	base.Clients["alice"] = cvr.Client{ID: "alice", DesiredQueryIDs: []cvr.QueryHash{"h1", "h2"}}
	s := newTestService(base, &fakeSource{})
	cfg := cvr.NewConfigUpdater(s.cvr, discardLogger())

	_, touched, err := s.applyDesiredPatch(cfg, "alice", clientPatch(t, "clear", "", nil))
	if err != nil {
		t.Fatalf("applyDesiredPatch: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("expected both desired hashes touched by clear, got %v", touched)
	}
}

func TestApplyDesiredPatchRejectsUnknownOp(t *testing.T) {
	base := cvr.Empty("group-1")
	s := newTestService(base, &fakeSource{})
	cfg := cvr.NewConfigUpdater(s.cvr, discardLogger())

	_, _, err := s.applyDesiredPatch(cfg, "alice", clientPatch(t, "bogus", "", nil))
	if err == nil {
		t.Fatalf("expected an error for an unknown op")
	}
}

func TestDesiresQueryInternalAlwaysTrue(t *testing.T) {
	q := cvr.Query{Internal: true}
	if !desiresQuery(q, "anyone") {
		t.Fatalf("expected internal query to be desired by any client")
	}
}

func TestDesiresQueryChecksDesiredBy(t *testing.T) {
	q := cvr.Query{DesiredBy: map[cvr.ClientID]version.Version{"alice": version.Zero}}
	if !desiresQuery(q, "alice") {
		t.Fatalf("expected alice to desire the query")
	}
	if desiresQuery(q, "bob") {
		t.Fatalf("expected bob not to desire the query")
	}
}

func TestStageRowChangesReceivesPutsAndUnreceivesDeletes(t *testing.T) {
	base := cvr.Empty("group-1")
	u := cvr.NewQueryUpdater(base, "05", discardLogger())

	id := cvr.RowID{Schema: "public", Table: "issues", RowKey: "1"}
	changes := []pipeline.RowChange{
		{Query: "q1", Row: id, Op: cvr.PatchPut, Contents: map[string]any{"id": "1", "_0_version": "05"}},
	}
	if err := stageRowChanges(context.Background(), nil, u, changes); err != nil {
		t.Fatalf("stageRowChanges: %v", err)
	}

	u2 := cvr.NewQueryUpdater(base, "06", discardLogger())
	delChanges := []pipeline.RowChange{{Query: "q1", Row: id, Op: cvr.PatchDel}}
	if err := stageRowChanges(context.Background(), nil, u2, delChanges); err != nil {
		t.Fatalf("stageRowChanges delete: %v", err)
	}
}

func TestMaterializeRowFindsContentsFromAnyReferencingQuery(t *testing.T) {
	source := &fakeSource{
		rows:        map[string][]map[string]any{"issues": {{"id": "1", "status": "open"}}},
		scanVersion: version.Version{StateVersion: "05"},
	}
	base := cvr.Empty("group-1")
	s := newTestService(base, source)

	hash := cvr.QueryHash("q1")
	s.driver.AddQuery(hash, ast.Query{Table: "issues"})
	if _, err := s.driver.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	patch := cvr.RowPatch{
		ID:        cvr.RowID{Schema: "public", Table: "issues", RowKey: "1"},
		RefCounts: map[cvr.QueryHash]int{hash: 1},
	}
	contents, ok := s.materializeRow(patch)
	if !ok {
		t.Fatalf("expected materializeRow to find the row via its referencing query")
	}
	if contents["status"] != "open" {
		t.Fatalf("expected materialized contents to match the hydrated row, got %+v", contents)
	}
}

func TestMaterializeRowFailsWhenNoReferencingQueryHasTheRow(t *testing.T) {
	s := newTestService(cvr.Empty("group-1"), &fakeSource{})
	patch := cvr.RowPatch{
		ID:        cvr.RowID{Schema: "public", Table: "issues", RowKey: "1"},
		RefCounts: map[cvr.QueryHash]int{"q1": 1},
	}
	if _, ok := s.materializeRow(patch); ok {
		t.Fatalf("expected materializeRow to fail when the driver never tracked the row")
	}
}

func TestRowVersionOfReadsConventionColumn(t *testing.T) {
	if v := rowVersionOf(map[string]any{"_0_version": "07"}); v != "07" {
		t.Fatalf("expected version 07, got %q", v)
	}
	if v := rowVersionOf(map[string]any{}); v != "" {
		t.Fatalf("expected empty version when column missing, got %q", v)
	}
}

func TestIdleTimerArmAndDisarmAreNoopsWhenKeepaliveDisabled(t *testing.T) {
	s := newTestService(cvr.Empty("group-1"), &fakeSource{})
	s.keepalive = 0 // disabled; armIdleTimer should be a no-op
	s.armIdleTimer()
	s.disarmIdleTimer()
}

func TestPublishVersionIsNoopWithoutFanout(t *testing.T) {
	s := newTestService(cvr.Empty("group-1"), &fakeSource{})
	s.publishVersion(context.Background()) // s.fanout is nil; must not panic
}

func TestPeerSupersededWhenSignalVersionIsAhead(t *testing.T) {
	base := cvr.Empty("group-1")
	base.Version = version.Version{StateVersion: "05"}
	s := newTestService(base, &fakeSource{})

	sig := fanout.Signal{GroupID: "group-1", StateVersion: "06"}
	if !s.peerSuperseded(context.Background(), sig) {
		t.Fatalf("expected a later peer version to mark this service superseded")
	}
}

func TestDiffQueryPipelineSetAddsStrandedDesiredQuery(t *testing.T) {
	q := ast.Query{Table: "issues"}
	hash := cvr.QueryHash("h1")
	queries := map[cvr.QueryHash]cvr.Query{
		hash: {ID: hash, AST: q, DesiredBy: map[cvr.ClientID]version.Version{"alice": version.Zero}},
	}

	toAdd, toRemove := diffQueryPipelineSet(nil, queries)
	if len(toRemove) != 0 {
		t.Fatalf("expected nothing to remove, got %v", toRemove)
	}
	if got, ok := toAdd[hash]; !ok || got.Table != "issues" {
		t.Fatalf("expected desired-but-untracked query to be staged for add, got %v", toAdd)
	}
}

func TestDiffQueryPipelineSetRemovesOrphanedTrackedQuery(t *testing.T) {
	toAdd, toRemove := diffQueryPipelineSet([]cvr.QueryHash{"h1"}, map[cvr.QueryHash]cvr.Query{})
	if len(toAdd) != 0 {
		t.Fatalf("expected nothing to add, got %v", toAdd)
	}
	if len(toRemove) != 1 || toRemove[0] != "h1" {
		t.Fatalf("expected the untracked-in-cvr query to be staged for removal, got %v", toRemove)
	}
}

func TestDiffQueryPipelineSetLeavesInSyncQueriesAlone(t *testing.T) {
	hash := cvr.QueryHash("h1")
	queries := map[cvr.QueryHash]cvr.Query{
		hash: {ID: hash, TransformationHash: "abc", DesiredBy: map[cvr.ClientID]version.Version{"alice": version.Zero}},
	}
	toAdd, toRemove := diffQueryPipelineSet([]cvr.QueryHash{hash}, queries)
	if len(toAdd) != 0 || len(toRemove) != 0 {
		t.Fatalf("expected no reconciliation for an already-synced query, got toAdd=%v toRemove=%v", toAdd, toRemove)
	}
}

func TestPeerNotSupersededWhenSignalVersionIsBehindOrEqual(t *testing.T) {
	base := cvr.Empty("group-1")
	base.Version = version.Version{StateVersion: "05"}
	s := newTestService(base, &fakeSource{})

	equal := fanout.Signal{GroupID: "group-1", StateVersion: "05"}
	if s.peerSuperseded(context.Background(), equal) {
		t.Fatalf("expected an equal peer version not to mark this service superseded")
	}

	behind := fanout.Signal{GroupID: "group-1", StateVersion: "04"}
	if s.peerSuperseded(context.Background(), behind) {
		t.Fatalf("expected an older peer version not to mark this service superseded")
	}
}
