package ast

import "testing"

func TestTransformationHashStableUnderFieldReorder(t *testing.T) {
	a := Query{
		Table:   "issues",
		Columns: []string{"id", "title"},
		Predicates: []Predicate{
			{Column: "status", Op: OpEq, Value: "open"},
			{Column: "priority", Op: OpGt, Value: 1},
		},
	}
	b := Query{
		Table:   "issues",
		Columns: []string{"title", "id"},
		Predicates: []Predicate{
			{Column: "priority", Op: OpGt, Value: 1},
			{Column: "status", Op: OpEq, Value: "open"},
		},
	}
	if TransformationHash(a) != TransformationHash(b) {
		t.Fatalf("expected equal hashes for reordered columns/predicates")
	}
}

func TestTransformationHashDiffersOnSemanticChange(t *testing.T) {
	a := Query{Table: "issues", Columns: []string{"id"}}
	b := Query{Table: "issues", Columns: []string{"id"}, Predicates: []Predicate{{Column: "status", Op: OpEq, Value: "open"}}}
	if TransformationHash(a) == TransformationHash(b) {
		t.Fatalf("expected different hashes for semantically different queries")
	}
}

func TestMatchesEvaluatesConjunction(t *testing.T) {
	q := Query{Predicates: []Predicate{
		{Column: "status", Op: OpEq, Value: "open"},
		{Column: "priority", Op: OpGt, Value: float64(1)},
	}}
	if !q.Matches(map[string]any{"status": "open", "priority": float64(2)}) {
		t.Fatalf("expected row to match")
	}
	if q.Matches(map[string]any{"status": "closed", "priority": float64(2)}) {
		t.Fatalf("expected row with wrong status to not match")
	}
	if q.Matches(map[string]any{"status": "open"}) {
		t.Fatalf("expected row missing predicate column to not match")
	}
}

func TestMatchesIn(t *testing.T) {
	q := Query{Predicates: []Predicate{{Column: "status", Op: OpIn, Value: []any{"open", "pending"}}}}
	if !q.Matches(map[string]any{"status": "pending"}) {
		t.Fatalf("expected IN match")
	}
	if q.Matches(map[string]any{"status": "closed"}) {
		t.Fatalf("expected IN non-match")
	}
}

func TestReferencedColumnsUnionsColumnsAndPredicates(t *testing.T) {
	q := Query{
		Columns:    []string{"id", "title"},
		Predicates: []Predicate{{Column: "status", Op: OpEq, Value: "open"}},
	}
	got := ReferencedColumns(q)
	want := []string{"id", "status", "title"}
	if len(got) != len(want) {
		t.Fatalf("ReferencedColumns() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReferencedColumns() = %v, want %v", got, want)
		}
	}
}

func TestSchemaOrDefault(t *testing.T) {
	if (Query{}).SchemaOrDefault() != "public" {
		t.Fatalf("expected default schema \"public\"")
	}
	if (Query{Schema: "app"}).SchemaOrDefault() != "app" {
		t.Fatalf("expected schema override to be preserved")
	}
}
