// Package ast defines the minimal query shape the pipeline driver
// hydrates and advances against. It is deliberately not a SQL parser —
// query planning and compilation are out of scope for the core; this
// package gives the pipeline driver just enough structure to select
// columns, filter rows, and be hashed into a stable transformation hash.
package ast

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Op enumerates the comparison operators a predicate may use.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpIn Op = "IN"
	OpGt Op = ">"
	OpLt Op = "<"
)

// Predicate is a single column comparison. Values for OpIn are encoded
// as a JSON array in Value.
type Predicate struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value"`
}

// Query is the AST the pipeline driver hydrates: select a column list
// from a table, filtered by a conjunction of predicates.
type Query struct {
	Table      string      `json:"table"`
	Schema     string      `json:"schema,omitempty"`
	Columns    []string    `json:"columns"`
	Predicates []Predicate `json:"predicates,omitempty"`
}

// SchemaOrDefault returns the query's schema, defaulting to "public".
func (q Query) SchemaOrDefault() string {
	if q.Schema == "" {
		return "public"
	}
	return q.Schema
}

// TransformationHash is a stable identifier for the normalized form of
// the AST: queries with equal transformation hashes produce byte-equal
// result sets. Columns and predicates are sorted before hashing so that
// semantically identical queries written in different field orders
// collide.
func TransformationHash(q Query) string {
	norm := q
	norm.Columns = append([]string(nil), q.Columns...)
	sort.Strings(norm.Columns)
	norm.Predicates = append([]Predicate(nil), q.Predicates...)
	sort.Slice(norm.Predicates, func(i, j int) bool {
		if norm.Predicates[i].Column != norm.Predicates[j].Column {
			return norm.Predicates[i].Column < norm.Predicates[j].Column
		}
		return norm.Predicates[i].Op < norm.Predicates[j].Op
	})
	norm.Schema = norm.SchemaOrDefault()

	data, err := json.Marshal(norm)
	if err != nil {
		// Query values are always JSON-marshalable primitives produced
		// by our own decoders; a marshal failure here means the AST was
		// built incorrectly, not a runtime condition to recover from.
		panic("ast: transformation hash: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Matches reports whether row satisfies every predicate in q. Missing
// columns are treated as non-matching rather than erroring; this
// package does not check whether a column exists.
func (q Query) Matches(row map[string]any) bool {
	for _, p := range q.Predicates {
		if !predicateMatches(p, row) {
			return false
		}
	}
	return true
}

func predicateMatches(p Predicate, row map[string]any) bool {
	value, ok := row[p.Column]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return equalValues(value, p.Value)
	case OpNe:
		return !equalValues(value, p.Value)
	case OpIn:
		list, ok := p.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if equalValues(value, candidate) {
				return true
			}
		}
		return false
	case OpGt:
		return compareNumbers(value, p.Value) > 0
	case OpLt:
		return compareNumbers(value, p.Value) < 0
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareNumbers(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ReferencedColumns returns the set of columns the query touches: its
// selected columns plus every predicate column.
func ReferencedColumns(q Query) []string {
	set := make(map[string]struct{}, len(q.Columns)+len(q.Predicates))
	for _, c := range q.Columns {
		set[c] = struct{}{}
	}
	for _, p := range q.Predicates {
		set[p.Column] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
