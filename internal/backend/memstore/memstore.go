// Package memstore is an in-memory Datastore used by the test suite and
// demo setups. Predicates evaluate against rows held in Go maps; spatial
// operators use planar math, which matches PostGIS for the geometry
// relationships the tests exercise.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
)

// Store holds feature rows per table.
type Store struct {
	tables map[string][]backend.Row
}

// New builds an empty store.
func New() *Store {
	return &Store{tables: map[string][]backend.Row{}}
}

// Load replaces the rows of one table.
func (s *Store) Load(table string, rows []backend.Row) {
	s.tables[table] = rows
}

var _ backend.Datastore = (*Store)(nil)

// Count implements backend.Datastore.
func (s *Store) Count(_ context.Context, q *backend.Query) (int, error) {
	rows, err := s.match(q)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Open implements backend.Datastore.
func (s *Store) Open(_ context.Context, q *backend.Query) (backend.Cursor, error) {
	rows, err := s.match(q)
	if err != nil {
		return nil, err
	}
	s.order(rows, q.Orderings)

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return &cursor{rows: rows, pos: -1}, nil
}

func (s *Store) match(q *backend.Query) ([]backend.Row, error) {
	var out []backend.Row
	for _, row := range s.tables[q.Table] {
		ok, err := evalPredicate(q.Predicate, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) order(rows []backend.Row, orderings []backend.Ordering) {
	if len(orderings) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orderings {
			a, b := rows[i][o.Path], rows[j][o.Path]
			if (a == nil) != (b == nil) {
				// nulls order last in either direction
				return b == nil
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

type cursor struct {
	rows []backend.Row
	pos  int
}

func (c *cursor) Next() bool {
	c.pos++
	return c.pos < len(c.rows)
}

func (c *cursor) Row() backend.Row { return c.rows[c.pos] }
func (c *cursor) Err() error       { return nil }
func (c *cursor) Close() error     { return nil }

// --- predicate evaluation ---

func evalPredicate(p backend.Predicate, row backend.Row) (bool, error) {
	switch v := p.(type) {
	case nil:
		return true, nil
	case backend.AlwaysFalse:
		return false, nil
	case backend.And:
		for _, sub := range v.Preds {
			ok, err := evalPredicate(sub, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case backend.Or:
		for _, sub := range v.Preds {
			ok, err := evalPredicate(sub, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case backend.Not:
		ok, err := evalPredicate(v.Pred, row)
		return !ok, err
	case backend.Compare:
		return evalCompare(v, row)
	case backend.Between:
		val, err := evalExpr(v.Expr, row)
		if err != nil {
			return false, err
		}
		lo, err := evalExpr(v.Lower, row)
		if err != nil {
			return false, err
		}
		hi, err := evalExpr(v.Upper, row)
		if err != nil {
			return false, err
		}
		if val == nil {
			return false, nil
		}
		return compareValues(val, lo) >= 0 && compareValues(val, hi) <= 0, nil
	case backend.Like:
		return evalLike(v, row)
	case backend.IsNull:
		val, err := evalExpr(v.Expr, row)
		if err != nil {
			return false, err
		}
		return isEmpty(val), nil
	case backend.In:
		val, err := evalExpr(v.Expr, row)
		if err != nil {
			return false, err
		}
		for _, candidate := range v.Values {
			if compareValues(val, candidate) == 0 {
				return true, nil
			}
		}
		return false, nil
	case backend.SpatialPred:
		return evalSpatial(v, row)
	case backend.DistancePred:
		return evalDistance(v, row)
	default:
		return false, ows.NewProcessingFailed(nil, "unsupported predicate %T", p)
	}
}

func evalCompare(cmp backend.Compare, row backend.Row) (bool, error) {
	left, err := evalExpr(cmp.Left, row)
	if err != nil {
		return false, err
	}
	right, err := evalExpr(cmp.Right, row)
	if err != nil {
		return false, err
	}
	if left == nil || right == nil {
		return false, nil
	}
	if !cmp.MatchCase {
		if ls, ok := left.(string); ok {
			left = strings.ToLower(ls)
		}
		if rs, ok := right.(string); ok {
			right = strings.ToLower(rs)
		}
	}
	c := compareValues(left, right)
	switch cmp.Op {
	case backend.OpEq:
		return c == 0, nil
	case backend.OpNe:
		return c != 0, nil
	case backend.OpLt:
		return c < 0, nil
	case backend.OpGt:
		return c > 0, nil
	case backend.OpLte:
		return c <= 0, nil
	case backend.OpGte:
		return c >= 0, nil
	}
	return false, ows.NewProcessingFailed(nil, "unknown compare op %q", cmp.Op)
}

func evalLike(like backend.Like, row backend.Row) (bool, error) {
	val, err := evalExpr(like.Expr, row)
	if err != nil {
		return false, err
	}
	s, ok := val.(string)
	if !ok {
		return false, nil
	}
	pattern := like.Pattern
	if !like.MatchCase {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}
	return likeMatch(pattern, s), nil
}

// likeMatch interprets a SQL LIKE pattern with backslash escapes.
func likeMatch(pattern, s string) bool {
	var rx strings.Builder
	rx.WriteString("(?s)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			rx.WriteString(regexpQuote(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			rx.WriteString(".*")
		case r == '_':
			rx.WriteString(".")
		default:
			rx.WriteString(regexpQuote(string(r)))
		}
	}
	rx.WriteString("$")
	return regexpMatch(rx.String(), s)
}

func evalSpatial(sp backend.SpatialPred, row backend.Row) (bool, error) {
	g := rowGeometry(row, sp.Field.Path)
	if g == nil {
		return false, nil
	}
	lit := sp.Geometry.Geom
	switch sp.Op {
	case backend.SpIntersects:
		return intersects(g, lit), nil
	case backend.SpDisjoint:
		return !intersects(g, lit), nil
	case backend.SpWithin:
		return within(g, lit), nil
	case backend.SpContains:
		return within(lit, g), nil
	case backend.SpEquals:
		return orb.Equal(g, lit), nil
	case backend.SpTouches:
		// Bound-touching approximation: shares boundary, no interior overlap.
		return g.Bound().Intersects(lit.Bound()) && !within(g, lit) && !within(lit, g) &&
			!interiorOverlap(g, lit), nil
	case backend.SpOverlaps:
		return interiorOverlap(g, lit) && !within(g, lit) && !within(lit, g), nil
	case backend.SpCrosses:
		return intersects(g, lit) && !within(g, lit) && !within(lit, g), nil
	default:
		return false, ows.NewProcessingFailed(nil, "unsupported spatial op %q", sp.Op)
	}
}

func evalDistance(d backend.DistancePred, row backend.Row) (bool, error) {
	g := rowGeometry(row, d.Field.Path)
	if g == nil {
		return false, nil
	}
	distance := planar.DistanceFrom(g, centroid(d.Geometry.Geom))
	if d.Beyond {
		return distance > d.Distance, nil
	}
	return distance <= d.Distance, nil
}

func rowGeometry(row backend.Row, path string) orb.Geometry {
	switch v := row[path].(type) {
	case geom.Geometry:
		return v.Geom
	case orb.Geometry:
		return v
	default:
		return nil
	}
}

func intersects(a, b orb.Geometry) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	// Point operands resolve exactly; other combinations fall back to the
	// bound check above.
	if p, ok := a.(orb.Point); ok {
		return containsPoint(b, p)
	}
	if p, ok := b.(orb.Point); ok {
		return containsPoint(a, p)
	}
	return true
}

func within(inner, outer orb.Geometry) bool {
	if p, ok := inner.(orb.Point); ok {
		return containsPoint(outer, p)
	}
	b := inner.Bound()
	return containsPoint(outer, b.Min) && containsPoint(outer, b.Max)
}

func interiorOverlap(a, b orb.Geometry) bool {
	ab, bb := a.Bound(), b.Bound()
	return ab.Intersects(bb) &&
		!(ab.Contains(bb.Min) && ab.Contains(bb.Max)) ||
		(bb.Intersects(ab) && !(bb.Contains(ab.Min) && bb.Contains(ab.Max)))
}

func containsPoint(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Point:
		return v == p
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	case orb.Ring:
		return planar.RingContains(v, p)
	case orb.Bound:
		return v.Contains(p)
	default:
		return g.Bound().Contains(p)
	}
}

func centroid(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	return c
}

// --- expressions ---

func evalExpr(e backend.Expr, row backend.Row) (any, error) {
	switch v := e.(type) {
	case backend.Field:
		return row[v.Path], nil
	case backend.Value:
		return v.V, nil
	case backend.Arith:
		lv, err := evalExpr(v.Left, row)
		if err != nil {
			return nil, err
		}
		rv, err := evalExpr(v.Right, row)
		if err != nil {
			return nil, err
		}
		if lv == nil || rv == nil {
			// a null operand makes the result null, as in SQL
			return nil, nil
		}
		left, err := evalNumber(backend.Value{V: lv}, row)
		if err != nil {
			return nil, err
		}
		right, err := evalNumber(backend.Value{V: rv}, row)
		if err != nil {
			return nil, err
		}
		switch v.Op {
		case "+":
			return left + right, nil
		case "-":
			return left - right, nil
		case "*":
			return left * right, nil
		case "/":
			if right == 0 {
				return nil, ows.NewProcessingFailed(nil, "division by zero in filter")
			}
			return left / right, nil
		}
		return nil, ows.NewProcessingFailed(nil, "unknown arithmetic op %q", v.Op)
	case backend.FuncCall:
		return evalFunc(v, row)
	default:
		return nil, ows.NewProcessingFailed(nil, "unsupported expression %T", e)
	}
}

func evalNumber(e backend.Expr, row backend.Row) (float64, error) {
	v, err := evalExpr(e, row)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, ows.NewProcessingFailed(nil, "non-numeric operand %v", v)
	}
	return f, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if rows, ok := v.([]backend.Row); ok {
		return len(rows) == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func compareValues(a, b any) int {
	if a == nil || b == nil {
		// nulls order last
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0
			case bb:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
