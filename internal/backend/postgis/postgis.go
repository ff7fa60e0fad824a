// Package postgis executes compiled queries against a PostGIS database
// through database/sql and lib/pq. Each cursor runs inside its own
// read-only transaction so the result set stays valid across chunks.
package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/crs"
	"github.com/mapgrid/wfserver/internal/geom"
	"github.com/mapgrid/wfserver/internal/ows"
)

// Join maps a dotted path prefix onto a single-valued relation.
type Join struct {
	// Path is the relation name as used in data-source paths ("city").
	Path string
	// Table is the joined table; LocalKey the referencing column on the
	// feature table; ForeignKey the referenced column (usually "id").
	Table      string
	LocalKey   string
	ForeignKey string
}

// Options configures one store.
type Options struct {
	Joins []Join
}

// Store is the PostGIS-backed Datastore.
type Store struct {
	db    *sql.DB
	joins map[string]Join
}

// New wraps an open connection pool.
func New(db *sql.DB, opts Options) *Store {
	joins := make(map[string]Join, len(opts.Joins))
	for _, j := range opts.Joins {
		if j.ForeignKey == "" {
			j.ForeignKey = "id"
		}
		joins[j.Path] = j
	}
	return &Store{db: db, joins: joins}
}

var _ backend.Datastore = (*Store)(nil)

// Count implements backend.Datastore.
func (s *Store) Count(ctx context.Context, q *backend.Query) (int, error) {
	b := s.newBuilder(q)
	where, err := b.predicate(q.Predicate)
	if err != nil {
		return 0, err
	}
	sqlText := fmt.Sprintf("SELECT COUNT(*) FROM %s t%s", quoteIdent(q.Table), b.joinClause())
	if where != "" {
		sqlText += " WHERE " + where
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlText, b.args...).Scan(&n); err != nil {
		return 0, ows.NewProcessingFailed(err, "count query failed")
	}
	return n, nil
}

// Open implements backend.Datastore.
func (s *Store) Open(ctx context.Context, q *backend.Query) (backend.Cursor, error) {
	b := s.newBuilder(q)

	selects := make([]string, 0, len(q.Columns)+len(q.Annotations))
	for _, col := range q.Columns {
		expr, err := b.selectColumn(col)
		if err != nil {
			return nil, err
		}
		selects = append(selects, expr)
	}
	for _, ann := range q.Annotations {
		expr, err := b.expr(ann.Expr)
		if err != nil {
			return nil, err
		}
		selects = append(selects, expr)
	}

	where, err := b.predicate(q.Predicate)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s t%s",
		strings.Join(selects, ", "), quoteIdent(q.Table), b.joinClause())
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if len(q.Orderings) > 0 {
		clauses := make([]string, 0, len(q.Orderings))
		for _, o := range q.Orderings {
			col, err := b.column(o.Path)
			if err != nil {
				return nil, err
			}
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			clauses = append(clauses, fmt.Sprintf("%s %s NULLS LAST", col, dir))
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(clauses, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, ows.NewProcessingFailed(err, "cannot start read transaction")
	}
	rows, err := tx.QueryContext(ctx, sb.String(), b.args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, ows.NewProcessingFailed(err, "feature query failed")
	}

	chunk := q.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}
	return &cursor{
		ctx:      ctx,
		store:    s,
		tx:       tx,
		rows:     rows,
		query:    q,
		chunkCap: chunk,
	}, nil
}

// --- SQL building ---

type builder struct {
	store *Store
	query *backend.Query
	args  []any
	used  map[string]Join
}

func (s *Store) newBuilder(q *backend.Query) *builder {
	return &builder{store: s, query: q, used: map[string]Join{}}
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// column resolves a dotted data-source path to a qualified SQL column.
func (b *builder) column(path string) (string, error) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "t." + quoteIdent(path), nil
	}
	relation := path[:i]
	field := path[i+1:]
	join, ok := b.store.joins[relation]
	if !ok {
		return "", ows.NewProcessingFailed(nil,
			"no join configured for relation %q", relation)
	}
	b.used[relation] = join
	return joinAlias(relation) + "." + quoteIdent(field), nil
}

func (b *builder) joinClause() string {
	if len(b.used) == 0 {
		return ""
	}
	var sb strings.Builder
	for relation, join := range b.used {
		fmt.Fprintf(&sb, " LEFT JOIN %s %s ON %s.%s = t.%s",
			quoteIdent(join.Table), joinAlias(relation),
			joinAlias(relation), quoteIdent(join.ForeignKey),
			quoteIdent(join.LocalKey))
	}
	return sb.String()
}

func (b *builder) selectColumn(col backend.Column) (string, error) {
	name, err := b.column(col.Path)
	if err != nil {
		return "", err
	}
	if !col.Geometry {
		return name, nil
	}
	expr := name
	if col.TargetSRID != 0 && col.TargetSRID != col.SourceSRID {
		expr = fmt.Sprintf("ST_Transform(%s, %d)", expr, col.TargetSRID)
	}
	decimals := col.Decimals
	if decimals <= 0 {
		decimals = geom.DefaultDecimals
	}
	switch col.RenderAs {
	case backend.RenderGML:
		return fmt.Sprintf("ST_AsGML(3, %s, %d)", expr, decimals), nil
	case backend.RenderGeoJSON:
		return fmt.Sprintf("ST_AsGeoJSON(%s, %d)", expr, decimals), nil
	case backend.RenderEWKT:
		return fmt.Sprintf("ST_AsEWKT(%s)", expr), nil
	default:
		return fmt.Sprintf("ST_AsBinary(%s)", expr), nil
	}
}

func (b *builder) expr(e backend.Expr) (string, error) {
	switch v := e.(type) {
	case backend.Field:
		return b.column(v.Path)
	case backend.Value:
		return b.arg(v.V), nil
	case backend.FuncCall:
		args := make([]string, 0, len(v.Args))
		for _, a := range v.Args {
			s, err := b.expr(a)
			if err != nil {
				return "", err
			}
			args = append(args, s)
		}
		return fmt.Sprintf("%s(%s)", v.Name, strings.Join(args, ", ")), nil
	case backend.Arith:
		left, err := b.expr(v.Left)
		if err != nil {
			return "", err
		}
		right, err := b.expr(v.Right)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", left, v.Op, right), nil
	default:
		return "", ows.NewProcessingFailed(nil, "unsupported expression %T", e)
	}
}

func (b *builder) predicate(p backend.Predicate) (string, error) {
	switch v := p.(type) {
	case nil:
		return "", nil
	case backend.AlwaysFalse:
		return "FALSE", nil
	case backend.And:
		return b.joinPreds(v.Preds, " AND ")
	case backend.Or:
		return b.joinPreds(v.Preds, " OR ")
	case backend.Not:
		inner, err := b.predicate(v.Pred)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case backend.Compare:
		return b.compare(v)
	case backend.Between:
		expr, err := b.expr(v.Expr)
		if err != nil {
			return "", err
		}
		lo, err := b.expr(v.Lower)
		if err != nil {
			return "", err
		}
		hi, err := b.expr(v.Upper)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, lo, hi), nil
	case backend.Like:
		expr, err := b.expr(v.Expr)
		if err != nil {
			return "", err
		}
		op := "LIKE"
		if !v.MatchCase {
			op = "ILIKE"
		}
		return fmt.Sprintf("%s %s %s ESCAPE '\\'", expr, op, b.arg(v.Pattern)), nil
	case backend.IsNull:
		expr, err := b.expr(v.Expr)
		if err != nil {
			return "", err
		}
		return expr + " IS NULL", nil
	case backend.In:
		expr, err := b.expr(v.Expr)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = ANY(%s)", expr, b.arg(pq.Array(v.Values))), nil
	case backend.SpatialPred:
		return b.spatial(v)
	case backend.DistancePred:
		col, err := b.column(v.Field.Path)
		if err != nil {
			return "", err
		}
		g := b.geomArg(v.Geometry)
		if v.Beyond {
			return fmt.Sprintf("NOT ST_DWithin(%s, %s, %s)", col, g, b.arg(v.Distance)), nil
		}
		return fmt.Sprintf("ST_DWithin(%s, %s, %s)", col, g, b.arg(v.Distance)), nil
	default:
		return "", ows.NewProcessingFailed(nil, "unsupported predicate %T", p)
	}
}

func (b *builder) joinPreds(preds []backend.Predicate, sep string) (string, error) {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		s, err := b.predicate(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+s+")")
	}
	return strings.Join(parts, sep), nil
}

func (b *builder) compare(v backend.Compare) (string, error) {
	left, err := b.expr(v.Left)
	if err != nil {
		return "", err
	}
	right, err := b.expr(v.Right)
	if err != nil {
		return "", err
	}
	if !v.MatchCase {
		left = "lower(" + left + "::text)"
		right = "lower(" + right + "::text)"
	}
	return fmt.Sprintf("%s %s %s", left, v.Op, right), nil
}

var spatialFns = map[backend.SpatialOp]string{
	backend.SpIntersects: "ST_Intersects",
	backend.SpContains:   "ST_Contains",
	backend.SpCrosses:    "ST_Crosses",
	backend.SpDisjoint:   "ST_Disjoint",
	backend.SpEquals:     "ST_Equals",
	backend.SpOverlaps:   "ST_Overlaps",
	backend.SpTouches:    "ST_Touches",
	backend.SpWithin:     "ST_Within",
}

func (b *builder) spatial(v backend.SpatialPred) (string, error) {
	fn, ok := spatialFns[v.Op]
	if !ok {
		return "", ows.NewProcessingFailed(nil, "unsupported spatial op %q", v.Op)
	}
	col, err := b.column(v.Field.Path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s, %s)", fn, col, b.geomArg(v.Geometry)), nil
}

func (b *builder) geomArg(g geom.Geometry) string {
	text := wkt.MarshalString(g.Geom)
	return fmt.Sprintf("ST_GeomFromText(%s, %d)", b.arg(text), g.CRS.SRID)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinAlias(relation string) string {
	return quoteIdent("j_" + relation)
}

// --- cursor ---

type cursor struct {
	ctx      context.Context
	store    *Store
	tx       *sql.Tx
	rows     *sql.Rows
	query    *backend.Query
	chunkCap int

	buf    []backend.Row
	pos    int
	err    error
	done   bool
	closed bool
}

func (c *cursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	c.pos++
	if c.pos < len(c.buf) {
		return true
	}
	if c.done {
		return false
	}
	if err := c.fetchChunk(); err != nil {
		c.err = err
		return false
	}
	c.pos = 0
	return len(c.buf) > 0
}

func (c *cursor) Row() backend.Row { return c.buf[c.pos] }

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.rows.Close()
	return c.tx.Rollback()
}

// fetchChunk pulls up to chunkCap rows and attaches prefetched relations
// for the whole chunk, keeping the query count bounded.
func (c *cursor) fetchChunk() error {
	c.buf = c.buf[:0]
	n := len(c.query.Columns)
	total := n + len(c.query.Annotations)

	for len(c.buf) < c.chunkCap {
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return ows.NewProcessingFailed(err, "row iteration failed")
			}
			break
		}
		scan := make([]any, total)
		for i := range scan {
			var v any
			scan[i] = &v
		}
		if err := c.rows.Scan(scan...); err != nil {
			return ows.NewProcessingFailed(err, "row scan failed")
		}
		row := make(backend.Row, total)
		for i, col := range c.query.Columns {
			value := *(scan[i].(*any))
			converted, err := convertValue(col, value)
			if err != nil {
				return err
			}
			row[col.Path] = converted
		}
		for i, ann := range c.query.Annotations {
			row[ann.Path] = *(scan[n+i].(*any))
		}
		c.buf = append(c.buf, row)
	}

	if len(c.buf) > 0 && len(c.query.Prefetch) > 0 {
		if err := c.prefetch(); err != nil {
			return err
		}
	}
	return nil
}

func convertValue(col backend.Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if !col.Geometry {
		if raw, ok := value.([]byte); ok {
			return string(raw), nil
		}
		return value, nil
	}
	switch v := value.(type) {
	case []byte:
		if col.RenderAs != backend.RenderNone {
			return string(v), nil
		}
		g, err := wkb.Unmarshal(v)
		if err != nil {
			return nil, ows.NewProcessingFailed(err, "cannot decode geometry column %q", col.Path)
		}
		srid := col.TargetSRID
		if srid == 0 {
			srid = col.SourceSRID
		}
		return geom.Geometry{Geom: g, CRS: crs.FromSRID(srid)}, nil
	case string:
		return v, nil
	default:
		return nil, ows.NewProcessingFailed(nil, "unexpected geometry value %T", value)
	}
}

// prefetch loads each unbounded relation for the chunk in one query.
func (c *cursor) prefetch() error {
	ids := make([]any, 0, len(c.buf))
	for _, row := range c.buf {
		ids = append(ids, row[c.query.IDField])
	}

	for _, rel := range c.query.Prefetch {
		fields := make([]string, 0, len(rel.Fields)+1)
		fields = append(fields, quoteIdent(rel.ForeignKey))
		for _, f := range rel.Fields {
			fields = append(fields, quoteIdent(f))
		}
		sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)",
			strings.Join(fields, ", "), quoteIdent(rel.Table), quoteIdent(rel.ForeignKey))

		rows, err := c.tx.QueryContext(c.ctx, sqlText, pq.Array(ids))
		if err != nil {
			return ows.NewProcessingFailed(err, "prefetch of %q failed", rel.Path)
		}
		grouped := map[any][]backend.Row{}
		for rows.Next() {
			scan := make([]any, len(fields))
			for i := range scan {
				var v any
				scan[i] = &v
			}
			if err := rows.Scan(scan...); err != nil {
				_ = rows.Close()
				return ows.NewProcessingFailed(err, "prefetch scan failed")
			}
			key := normalizeKey(*(scan[0].(*any)))
			nested := make(backend.Row, len(rel.Fields))
			for i, f := range rel.Fields {
				v := *(scan[i+1].(*any))
				if raw, ok := v.([]byte); ok {
					nested[f] = string(raw)
				} else {
					nested[f] = v
				}
			}
			grouped[key] = append(grouped[key], nested)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return ows.NewProcessingFailed(err, "prefetch iteration failed")
		}
		_ = rows.Close()

		for _, row := range c.buf {
			row[rel.Path] = grouped[normalizeKey(row[c.query.IDField])]
		}
	}
	return nil
}

func normalizeKey(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case []byte:
		return string(n)
	default:
		return v
	}
}
