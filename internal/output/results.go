// Package output renders GetFeature results as GML 3.2, GeoJSON or CSV
// streams, plus the XML documents for the metadata operations.
package output

import (
	"context"
	"time"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/query"
	"github.com/mapgrid/wfserver/internal/schema"
)

// CountPolicy selects how numberMatched is produced.
type CountPolicy int

const (
	// CountNever always reports "unknown".
	CountNever CountPolicy = 0
	// CountAlways counts on every page. The default.
	CountAlways CountPolicy = 1
	// CountFirstPage counts only when startIndex is zero.
	CountFirstPage CountPolicy = 2
)

// SimpleFeatureCollection wraps the result set of one feature type.
type SimpleFeatureCollection struct {
	FeatureType *schema.FeatureType
	Projection  *query.Projection
	Query       *backend.Query
	Store       backend.Datastore

	// Start is the absolute offset of this page; PageSize its cap
	// (0 = unbounded).
	Start    int
	PageSize int

	cache   []backend.Row
	fetched bool
}

// Fetch materializes the page. XML output needs numberReturned in the
// collection header, before any member renders.
func (sc *SimpleFeatureCollection) Fetch(ctx context.Context) (int, error) {
	if sc.fetched {
		return len(sc.cache), nil
	}
	cur, err := sc.Store.Open(ctx, sc.Query)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	for cur.Next() {
		sc.cache = append(sc.cache, cur.Row())
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	sc.fetched = true
	return len(sc.cache), nil
}

// Iterate streams the page rows. When Fetch ran earlier the cached rows
// replay without touching the datastore again.
func (sc *SimpleFeatureCollection) Iterate(ctx context.Context) (backend.Cursor, error) {
	if sc.fetched {
		return &sliceCursor{rows: sc.cache, pos: -1}, nil
	}
	return sc.Store.Open(ctx, sc.Query)
}

// NumberMatched counts the full result set, honoring the count policy.
// The bool reports whether a number is known.
func (sc *SimpleFeatureCollection) NumberMatched(ctx context.Context, policy CountPolicy) (int, bool, error) {
	switch policy {
	case CountNever:
		return 0, false, nil
	case CountFirstPage:
		if sc.Start > 0 {
			return 0, false, nil
		}
	}
	n, err := sc.Store.Count(ctx, sc.Query)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// NumberReturned is available after Fetch.
func (sc *SimpleFeatureCollection) NumberReturned() int { return len(sc.cache) }

type sliceCursor struct {
	rows []backend.Row
	pos  int
}

func (c *sliceCursor) Next() bool {
	c.pos++
	return c.pos < len(c.rows)
}
func (c *sliceCursor) Row() backend.Row { return c.rows[c.pos] }
func (c *sliceCursor) Err() error       { return nil }
func (c *sliceCursor) Close() error     { return nil }

// FeatureCollection is the full GetFeature result: one simple collection
// per requested feature type plus the pagination facts.
type FeatureCollection struct {
	Results []*SimpleFeatureCollection

	// NumberMatched < 0 renders as "unknown".
	NumberMatched int
	// NumberReturned is the page cardinality. Meaningful for XML output
	// after Fetch; GeoJSON counts while streaming.
	NumberReturned int

	Timestamp time.Time

	// Next and Previous are the pagination links, empty at the ends.
	Next     string
	Previous string

	// HitsOnly marks resultType=hits: headers only, no members.
	HitsOnly bool
}

// MatchedUnknown marks NumberMatched as unknown.
const MatchedUnknown = -1
