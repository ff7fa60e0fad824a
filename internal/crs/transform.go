package crs

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mapgrid/wfserver/internal/ows"
)

// Transform reprojects coordinates from one CRS into another. Axis order is
// not its concern: in-memory coordinates are always east/north, swaps happen
// at the parse and emit boundaries.
type Transform struct {
	From CRS
	To   CRS
	fn   orb.Projection
}

// Apply reprojects a geometry. The input is not modified.
func (t *Transform) Apply(g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	return project.Geometry(orb.Clone(g), t.fn)
}

// ApplyPoint reprojects a single coordinate pair.
func (t *Transform) ApplyPoint(p orb.Point) orb.Point {
	return t.fn(p)
}

type transformKey struct {
	from, to int
}

// Registry resolves and caches transforms between known systems. Transforms
// are composed through a WGS84 hub from per-SRID conversion pairs.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[transformKey, *Transform]

	convs map[int]conversion

	// OnHit and OnMiss feed the cache metrics when set. Bootstrap only.
	OnHit  func()
	OnMiss func()
}

type conversion struct {
	toWGS84   orb.Projection
	fromWGS84 orb.Projection
}

const transformCacheSize = 100

// NewRegistry builds a registry with the built-in conversions.
func NewRegistry() *Registry {
	cache, _ := lru.New[transformKey, *Transform](transformCacheSize)
	r := &Registry{
		cache: cache,
		convs: map[int]conversion{},
	}
	identity := func(p orb.Point) orb.Point { return p }
	r.Register(4326, identity, identity)
	r.Register(4258, identity, identity) // ETRS89, treated as WGS84 at this accuracy
	r.Register(3857, project.Mercator.ToWGS84, project.WGS84.ToMercator)
	r.Register(28992, rdToWGS84, wgs84ToRD)
	return r
}

// Register installs the conversion pair for one SRID. Bootstrap only; not
// safe to call once the server is handling requests.
func (r *Registry) Register(srid int, toWGS84, fromWGS84 orb.Projection) {
	r.convs[srid] = conversion{toWGS84: toWGS84, fromWGS84: fromWGS84}
}

// Supports tells whether geometries can be transformed into the given CRS.
func (r *Registry) Supports(c CRS) bool {
	_, ok := r.convs[c.SRID]
	return ok
}

// Get returns the cached transform between two systems.
func (r *Registry) Get(from, to CRS) (*Transform, error) {
	key := transformKey{from: from.SRID, to: to.SRID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache.Get(key); ok {
		if r.OnHit != nil {
			r.OnHit()
		}
		return t, nil
	}
	if r.OnMiss != nil {
		r.OnMiss()
	}

	src, ok := r.convs[from.SRID]
	if !ok {
		return nil, ows.NewProcessingFailed(nil,
			"no transform available from %s", from.URN())
	}
	dst, ok := r.convs[to.SRID]
	if !ok {
		return nil, ows.NewProcessingFailed(nil,
			"no transform available to %s", to.URN())
	}

	var fn orb.Projection
	switch {
	case from.SRID == to.SRID:
		fn = func(p orb.Point) orb.Point { return p }
	default:
		fn = func(p orb.Point) orb.Point { return dst.fromWGS84(src.toWGS84(p)) }
	}
	t := &Transform{From: from, To: to, fn: fn}
	r.cache.Add(key, t)
	return t, nil
}
