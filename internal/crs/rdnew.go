package crs

import "github.com/paulmach/orb"

// RD New (Amersfoort, EPSG:28992) conversion using the Schreutelkamp /
// Strang van Hees polynomial approximation. Accuracy is well below a meter
// within the Dutch territory, which is the validity area of this system.

const (
	rdX0   = 155000.0
	rdY0   = 463000.0
	rdLat0 = 52.15517440
	rdLon0 = 5.38720621
)

type rdTerm struct {
	p, q int
	c    float64
}

var rdLatTerms = []rdTerm{
	{0, 1, 3235.65389}, {2, 0, -32.58297}, {0, 2, -0.24750},
	{2, 1, -0.84978}, {0, 3, -0.06550}, {2, 2, -0.01709},
	{1, 0, -0.00738}, {4, 0, 0.00530}, {2, 3, -0.00039},
	{4, 1, 0.00033}, {1, 1, -0.00012},
}

var rdLonTerms = []rdTerm{
	{1, 0, 5260.52916}, {1, 1, 105.94684}, {1, 2, 2.45656},
	{3, 0, -0.81885}, {1, 3, 0.05594}, {3, 1, -0.05607},
	{0, 1, 0.01199}, {3, 2, -0.00256}, {1, 4, 0.00128},
	{0, 2, 0.00022}, {2, 0, -0.00022}, {5, 0, 0.00026},
}

var rdEastTerms = []rdTerm{
	{0, 1, 190094.945}, {1, 1, -11832.228}, {2, 1, -114.221},
	{0, 3, -32.391}, {1, 0, -0.705}, {3, 1, -2.340},
	{1, 3, -0.608}, {0, 2, -0.008}, {2, 3, 0.148},
}

var rdNorthTerms = []rdTerm{
	{1, 0, 309056.544}, {0, 2, 3638.893}, {2, 0, 73.077},
	{1, 2, -157.984}, {3, 0, 59.788}, {0, 1, 0.433},
	{2, 2, -6.439}, {1, 1, -0.032}, {1, 4, 0.092},
}

func rdSum(terms []rdTerm, a, b float64) float64 {
	var sum float64
	for _, t := range terms {
		sum += t.c * pow(a, t.p) * pow(b, t.q)
	}
	return sum
}

func pow(v float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= v
	}
	return r
}

// rdToWGS84 converts RD easting/northing to lon/lat degrees.
func rdToWGS84(p orb.Point) orb.Point {
	dx := (p[0] - rdX0) * 1e-5
	dy := (p[1] - rdY0) * 1e-5
	lat := rdLat0 + rdSum(rdLatTerms, dx, dy)/3600
	lon := rdLon0 + rdSum(rdLonTerms, dx, dy)/3600
	return orb.Point{lon, lat}
}

// wgs84ToRD converts lon/lat degrees to RD easting/northing.
func wgs84ToRD(p orb.Point) orb.Point {
	dlat := 0.36 * (p[1] - rdLat0)
	dlon := 0.36 * (p[0] - rdLon0)
	east := rdX0 + rdSum(rdEastTerms, dlat, dlon)
	north := rdY0 + rdSum(rdNorthTerms, dlat, dlon)
	return orb.Point{east, north}
}
