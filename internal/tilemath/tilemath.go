// Package tilemath implements lon/lat <-> tile XYZ conversion, bounding-box
// to tile-range enumeration, and TMS<->XYZ scheme handling (spec.md C1).
package tilemath

import "math"

// Scheme identifies which corner of the Mercator pyramid a tile's Y
// coordinate is measured from.
type Scheme string

const (
	SchemeXYZ Scheme = "xyz"
	SchemeTMS Scheme = "tms"
)

// Position selects which pixel within a tile a lon/lat conversion targets.
type Position string

const (
	PositionTopLeft     Position = "topLeft"
	PositionCenter      Position = "center"
	PositionBottomRight Position = "bottomRight"
)

const (
	tileSize  = 256
	maxLat    = 85.051129
	minLat    = -85.051129
	maxLon    = 180.0
	minLon    = -180.0
	earthHalf = 180.0
)

// BBox is [lonMin, latMin, lonMax, latMax].
type BBox [4]float64

// ZoomGroup is one zoom level's tile range within a bbox.
type ZoomGroup struct {
	Z    int
	XMin int
	XMax int
	YMin int
	YMax int
}

// Count returns the number of tiles covered by this zoom group.
func (g ZoomGroup) Count() int64 {
	return int64(g.XMax-g.XMin+1) * int64(g.YMax-g.YMin+1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// flipY converts a Y coordinate between the XYZ and TMS schemes. It is its
// own inverse: flipY(flipY(y, z), z) == y.
func flipY(y, z int) int {
	return (1 << uint(z)) - 1 - y
}

// LonLatZToXYZ maps a longitude/latitude pair at a given zoom to a tile
// coordinate, clamping inputs to valid Mercator range and outputs to the
// valid tile index range for that zoom.
func LonLatZToXYZ(lon, lat float64, z int, scheme Scheme) (x, y int) {
	lon = clamp(lon, minLon, maxLon)
	lat = clamp(lat, minLat, maxLat)

	n := math.Exp2(float64(z))
	x = int(math.Floor((lon + earthHalf) / 360.0 * n))

	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxIdx := int(n) - 1
	x = clampInt(x, 0, maxIdx)
	y = clampInt(y, 0, maxIdx)

	if scheme == SchemeTMS {
		y = flipY(y, z)
	}
	return x, y
}

// XYZToLonLat maps a tile coordinate back to a lon/lat pair at the given
// pixel position within the tile.
func XYZToLonLat(x, y, z int, position Position, scheme Scheme) (lon, lat float64) {
	if scheme == SchemeTMS {
		y = flipY(y, z)
	}

	var offset float64
	switch position {
	case PositionTopLeft:
		offset = 0
	case PositionBottomRight:
		offset = float64(tileSize)
	default:
		offset = float64(tileSize) / 2
	}

	n := math.Exp2(float64(z))
	px := float64(x) + offset/float64(tileSize)
	py := float64(y) + offset/float64(tileSize)

	lon = px/n*360.0 - earthHalf

	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*py/n)))
	lat = latRad * 180.0 / math.Pi

	return lon, lat
}

// TilesFromBBox returns, for each requested zoom, the tile range (in the
// requested scheme) that covers bbox. Groups are returned in the order
// zooms were given.
func TilesFromBBox(bbox BBox, zooms []int, scheme Scheme) []ZoomGroup {
	groups := make([]ZoomGroup, 0, len(zooms))
	for _, z := range zooms {
		xMinTL, yMinTL := LonLatZToXYZ(bbox[0], bbox[3], z, SchemeXYZ) // top-left
		xMaxBR, yMaxBR := LonLatZToXYZ(bbox[2], bbox[1], z, SchemeXYZ) // bottom-right

		xMin, xMax := xMinTL, xMaxBR
		if xMin > xMax {
			xMin, xMax = xMax, xMin
		}
		yMin, yMax := yMinTL, yMaxBR
		if yMin > yMax {
			yMin, yMax = yMax, yMin
		}

		if scheme == SchemeTMS {
			yMin, yMax = flipY(yMax, z), flipY(yMin, z)
		}

		groups = append(groups, ZoomGroup{Z: z, XMin: xMin, XMax: xMax, YMin: yMin, YMax: yMax})
	}
	return groups
}

// TotalTiles sums Count() across groups.
func TotalTiles(groups []ZoomGroup) int64 {
	var total int64
	for _, g := range groups {
		total += g.Count()
	}
	return total
}

// BBoxFromTiles returns the bbox enclosing tiles (xMin,yMin)..(xMax,yMax) at
// zoom z in the given scheme: top-left corner of (xMin,yMin) to
// bottom-right corner of (xMax,yMax), i.e. the top-left corner of
// (xMax+1,yMax+1).
func BBoxFromTiles(xMin, yMin, xMax, yMax, z int, scheme Scheme) BBox {
	lonMin, latMax := XYZToLonLat(xMin, yMin, z, PositionTopLeft, scheme)
	lonMax, latMin := XYZToLonLat(xMax, yMax, z, PositionBottomRight, scheme)
	return BBox{lonMin, latMin, lonMax, latMax}
}
