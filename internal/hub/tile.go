package hub

import (
	"fmt"
	"math"
)

// TileZoom is the slippy-map zoom vehicle positions are bucketed at
const TileZoom = 14

const maxBBoxTiles = 256

type Tile struct {
	Z, X, Y int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// TileAt returns the Web Mercator tile containing a coordinate, clamped to
// the valid tile range at that zoom.
func TileAt(lat, lon float64, zoom int) Tile {
	n := float64(int(1) << zoom)
	latRad := lat * math.Pi / 180
	x := int(math.Floor((lon + 180) / 360 * n))
	y := int(math.Floor((1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n))
	last := int(n) - 1
	return Tile{Z: zoom, X: clamp(x, 0, last), Y: clamp(y, 0, last)}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func ParseTile(s string) (Tile, error) {
	var t Tile
	if n, err := fmt.Sscanf(s, "%d/%d/%d", &t.Z, &t.X, &t.Y); err != nil || n != 3 {
		return Tile{}, fmt.Errorf("invalid tile %q", s)
	}
	if t.Z < 0 || t.Z > 22 {
		return Tile{}, fmt.Errorf("tile %q out of range", s)
	}
	last := (1 << t.Z) - 1
	if t.X < 0 || t.X > last || t.Y < 0 || t.Y > last {
		return Tile{}, fmt.Errorf("tile %q out of range", s)
	}
	return t, nil
}

// TilesInBBox lists the tiles covering a bounding box at zoom. Boxes wider
// than maxBBoxTiles tiles are rejected.
func TilesInBBox(minLat, minLon, maxLat, maxLon float64, zoom int) ([]Tile, error) {
	nw := TileAt(maxLat, minLon, zoom)
	se := TileAt(minLat, maxLon, zoom)
	if se.X < nw.X || se.Y < nw.Y {
		return nil, fmt.Errorf("empty bounding box")
	}
	if (se.X-nw.X+1)*(se.Y-nw.Y+1) > maxBBoxTiles {
		return nil, fmt.Errorf("bounding box covers more than %d tiles", maxBBoxTiles)
	}
	var out []Tile
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			out = append(out, Tile{Z: zoom, X: x, Y: y})
		}
	}
	return out, nil
}
