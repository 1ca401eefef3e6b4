// Package tile implements the rectangular sub-domain of one grid owned by a
// single worker, and the global point-identifier arithmetic that ties a
// worker's local array positions to the 1-based enumeration used by the
// remapping-weight files.
package tile

import (
	"sort"

	"github.com/pkg/errors"
)

// Box describes a tile's local extents within the global extents of the
// grid it is cut from. All four pairs are half-open: [LIS, LIE) x [LJS, LJE)
// locally, [GIS, GIE) x [GJS, GJE) globally.
type Box struct {
	LIS, LIE, LJS, LJE int
	GIS, GIE, GJS, GJE int
}

// Validate checks the containment invariant: the local extents must sit
// inside the global extents this tile is cut from, and each extent pair
// must be non-decreasing.
func (b Box) Validate() error {
	if b.LIS > b.LIE || b.LJS > b.LJE || b.GIS > b.GIE || b.GJS > b.GJE {
		return errors.Errorf("tile: box has an inverted extent: %+v", b)
	}
	if b.LIS < b.GIS || b.LIE > b.GIE || b.LJS < b.GJS || b.LJE > b.GJE {
		return errors.Errorf("tile: local extent %v is not contained in global extent %v",
			[4]int{b.LIS, b.LIE, b.LJS, b.LJE}, [4]int{b.GIS, b.GIE, b.GJS, b.GJE})
	}
	return nil
}

// Rows and Cols are the local row/column counts of the box.
func (b Box) Rows() int { return b.LIE - b.LIS }
func (b Box) Cols() int { return b.LJE - b.LJS }

// NumPoints is the number of points owned by a box: Rows() * Cols().
func (b Box) NumPoints() int { return b.Rows() * b.Cols() }

// GlobalID computes the 1-based, row-major global point identifier for a
// global (row, col) pair:
//
//	id = (gje-gjs)*(i-gis) + (j-gjs) + 1
func GlobalID(b Box, i, j int) uint32 {
	cols := b.GJE - b.GJS
	return uint32(cols*(i-b.GIS) + (j - b.GJS) + 1)
}

// Tile is a worker's rectangular sub-domain of one grid, plus the sorted
// list of global point identifiers it owns. It is a pure value object: once
// built it is never mutated.
type Tile struct {
	ID     int
	Box    Box
	Points []uint32 // ascending global ids
}

// New builds a Tile from a box, enumerating its owned global point
// identifiers in ascending order.
//
// Because a box's local column range is always a sub-range of its global
// column range (enforced by Box.Validate), enumerating rows then columns in
// increasing order already yields strictly ascending global ids — no
// explicit sort is required.
func New(id int, box Box) (*Tile, error) {
	if err := box.Validate(); err != nil {
		return nil, errors.Wrapf(err, "tile %d", id)
	}
	points := make([]uint32, 0, box.NumPoints())
	for i := box.LIS; i < box.LIE; i++ {
		for j := box.LJS; j < box.LJE; j++ {
			points = append(points, GlobalID(box, i, j))
		}
	}
	t := &Tile{ID: id, Box: box, Points: points}
	if len(t.Points) != box.NumPoints() {
		return nil, errors.Errorf("tile %d: built %d points, expected %d", id, len(t.Points), box.NumPoints())
	}
	return t, nil
}

// HasPoint reports whether g is one of this tile's owned global points.
func (t *Tile) HasPoint(g uint32) bool {
	_, found := t.search(g)
	return found
}

// LocalOf returns the 0-based position of a global id in the tile's sorted
// Points vector — the local array position used everywhere inside a
// Mapping once rule-building has converted from global ids.
//
// The caller must only ask for a point this tile actually owns: asking for
// a foreign point is a programming error, not a runtime condition, so this
// panics instead of returning an error.
func (t *Tile) LocalOf(g uint32) int {
	idx, found := t.search(g)
	if !found {
		panic(errors.Errorf("tile %d: local_of called with foreign point %d", t.ID, g))
	}
	return idx
}

func (t *Tile) search(g uint32) (idx int, found bool) {
	idx = sort.Search(len(t.Points), func(i int) bool { return t.Points[i] >= g })
	found = idx < len(t.Points) && t.Points[idx] == g
	return idx, found
}

// Record is the fixed-size wire representation of a Tile's descriptor: 9
// integers, (tile_id, lis, lie, ljs, lje, gis, gie, gjs, gje).
type Record [9]int32

// Pack serializes the tile into its wire record.
func (t *Tile) Pack() Record {
	b := t.Box
	return Record{
		int32(t.ID),
		int32(b.LIS), int32(b.LIE), int32(b.LJS), int32(b.LJE),
		int32(b.GIS), int32(b.GIE), int32(b.GJS), int32(b.GJE),
	}
}

// Unpack reconstructs a Tile from a wire record received from a peer.
func Unpack(rec Record) (*Tile, error) {
	box := Box{
		LIS: int(rec[1]), LIE: int(rec[2]), LJS: int(rec[3]), LJE: int(rec[4]),
		GIS: int(rec[5]), GIE: int(rec[6]), GJS: int(rec[7]), GJE: int(rec[8]),
	}
	return New(int(rec[0]), box)
}
