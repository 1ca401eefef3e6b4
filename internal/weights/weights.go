// Package weights implements the remapping-weight table abstraction: three
// aligned streams (source global points, destination global points,
// weights) that can be read from a columnar file and sorted by either key.
//
// Ingesting the real production weight-file format (a self-describing
// columnar scientific-data file — ESMF-style "col"/"row"/"S" variables) is
// explicitly an external collaborator's job; Source below is the seam a
// real driver plugs into. BinaryColumnSource is the one concrete
// implementation this module carries, reading a small documented columnar
// layout so the router and its tests have something real to read without
// depending on a scientific-data library.
package weights

import (
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// WeightThreshold is the magnitude at or below which a weight is logically
// absent. The reader keeps such entries; the router is responsible for
// dropping them during matching.
const WeightThreshold = 1e-12

// Table holds the three aligned streams read from one remapping-weight
// file: Src[i], Dst[i], Wgt[i] describe one weighted edge.
type Table struct {
	Src []uint32
	Dst []uint32
	Wgt []float64
}

// SortKey selects which column SortBy sorts by.
type SortKey int

const (
	BySource SortKey = iota
	ByDestination
)

// SortBy reorders the table so the chosen key column is monotonically
// non-decreasing, permuting the other two columns in lockstep so that
// aligned-index triples (Src[i], Dst[i], Wgt[i]) remain meaningful.
func (t *Table) SortBy(key SortKey) {
	n := len(t.Src)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	var keyOf func(i int) uint32
	switch key {
	case BySource:
		keyOf = func(i int) uint32 { return t.Src[i] }
	case ByDestination:
		keyOf = func(i int) uint32 { return t.Dst[i] }
	}
	sort.SliceStable(perm, func(i, j int) bool { return keyOf(perm[i]) < keyOf(perm[j]) })

	src := make([]uint32, n)
	dst := make([]uint32, n)
	wgt := make([]float64, n)
	for i, p := range perm {
		src[i] = t.Src[p]
		dst[i] = t.Dst[p]
		wgt[i] = t.Wgt[p]
	}
	t.Src, t.Dst, t.Wgt = src, dst, wgt
}

// Source loads a remapping-weight table from a path. A real deployment
// plugs in a driver for the scientific-data container the weight-generating
// tool actually produces; BinaryColumnSource is the one shipped here.
type Source interface {
	Read(path string) (Table, error)
}

// BinaryColumnSource reads the simple columnar binary layout documented on
// WriteBinaryColumns: a count, then that many uint32 source ids, that many
// uint32 destination ids, then that many float64 weights, all little-endian.
type BinaryColumnSource struct{}

var _ Source = BinaryColumnSource{}

func (BinaryColumnSource) Read(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, errors.Wrapf(err, "weights: opening %q", path)
	}
	defer f.Close()

	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return Table{}, errors.Wrapf(err, "weights: reading length from %q", path)
	}

	t := Table{
		Src: make([]uint32, n),
		Dst: make([]uint32, n),
		Wgt: make([]float64, n),
	}
	if err := binary.Read(f, binary.LittleEndian, t.Src); err != nil {
		return Table{}, errors.Wrapf(err, "weights: reading source column from %q", path)
	}
	if err := binary.Read(f, binary.LittleEndian, t.Dst); err != nil {
		return Table{}, errors.Wrapf(err, "weights: reading destination column from %q", path)
	}
	if err := binary.Read(f, binary.LittleEndian, t.Wgt); err != nil {
		return Table{}, errors.Wrapf(err, "weights: reading weight column from %q", path)
	}
	return t, nil
}

// WriteBinaryColumns writes a Table in the layout BinaryColumnSource reads:
// a uint32 count, the source column, the destination column, then the
// weight column, all little-endian. It exists so tests (and tools
// preparing fixtures) can produce files BinaryColumnSource can read back;
// production weight files come from the external weight-generation tool.
func WriteBinaryColumns(w io.Writer, t Table) error {
	if len(t.Src) != len(t.Dst) || len(t.Dst) != len(t.Wgt) {
		return errors.Errorf("weights: columns have mismatched lengths %d/%d/%d", len(t.Src), len(t.Dst), len(t.Wgt))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Src))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, t.Src); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, t.Dst); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.Wgt)
}
