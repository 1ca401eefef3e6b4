// Package mapping implements the directed, per-edge interpolation plan
// between a worker's local tile and one remote tile, in one direction.
package mapping

import (
	"sort"
	"strconv"

	"github.com/parallelfields/coupler/internal/tile"
)

// Direction distinguishes a send Mapping (local tile feeds a remote one)
// from a receive Mapping (a remote tile feeds the local one). A single
// Mapping carries exactly one direction; a peer pair may have both, as two
// separate Mapping values.
type Direction int

const (
	// Send: A-side is the remote tile, B-side is the local tile.
	Send Direction = iota
	// Recv: A-side is the local tile, B-side is the remote tile.
	Recv
)

// String renders the direction the way a hand-written stringer for a small,
// stable enum normally does.
func (d Direction) String() string {
	switch d {
	case Send:
		return "Send"
	case Recv:
		return "Recv"
	default:
		return "Direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// Edge is one (B-side local position, weight) pair within an A point's
// ordered edge list.
type Edge struct {
	B int
	W float64
}

// Mapping is one edge of the routing graph: a directed interpolation plan
// between the local tile and RemoteTile, in one Direction (local to remote
// for Send, remote to local for Recv).
//
// A_points and every B position recorded via AddLink are already local
// array positions — the conversion from global point identifiers happens
// once, in the router, at rule-build time — so nothing on the Mapping's hot
// path ever searches.
type Mapping struct {
	RemoteTile *tile.Tile
	Direction  Direction

	aPoints []int          // ascending local positions, the keys of edges
	edges   map[int][]Edge // A local position -> ordered (B local position, weight) pairs
}

// New creates an empty Mapping for one remote tile and direction. It is
// created for every plausible peer tile during descriptor exchange, before
// the weight scan decides whether it carries any traffic at all —
// speculative construction, pruned later once empty mappings are known.
func New(remote *tile.Tile, dir Direction) *Mapping {
	return &Mapping{
		RemoteTile: remote,
		Direction:  dir,
		edges:      make(map[int][]Edge),
	}
}

// AddLink inserts a (b, w) edge under A point a. A duplicate (a, b) pair
// overwrites the previous weight idempotently. B-side edges for a given A
// point are kept sorted by ascending B local position — this fixes the
// summation order used later during weighted accumulation, so results are
// deterministic and reproducible across runs.
func (m *Mapping) AddLink(a, b int, w float64) {
	list, exists := m.edges[a]
	if !exists {
		m.insertAPoint(a)
	}
	idx := sort.Search(len(list), func(i int) bool { return list[i].B >= b })
	if idx < len(list) && list[idx].B == b {
		list[idx].W = w
		m.edges[a] = list
		return
	}
	list = append(list, Edge{})
	copy(list[idx+1:], list[idx:])
	list[idx] = Edge{B: b, W: w}
	m.edges[a] = list
}

func (m *Mapping) insertAPoint(a int) {
	idx := sort.Search(len(m.aPoints), func(i int) bool { return m.aPoints[i] >= a })
	m.aPoints = append(m.aPoints, 0)
	copy(m.aPoints[idx+1:], m.aPoints[idx:])
	m.aPoints[idx] = a
}

// APointsOrdered returns the A-side enumeration, in ascending local-position
// order. Both endpoints of a paired send/receive Mapping derive this order
// independently from the same global ids, so it is guaranteed identical on
// both sides — the ordering contract that keeps sender and receiver in
// sync while marshalling wire buffers.
func (m *Mapping) APointsOrdered() []int {
	return m.aPoints
}

// BEdges returns the ordered (B local position, weight) list for a single A
// point. The caller must only ask for an A point actually present in the
// mapping.
func (m *Mapping) BEdges(a int) []Edge {
	return m.edges[a]
}

// IsEmpty reports whether this mapping has no A-side points at all — the
// signal the router uses to prune a speculatively-created mapping that
// never received any traffic.
func (m *Mapping) IsEmpty() bool {
	return len(m.aPoints) == 0
}
