// Package router implements the per-worker orchestrator: it gathers all
// tile descriptors, constructs the candidate mapping set, scans the weight
// table to fill mappings, and prunes the ones that end up empty.
package router

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/parallelfields/coupler/internal/config"
	"github.com/parallelfields/coupler/internal/mapping"
	"github.com/parallelfields/coupler/internal/substrate"
	"github.com/parallelfields/coupler/internal/tile"
	"github.com/parallelfields/coupler/internal/weights"
)

// MaxGridName bounds a grid name in the wire descriptor.
const MaxGridName = 32

// descriptionSize is the width, in 4-byte ints, of one worker's packed
// descriptor: MaxGridName name slots followed by the 9-integer tile record.
const descriptionSize = MaxGridName + 9

// Router is the per-worker orchestrator. It owns the local Tile and every
// Mapping the worker participates in.
type Router struct {
	cfg  *config.Config
	comm substrate.Comm
	log  logr.Logger

	localTile *tile.Tile

	sendMappings map[string][]*mapping.Mapping
	recvMappings map[string][]*mapping.Mapping

	// coverageGaps counts, per peer grid, above-threshold weight-table
	// entries touching this worker's points whose remote-side id
	// (destination on a send grid, source on a receive grid) matched no
	// remote tile.
	coverageGaps map[string]int
}

// New builds a Router for one worker: it creates the local tile, exchanges
// descriptors with every other worker, scans the weight tables to build
// the routing rules, and prunes mappings that end up carrying no traffic.
// It is collective: every worker in comm must call New.
func New(cfg *config.Config, comm substrate.Comm, box tile.Box, src weights.Source, log logr.Logger) (*Router, error) {
	r := &Router{
		cfg:          cfg,
		comm:         comm,
		log:          log,
		sendMappings: make(map[string][]*mapping.Mapping),
		recvMappings: make(map[string][]*mapping.Mapping),
		coverageGaps: make(map[string]int),
	}

	localTile, err := tile.New(comm.Rank(), box)
	if err != nil {
		return nil, errors.Wrap(err, "router: building local tile")
	}
	if declared := cfg.DeclaredGridSize(); declared > 0 && declared != box.NumPoints() {
		return nil, errors.Errorf("router: config declares grid %q size %d, but box implies %d",
			cfg.LocalGrid, declared, box.NumPoints())
	}
	r.localTile = localTile

	if err := r.exchangeDescriptors(); err != nil {
		return nil, errors.Wrap(err, "router: exchanging descriptors")
	}
	if err := r.buildRoutingRules(src); err != nil {
		return nil, errors.Wrap(err, "router: building routing rules")
	}
	r.pruneEmptyMappings()
	return r, nil
}

// LocalTile returns the worker's own tile.
func (r *Router) LocalTile() *tile.Tile { return r.localTile }

// SendMappings returns the (pruned) send mappings for a peer grid, in the
// deterministic order they were discovered during descriptor exchange.
func (r *Router) SendMappings(grid string) []*mapping.Mapping { return r.sendMappings[grid] }

// RecvMappings returns the (pruned) receive mappings for a peer grid, in
// the same deterministic order.
func (r *Router) RecvMappings(grid string) []*mapping.Mapping { return r.recvMappings[grid] }

// Config returns the read-only coupling configuration this router was
// built from.
func (r *Router) Config() *config.Config { return r.cfg }

// CoverageGaps returns the number of weight-table entries for grid whose
// remote-side point (the destination for a send grid, the source for a
// receive grid) matched no remote tile at rule-build time.
func (r *Router) CoverageGaps(grid string) int { return r.coverageGaps[grid] }

// exchangeDescriptors: every worker packs one descriptor (grid name + tile
// record), all descriptors are gathered to rank 0 and broadcast back, and
// each worker builds remote Tile + Mapping skeletons for every peer tile
// on a grid it actually couples with.
func (r *Router) exchangeDescriptors() error {
	local := packDescriptor(r.cfg.LocalGrid, r.localTile.Pack())

	gathered, err := r.comm.GatherInt32(local, 0)
	if err != nil {
		return errors.Wrap(err, "gathering tile descriptors")
	}

	buf := gathered
	if r.comm.Rank() != 0 {
		buf = make([]int32, descriptionSize*r.comm.WorldSize())
	}
	if err := r.comm.BroadcastInt32(buf, 0); err != nil {
		return errors.Wrap(err, "broadcasting tile descriptors")
	}

	for rank := 0; rank < r.comm.WorldSize(); rank++ {
		if rank == r.comm.Rank() {
			continue
		}
		rec := buf[rank*descriptionSize : (rank+1)*descriptionSize]
		name, tileRec := unpackDescriptor(rec)

		if r.cfg.IsSendGrid(name) {
			remote, err := tile.Unpack(tileRec)
			if err != nil {
				return errors.Wrapf(err, "unpacking send-peer tile from rank %d on grid %q", rank, name)
			}
			r.sendMappings[name] = append(r.sendMappings[name], mapping.New(remote, mapping.Send))
		}
		if r.cfg.IsRecvGrid(name) {
			remote, err := tile.Unpack(tileRec)
			if err != nil {
				return errors.Wrapf(err, "unpacking recv-peer tile from rank %d on grid %q", rank, name)
			}
			r.recvMappings[name] = append(r.recvMappings[name], mapping.New(remote, mapping.Recv))
		}
	}
	return nil
}

func packDescriptor(gridName string, rec tile.Record) []int32 {
	out := make([]int32, descriptionSize)
	for i := 0; i < MaxGridName && i < len(gridName); i++ {
		out[i] = int32(gridName[i])
	}
	for i, v := range rec {
		out[MaxGridName+i] = v
	}
	return out
}

func unpackDescriptor(rec []int32) (name string, tileRec tile.Record) {
	buf := make([]byte, 0, MaxGridName)
	for i := 0; i < MaxGridName; i++ {
		if rec[i] == 0 {
			break
		}
		buf = append(buf, byte(rec[i]))
	}
	var out tile.Record
	copy(out[:], rec[MaxGridName:MaxGridName+9])
	return string(buf), out
}

// buildRoutingRules: for every send grid, walk the source-sorted weight
// table in lockstep with the local tile's sorted points using a single
// monotonic cursor (a sorted two-pointer merge); symmetrically, for every
// recv grid, walk the destination-sorted table.
func (r *Router) buildRoutingRules(src weights.Source) error {
	for _, grid := range r.cfg.SendGrids() {
		path := remapPath(r.cfg.ConfigDir, r.cfg.LocalGrid, grid)
		tbl, err := src.Read(path)
		if err != nil {
			return errors.Wrapf(err, "reading weight table %q", path)
		}
		tbl.SortBy(weights.BySource)
		r.matchSend(grid, tbl)
	}

	for _, grid := range r.cfg.RecvGrids() {
		path := remapPath(r.cfg.ConfigDir, grid, r.cfg.LocalGrid)
		tbl, err := src.Read(path)
		if err != nil {
			return errors.Wrapf(err, "reading weight table %q", path)
		}
		tbl.SortBy(weights.ByDestination)
		r.matchRecv(grid, tbl)
	}
	return nil
}

func remapPath(configDir, srcGrid, dstGrid string) string {
	return filepath.Join(configDir, fmt.Sprintf("%s_to_%s_rmp.nc", srcGrid, dstGrid))
}

func (r *Router) matchSend(grid string, tbl weights.Table) {
	candidates := r.sendMappings[grid]
	idx := 0
	for _, p := range r.localTile.Points {
		for idx < len(tbl.Src) && tbl.Src[idx] < p {
			idx++
		}
		for idx < len(tbl.Src) && tbl.Src[idx] == p {
			if math.Abs(tbl.Wgt[idx]) > weights.WeightThreshold {
				dst := tbl.Dst[idx]
				if m := findCandidate(candidates, dst); m != nil {
					a := m.RemoteTile.LocalOf(dst)
					b := r.localTile.LocalOf(p)
					m.AddLink(a, b, tbl.Wgt[idx])
				} else {
					r.coverageGaps[grid]++
					r.log.Info("destination point matched no remote tile", "grid", grid, "dst", dst)
				}
			}
			idx++
		}
	}
}

func (r *Router) matchRecv(grid string, tbl weights.Table) {
	candidates := r.recvMappings[grid]
	idx := 0
	for _, p := range r.localTile.Points {
		for idx < len(tbl.Dst) && tbl.Dst[idx] < p {
			idx++
		}
		for idx < len(tbl.Dst) && tbl.Dst[idx] == p {
			if math.Abs(tbl.Wgt[idx]) > weights.WeightThreshold {
				src := tbl.Src[idx]
				if m := findCandidate(candidates, src); m != nil {
					a := r.localTile.LocalOf(p)
					b := m.RemoteTile.LocalOf(src)
					m.AddLink(a, b, tbl.Wgt[idx])
				} else {
					r.coverageGaps[grid]++
					r.log.Info("source point matched no remote tile", "grid", grid, "src", src)
				}
			}
			idx++
		}
	}
}

// findCandidate returns the unique mapping among candidates whose remote
// tile owns g, or nil if none does.
func findCandidate(candidates []*mapping.Mapping, g uint32) *mapping.Mapping {
	for _, m := range candidates {
		if m.RemoteTile.HasPoint(g) {
			return m
		}
	}
	return nil
}

// pruneEmptyMappings drops every mapping whose A-side ended up empty —
// these were speculatively created during descriptor exchange on the
// assumption that any peer tile on a coupled grid might turn out to
// matter.
func (r *Router) pruneEmptyMappings() {
	prune(r.sendMappings)
	prune(r.recvMappings)
}

func prune(mappings map[string][]*mapping.Mapping) {
	for grid, list := range mappings {
		kept := list[:0]
		for _, m := range list {
			if !m.IsEmpty() {
				kept = append(kept, m)
			}
		}
		mappings[grid] = kept
	}
}
