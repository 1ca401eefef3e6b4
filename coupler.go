// Package coupler is the public surface of the parallel field coupler: a
// thin Engine wrapping per-worker configuration, routing, and the
// Begin/Put/Get/End transfer protocol.
//
// A production deployment drives an Engine from inside an SPMD worker
// process, one Engine per worker, all workers in the same substrate.Comm
// world. Init is collective: every worker must call it, since it performs
// the tile-descriptor exchange that builds the routing graph.
package coupler

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/parallelfields/coupler/internal/config"
	"github.com/parallelfields/coupler/internal/router"
	"github.com/parallelfields/coupler/internal/substrate"
	"github.com/parallelfields/coupler/internal/tile"
	"github.com/parallelfields/coupler/internal/transfer"
	"github.com/parallelfields/coupler/internal/weights"
)

// Engine is one worker's handle onto the coupler: its coupling
// configuration, its routing graph, and the transfer protocol built on
// top of them.
type Engine struct {
	comm substrate.Comm
	log  logr.Logger

	cfg      *config.Config
	router   *router.Router
	transfer *transfer.Transfer
}

// Option configures an Engine at Init time.
type Option func(*options)

type options struct {
	log          logr.Logger
	weightSource weights.Source
}

// WithLogger overrides the default klog-backed logger.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithWeightSource overrides the default weight-table reader. Production
// deployments that read a different on-disk weight format than
// weights.BinaryColumnSource plug their driver in here.
func WithWeightSource(src weights.Source) Option {
	return func(o *options) { o.weightSource = src }
}

// Init builds an Engine for one worker: it loads config.yaml from
// configDir, builds this worker's Tile from box, and performs the
// collective descriptor exchange and weight-table scan that build the
// routing graph. Every worker in comm must call Init.
//
// Any error here is a fatal, run-aborting condition — callers that want
// the process to actually terminate the whole world on failure should
// call comm.Abort on the returned error themselves. Run cannot do it for
// them: it needs the Engine that a failed Init does not return.
func Init(comm substrate.Comm, configDir, gridName string, box tile.Box, opts ...Option) (*Engine, error) {
	o := options{
		log:          klog.Background(),
		weightSource: weights.BinaryColumnSource{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(configDir, gridName)
	if err != nil {
		return nil, errors.Wrapf(err, "coupler: loading configuration for grid %q", gridName)
	}

	r, err := router.New(cfg, comm, box, o.weightSource, o.log)
	if err != nil {
		return nil, errors.Wrapf(err, "coupler: building router for grid %q", gridName)
	}

	e := &Engine{
		comm:     comm,
		log:      o.log,
		cfg:      cfg,
		router:   r,
		transfer: transfer.New(r, comm, o.log),
	}
	for _, grid := range cfg.SendGrids() {
		if gap := r.CoverageGaps(grid); gap > 0 {
			o.log.Info("weight table entries matched no remote tile", "peerGrid", grid, "count", gap)
		}
	}
	for _, grid := range cfg.RecvGrids() {
		if gap := r.CoverageGaps(grid); gap > 0 {
			o.log.Info("weight table entries matched no remote tile", "peerGrid", grid, "count", gap)
		}
	}
	return e, nil
}

// BeginTransfer starts building traffic with peerGrid for this time step.
// time is an informational label, not a scheduling input. The transfer's
// direction is not declared here: it is pinned by whichever of Put or Get
// is called first.
func (e *Engine) BeginTransfer(time int, peerGrid string) error {
	return e.transfer.Begin(time, peerGrid)
}

// Put registers this worker's local field data for sending. data is
// aliased directly, indexed by local array position, the same order the
// worker's own field storage uses; the caller must not mutate it before
// EndTransfer completes. The first of Put or Get called after
// BeginTransfer pins the transfer's direction — calling Get afterwards is
// a protocol error.
func (e *Engine) Put(field string, data []float64) error {
	return e.transfer.Put(field, data)
}

// Get registers out as the receive buffer for field, zeroing it
// immediately: the accumulated total from every contributing peer mapping
// is added into it during EndTransfer. The first of Put or Get called
// after BeginTransfer pins the transfer's direction — calling Put
// afterwards is a protocol error.
func (e *Engine) Get(field string, out []float64) error {
	return e.transfer.Get(field, out)
}

// EndTransfer completes the transfer started by BeginTransfer: it sends
// (if Put pinned the direction) or blocks and accumulates (if Get did).
func (e *Engine) EndTransfer() error {
	return e.transfer.End()
}

// Finalize drains any outstanding non-blocking sends. Call it once, after
// the worker's last transfer, before shutting down.
func (e *Engine) Finalize() error {
	return e.transfer.Finalize()
}

// Config returns the worker's read-only coupling configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Router returns the worker's routing graph, mainly for diagnostics
// (Router.CoverageGaps) and tests.
func (e *Engine) Router() *router.Router { return e.router }

// Run calls fn with the Engine and aborts the whole SPMD world on error —
// the single top-level error boundary. Most production call sites are
// expected to wrap their entire coupling sequence in Run rather than
// handling each method's error individually.
//
// Run also recovers a panic out of fn: lower layers never call Abort or
// recover themselves, but a true programming-error invariant like
// Tile.LocalOf being asked for a point it does not own panics rather than
// returning an error, and Run is the boundary that turns that panic into
// the same world-abort an ordinary fatal error gets. The recover only
// spans fn itself, so comm.Abort's own panic (some substrates, including
// the in-process test one, use a panic to unwind the aborting goroutine)
// is never mistaken for a programming error and re-aborted.
func Run(e *Engine, fn func(*Engine) error) {
	if err := callRecovering(e, fn); err != nil {
		e.log.Error(err, "coupler: fatal error, aborting world")
		e.comm.Abort(1)
	}
}

func callRecovering(e *Engine, fn func(*Engine) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("coupler: recovered panic: %v", r)
		}
	}()
	return fn(e)
}
