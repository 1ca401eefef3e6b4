// Package transfer implements the per-worker Begin/Put/Get/End exchange
// protocol: building one time step's worth of traffic to or from a single
// peer grid, computing the weighted interpolation on the send side, and
// additively accumulating partial contributions on the receive side.
package transfer

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/parallelfields/coupler/internal/mapping"
	"github.com/parallelfields/coupler/internal/router"
	"github.com/parallelfields/coupler/internal/substrate"
)

// transferTag is the point-to-point tag every field-transfer message uses.
// A single Transfer only ever has one message in flight between any pair
// of workers at a time (Begin blocks on the state machine until the
// previous round has drained), so one fixed tag is sufficient.
const transferTag = 0x7A960

// phase tracks the transfer state machine: idle, building one peer's
// traffic, or draining outstanding non-blocking sends left over from a
// completed send transfer.
type phase int

const (
	idle phase = iota
	building
	draining
)

// registeredField is one Put or Get call's (name, buffer) pair, in the
// order the caller registered it. buf aliases the caller's slice directly:
// Put reads from it during End, Get is written into directly during End.
type registeredField struct {
	name string
	buf  []float64
}

// Transfer is one worker's handle onto the exchange protocol. It is built
// on top of a Router (for the mapping graph) and a Comm (for the actual
// point-to-point transport), and is not safe for concurrent use — only one
// transfer can be building at a time by construction.
type Transfer struct {
	router *router.Router
	comm   substrate.Comm
	log    logr.Logger

	phase phase
	peer  string
	time  int

	// dir and dirSet track the transfer's direction, which starts unset
	// and is pinned by whichever of Put or Get is called first: Put pins
	// send, Get pins receive. A later call in the other direction is a
	// protocol error — a transfer is never mixed.
	dir    mapping.Direction
	dirSet bool

	fields []registeredField // Put/Get insertion order

	pending []substrate.Request // outstanding ISend requests from a send transfer's End
}

// New builds a Transfer bound to r's routing tables, communicating over comm.
func New(r *router.Router, comm substrate.Comm, log logr.Logger) *Transfer {
	return &Transfer{router: r, comm: comm, log: log}
}

// Begin starts building traffic with peer for this time step. It first
// drains any pending sends left over from a previous transfer: pending
// non-blocking sends are drained at the next Begin or at Finalize. time is
// an informational label threaded through to logging only; it has no
// bearing on routing or ordering.
func (t *Transfer) Begin(time int, peer string) error {
	if err := t.drainPending(); err != nil {
		return errors.Wrap(err, "transfer: begin")
	}
	if t.phase != idle {
		return errors.Errorf("transfer: begin called for peer %q while a transfer with peer %q is still building", peer, t.peer)
	}
	if !t.router.Config().IsPeerGrid(peer) {
		return errors.Errorf("transfer: %q is not a configured peer grid", peer)
	}

	t.phase = building
	t.peer = peer
	t.time = time
	t.dirSet = false
	t.fields = nil
	t.log.V(1).Info("begin transfer", "peer", peer, "time", time)
	return nil
}

// Put registers a field's local data for sending. The first of Put or Get
// called after Begin pins the transfer's direction; Get after Put (or vice
// versa) is a protocol error. data is aliased directly, in local array
// position order, and read during End.
func (t *Transfer) Put(field string, data []float64) error {
	if t.phase != building {
		return errors.Errorf("transfer: put called for field %q outside a building transfer", field)
	}
	if t.dirSet && t.dir != mapping.Send {
		return errors.Errorf("transfer: put called for field %q on a transfer already receiving", field)
	}
	if !t.router.Config().CanSend(field, t.peer) {
		return errors.Errorf("transfer: field %q is not configured to send to %q", field, t.peer)
	}
	n := t.router.LocalTile().Box.NumPoints()
	if len(data) != n {
		return errors.Errorf("transfer: put field %q has %d values, local tile has %d points", field, len(data), n)
	}

	t.dir = mapping.Send
	t.dirSet = true
	t.fields = append(t.fields, registeredField{name: field, buf: data})
	return nil
}

// Get registers a field's receive buffer, zeroing it immediately (receives
// accumulate additively over every contributing peer mapping during End).
// The first of Put or Get called after Begin pins the transfer's
// direction; Put after Get (or vice versa) is a protocol error.
func (t *Transfer) Get(field string, out []float64) error {
	if t.phase != building {
		return errors.Errorf("transfer: get called for field %q outside a building transfer", field)
	}
	if t.dirSet && t.dir != mapping.Recv {
		return errors.Errorf("transfer: get called for field %q on a transfer already sending", field)
	}
	if !t.router.Config().CanRecv(field, t.peer) {
		return errors.Errorf("transfer: field %q is not configured to receive from %q", field, t.peer)
	}
	n := t.router.LocalTile().Box.NumPoints()
	if len(out) != n {
		return errors.Errorf("transfer: get field %q has %d values, local tile has %d points", field, len(out), n)
	}

	for i := range out {
		out[i] = 0
	}
	t.dir = mapping.Recv
	t.dirSet = true
	t.fields = append(t.fields, registeredField{name: field, buf: out})
	return nil
}

// End completes the current transfer: for a send, it computes each
// Mapping's weighted interpolation and issues the non-blocking sends; for
// a receive, it blocks on every Mapping's incoming message and accumulates
// additively into the registered Get buffers. A transfer with no Put or
// Get ever registered cannot be ended.
func (t *Transfer) End() error {
	if t.phase != building {
		return errors.Errorf("transfer: end called with no transfer building")
	}
	if !t.dirSet {
		return errors.Errorf("transfer: end called with nothing registered")
	}
	switch t.dir {
	case mapping.Send:
		return t.endSend()
	default:
		return t.endRecv()
	}
}

func (t *Transfer) endSend() error {
	numFields := len(t.fields)
	for _, m := range t.router.SendMappings(t.peer) {
		aPoints := m.APointsOrdered()
		outbound := make([]float64, len(aPoints)*numFields)
		for ai, a := range aPoints {
			edges := m.BEdges(a)
			for fi, f := range t.fields {
				var sum float64
				for _, e := range edges {
					sum += e.W * f.buf[e.B]
				}
				outbound[ai*numFields+fi] = sum
			}
		}
		req, err := t.comm.ISend(m.RemoteTile.ID, transferTag, outbound)
		if err != nil {
			return errors.Wrapf(err, "transfer: sending to peer tile %d on grid %q", m.RemoteTile.ID, t.peer)
		}
		t.pending = append(t.pending, req)
	}

	t.log.V(1).Info("end transfer", "peer", t.peer, "time", t.time, "direction", t.dir.String(), "pendingSends", len(t.pending))
	t.phase = draining
	t.fields = nil
	t.dirSet = false
	return nil
}

func (t *Transfer) endRecv() error {
	numFields := len(t.fields)
	for _, m := range t.router.RecvMappings(t.peer) {
		aPoints := m.APointsOrdered()
		buf := make([]float64, len(aPoints)*numFields)
		if err := t.comm.Recv(m.RemoteTile.ID, transferTag, buf); err != nil {
			return errors.Wrapf(err, "transfer: receiving from peer tile %d on grid %q", m.RemoteTile.ID, t.peer)
		}
		for ai, a := range aPoints {
			for fi, f := range t.fields {
				f.buf[a] += buf[ai*numFields+fi]
			}
		}
	}

	t.log.V(1).Info("end transfer", "peer", t.peer, "time", t.time, "direction", t.dir.String())
	t.phase = idle
	t.fields = nil
	t.dirSet = false
	return nil
}

func (t *Transfer) drainPending() error {
	for _, req := range t.pending {
		if err := req.Wait(); err != nil {
			return errors.Wrap(err, "draining a pending send")
		}
	}
	t.pending = nil
	if t.phase == draining {
		t.phase = idle
	}
	return nil
}

// Finalize drains any pending sends and reports an error if a transfer is
// still mid-build — the caller is expected to have called End on every
// transfer it began.
func (t *Transfer) Finalize() error {
	if t.phase == building {
		return errors.Errorf("transfer: finalize called with a transfer with peer %q still building", t.peer)
	}
	return t.drainPending()
}
