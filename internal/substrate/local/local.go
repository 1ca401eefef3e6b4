// Package local implements an in-process substrate.Comm for a fixed number
// of simulated workers, standing in for MPI in every test in this module.
// Each worker runs as its own goroutine; collectives rendezvous through a
// shared World, point-to-point transfer through per-(src,dst,tag) mailboxes.
package local

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/parallelfields/coupler/internal/substrate"
)

// World is the shared state behind a fixed-size group of local Comm
// handles — the in-process analogue of MPI_COMM_WORLD.
type World struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     int
	arrived int
	slots   [][]int32 // per-rank gather/broadcast buffers for the current rendezvous

	mailboxMu sync.Mutex
	mailboxes map[mailKey]chan []float64
}

type mailKey struct{ src, dst, tag int }

// NewWorld creates a World for size workers and returns one Comm handle per
// rank, in rank order.
func NewWorld(size int) []substrate.Comm {
	w := &World{
		size:      size,
		slots:     make([][]int32, size),
		mailboxes: make(map[mailKey]chan []float64),
	}
	w.cond = sync.NewCond(&w.mu)
	comms := make([]substrate.Comm, size)
	for r := range comms {
		comms[r] = &comm{world: w, rank: r}
	}
	return comms
}

// rendezvous blocks every rank until all `size` ranks have arrived for the
// current generation, storing each rank's contribution in w.slots, and
// returns a copy of every rank's contribution to that generation. The last
// rank to arrive starts a fresh slot array for the next generation, so a
// rank that races ahead into the next rendezvous cannot overwrite a slot
// that a slower rank has not yet copied out.
func (w *World) rendezvous(rank int, contribution []int32) (slots [][]int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	gen := w.gen
	cur := w.slots
	cur[rank] = contribution
	w.arrived++
	if w.arrived == w.size {
		w.arrived = 0
		w.gen++
		w.slots = make([][]int32, w.size)
		w.cond.Broadcast()
	} else {
		for w.gen == gen {
			w.cond.Wait()
		}
	}
	out := make([][]int32, w.size)
	copy(out, cur)
	return out
}

func (w *World) mailbox(key mailKey) chan []float64 {
	w.mailboxMu.Lock()
	defer w.mailboxMu.Unlock()
	ch, ok := w.mailboxes[key]
	if !ok {
		ch = make(chan []float64, 1)
		w.mailboxes[key] = ch
	}
	return ch
}

type comm struct {
	world *World
	rank  int
}

var _ substrate.Comm = (*comm)(nil)

func (c *comm) Rank() int      { return c.rank }
func (c *comm) WorldSize() int { return c.world.size }

func (c *comm) GatherInt32(local []int32, root int) ([]int32, error) {
	slots := c.world.rendezvous(c.rank, local)
	if c.rank != root {
		return nil, nil
	}
	all := make([]int32, 0, len(local)*len(slots))
	for _, s := range slots {
		if len(s) != len(local) {
			return nil, errors.Errorf("substrate/local: rank contributed %d ints, expected %d", len(s), len(local))
		}
		all = append(all, s...)
	}
	return all, nil
}

func (c *comm) BroadcastInt32(buf []int32, root int) error {
	slots := c.world.rendezvous(c.rank, buf)
	source := slots[root]
	if len(source) != len(buf) {
		return errors.Errorf("substrate/local: broadcast buffer length mismatch: root has %d, rank %d has %d",
			len(source), c.rank, len(buf))
	}
	copy(buf, source)
	return nil
}

func (c *comm) ISend(dst int, tag int, data []float64) (substrate.Request, error) {
	payload := make([]float64, len(data))
	copy(payload, data)
	ch := c.world.mailbox(mailKey{src: c.rank, dst: dst, tag: tag})
	ch <- payload
	return doneRequest{}, nil
}

func (c *comm) Recv(src int, tag int, buf []float64) error {
	ch := c.world.mailbox(mailKey{src: src, dst: c.rank, tag: tag})
	payload := <-ch
	if len(payload) != len(buf) {
		return errors.Errorf("substrate/local: recv got %d doubles, expected %d", len(payload), len(buf))
	}
	copy(buf, payload)
	return nil
}

func (c *comm) Abort(code int) {
	panic(&substrate.AbortError{Code: code})
}

// doneRequest is a Request for a send that is already fully queued by the
// time ISend returns — true in this in-process substrate because the
// mailbox channel absorbs the payload synchronously.
type doneRequest struct{}

func (doneRequest) Wait() error { return nil }
