// stream.go - In-Process-Kopier-Stream mit FIFO-Ordnung
// Enthaelt: InProcessStream, NewInProcessStream, Copy, Close
package device

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kvblock/kvblock/block"
)

// ErrStreamClosed is returned by Copy after Close.
var ErrStreamClosed = errors.New("device: stream closed")

type copyOp struct {
	dst, src block.PoolIndex
	errc     chan error
}

// InProcessStream executes page copies on a single worker goroutine in
// strict enqueue order, the ordering contract a single device stream
// gives its callers. Within one operation the page's per-layer
// segments are copied concurrently and joined before the operation
// completes, so cross-operation FIFO order still holds.
type InProcessStream struct {
	set  *Set
	ops  chan copyOp
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewInProcessStream starts the worker for set.
func NewInProcessStream(set *Set) *InProcessStream {
	st := &InProcessStream{
		set:  set,
		ops:  make(chan copyOp, 64),
		done: make(chan struct{}),
	}
	go st.run()
	return st
}

func (st *InProcessStream) run() {
	defer close(st.done)
	for op := range st.ops {
		op.errc <- st.copyPage(op.dst, op.src)
	}
}

func (st *InProcessStream) copyPage(dst, src block.PoolIndex) error {
	dstPage, err := st.set.Bytes(dst)
	if err != nil {
		return err
	}
	srcPage, err := st.set.Bytes(src)
	if err != nil {
		return err
	}

	nLayers := st.set.NumLayers()
	layerSize := st.set.PageSize() / int64(nLayers)

	var g errgroup.Group
	for l := 0; l < nLayers; l++ {
		off := int64(l) * layerSize
		d := dstPage[off : off+layerSize]
		s := srcPage[off : off+layerSize]
		g.Go(func() error {
			copy(d, s)
			return nil
		})
	}
	return g.Wait()
}

// Copy enqueues a page copy and waits for its completion. Operations
// complete in enqueue order; ctx cancellation abandons the wait but
// not the already-enqueued copy: a copy is not cancellable once
// enqueued.
func (st *InProcessStream) Copy(ctx context.Context, dst, src block.PoolIndex) error {
	op := copyOp{dst: dst, src: src, errc: make(chan error, 1)}

	st.mu.RLock()
	if st.closed {
		st.mu.RUnlock()
		return ErrStreamClosed
	}
	select {
	case st.ops <- op:
		st.mu.RUnlock()
	case <-ctx.Done():
		st.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-op.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending operations and stops the worker.
func (st *InProcessStream) Close() error {
	st.mu.Lock()
	if !st.closed {
		st.closed = true
		close(st.ops)
	}
	st.mu.Unlock()
	<-st.done
	return nil
}
