package mux

import (
	"sync"

	"github.com/pkg/errors"
)

// window tracks the bytes sent on a channel that the remote party has not
// yet reported as processed. Writers reserve headroom and block while the
// outstanding count equals the window size.
type window struct {
	*sync.Cond
	size        int64
	outstanding int64
	enforced    bool
	closed      bool
}

func newWindow(size int64, enforced bool) *window {
	return &window{
		Cond:     sync.NewCond(new(sync.Mutex)),
		size:     size,
		enforced: enforced,
	}
}

// setSize replaces the window size once the remote party has granted it.
func (w *window) setSize(size int64) {
	w.L.Lock()
	w.size = size
	w.Broadcast()
	w.L.Unlock()
}

// release returns n processed bytes to the window. Releasing more than is
// outstanding means the remote acknowledged bytes it never received.
func (w *window) release(n int64) error {
	w.L.Lock()
	defer w.L.Unlock()
	if n > w.outstanding {
		return errors.Wrapf(ErrProtocolViolation, "%d bytes processed but only %d outstanding", n, w.outstanding)
	}
	w.outstanding -= n
	w.Broadcast()
	return nil
}

// reserve reserves up to want bytes of headroom, blocking until at least
// one byte is available. It returns fewer than want bytes when the window
// cannot hold them all. Without enforcement the full amount is granted.
func (w *window) reserve(want int64) (int64, error) {
	w.L.Lock()
	defer w.L.Unlock()
	if !w.enforced {
		if w.closed {
			return 0, ErrChannelTerminated
		}
		return want, nil
	}
	for !w.closed && w.outstanding >= w.size {
		w.Wait()
	}
	if w.closed {
		return 0, ErrChannelTerminated
	}
	if headroom := w.size - w.outstanding; want > headroom {
		want = headroom
	}
	w.outstanding += want
	return want, nil
}

// unreserve gives back headroom that was reserved but never sent.
func (w *window) unreserve(n int64) {
	w.L.Lock()
	if w.enforced {
		w.outstanding -= n
	}
	w.Broadcast()
	w.L.Unlock()
}

// inFlight returns the outstanding byte count.
func (w *window) inFlight() int64 {
	w.L.Lock()
	defer w.L.Unlock()
	return w.outstanding
}

// close unblocks pending reservations.
func (w *window) close() {
	w.L.Lock()
	w.closed = true
	w.Broadcast()
	w.L.Unlock()
}
