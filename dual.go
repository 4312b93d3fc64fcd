package blkmirror

import (
	"sync"
	"sync/atomic"

	"github.com/lab47/mode"
)

type dualState int

const (
	// dualPending: sub-operations outstanding, nothing abnormal.
	dualPending dualState = iota

	// dualCanceling: Cancel ran, cancellation was forwarded to any
	// still-outstanding slot. Sub-completions continue to arrive.
	dualCanceling

	// dualDone: both slots terminal, merged callback delivered.
	dualDone
)

// dualAIO tracks one logical write or discard fanned out to the source
// and target devices. The merged callback fires exactly once, after both
// sub-operations reach a terminal state. The first error seen, in
// completion order, wins.
//
// Records are allocated per operation, never recycled. The caller's
// handle stays valid after completion, so a Cancel racing the final
// sub-completion observes dualDone and does nothing.
type dualAIO struct {
	mu        sync.Mutex
	state     dualState
	pending   int
	err       error
	slots     [2]AIO
	terminal  [2]bool
	attaching bool
	cb        CompletionFunc

	released int32
}

func newDual(cb CompletionFunc) *dualAIO {
	return &dualAIO{
		state:     dualPending,
		pending:   2,
		attaching: true,
		cb:        cb,
	}
}

// release drops the record's references once it is fully terminal and
// detached. The state machine guarantees a single caller.
func (d *dualAIO) release() {
	if n := atomic.AddInt32(&d.released, 1); n > 1 && mode.Debug() {
		panic("dualAIO released twice")
	}

	d.mu.Lock()
	d.cb = nil
	d.slots[0] = nil
	d.slots[1] = nil
	d.mu.Unlock()
}

// attach records a slot's in-flight handle, unless the slot already
// completed synchronously during submission.
func (d *dualAIO) attach(slot int, a AIO) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.terminal[slot] {
		d.slots[slot] = a
	}
}

// finishAttach ends the submission window. If both slots completed
// synchronously during submission, the release deferred by complete
// happens here, keeping release strictly after submission.
func (d *dualAIO) finishAttach() {
	d.mu.Lock()
	d.attaching = false
	done := d.state == dualDone
	d.mu.Unlock()

	if done {
		d.release()
	}
}

// complete is the per-slot completion. Safe to call synchronously from a
// backend's submit or Cancel path.
func (d *dualAIO) complete(slot int, err error) {
	d.mu.Lock()

	d.slots[slot] = nil
	d.terminal[slot] = true

	if err != nil && d.err == nil {
		d.err = err
	}

	d.pending--
	if d.pending > 0 {
		d.mu.Unlock()
		return
	}

	d.state = dualDone
	cb := d.cb
	merged := d.err
	attaching := d.attaching
	d.mu.Unlock()

	cb(merged)

	if !attaching {
		d.release()
	}
}

// Cancel requests cancellation of every still-outstanding slot. The
// merged callback still fires once both slots reach a terminal state;
// a Cancel arriving after that observes dualDone and is inert.
func (d *dualAIO) Cancel() {
	d.mu.Lock()
	if d.state != dualPending {
		d.mu.Unlock()
		return
	}

	d.state = dualCanceling
	slots := d.slots
	d.mu.Unlock()

	// A backend may drive complete() synchronously from Cancel.
	for _, a := range slots {
		if a != nil {
			a.Cancel()
		}
	}

	dualCancels.Inc()
}

type dualIssuer func(dev BlockDevice, ext Extent, data []byte, cb CompletionFunc) AIO

// issueDual fans one logical operation out to the source and target and
// returns a handle for the merged operation.
func issueDual(source, target BlockDevice, ext Extent, data []byte, issue dualIssuer, cb CompletionFunc) AIO {
	d := newDual(cb)

	d.attach(0, issue(source, ext, data, func(err error) {
		d.complete(0, err)
	}))
	d.attach(1, issue(target, ext, data, func(err error) {
		d.complete(1, err)
	}))

	d.finishAttach()

	return d
}
