package blkmirror

import (
	"context"
	"sync"
)

// fakeAIO completes when the test (or Cancel) says so.
type fakeAIO struct {
	dev      *fakeDevice
	cb       CompletionFunc
	err      error
	terminal bool
}

func (a *fakeAIO) Cancel() {
	a.dev.mu.Lock()
	if a.terminal {
		a.dev.mu.Unlock()
		return
	}

	if !a.dev.asyncCancel {
		a.terminal = true
		cb := a.cb
		a.dev.mu.Unlock()

		// Synchronous cancellation, completes during the Cancel call.
		cb(ErrCanceled)
		return
	}

	a.err = ErrCanceled
	a.dev.mu.Unlock()
}

type fakeDevice struct {
	mu sync.Mutex

	name   string
	length int64

	backing BlockDevice
	keepRO  bool
	closed  bool

	// complete operations during submission instead of waiting for
	// finish calls
	syncComplete bool

	// Cancel only marks the op, the test finishes it later
	asyncCancel bool

	opErr     error
	flushErr  error
	changeErr error

	pending []*fakeAIO

	reads, writes, discards, flushes int
	changes                          [][2]string
}

var _ BlockDevice = (*fakeDevice)(nil)

func (d *fakeDevice) submit(counter *int, cb CompletionFunc) AIO {
	d.mu.Lock()
	(*counter)++

	a := &fakeAIO{dev: d, cb: cb, err: d.opErr}

	if d.syncComplete {
		a.terminal = true
		d.mu.Unlock()

		cb(a.err)
		return a
	}

	d.pending = append(d.pending, a)
	d.mu.Unlock()

	return a
}

// finishNext completes the oldest pending op with err, or with the
// cancellation error a Cancel already recorded.
func (d *fakeDevice) finishNext(err error) {
	d.mu.Lock()
	var a *fakeAIO
	for a == nil || a.terminal {
		a = d.pending[0]
		d.pending = d.pending[1:]
	}
	a.terminal = true

	if a.err == nil {
		a.err = err
	}

	cb := a.cb
	res := a.err
	d.mu.Unlock()

	cb(res)
}

func (d *fakeDevice) pendingOps() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

func (d *fakeDevice) Length() (int64, error) { return d.length, nil }

func (d *fakeDevice) Allocated(ext Extent) (uint32, bool, error) {
	return ext.Sectors, true, nil
}

func (d *fakeDevice) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.flushes++
	return d.flushErr
}

func (d *fakeDevice) ReadAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	return d.submit(&d.reads, cb)
}

func (d *fakeDevice) WriteAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	return d.submit(&d.writes, cb)
}

func (d *fakeDevice) Discard(ext Extent, cb CompletionFunc) AIO {
	return d.submit(&d.discards, cb)
}

func (d *fakeDevice) ChangeBackingFile(path, format string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.changeErr != nil {
		return d.changeErr
	}

	d.changes = append(d.changes, [2]string{path, format})
	return nil
}

func (d *fakeDevice) Backing() BlockDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backing
}

func (d *fakeDevice) SetBacking(dev BlockDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backing = dev
}

func (d *fakeDevice) KeepReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.keepRO
}

func (d *fakeDevice) SetKeepReadOnly(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keepRO = v
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}
