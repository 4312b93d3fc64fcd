package blkmirror

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeIssuer(dev BlockDevice, ext Extent, data []byte, cb CompletionFunc) AIO {
	return dev.WriteAt(ext, data, cb)
}

func TestDualAIO(t *testing.T) {
	ext := Extent{Sector: 0, Sectors: 8}

	t.Run("fires exactly once after both complete", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		var fired int32
		var result error

		issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			atomic.AddInt32(&fired, 1)
			result = err
		})

		r.Equal(1, src.pendingOps())
		r.Equal(1, tgt.pendingOps())
		r.Equal(int32(0), atomic.LoadInt32(&fired))

		src.finishNext(nil)
		r.Equal(int32(0), atomic.LoadInt32(&fired), "callback fired before both sides finished")

		tgt.finishNext(nil)
		r.Equal(int32(1), atomic.LoadInt32(&fired))
		r.NoError(result)
	})

	t.Run("no ordering requirement between the two sides", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		var fired int

		issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
		})

		// Target first this time.
		tgt.finishNext(nil)
		src.finishNext(nil)

		r.Equal(1, fired)
	})

	t.Run("first error by completion order sticks", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		e1 := errors.New("target exploded")
		e2 := errors.New("source exploded")

		var result error
		issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			result = err
		})

		tgt.finishNext(e1)
		src.finishNext(e2)

		r.Equal(e1, result)
	})

	t.Run("success requires both sides", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		noSpace := errors.New("no space left on device")

		var result error
		issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			result = err
		})

		src.finishNext(nil)
		tgt.finishNext(noSpace)

		r.Equal(noSpace, result)
	})

	t.Run("synchronous completion during submission", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src", syncComplete: true}
		tgt := &fakeDevice{name: "tgt", syncComplete: true}

		var fired int
		h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
			r.NoError(err)
		})

		r.Equal(1, fired)

		d := h.(*dualAIO)
		r.Equal(int32(1), atomic.LoadInt32(&d.released))
	})

	t.Run("cancel with synchronous backend cancellation", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		var fired int
		var result error

		h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
			result = err
		})

		// Both slots complete with ErrCanceled during the Cancel call
		// itself.
		h.Cancel()

		r.Equal(1, fired)
		r.ErrorIs(result, ErrCanceled)

		d := h.(*dualAIO)
		r.Equal(int32(1), atomic.LoadInt32(&d.released))
	})

	t.Run("cancel with asynchronous backend cancellation", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src", asyncCancel: true}
		tgt := &fakeDevice{name: "tgt", asyncCancel: true}

		var fired int
		var result error

		h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
			result = err
		})

		h.Cancel()
		r.Equal(0, fired, "callback before either side reached a terminal state")

		src.finishNext(nil)
		tgt.finishNext(nil)

		r.Equal(1, fired)
		r.ErrorIs(result, ErrCanceled)

		d := h.(*dualAIO)
		r.Equal(int32(1), atomic.LoadInt32(&d.released))
	})

	t.Run("cancel after one side already finished", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		var fired int
		var result error

		h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
			result = err
		})

		src.finishNext(nil)
		h.Cancel()

		r.Equal(1, fired)
		r.ErrorIs(result, ErrCanceled)

		d := h.(*dualAIO)
		r.Equal(int32(1), atomic.LoadInt32(&d.released))
	})

	t.Run("cancel racing completion", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src", asyncCancel: true}
		tgt := &fakeDevice{name: "tgt", asyncCancel: true}

		for i := 0; i < 500; i++ {
			var fired int32
			done := make(chan struct{})

			h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
				if atomic.AddInt32(&fired, 1) == 1 {
					close(done)
				}
			})

			var wg sync.WaitGroup
			wg.Add(3)

			go func() {
				defer wg.Done()
				h.Cancel()
			}()
			go func() {
				defer wg.Done()
				src.finishNext(nil)
			}()
			go func() {
				defer wg.Done()
				tgt.finishNext(nil)
			}()

			wg.Wait()
			<-done

			r.Equal(int32(1), atomic.LoadInt32(&fired))

			d := h.(*dualAIO)
			r.Equal(int32(1), atomic.LoadInt32(&d.released))
		}
	})

	t.Run("cancel after the operation finished is inert", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		var fired int
		h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
		})

		src.finishNext(nil)
		tgt.finishNext(nil)
		r.Equal(1, fired)

		// The handle outlives the operation; a late Cancel must not
		// disturb anything issued afterward.
		var fired2 int
		issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired2++
		})

		h.Cancel()

		r.Equal(0, fired2)
		r.Equal(1, src.pendingOps())
		r.Equal(1, tgt.pendingOps())

		src.finishNext(nil)
		tgt.finishNext(nil)
		r.Equal(1, fired2)
		r.Equal(1, fired)
	})

	t.Run("cancel twice is inert", func(t *testing.T) {
		r := require.New(t)

		src := &fakeDevice{name: "src"}
		tgt := &fakeDevice{name: "tgt"}

		var fired int
		h := issueDual(src, tgt, ext, nil, writeIssuer, func(err error) {
			fired++
		})

		h.Cancel()
		h.Cancel()

		r.Equal(1, fired)

		d := h.(*dualAIO)
		r.Equal(int32(1), atomic.LoadInt32(&d.released))
	})
}
