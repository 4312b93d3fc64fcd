package blkmirror

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// AioContext runs asynchronous backend operations and delivers their
// completions serially from a single dispatch goroutine, so completion
// callbacks never run concurrently with each other.
type AioContext struct {
	log hclog.Logger

	mu     sync.Mutex
	closed bool

	wg          sync.WaitGroup
	completions chan func()
	done        chan struct{}
}

func NewAioContext(log hclog.Logger) *AioContext {
	c := &AioContext{
		log:         log.Named("aio"),
		completions: make(chan func(), 64),
		done:        make(chan struct{}),
	}

	go c.dispatch()

	return c
}

func (c *AioContext) dispatch() {
	defer close(c.done)

	for fn := range c.completions {
		fn()
	}
}

type aioTask struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *aioTask) Cancel() {
	t.cancel()
}

// Submit runs op on its own goroutine and delivers cb with op's result
// through the dispatch goroutine. The returned handle cancels the
// operation's context; a canceled op completes with ErrCanceled.
//
// After Close the dispatch goroutine is gone, so cb runs with ErrClosed
// on the caller's goroutine, before Submit returns.
func (c *AioContext) Submit(op func(ctx context.Context) error, cb CompletionFunc) AIO {
	ctx, cancel := context.WithCancel(context.Background())
	t := &aioTask{ctx: ctx, cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		cb(ErrClosed)
		return t
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		var err error
		if ctx.Err() != nil {
			err = ErrCanceled
		} else {
			err = op(ctx)
			if ctx.Err() != nil && err == nil {
				err = ErrCanceled
			}
		}

		cancel()

		c.completions <- func() { cb(err) }
	}()

	return t
}

// Close waits for in-flight operations to complete and stops the
// dispatch goroutine. Submissions after Close complete synchronously
// with ErrClosed.
func (c *AioContext) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	close(c.completions)
	<-c.done
}
