package blkmirror

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrInvalidDescriptor = errors.New("invalid device descriptor")
	ErrUnknownFormat     = errors.New("unknown format")
	ErrReadOnly          = errors.New("device is read only")
	ErrCanceled          = errors.New("operation canceled")
	ErrOutOfRange        = errors.New("extent out of device range")
	ErrClosed            = errors.New("device is closed")
)

// OpenFlags adjust how a backend device is opened.
type OpenFlags int

const (
	// OpenReadOnly opens the device without write access.
	OpenReadOnly OpenFlags = 1 << iota

	// OpenNoBacking suppresses attaching the device's recorded backing
	// file at open time. The caller takes over chain wiring.
	OpenNoBacking

	// OpenNoFlush drops durability guarantees: Flush becomes a no-op.
	OpenNoFlush

	// OpenWriteBack enables write-back caching, individual writes are
	// not synced to stable storage.
	OpenWriteBack
)

// CompletionFunc receives the final status of an asynchronous operation.
// It is invoked exactly once per issued operation.
type CompletionFunc func(err error)

// AIO is a handle to an in-flight asynchronous operation. Cancel requests
// cooperative cancellation; the operation's completion still fires, with a
// cancellation error if the request was stopped in time.
type AIO interface {
	Cancel()
}

// BlockDevice is the contract the mirror driver needs from a backend
// device: positioned asynchronous I/O, a directly settable nominal
// backing reference, and backing-file metadata updates.
type BlockDevice interface {
	// Length returns the device size in bytes.
	Length() (int64, error)

	// Allocated reports whether the first sectors of ext are allocated
	// in this device (as opposed to deferring to the backing file), and
	// how many contiguous sectors share that state.
	Allocated(ext Extent) (uint32, bool, error)

	Flush(ctx context.Context) error

	ReadAt(ext Extent, data []byte, cb CompletionFunc) AIO
	WriteAt(ext Extent, data []byte, cb CompletionFunc) AIO
	Discard(ext Extent, cb CompletionFunc) AIO

	// ChangeBackingFile rewrites the device's recorded backing file
	// metadata. It does not rewire the live backing reference.
	ChangeBackingFile(path, format string) error

	Backing() BlockDevice
	SetBacking(dev BlockDevice)

	// KeepReadOnly marks the device as forbidding commits: no path may
	// write into it even if it was opened writable.
	KeepReadOnly() bool
	SetKeepReadOnly(v bool)

	Close() error
}

// Opener constructs a backend device for one format.
type Opener func(aio *AioContext, log hclog.Logger, path string, flags OpenFlags) (BlockDevice, error)

// Registry maps format names to openers. Formats are registered
// explicitly at startup; there is no process-global registration.
type Registry struct {
	mu      sync.RWMutex
	formats map[string]Opener
}

func NewRegistry() *Registry {
	return &Registry{
		formats: make(map[string]Opener),
	}
}

func (r *Registry) Register(name string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.formats[name] = o
}

func (r *Registry) Lookup(name string) (Opener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.formats[name]
	return o, ok
}

// Open opens path with the named format, or with the raw format when
// format is empty.
func (r *Registry) Open(aio *AioContext, log hclog.Logger, path, format string, flags OpenFlags) (BlockDevice, error) {
	if format == "" {
		format = "raw"
	}

	o, ok := r.Lookup(format)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "format: %q is not a supported format", format)
	}

	return o(aio, log, path, flags)
}

// StandardRegistry returns a registry with the built-in formats: "raw"
// files (with sidecar backing metadata) and read-only "qcow2" images.
func StandardRegistry() *Registry {
	r := NewRegistry()

	r.Register("raw", func(aio *AioContext, log hclog.Logger, path string, flags OpenFlags) (BlockDevice, error) {
		d, err := OpenFile(aio, log, path, flags)
		if err != nil {
			return nil, err
		}

		if flags&OpenNoBacking == 0 {
			bp, bf := d.BackingFile()
			if bp != "" {
				b, err := r.Open(aio, log, bp, bf, flags|OpenReadOnly)
				if err != nil {
					d.Close()
					return nil, errors.Wrapf(err, "opening backing file %s", bp)
				}

				d.SetBacking(b)
			}
		}

		return d, nil
	})

	r.Register("qcow2", func(aio *AioContext, log hclog.Logger, path string, flags OpenFlags) (BlockDevice, error) {
		return OpenQcow2(aio, log, path, flags)
	})

	return r
}
