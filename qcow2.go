package blkmirror

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/pkg/errors"
)

type qcowImage interface {
	io.ReaderAt
	Size() int64
}

// Qcow2Device is a read-only qcow2 image, usable as a shared backing
// device or a read-only source. The qcow2 format resolves its own
// internal backing chain; the nominal backing reference exists only so
// chain management code can rewire it.
type Qcow2Device struct {
	log  hclog.Logger
	aio  *AioContext
	path string
	f    *os.File
	img  qcowImage

	mu      sync.Mutex
	backing BlockDevice
	keepRO  bool
	closed  bool
}

var _ BlockDevice = (*Qcow2Device)(nil)

func OpenQcow2(aio *AioContext, log hclog.Logger, path string, flags OpenFlags) (*Qcow2Device, error) {
	if flags&OpenReadOnly == 0 {
		return nil, errors.Wrapf(ErrReadOnly, "qcow2 images are read only: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening qcow2 image %s", path)
	}

	img, err := qcow2reader.Open(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "decoding qcow2 image %s", path)
	}

	log.Named("qcow2").Trace("opened qcow2 image", "path", path, "size", img.Size())

	return &Qcow2Device{
		log:  log.Named("qcow2"),
		aio:  aio,
		path: path,
		f:    f,
		img:  img,
	}, nil
}

func (d *Qcow2Device) Length() (int64, error) {
	return d.img.Size(), nil
}

func (d *Qcow2Device) Allocated(ext Extent) (uint32, bool, error) {
	if !ext.Valid() {
		return 0, false, ErrOutOfRange
	}

	// The reader flattens the image's own chain, everything it exposes
	// counts as allocated.
	return ext.Sectors, true, nil
}

func (d *Qcow2Device) Flush(ctx context.Context) error {
	return nil
}

func (d *Qcow2Device) ReadAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	return d.aio.Submit(func(ctx context.Context) error {
		if !ext.Valid() {
			return ErrOutOfRange
		}

		if ext.ByteOffset()+int64(ext.ByteSize()) > d.img.Size() {
			return errors.Wrapf(ErrOutOfRange, "extent %s beyond size %d", ext, d.img.Size())
		}

		_, err := d.img.ReadAt(data[:ext.ByteSize()], ext.ByteOffset())
		if err != nil && err != io.EOF {
			return errors.Wrapf(err, "reading qcow2 image %s", d.path)
		}

		return nil
	}, cb)
}

func (d *Qcow2Device) WriteAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	return d.aio.Submit(func(ctx context.Context) error {
		return ErrReadOnly
	}, cb)
}

func (d *Qcow2Device) Discard(ext Extent, cb CompletionFunc) AIO {
	return d.aio.Submit(func(ctx context.Context) error {
		return ErrReadOnly
	}, cb)
}

func (d *Qcow2Device) ChangeBackingFile(path, format string) error {
	return ErrReadOnly
}

func (d *Qcow2Device) Backing() BlockDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backing
}

func (d *Qcow2Device) SetBacking(dev BlockDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backing = dev
}

func (d *Qcow2Device) KeepReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.keepRO
}

func (d *Qcow2Device) SetKeepReadOnly(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keepRO = v
}

func (d *Qcow2Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	return d.f.Close()
}
