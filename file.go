package blkmirror

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	metaSuffix = ".meta"

	// Granularity of the backing read cache.
	backingChunkSectors = 128
	backingCacheChunks  = 256
)

type fileMeta struct {
	BackingPath   string `cbor:"backing_path"`
	BackingFormat string `cbor:"backing_format"`
}

// FileDevice is a raw file backend. Unallocated ranges read through to
// the backing device, which makes a sparse file a copy-on-write overlay.
// Backing metadata lives in a sidecar next to the image.
type FileDevice struct {
	log  hclog.Logger
	aio  *AioContext
	path string
	f    *os.File

	flags OpenFlags

	mu      sync.Mutex
	meta    fileMeta
	backing BlockDevice
	keepRO  bool
	closed  bool

	cache *lru.Cache[int64, []byte]
}

var _ BlockDevice = (*FileDevice)(nil)

// CreateFile makes a sparse raw image of the given byte size, recording
// an optional backing file in the sidecar metadata.
func CreateFile(path string, size int64, backingPath, backingFormat string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating image %s", path)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "sizing image %s", path)
	}

	if err := f.Close(); err != nil {
		return err
	}

	if backingPath != "" {
		err = writeMeta(path, fileMeta{BackingPath: backingPath, BackingFormat: backingFormat})
		if err != nil {
			os.Remove(path)
			return err
		}
	}

	return nil
}

func OpenFile(aio *AioContext, log hclog.Logger, path string, flags OpenFlags) (*FileDevice, error) {
	mode := os.O_RDWR
	if flags&OpenReadOnly != 0 {
		mode = os.O_RDONLY
	} else if flags&(OpenWriteBack|OpenNoFlush) == 0 {
		// Writethrough unless the caller opted into write-back caching.
		mode |= os.O_SYNC
	}

	f, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %s", path)
	}

	cache, err := lru.New[int64, []byte](backingCacheChunks)
	if err != nil {
		f.Close()
		return nil, err
	}

	d := &FileDevice{
		log:   log.Named("raw"),
		aio:   aio,
		path:  path,
		f:     f,
		flags: flags,
		cache: cache,
	}

	if err := d.loadMeta(); err != nil {
		f.Close()
		return nil, err
	}

	d.log.Trace("opened raw image", "path", path, "flags", flags,
		"backing", d.meta.BackingPath)

	return d, nil
}

func (d *FileDevice) loadMeta() error {
	data, err := os.ReadFile(d.path + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading image metadata for %s", d.path)
	}

	return errors.Wrapf(cbor.Unmarshal(data, &d.meta), "decoding image metadata for %s", d.path)
}

// BackingFile returns the recorded backing path and format.
func (d *FileDevice) BackingFile() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.meta.BackingPath, d.meta.BackingFormat
}

func (d *FileDevice) Length() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// allocRun reports whether the file has data at off and how many bytes
// share that state, up to limit.
func (d *FileDevice) allocRun(off, limit int64) (int64, bool, error) {
	dataOff, err := unix.Seek(int(d.f.Fd()), off, unix.SEEK_DATA)
	if err != nil {
		if err == unix.ENXIO {
			// In a hole that runs to EOF.
			return limit, false, nil
		}
		return 0, false, err
	}

	if dataOff > off {
		run := dataOff - off
		if run > limit {
			run = limit
		}
		return run, false, nil
	}

	holeOff, err := unix.Seek(int(d.f.Fd()), off, unix.SEEK_HOLE)
	if err != nil {
		return 0, false, err
	}

	run := holeOff - off
	if run > limit {
		run = limit
	}
	return run, true, nil
}

func (d *FileDevice) Allocated(ext Extent) (uint32, bool, error) {
	if !ext.Valid() {
		return 0, false, ErrOutOfRange
	}

	run, state, err := d.allocRun(ext.ByteOffset(), int64(ext.ByteSize()))
	if err != nil {
		return 0, false, err
	}

	sectors := uint32(run / SectorSize)
	if sectors == 0 {
		sectors = 1
	}

	return sectors, state, nil
}

func (d *FileDevice) checkExtent(ext Extent, data []byte) error {
	if !ext.Valid() {
		return ErrOutOfRange
	}

	sz, err := d.Length()
	if err != nil {
		return err
	}

	if ext.ByteOffset()+int64(ext.ByteSize()) > sz {
		return errors.Wrapf(ErrOutOfRange, "extent %s beyond size %d", ext, sz)
	}

	if data != nil && len(data) < ext.ByteSize() {
		return errors.Errorf("buffer too small for extent %s: %d", ext, len(data))
	}

	return nil
}

// backingChunk reads one cache-granularity chunk from the backing
// device, consulting the LRU first.
func (d *FileDevice) backingChunk(b BlockDevice, idx int64) ([]byte, error) {
	if data, ok := d.cache.Get(idx); ok {
		return data, nil
	}

	ext := Extent{Sector: Sector(idx * backingChunkSectors), Sectors: backingChunkSectors}

	bsz, err := b.Length()
	if err != nil {
		return nil, err
	}

	data := make([]byte, ext.ByteSize())

	total := Sector(bsz / SectorSize)
	clamped, ok := ext.Clamp(total)
	if !ok {
		// Past the end of the backing device, reads as zeros.
		d.cache.Add(idx, data)
		return data, nil
	}

	if err := readSync(b, clamped, data[:clamped.ByteSize()]); err != nil {
		return nil, err
	}

	d.cache.Add(idx, data)
	return data, nil
}

func (d *FileDevice) readBacking(b BlockDevice, ext Extent, data []byte) error {
	off := ext.ByteOffset()
	rest := data[:ext.ByteSize()]

	for len(rest) > 0 {
		idx := off / (backingChunkSectors * SectorSize)
		chunkOff := off - idx*backingChunkSectors*SectorSize

		chunk, err := d.backingChunk(b, idx)
		if err != nil {
			return err
		}

		n := copy(rest, chunk[chunkOff:])
		rest = rest[n:]
		off += int64(n)
	}

	return nil
}

func (d *FileDevice) read(ctx context.Context, ext Extent, data []byte) error {
	if err := d.checkExtent(ext, data); err != nil {
		return err
	}

	d.mu.Lock()
	b := d.backing
	d.mu.Unlock()

	off := ext.ByteOffset()
	end := off + int64(ext.ByteSize())

	for off < end {
		if ctx.Err() != nil {
			return ErrCanceled
		}

		run, allocated, err := d.allocRun(off, end-off)
		if err != nil {
			return err
		}

		buf := data[off-ext.ByteOffset():][:run]

		if allocated || b == nil {
			if _, err := d.f.ReadAt(buf, off); err != nil && err != io.EOF {
				return errors.Wrapf(err, "reading %s", d.path)
			}
		} else {
			sub := Extent{Sector: Sector(off / SectorSize), Sectors: uint32(run / SectorSize)}
			if err := d.readBacking(b, sub, buf); err != nil {
				return errors.Wrapf(err, "reading backing of %s", d.path)
			}
		}

		off += run
	}

	return nil
}

func (d *FileDevice) writable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if d.flags&OpenReadOnly != 0 || d.keepRO {
		return ErrReadOnly
	}

	return nil
}

func (d *FileDevice) ReadAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	return d.aio.Submit(func(ctx context.Context) error {
		return d.read(ctx, ext, data)
	}, cb)
}

func (d *FileDevice) WriteAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	return d.aio.Submit(func(ctx context.Context) error {
		if err := d.writable(); err != nil {
			return err
		}

		if err := d.checkExtent(ext, data); err != nil {
			return err
		}

		_, err := d.f.WriteAt(data[:ext.ByteSize()], ext.ByteOffset())
		return errors.Wrapf(err, "writing %s", d.path)
	}, cb)
}

func (d *FileDevice) Discard(ext Extent, cb CompletionFunc) AIO {
	return d.aio.Submit(func(ctx context.Context) error {
		if err := d.writable(); err != nil {
			return err
		}

		if err := d.checkExtent(ext, nil); err != nil {
			return err
		}

		err := unix.Fallocate(int(d.f.Fd()),
			unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
			ext.ByteOffset(), int64(ext.ByteSize()))
		if err == nil {
			return nil
		}

		if err != unix.EOPNOTSUPP {
			return errors.Wrapf(err, "discarding %s on %s", ext, d.path)
		}

		// No hole punching on this filesystem, write zeros instead.
		zero := buffers.Get(ext.ByteSize())
		defer buffers.Return(zero)
		clear(zero)

		_, werr := d.f.WriteAt(zero, ext.ByteOffset())
		return werr
	}, cb)
}

func (d *FileDevice) Flush(ctx context.Context) error {
	if d.flags&OpenNoFlush != 0 {
		return nil
	}

	return d.f.Sync()
}

func (d *FileDevice) ChangeBackingFile(path, format string) error {
	if err := d.writable(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	meta := fileMeta{BackingPath: path, BackingFormat: format}

	if err := writeMeta(d.path, meta); err != nil {
		return err
	}

	d.meta = meta
	return nil
}

func writeMeta(path string, meta fileMeta) error {
	side := path + metaSuffix

	if meta.BackingPath == "" && meta.BackingFormat == "" {
		err := os.Remove(side)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	data, err := cbor.Marshal(meta)
	if err != nil {
		return err
	}

	tmp := side + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, side)
}

func (d *FileDevice) Backing() BlockDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backing
}

func (d *FileDevice) SetBacking(dev BlockDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backing = dev
	d.cache.Purge()
}

func (d *FileDevice) KeepReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.keepRO
}

func (d *FileDevice) SetKeepReadOnly(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keepRO = v
}

// Close releases the file handle. The backing device is not closed, its
// lifetime belongs to whoever wired the chain.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.log.Trace("closing raw image", "path", d.path)

	return d.f.Close()
}

// readSync waits for an asynchronous read to finish.
func readSync(dev BlockDevice, ext Extent, data []byte) error {
	errCh := make(chan error, 1)

	dev.ReadAt(ext, data, func(err error) {
		errCh <- err
	})

	return <-errCh
}
