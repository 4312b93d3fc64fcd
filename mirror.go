package blkmirror

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// DescriptorPrefix starts every mirror target descriptor:
// blkmirror:[format:]path.
const DescriptorPrefix = "blkmirror:"

var ErrNotAttached = errors.New("mirror has no source attached")

// Mirror duplicates every write and discard to a source and a target
// device, while reads and flushes see only the source. The target is a
// write-only replica that accumulates the same data as the source.
//
// The mirror expects to be appended onto an existing device stack: the
// caller sets the source as the mirror's nominal backing reference and
// then calls Rebind, which hoists the source's own backing file so that
// source, mirror, and target all share it. Sharing is what lets
// copy-on-write on the target prefill newly written clusters with the
// right base data.
//
// The target runs without durability guarantees. After a crash it is
// not a valid mirror and has to be rebuilt from scratch, so there is no
// point paying for flushes on it.
type Mirror struct {
	log hclog.Logger
	aio *AioContext
	id  ulid.ULID

	mu      sync.Mutex
	target  BlockDevice
	source  BlockDevice
	backing BlockDevice
	keepRO  bool
	closed  bool

	backingPath   string
	backingFormat string

	syncChunk uint32
}

var _ BlockDevice = (*Mirror)(nil)

// ParseDescriptor splits a blkmirror:[format:]path descriptor. An empty
// format means the target's format is probed as raw.
func ParseDescriptor(desc string) (format, path string, err error) {
	rest, ok := strings.CutPrefix(desc, DescriptorPrefix)
	if !ok {
		return "", "", errors.Wrapf(ErrInvalidDescriptor, "missing %q prefix: %s", DescriptorPrefix, desc)
	}

	if idx := strings.Index(rest, ":"); idx >= 0 {
		return rest[:idx], rest[idx+1:], nil
	}

	return "", rest, nil
}

// OpenMirror parses the descriptor and opens the target device. The
// source arrives later, through SetBacking and Rebind.
//
// Three flags are forced onto the target regardless of the caller's:
// no backing attachment (the chain is wired by Rebind), no flush
// durability, and write-back caching. A crash voids the mirror anyway,
// so the target runs as fast as it can.
func OpenMirror(aio *AioContext, log hclog.Logger, reg *Registry, desc string, flags OpenFlags, options ...Option) (*Mirror, error) {
	var o opts
	for _, opt := range options {
		opt(&o)
	}

	if o.idGen == nil {
		o.idGen = func() ulid.ULID {
			return ulid.MustNew(ulid.Now(), ulid.DefaultEntropy())
		}
	}

	format, path, err := ParseDescriptor(desc)
	if err != nil {
		return nil, err
	}

	if format != "" {
		if _, ok := reg.Lookup(format); !ok {
			return nil, errors.Wrapf(ErrUnknownFormat, "format: %q is not a supported format", format)
		}
	}

	target, err := reg.Open(aio, log, path, format,
		flags|OpenNoBacking|OpenNoFlush|OpenWriteBack)
	if err != nil {
		return nil, errors.Wrapf(err, "opening mirror target %s", path)
	}

	if o.syncChunk == 0 {
		o.syncChunk = defaultSyncChunk
	}

	m := &Mirror{
		log:       log.Named("mirror"),
		aio:       aio,
		id:        o.idGen(),
		target:    target,
		syncChunk: o.syncChunk,
	}

	m.log.Debug("opened mirror target", "id", m.id, "path", path, "format", format)

	return m, nil
}

// Rebind transplants the backing chain once the caller has set the
// source as the mirror's nominal backing reference.
//
// The source moves into the mirror's own slot; its original backing
// file becomes the nominal backing of both the mirror and the target,
// marked as forbidding commits since the target depends on its
// unmodified contents.
func (m *Mirror) Rebind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source != nil {
		return errors.New("mirror already rebound")
	}

	source := m.backing
	if source == nil {
		return ErrNotAttached
	}

	m.source = source
	m.backing = source.Backing()
	source.SetBacking(nil)

	if m.backing != nil {
		m.backing.SetKeepReadOnly(true)
	}

	m.target.SetBacking(m.backing)

	m.log.Debug("rebound backing chain", "id", m.id,
		"shared_backing", m.backing != nil)

	return nil
}

// Attach wires source as the mirror's nominal backing and rebinds in
// one step.
func (m *Mirror) Attach(source BlockDevice) error {
	m.SetBacking(source)
	return m.Rebind()
}

func (m *Mirror) devices() (source, target BlockDevice, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	if m.source == nil {
		return nil, nil, ErrNotAttached
	}

	return m.source, m.target, nil
}

func (m *Mirror) failAIO(cb CompletionFunc, err error) AIO {
	return m.aio.Submit(func(context.Context) error {
		return err
	}, cb)
}

// Length reports the target's length; the target was opened under full
// caller control, which makes it authoritative.
func (m *Mirror) Length() (int64, error) {
	return m.target.Length()
}

func (m *Mirror) Allocated(ext Extent) (uint32, bool, error) {
	return m.target.Allocated(ext)
}

// Flush guarantees durability of the source only. The target runs in a
// durability-relaxed mode where flushing buys nothing.
func (m *Mirror) Flush(ctx context.Context) error {
	source, _, err := m.devices()
	if err != nil {
		return err
	}

	return source.Flush(ctx)
}

// ReadAt serves the read from the source. The target is write-only from
// the read path's point of view.
func (m *Mirror) ReadAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	source, _, err := m.devices()
	if err != nil {
		return m.failAIO(cb, err)
	}

	sourceReads.Inc()

	return source.ReadAt(ext, data, cb)
}

func (m *Mirror) WriteAt(ext Extent, data []byte, cb CompletionFunc) AIO {
	source, target, err := m.devices()
	if err != nil {
		return m.failAIO(cb, err)
	}

	mirroredWrites.Inc()

	if m.log.IsTrace() {
		logSectors(m.log, "mirrored write", ext, data)
	}

	start := time.Now()

	return issueDual(source, target, ext, data,
		func(dev BlockDevice, ext Extent, data []byte, cb CompletionFunc) AIO {
			return dev.WriteAt(ext, data, cb)
		},
		func(err error) {
			writeLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				mirroredErrors.Inc()
				m.log.Error("mirrored write failed", "id", m.id, "extent", ext, "error", err)
			}
			cb(err)
		})
}

func (m *Mirror) Discard(ext Extent, cb CompletionFunc) AIO {
	source, target, err := m.devices()
	if err != nil {
		return m.failAIO(cb, err)
	}

	mirroredDiscards.Inc()

	return issueDual(source, target, ext, nil,
		func(dev BlockDevice, ext Extent, _ []byte, cb CompletionFunc) AIO {
			return dev.Discard(ext, cb)
		},
		func(err error) {
			if err != nil {
				mirroredErrors.Inc()
				m.log.Error("mirrored discard failed", "id", m.id, "extent", ext, "error", err)
			}
			cb(err)
		})
}

// ChangeBackingFile updates the recorded backing file on both devices,
// target first. A failure on the target leaves the source untouched, so
// the device never reports an error while the source was silently
// changed. The reverse order could not promise that.
func (m *Mirror) ChangeBackingFile(path, format string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	source := m.source
	if source == nil {
		return ErrNotAttached
	}

	// The nominal backing changed hands during rebind, re-establish the
	// shared view before touching metadata.
	source.SetBacking(m.backing)
	m.target.SetBacking(source.Backing())

	if err := m.target.ChangeBackingFile(path, format); err != nil {
		return errors.Wrapf(err, "changing target backing file")
	}

	if err := source.ChangeBackingFile(path, format); err != nil {
		return errors.Wrapf(err, "changing source backing file")
	}

	m.backingPath = path
	m.backingFormat = format

	return nil
}

// Target exposes the target device for the caller's teardown; the
// mirror never closes it.
func (m *Mirror) Target() BlockDevice {
	return m.target
}

// BackingFile reports the mirror's recorded backing path and format.
func (m *Mirror) BackingFile() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.backingPath, m.backingFormat
}

func (m *Mirror) Backing() BlockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.backing
}

func (m *Mirror) SetBacking(dev BlockDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backing = dev
}

func (m *Mirror) KeepReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.keepRO
}

func (m *Mirror) SetKeepReadOnly(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keepRO = v
}

// Close unlinks the source and target from the shared backing file and
// closes the source, which the mirror solely owns. The target and the
// shared backing device stay open, their teardown belongs to the
// caller.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	source := m.source
	m.source = nil
	m.mu.Unlock()

	if source != nil {
		source.SetBacking(nil)
	}
	m.target.SetBacking(nil)

	m.log.Debug("closed mirror", "id", m.id)

	if source != nil {
		return source.Close()
	}

	return nil
}

func logSectors(log hclog.Logger, msg string, ext Extent, data []byte) {
	idx := ext.Sector
	for len(data) >= SectorSize {
		log.Trace(msg, "sector", idx, "sum", sectorSum(data))
		data = data[SectorSize:]
		idx++
	}
}
