package blkmirror

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// 1MiB per copy step.
const defaultSyncChunk = 2048

// Sync copies every allocated extent of the source through the mirror's
// own write path, so the target converges on the source's contents
// while new writes keep being mirrored. Extents the source defers to
// the shared backing file are skipped, the target resolves those
// through the same backing file.
//
// Writing through the facade sends each copied extent back to the
// source as well. That is wasted work on the source side, but it keeps
// a single write path with a single correctness argument.
func (m *Mirror) Sync(ctx context.Context) error {
	source, _, err := m.devices()
	if err != nil {
		return err
	}

	sz, err := source.Length()
	if err != nil {
		return err
	}

	total := Sector(sz / SectorSize)

	m.log.Info("starting mirror sync", "id", m.id, "sectors", total)
	start := time.Now()

	var copied uint64

	buf := buffers.Get(int(m.syncChunk) * SectorSize)
	defer buffers.Return(buf)

	var pos Sector
	for pos < total {
		if err := ctx.Err(); err != nil {
			return err
		}

		ext := Extent{Sector: pos, Sectors: m.syncChunk}
		ext, _ = ext.Clamp(total)

		run, allocated, err := source.Allocated(ext)
		if err != nil {
			return errors.Wrapf(err, "querying source allocation at %s", ext)
		}

		if !allocated {
			pos += Sector(run)
			continue
		}

		ext.Sectors = run

		if err := readSync(source, ext, buf); err != nil {
			return errors.Wrapf(err, "reading source at %s", ext)
		}

		if err := writeSync(m, ext, buf[:ext.ByteSize()]); err != nil {
			return errors.Wrapf(err, "copying extent %s", ext)
		}

		syncSectors.Add(float64(run))
		copied += uint64(run)
		pos += Sector(run)
	}

	if err := m.Flush(ctx); err != nil {
		return errors.Wrapf(err, "flushing source after sync")
	}

	m.log.Info("mirror sync finished", "id", m.id,
		"copied", copied, "elapsed", time.Since(start))

	return nil
}

// writeSync waits for an asynchronous write to finish.
func writeSync(dev BlockDevice, ext Extent, data []byte) error {
	errCh := make(chan error, 1)

	dev.WriteAt(ext, data, func(err error) {
		errCh <- err
	})

	return <-errCh
}
