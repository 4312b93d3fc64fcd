package blkmirror

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMirrorSync(t *testing.T) {
	log := testLog(t)

	const size = 4 * 1024 * 1024

	t.Run("copies allocated extents to the target", func(t *testing.T) {
		r := require.New(t)

		aio := NewAioContext(log)
		defer aio.Close()

		reg := StandardRegistry()

		dir := t.TempDir()

		srcPath := filepath.Join(dir, "src.img")
		r.NoError(CreateFile(srcPath, size, "", ""))

		// Scatter a few extents around the source, leave the rest
		// sparse.
		seed, err := OpenFile(aio, log, srcPath, 0)
		r.NoError(err)

		extents := []Extent{
			{Sector: 0, Sectors: 8},
			{Sector: 256, Sectors: 16},
			{Sector: 4096, Sectors: 8},
		}

		var want [][]byte
		for i, ext := range extents {
			data := make([]byte, ext.ByteSize())
			fillPattern(data, byte(i+1))
			want = append(want, data)

			r.NoError(writeSync(seed, ext, data))
		}
		r.NoError(seed.Close())

		tgtPath := filepath.Join(dir, "tgt.img")
		r.NoError(CreateFile(tgtPath, size, "", ""))

		source, err := reg.Open(aio, log, srcPath, "", 0)
		r.NoError(err)

		m, err := OpenMirror(aio, log, reg, "blkmirror:"+tgtPath, 0, WithSyncChunk(64))
		r.NoError(err)

		r.NoError(m.Attach(source))
		r.NoError(m.Sync(context.Background()))

		target := m.Target()

		buf := make([]byte, 16*SectorSize)
		for i, ext := range extents {
			r.NoError(readSync(target, ext, buf[:ext.ByteSize()]))
			r.True(bytes.Equal(want[i], buf[:ext.ByteSize()]), "extent %s differs", ext)
		}

		// Sparse ranges stay sparse on the target.
		_, state, err := target.Allocated(Extent{Sector: 1024, Sectors: 8})
		r.NoError(err)
		r.False(state)

		r.NoError(m.Close())
		r.NoError(target.Close())
	})

	t.Run("cancellation stops the copy", func(t *testing.T) {
		r := require.New(t)

		aio := NewAioContext(log)
		defer aio.Close()

		reg := StandardRegistry()

		dir := t.TempDir()

		srcPath := filepath.Join(dir, "src.img")
		r.NoError(CreateFile(srcPath, size, "", ""))

		tgtPath := filepath.Join(dir, "tgt.img")
		r.NoError(CreateFile(tgtPath, size, "", ""))

		source, err := reg.Open(aio, log, srcPath, "", 0)
		r.NoError(err)

		m, err := OpenMirror(aio, log, reg, "blkmirror:"+tgtPath, 0)
		r.NoError(err)

		r.NoError(m.Attach(source))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		r.Error(m.Sync(ctx))

		r.NoError(m.Close())
		r.NoError(m.Target().Close())
	})

	t.Run("requires an attached source", func(t *testing.T) {
		r := require.New(t)

		m := testMirror(t, nil, &fakeDevice{name: "tgt"})
		r.ErrorIs(m.Sync(context.Background()), ErrNotAttached)
	})
}
