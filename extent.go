package blkmirror

import (
	"fmt"
)

// Sector is a logical sector address on a block device.
type Sector uint64

const SectorSize = 512

// Extent is a contiguous run of sectors.
type Extent struct {
	Sector  Sector
	Sectors uint32
}

func ExtentFrom(a, b Sector) (Extent, bool) {
	if b < a {
		return Extent{}, false
	}
	return Extent{Sector: a, Sectors: uint32(b - a + 1)}, true
}

func (e Extent) ByteOffset() int64 {
	return int64(e.Sector) * SectorSize
}

func (e Extent) ByteSize() int {
	return int(e.Sectors) * SectorSize
}

func (e Extent) String() string {
	return fmt.Sprintf("%d:%d", e.Sector, e.Sectors)
}

func (e Extent) Contains(s Sector) bool {
	return s >= e.Sector && s < (e.Sector+Sector(e.Sectors))
}

func (e Extent) Last() Sector {
	return e.Sector + Sector(e.Sectors) - 1
}

func (e Extent) Range() (Sector, Sector) {
	return e.Sector, e.Last()
}

func (e Extent) Valid() bool {
	return e.Sectors > 0
}

// Clamp returns e truncated so that it does not extend past the device
// end, given in sectors.
func (e Extent) Clamp(total Sector) (Extent, bool) {
	if e.Sector >= total {
		return Extent{}, false
	}

	if e.Sector+Sector(e.Sectors) > total {
		e.Sectors = uint32(total - e.Sector)
	}

	return e, true
}
