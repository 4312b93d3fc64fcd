package blkmirror

import "bytes"

var emptySector = make([]byte, SectorSize)

func emptyBytes(b []byte) bool {
	for len(b) > SectorSize {
		if !bytes.Equal(b[:SectorSize], emptySector) {
			return false
		}

		b = b[SectorSize:]
	}

	if len(b) == 0 {
		return true
	}

	return bytes.Equal(b, emptySector[:len(b)])
}
