package blkmirror

import "github.com/oklog/ulid/v2"

type opts struct {
	idGen     func() ulid.ULID
	syncChunk uint32
}

type Option func(o *opts)

func WithIDGen(f func() ulid.ULID) Option {
	return func(o *opts) {
		o.idGen = f
	}
}

// WithSyncChunk sets how many sectors the background sync job copies
// per step.
func WithSyncChunk(sectors uint32) Option {
	return func(o *opts) {
		o.syncChunk = sectors
	}
}
