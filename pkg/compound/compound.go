// Package compound packs the files of one segment into a single data file
// plus an entry table recording where each file lives in it.
//
// The data file (".cfs") is a codec header, the member files back to back
// and a footer. The entry table (".cfe") is a codec header, a vint count,
// then per member its id, int64 offset and int64 length, and a footer.
// Containers written before entry tables existed keep the table at the start
// of the data file; Open still reads them.
package compound

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DataExtension    = "cfs"
	EntriesExtension = "cfe"

	DataCodec  = "CompoundFileWriterData"
	EntryCodec = "CompoundFileWriterEntries"

	VersionStart    int32 = 0
	VersionChecksum int32 = 1
	VersionCurrent        = VersionChecksum

	// formatPreVersion and formatNoSegmentPrefix are the first values of a
	// legacy data file: an entry count, or -1 for a count that follows.
	formatPreVersion      = 0
	formatNoSegmentPrefix = -1

	magicByte1 = 0x3f
	magicByte2 = 0xd7
	magicByte3 = 0x6c
	magicByte4 = 0x17
)

var (
	ErrAlreadySealed  = errors.New("flagstone: compound file already sealed")
	ErrPendingOutputs = errors.New("flagstone: compound file has pending open files")
	ErrFileExists     = errors.New("flagstone: file already exists")
)

// FileEntry is where a member file lives inside the data file.
type FileEntry struct {
	Offset int64
	Length int64
}

type options struct {
	logger *zap.Logger
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
