package sstable

import "errors"

var magic = []byte{212, 63, 150, 9, 77, 186, 34, 201}

const (
	blockNoCompression     = 0
	blockSnappyCompression = 1
	blockZstdCompression   = 2
)

// blockTrailerLen is the number of envelope bytes appended to each
// stored block: a single compression type byte plus an 8-byte checksum.
const blockTrailerLen = 9

// ErrNotFound is returned by the reader when a key cannot be found.
var ErrNotFound = errors.New("sstable: not found")

// ErrCorrupted is returned when table or block contents violate the
// storage format. Use errors.Is to test for it.
var ErrCorrupted = errors.New("sstable: corrupted")

var (
	errClosed         = errors.New("sstable: is closed")
	errBadMagic       = errors.New("sstable: bad magic byte sequence")
	errBadCompression = errors.New("sstable: bad compression codec")
	errReleased       = errors.New("sstable: iterator was released")
)

type blockInfo struct {
	MaxKey []byte // maximum key in the block
	Offset int64  // block offset position
}

// --------------------------------------------------------------------

// Compare is a three-way comparison function over keys. It must return
// a negative number if a < b, zero if a == b and a positive number if
// a > b. The zero value of options defaults to bytes.Compare.
type Compare func(a, b []byte) int

// --------------------------------------------------------------------

// Compression is the compression codec
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	ZstdCompression
	unknownCompression
)
