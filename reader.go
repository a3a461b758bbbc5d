package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// Comparer determines the key order of the table. It must match the
	// comparer the table was written with.
	// Default: bytes.Compare.
	Comparer Compare
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}
	if oo.Comparer == nil {
		oo.Comparer = bytes.Compare
	}
	return &oo
}

// Reader instances can seek and iterate across data in tables.
type Reader struct {
	r io.ReaderAt
	o *ReaderOptions

	index     []blockInfo
	maxOffset int64

	zdec    *zstd.Decoder
	zdecErr error
	zonce   sync.Once
}

// NewReader opens a reader.
func NewReader(r io.ReaderAt, size int64, o *ReaderOptions) (*Reader, error) {
	if size < 16 {
		return nil, fmt.Errorf("%w: table is too small", ErrCorrupted)
	}
	tmp := make([]byte, 16)

	// read footer
	footerOffset := size - 16
	if _, err := r.ReadAt(tmp, footerOffset); err != nil {
		return nil, err
	}

	// parse footer
	if !bytes.Equal(tmp[8:16], magic) {
		return nil, errBadMagic
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tmp[:8]))
	if indexOffset < 0 || indexOffset > footerOffset {
		return nil, fmt.Errorf("%w: bad index offset", ErrCorrupted)
	}

	// read index
	raw := make([]byte, footerOffset-indexOffset)
	if _, err := r.ReadAt(raw, indexOffset); err != nil {
		return nil, err
	}

	// parse index
	var index []blockInfo
	var offset int64

	for pos := 0; pos < len(raw); {
		klen, n := binary.Uvarint(raw[pos:])
		if n <= 0 || klen > uint64(len(raw)-pos-n) {
			return nil, fmt.Errorf("%w: bad index entry", ErrCorrupted)
		}
		pos += n

		key := raw[pos : pos+int(klen) : pos+int(klen)]
		pos += int(klen)

		delta, n := binary.Uvarint(raw[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad index entry", ErrCorrupted)
		}
		pos += n

		offset += int64(delta)
		index = append(index, blockInfo{MaxKey: key, Offset: offset})
	}

	return &Reader{
		r: r,
		o: o.norm(),

		index:     index, // block max keys and offsets
		maxOffset: indexOffset,
	}, nil
}

// NumBlocks returns the number of stored blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// Append retrieves a single value for a key. Unlike Get it doesn't
// allocate a new byte slice but appends the value to dst instead.
// It may return an ErrNotFound error.
func (r *Reader) Append(dst []byte, key []byte) ([]byte, error) {
	iter, err := r.Seek(key)
	if err != nil {
		return dst, err
	}
	defer iter.Release()

	if !iter.Next() {
		if err := iter.Err(); err != nil {
			return dst, err
		}
		return dst, ErrNotFound
	}
	if r.o.Comparer(iter.Key(), key) != 0 {
		return dst, ErrNotFound
	}
	return append(dst, iter.Value()...), nil
}

// Get is a shortcut for Append(nil, key).
// It may return an ErrNotFound error.
func (r *Reader) Get(key []byte) ([]byte, error) {
	return r.Append(nil, key)
}

// Seek returns an iterator positioned before the first entry with a
// key >= key.
func (r *Reader) Seek(key []byte) (*Iterator, error) {
	b, err := r.SeekBlock(key)
	if err != nil {
		return nil, err
	}

	bi := b.NewIterator(r.o.Comparer)
	bi.Seek(key)
	if err := bi.Err(); err != nil {
		b.Release()
		return nil, err
	}
	return &Iterator{r: r, b: b, bi: bi, pending: bi.Valid()}, nil
}

// GetBlock returns the n-th block of the table.
func (r *Reader) GetBlock(bpos int) (*Block, error) {
	if len(r.index) == 0 {
		return new(Block), nil
	}
	if bpos < 0 {
		bpos = 0
	}
	if bpos >= len(r.index) {
		return &Block{bpos: len(r.index)}, nil
	}
	return r.readBlock(bpos)
}

// SeekBlock seeks the block containing the key.
func (r *Reader) SeekBlock(key []byte) (*Block, error) {
	bpos := sort.Search(len(r.index), func(i int) bool {
		return r.o.Comparer(r.index[i].MaxKey, key) >= 0
	})
	return r.GetBlock(bpos)
}

func (r *Reader) readBlock(bpos int) (*Block, error) {
	min := r.index[bpos].Offset
	max := r.maxOffset
	if next := bpos + 1; next < len(r.index) {
		max = r.index[next].Offset
	}
	if max-min < blockTrailerLen {
		return nil, fmt.Errorf("%w: truncated block", ErrCorrupted)
	}

	raw := fetchBuffer(int(max - min))
	if _, err := r.r.ReadAt(raw, min); err != nil {
		releaseBuffer(raw)
		return nil, err
	}

	// the trailing 8 bytes checksum everything before them
	sumPos := len(raw) - 8
	if sum := binary.LittleEndian.Uint64(raw[sumPos:]); sum != xxhash.Sum64(raw[:sumPos]) {
		releaseBuffer(raw)
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorrupted)
	}

	var data []byte
	switch cBitPos := sumPos - 1; raw[cBitPos] {
	case blockNoCompression:
		data = raw[:cBitPos]
	case blockSnappyCompression:
		defer releaseBuffer(raw)

		sz, err := snappy.DecodedLen(raw[:cBitPos])
		if err != nil {
			return nil, err
		}

		plain := fetchBuffer(sz)
		if data, err = snappy.Decode(plain, raw[:cBitPos]); err != nil {
			releaseBuffer(plain)
			return nil, err
		}
	case blockZstdCompression:
		defer releaseBuffer(raw)

		zdec, err := r.zstdDecoder()
		if err != nil {
			return nil, err
		}
		if data, err = zdec.DecodeAll(raw[:cBitPos], nil); err != nil {
			return nil, err
		}
	default:
		releaseBuffer(raw)
		return nil, errBadCompression
	}

	b := &Block{bpos: bpos}
	b.init(data, true)
	return b, nil
}

func (r *Reader) zstdDecoder() (*zstd.Decoder, error) {
	r.zonce.Do(func() {
		r.zdec, r.zdecErr = zstd.NewReader(nil)
	})
	return r.zdec, r.zdecErr
}

// --------------------------------------------------------------------

// Iterator is a convenience cursor around Block and BlockIter which
// can (forward-) iterate over entries across block boundaries.
type Iterator struct {
	r  *Reader
	b  *Block
	bi *BlockIter

	pending bool // the block iterator already denotes the next entry
	err     error
}

// Key returns the key of the current entry. It may only be called
// after a successful Next and the returned slice is only valid until
// the next cursor move.
func (i *Iterator) Key() []byte { return i.bi.Key() }

// Value returns the value of the current entry. Please note that values
// are views into temporary buffers and must be copied if used beyond
// the next cursor move.
func (i *Iterator) Value() []byte { return i.bi.Value() }

// More returns true if more data can be read.
func (i *Iterator) More() bool {
	if i.err != nil {
		return false
	}

	return i.pending || i.bi.more() || i.b.Pos()+1 < i.r.NumBlocks()
}

// Next advances the cursor to the next entry and returns true if successful.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}

	// a preceding seek may have already decoded the next entry
	if i.pending {
		i.pending = false
		return true
	}

	// more entries in the block
	if i.bi.more() {
		i.bi.Next()
		if err := i.bi.Err(); err != nil {
			i.err = err
			return false
		}
		return i.bi.Valid()
	}

	// more blocks
	if n := i.b.Pos() + 1; n < i.r.NumBlocks() {
		b, err := i.r.GetBlock(n)
		if err != nil {
			i.err = err
			return false
		}

		i.b.Release()
		i.b = b
		i.bi = b.NewIterator(i.r.o.Comparer)
		i.bi.SeekToFirst()
		if err := i.bi.Err(); err != nil {
			i.err = err
			return false
		}
		return i.bi.Valid()
	}

	return false
}

// Err exposes iterator errors, if any.
func (i *Iterator) Err() error {
	return i.err
}

// Release releases the iterator and frees up resources. The iterator must not be used
// after this method is called.
func (i *Iterator) Release() {
	i.b.Release()
	i.err = errReleased
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
