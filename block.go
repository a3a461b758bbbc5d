package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Block is a single immutable run of prefix-compressed key/value
// entries, terminated by a restart point index and a 4-byte restart
// count. Block contents are read-only after construction, so any
// number of iterators may traverse the same block concurrently.
type Block struct {
	data        []byte
	restarts    uint32 // offset of the restart index
	numRestarts uint32
	corrupt     bool

	bpos   int  // index position of the block within the table
	pooled bool // data was fetched from the buffer pool
}

// NewBlock wraps raw block contents. The buffer is borrowed: it must
// remain valid and unchanged for the lifetime of the block and of
// every iterator derived from it. Malformed contents do not fail
// construction; iterators over a malformed block immediately report
// ErrCorrupted instead.
func NewBlock(data []byte) *Block {
	b := new(Block)
	b.init(data, false)
	return b
}

func (b *Block) init(data []byte, pooled bool) {
	b.data = data
	b.pooled = pooled

	if len(data) < 4 {
		b.corrupt = true
		return
	}

	numRestarts := binary.LittleEndian.Uint32(data[len(data)-4:])
	if numRestarts > uint32(len(data)-4)/4 {
		// the declared restart count cannot fit into the buffer
		b.corrupt = true
		return
	}
	b.numRestarts = numRestarts
	b.restarts = uint32(len(data)) - 4*(1+numRestarts)
}

// Pos returns the index position of the block within the table.
func (b *Block) Pos() int { return b.bpos }

// NumRestarts returns the number of restart points in the block.
func (b *Block) NumRestarts() int { return int(b.numRestarts) }

// NewIterator returns an iterator over the entries of the block using
// cmp for key ordering. A nil cmp defaults to bytes.Compare.
//
// Iterators over malformed blocks are immediately invalid and report
// ErrCorrupted; iterators over empty blocks are immediately invalid
// with no error.
func (b *Block) NewIterator(cmp Compare) *BlockIter {
	if cmp == nil {
		cmp = bytes.Compare
	}
	if b.corrupt {
		return &BlockIter{err: fmt.Errorf("%w: bad block contents", ErrCorrupted)}
	}

	return &BlockIter{
		cmp:         cmp,
		data:        b.data,
		restarts:    b.restarts,
		numRestarts: b.numRestarts,
		current:     b.restarts,
		restartIdx:  b.numRestarts,
	}
}

// Release releases the block and returns its buffer to the internal
// pool if it was fetched from there. The block and any iterators
// derived from it must not be used after this method is called.
func (b *Block) Release() {
	if b.pooled {
		releaseBuffer(b.data)
		b.pooled = false
	}
	b.data = nil
}

// --------------------------------------------------------------------

// decodeEntry parses the entry header at offset p, never reading at or
// past limit. It returns the shared key length, the non-shared key
// length, the value length and the offset of the key suffix just past
// the header. It fails when fewer than three bytes remain, when a
// varint does not terminate before limit, or when the declared key
// suffix and value overrun limit.
func decodeEntry(data []byte, p, limit uint32) (shared, nonShared, valueLen, keyOff uint32, ok bool) {
	if p >= limit || limit-p < 3 {
		return 0, 0, 0, 0, false
	}

	if b0, b1, b2 := data[p], data[p+1], data[p+2]; b0 < 128 && b1 < 128 && b2 < 128 {
		// fast path: each length is encoded in a single byte
		shared, nonShared, valueLen = uint32(b0), uint32(b1), uint32(b2)
		keyOff = p + 3
	} else {
		if shared, p, ok = decodeUvarint32(data, p, limit); !ok {
			return 0, 0, 0, 0, false
		}
		if nonShared, p, ok = decodeUvarint32(data, p, limit); !ok {
			return 0, 0, 0, 0, false
		}
		if valueLen, p, ok = decodeUvarint32(data, p, limit); !ok {
			return 0, 0, 0, 0, false
		}
		keyOff = p
	}

	if uint64(limit-keyOff) < uint64(nonShared)+uint64(valueLen) {
		return 0, 0, 0, 0, false
	}
	return shared, nonShared, valueLen, keyOff, true
}

// decodeUvarint32 decodes a base-128 little-endian varint at offset p,
// bounded by limit.
func decodeUvarint32(data []byte, p, limit uint32) (uint32, uint32, bool) {
	var v, shift uint32
	for p < limit && shift <= 28 {
		b := data[p]
		p++
		if b < 128 {
			return v | uint32(b)<<shift, p, true
		}
		v |= uint32(b&127) << shift
		shift += 7
	}
	return 0, 0, false
}

// --------------------------------------------------------------------

// BlockIter iterates over the entries of a single block. It is not
// safe for concurrent use, but independent iterators may traverse the
// same block in parallel.
//
// A fresh iterator is invalid; callers must position it with Seek,
// SeekToFirst or SeekToLast before use. Key and Value may only be
// called while Valid returns true, and Next and Prev may only be
// called on a valid iterator.
//
// Once the iterator observes malformed block contents it becomes
// invalid permanently and Err reports ErrCorrupted; no subsequent
// operation can revalidate it. Running off either end of the block
// also invalidates the iterator, but leaves Err nil.
type BlockIter struct {
	cmp         Compare
	data        []byte
	restarts    uint32 // offset of the restart index
	numRestarts uint32

	current    uint32 // offset of the current entry, == restarts when invalid
	restartIdx uint32 // index of the restart point governing current
	key        []byte // reconstructed key, private to the iterator
	valOff     uint32 // value view into data
	valLen     uint32
	err        error
}

// Valid returns true if the iterator denotes an entry.
func (i *BlockIter) Valid() bool { return i.current < i.restarts }

// Err exposes iterator errors, if any. A nil error on an invalid
// iterator means the block was exhausted, not corrupted.
func (i *BlockIter) Err() error { return i.err }

// Key returns the key of the current entry. The returned slice is only
// valid until the next cursor move.
func (i *BlockIter) Key() []byte {
	if !i.Valid() {
		panic("sstable: Key called on invalid iterator")
	}
	return i.key
}

// Value returns the value of the current entry as a view into the
// block contents. It remains valid until the block is released.
func (i *BlockIter) Value() []byte {
	if !i.Valid() {
		panic("sstable: Value called on invalid iterator")
	}
	return i.data[i.valOff : i.valOff+i.valLen]
}

// SeekToFirst positions the iterator at the first entry of the block.
func (i *BlockIter) SeekToFirst() {
	if i.err != nil || i.numRestarts == 0 {
		return
	}
	i.seekToRestartPoint(0)
	i.parseNextKey()
}

// SeekToLast positions the iterator at the last entry of the block.
func (i *BlockIter) SeekToLast() {
	if i.err != nil || i.numRestarts == 0 {
		return
	}
	i.seekToRestartPoint(i.numRestarts - 1)
	for i.parseNextKey() && i.nextEntryOffset() < i.restarts {
		// keep skipping
	}
}

// Seek positions the iterator at the first entry with a key >= target,
// leaving it invalid when no such entry exists.
func (i *BlockIter) Seek(target []byte) {
	if i.err != nil || i.numRestarts == 0 {
		return
	}

	// Binary search across the restart points for the last restart
	// point with a key < target. Restart point entries store their keys
	// in full, so they can be decoded without replaying the block.
	left, right := uint32(0), i.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		off := i.restartPoint(mid)
		shared, nonShared, _, keyOff, ok := decodeEntry(i.data, off, i.restarts)
		if !ok || shared != 0 {
			i.corruption()
			return
		}
		if i.cmp(i.data[keyOff:keyOff+nonShared], target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	// Scan linearly within the restart run for the first key >= target.
	i.seekToRestartPoint(left)
	for i.parseNextKey() {
		if i.cmp(i.key, target) >= 0 {
			return
		}
	}
}

// Next advances the iterator to the next entry. The iterator becomes
// invalid once the last entry is passed.
func (i *BlockIter) Next() {
	if !i.Valid() {
		panic("sstable: Next called on invalid iterator")
	}
	i.parseNextKey()
}

// Prev moves the iterator back to the previous entry. The block format
// keeps no backward pointers, so the previous entry is recovered by
// re-scanning forward from the closest restart point before the
// current one; the cost is bounded by the producer's restart interval.
func (i *BlockIter) Prev() {
	if !i.Valid() {
		panic("sstable: Prev called on invalid iterator")
	}

	original := i.current
	for i.restartPoint(i.restartIdx) >= original {
		if i.restartIdx == 0 {
			// already at the first entry
			i.current = i.restarts
			i.restartIdx = i.numRestarts
			return
		}
		i.restartIdx--
	}

	i.seekToRestartPoint(i.restartIdx)
	for i.parseNextKey() && i.nextEntryOffset() < original {
		// loop until the end of the decoded entry hits original
	}
}

// nextEntryOffset returns the offset just past the end of the current
// entry.
func (i *BlockIter) nextEntryOffset() uint32 { return i.valOff + i.valLen }

// more returns true if entries remain past the current position.
func (i *BlockIter) more() bool { return i.Valid() && i.nextEntryOffset() < i.restarts }

func (i *BlockIter) restartPoint(index uint32) uint32 {
	return binary.LittleEndian.Uint32(i.data[i.restarts+4*index:])
}

func (i *BlockIter) seekToRestartPoint(index uint32) {
	i.key = i.key[:0]
	i.restartIdx = index

	// parseNextKey picks up at the end of the current value, so park a
	// zero-length value at the restart offset
	i.valOff = i.restartPoint(index)
	i.valLen = 0
}

func (i *BlockIter) corruption() {
	i.current = i.restarts
	i.restartIdx = i.numRestarts
	i.key = i.key[:0]
	i.valOff, i.valLen = 0, 0
	i.err = fmt.Errorf("%w: bad entry in block", ErrCorrupted)
}

func (i *BlockIter) parseNextKey() bool {
	i.current = i.nextEntryOffset()
	if i.current >= i.restarts {
		// no more entries
		i.current = i.restarts
		i.restartIdx = i.numRestarts
		return false
	}

	shared, nonShared, valueLen, keyOff, ok := decodeEntry(i.data, i.current, i.restarts)
	if !ok || uint32(len(i.key)) < shared {
		i.corruption()
		return false
	}

	i.key = append(i.key[:shared], i.data[keyOff:keyOff+nonShared]...)
	i.valOff = keyOff + nonShared
	i.valLen = valueLen
	for i.restartIdx+1 < i.numRestarts && i.restartPoint(i.restartIdx+1) <= i.current {
		i.restartIdx++
	}
	return true
}
