package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// BlockSize is the minimum uncompressed size in bytes of each table block.
	// Default: 4KiB.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// Default: 16.
	BlockRestartInterval int

	// The compression codec to use.
	// Default: SnappyCompression.
	Compression Compression

	// Comparer determines the key order of the table.
	// Default: bytes.Compare.
	Comparer Compare
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 1 << 12
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.Comparer == nil {
		oo.Comparer = bytes.Compare
	}

	return &oo
}

// Writer instances can write a table.
type Writer struct {
	w io.Writer
	o *WriterOptions

	lastKey []byte // the last appended key
	blen    int    // the number of entries in the current block
	roffs   []int  // restart offsets in the current block
	offset  int64  // bytes written so far

	buf []byte // plain buffer
	cbf []byte // compression buffer
	tmp []byte // scratch buffer

	zenc *zstd.Encoder

	index []blockInfo
}

// NewWriter wraps a writer and returns a Writer.
func NewWriter(w io.Writer, o *WriterOptions) *Writer {
	return &Writer{
		w:   w,
		o:   o.norm(),
		tmp: make([]byte, 3*binary.MaxVarintLen32),
	}
}

// Append appends a key/value pair to the store. Keys must be appended
// in strictly ascending order.
func (w *Writer) Append(key, value []byte) error {
	if w.tmp == nil {
		return errClosed
	}

	if (w.blen != 0 || len(w.index) != 0) && w.o.Comparer(key, w.lastKey) <= 0 {
		return fmt.Errorf("sstable: attempted an out-of-order append, %q must be > %q", key, w.lastKey)
	}

	if len(w.buf) != 0 && len(w.buf)+len(key)+len(value)+3*binary.MaxVarintLen32 > w.o.BlockSize {
		if err := w.flush(); err != nil {
			return err
		}
	}

	shared := 0
	if w.blen%w.o.BlockRestartInterval == 0 { // new restart point?
		w.roffs = append(w.roffs, len(w.buf))
	} else {
		shared = sharedPrefixLen(w.lastKey, key)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(key)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, key[shared:]...)
	w.buf = append(w.buf, value...)

	w.blen++
	w.lastKey = append(w.lastKey[:0], key...)

	return nil
}

// Close closes the writer
func (w *Writer) Close() error {
	if w.tmp == nil {
		return errClosed
	}
	if err := w.flush(); err != nil {
		return err
	}

	indexOffset := w.offset
	if err := w.writeIndex(); err != nil {
		return err
	}

	if err := w.writeFooter(indexOffset); err != nil {
		return err
	}
	if w.zenc != nil {
		w.zenc.Close()
		w.zenc = nil
	}
	w.tmp = nil
	return nil
}

func (w *Writer) writeIndex() error {
	var prev int64

	for i, ent := range w.index {
		off := ent.Offset
		if i != 0 { // delta-encode offsets
			off -= prev
		}
		prev = ent.Offset

		n := binary.PutUvarint(w.tmp[0:], uint64(len(ent.MaxKey)))
		if err := w.writeRaw(w.tmp[:n]); err != nil {
			return err
		}
		if err := w.writeRaw(ent.MaxKey); err != nil {
			return err
		}

		n = binary.PutUvarint(w.tmp[0:], uint64(off))
		if err := w.writeRaw(w.tmp[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeFooter(indexOffset int64) error {
	binary.LittleEndian.PutUint64(w.tmp[0:], uint64(indexOffset))
	if err := w.writeRaw(w.tmp[:8]); err != nil {
		return err
	}
	if err := w.writeRaw(magic); err != nil {
		return err
	}
	return nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	return err
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}

	for _, o := range w.roffs {
		binary.LittleEndian.PutUint32(w.tmp, uint32(o))
		w.buf = append(w.buf, w.tmp[:4]...)
	}
	binary.LittleEndian.PutUint32(w.tmp, uint32(len(w.roffs)))
	w.buf = append(w.buf, w.tmp[:4]...)

	var block []byte
	switch w.o.Compression {
	case SnappyCompression:
		w.cbf = snappy.Encode(w.cbf[:cap(w.cbf)], w.buf)
		if len(w.cbf) < len(w.buf)-len(w.buf)/4 {
			block = append(w.cbf, blockSnappyCompression)
		} else {
			block = append(w.buf, blockNoCompression)
		}
	case ZstdCompression:
		if w.zenc == nil {
			zenc, err := zstd.NewWriter(nil)
			if err != nil {
				return err
			}
			w.zenc = zenc
		}
		w.cbf = w.zenc.EncodeAll(w.buf, w.cbf[:0])
		if len(w.cbf) < len(w.buf)-len(w.buf)/4 {
			block = append(w.cbf, blockZstdCompression)
		} else {
			block = append(w.buf, blockNoCompression)
		}
	default:
		block = append(w.buf, blockNoCompression)
	}

	binary.LittleEndian.PutUint64(w.tmp, xxhash.Sum64(block))
	block = append(block, w.tmp[:8]...)

	w.index = append(w.index, blockInfo{
		MaxKey: append([]byte(nil), w.lastKey...),
		Offset: w.offset,
	})
	w.buf = w.buf[:0]
	w.roffs = w.roffs[:0]
	w.blen = 0

	return w.writeRaw(block)
}

func sharedPrefixLen(a, b []byte) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
