package sstable_test

import (
	"bytes"
	"fmt"

	"github.com/bsm/sstable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/types"
)

var _ = Describe("Reader", func() {
	var subject *sstable.Reader

	HavePos := func(n int) types.GomegaMatcher {
		return WithTransform(func(x interface{ Pos() int }) int {
			return x.Pos()
		}, Equal(n))
	}

	// The following will seed 100 keys into 4 blocks:
	//
	// B0: 000..116
	// B1: 120..236
	// B2: 240..356
	// B3: 360..396
	//
	BeforeEach(func() {
		var err error
		subject, err = seedReader(100)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should init", func() {
		Expect(subject.NumBlocks()).To(Equal(4))

		tr10k, err := seedReader(10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(tr10k.NumBlocks()).To(Equal(334))
	})

	It("should init empty tables", func() {
		buf := new(bytes.Buffer)
		Expect(sstable.NewWriter(buf, nil).Close()).To(Succeed())

		empty, err := sstable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty.NumBlocks()).To(Equal(0))

		_, err = empty.Get(numKey(0))
		Expect(err).To(MatchError(sstable.ErrNotFound))
	})

	It("should reject tables that are too small", func() {
		_, err := sstable.NewReader(bytes.NewReader([]byte("tiny")), 4, nil)
		Expect(err).To(MatchError(sstable.ErrCorrupted))
	})

	It("should reject bad magic", func() {
		data := bytes.Repeat([]byte{'x'}, 64)
		_, err := sstable.NewReader(bytes.NewReader(data), 64, nil)
		Expect(err).To(MatchError("sstable: bad magic byte sequence"))
	})

	It("should Get/Append", func() {
		for i := 0; i <= 396; i += 4 {
			sfx := fmt.Sprintf("%08d", i)
			Expect(subject.Get(numKey(i))).To(HaveSuffix(sfx), "for %d", i)
		}

		_, err := subject.Get(numKey(1))
		Expect(err).To(MatchError(sstable.ErrNotFound))
		_, err = subject.Get(numKey(395))
		Expect(err).To(MatchError(sstable.ErrNotFound))
		_, err = subject.Get(numKey(400))
		Expect(err).To(MatchError(sstable.ErrNotFound))
	})

	It("should retrieve blocks", func() {
		b0, err := subject.GetBlock(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(b0.Pos()).To(Equal(0))

		b1, err := subject.GetBlock(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b1.Pos()).To(Equal(1))

		b0, err = subject.GetBlock(-1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b0.Pos()).To(Equal(0))

		bx, err := subject.GetBlock(99)
		Expect(err).NotTo(HaveOccurred())
		Expect(bx.Pos()).To(Equal(4))
	})

	It("should seek blocks", func() {
		Expect(subject.SeekBlock(numKey(50))).To(HavePos(0))
		Expect(subject.SeekBlock(numKey(116))).To(HavePos(0))
		Expect(subject.SeekBlock(numKey(117))).To(HavePos(1))
		Expect(subject.SeekBlock(numKey(236))).To(HavePos(1))
		Expect(subject.SeekBlock(numKey(356))).To(HavePos(2))
		Expect(subject.SeekBlock(numKey(357))).To(HavePos(3))
		Expect(subject.SeekBlock(numKey(396))).To(HavePos(3))
		Expect(subject.SeekBlock(numKey(397))).To(HavePos(4))
		Expect(subject.SeekBlock(numKey(10000))).To(HavePos(4))
	})

	It("should detect corrupted blocks", func() {
		buf := new(bytes.Buffer)
		Expect(seedTable(buf, 100)).To(Succeed())

		data := buf.Bytes()
		data[100] ^= 1 // inside the first block

		read, err := sstable.NewReader(bytes.NewReader(data), int64(len(data)), nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = read.GetBlock(0)
		Expect(err).To(MatchError(sstable.ErrCorrupted))
	})

	Describe("Block", func() {
		var block *sstable.Block

		// B1 holds keys 120..236 with two restart runs
		BeforeEach(func() {
			var err error
			block, err = subject.GetBlock(1)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			block.Release()
		})

		It("should have pos", func() {
			Expect(block.Pos()).To(Equal(1))
		})

		It("should have restart points", func() {
			Expect(block.NumRestarts()).To(Equal(2))
		})

		It("should iterate", func() {
			iter := block.NewIterator(nil)

			iter.SeekToFirst()
			Expect(iter.Valid()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(120)))

			iter.SeekToLast()
			Expect(iter.Valid()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(236)))

			iter.Seek(numKey(130))
			Expect(iter.Valid()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(132)))

			iter.Prev()
			Expect(iter.Valid()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(128)))

			Expect(iter.Err()).NotTo(HaveOccurred())
		})
	})

	Describe("Iterator", func() {
		It("should iterate from beginning", func() {
			iter, err := subject.Seek(numKey(0))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.More()).To(BeTrue())
			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(0)))
			Expect(iter.Value()).To(HaveSuffix("00000000"))

			Expect(iter.More()).To(BeTrue())
			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(4)))
			Expect(iter.Value()).To(HaveSuffix("00000004"))

			for i := 0; i < 97; i++ {
				Expect(iter.More()).To(BeTrue())
				Expect(iter.Next()).To(BeTrue())
			}

			Expect(iter.More()).To(BeTrue())
			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(396)))
			Expect(iter.Value()).To(HaveSuffix("00000396"))

			Expect(iter.More()).To(BeFalse())
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should iterate from middle", func() {
			iter, err := subject.Seek(numKey(200))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(200)))
		})

		It("should iterate across block boundaries", func() {
			iter, err := subject.Seek(numKey(116))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(116)))

			Expect(iter.More()).To(BeTrue())
			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(120)))
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should iterate from last entry", func() {
			iter, err := subject.Seek(numKey(396))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.More()).To(BeTrue())
			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Key()).To(Equal(numKey(396)))
			Expect(iter.Value()).To(HaveSuffix("00000396"))

			Expect(iter.More()).To(BeFalse())
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should not iterate when past the end", func() {
			iter, err := subject.Seek(numKey(2000))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.More()).To(BeFalse())
			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})
	})

	Describe("compression codecs", func() {
		seedWith := func(c sstable.Compression) *sstable.Reader {
			buf := new(bytes.Buffer)
			twr := sstable.NewWriter(buf, &sstable.WriterOptions{Compression: c})
			for i := 0; i < 300; i++ {
				Expect(twr.Append(numKey(i), []byte(fmt.Sprintf("val.%08d", i)))).To(Succeed())
			}
			Expect(twr.Close()).To(Succeed())

			read, err := sstable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
			Expect(err).NotTo(HaveOccurred())
			return read
		}

		verify := func(read *sstable.Reader) {
			Expect(read.Get(numKey(0))).To(Equal([]byte("val.00000000")))
			Expect(read.Get(numKey(299))).To(Equal([]byte("val.00000299")))

			iter, err := read.Seek(numKey(0))
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			n := 0
			for iter.Next() {
				Expect(iter.Key()).To(Equal(numKey(n)))
				n++
			}
			Expect(iter.Err()).NotTo(HaveOccurred())
			Expect(n).To(Equal(300))
		}

		It("should round-trip snappy", func() {
			verify(seedWith(sstable.SnappyCompression))
		})

		It("should round-trip zstd", func() {
			verify(seedWith(sstable.ZstdCompression))
		})

		It("should round-trip plain", func() {
			verify(seedWith(sstable.NoCompression))
		})
	})
})
