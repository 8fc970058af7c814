package arena

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ArenaTestSuite struct {
	suite.Suite
	mem []byte
	a   *Arena
}

func (s *ArenaTestSuite) SetupTest() {
	s.mem = make([]byte, 4096)
	var err error
	s.a, err = Format(s.mem)
	s.Require().NoError(err)
}

func (s *ArenaTestSuite) stats() Stats {
	st, err := s.a.Stats()
	s.Require().NoError(err)
	return st
}

func (s *ArenaTestSuite) TestFormatLeavesOneFreeBlock() {
	r := s.Require()
	st := s.stats()
	r.Equal(uint64(4096), st.Size)
	r.Zero(st.Used)
	r.Zero(st.Blocks)
	r.Equal(uint64(1), st.FreeBlocks)
	r.Equal(uint64(4096-HeaderSize), st.Free)
	r.Equal(st.Free, st.LargestFree)
	r.NoError(s.a.Check())
}

func (s *ArenaTestSuite) TestFormatTooSmall() {
	_, err := Format(make([]byte, MinSize-1))
	s.Require().ErrorIs(err, ErrNoSpace)
}

func (s *ArenaTestSuite) TestAllocWriteRead() {
	r := s.Require()
	off, err := s.a.Alloc(13)
	r.NoError(err)
	r.Zero(off % 8)

	c, err := s.a.Cap(off)
	r.NoError(err)
	r.GreaterOrEqual(c, 13)

	buf, err := s.a.Bytes(off, 13)
	r.NoError(err)
	copy(buf, "hello, arena!")

	again, err := s.a.Bytes(off, 13)
	r.NoError(err)
	r.Equal("hello, arena!", string(again))

	_, err = s.a.Bytes(off, c+1)
	r.ErrorIs(err, ErrCorrupt)

	st := s.stats()
	r.Equal(uint64(1), st.Blocks)
	r.Equal(uint64(24), st.Used)
	r.NoError(s.a.Check())
}

func (s *ArenaTestSuite) TestAllocZeroUsesMinimumBlock() {
	r := s.Require()
	off, err := s.a.Alloc(0)
	r.NoError(err)
	c, err := s.a.Cap(off)
	r.NoError(err)
	r.Equal(minBlockSize-blockHeaderSize, c)
}

func (s *ArenaTestSuite) TestExhaustionLeavesStateIntact() {
	r := s.Require()
	var offs []uint64
	for {
		off, err := s.a.Alloc(100)
		if err != nil {
			r.ErrorIs(err, ErrNoSpace)
			break
		}
		offs = append(offs, off)
	}
	r.NotEmpty(offs)
	before := s.stats()

	_, err := s.a.Alloc(100)
	r.ErrorIs(err, ErrNoSpace)
	r.Equal(before, s.stats())
	r.NoError(s.a.Check())

	for _, off := range offs {
		r.NoError(s.a.Free(off))
	}
	st := s.stats()
	r.Zero(st.Used)
	r.Equal(uint64(1), st.FreeBlocks)
	r.NoError(s.a.Check())
}

func (s *ArenaTestSuite) TestFreeCoalescesBothNeighbours() {
	r := s.Require()
	a, err := s.a.Alloc(64)
	r.NoError(err)
	b, err := s.a.Alloc(64)
	r.NoError(err)
	c, err := s.a.Alloc(64)
	r.NoError(err)
	guard, err := s.a.Alloc(64)
	r.NoError(err)

	r.NoError(s.a.Free(a))
	r.NoError(s.a.Free(c))
	r.NoError(s.a.Check())
	r.Equal(uint64(3), s.stats().FreeBlocks)

	// freeing b joins a, b and c into one block
	r.NoError(s.a.Free(b))
	r.NoError(s.a.Check())
	r.Equal(uint64(2), s.stats().FreeBlocks)

	r.NoError(s.a.Free(guard))
	st := s.stats()
	r.Equal(uint64(1), st.FreeBlocks)
	r.Equal(uint64(4096-HeaderSize), st.LargestFree)
}

func (s *ArenaTestSuite) TestFreedSpaceIsReused() {
	r := s.Require()
	big, err := s.a.Alloc(3000)
	r.NoError(err)
	_, err = s.a.Alloc(3000)
	r.ErrorIs(err, ErrNoSpace)

	r.NoError(s.a.Free(big))
	again, err := s.a.Alloc(3000)
	r.NoError(err)
	r.Equal(big, again)
}

func (s *ArenaTestSuite) TestInvalidFree() {
	r := s.Require()
	off, err := s.a.Alloc(32)
	r.NoError(err)

	r.ErrorIs(s.a.Free(0), ErrCorrupt)
	r.ErrorIs(s.a.Free(off+1), ErrCorrupt)
	r.ErrorIs(s.a.Free(1<<40), ErrCorrupt)

	r.NoError(s.a.Free(off))
	r.ErrorIs(s.a.Free(off), ErrCorrupt)
	_, err = s.a.Cap(off)
	r.ErrorIs(err, ErrCorrupt)
	r.NoError(s.a.Check())
}

func (s *ArenaTestSuite) TestShrinkReturnsTail() {
	r := s.Require()
	off, err := s.a.Alloc(512)
	r.NoError(err)
	used := s.stats().Used

	r.NoError(s.a.Shrink(off, 16))
	c, err := s.a.Cap(off)
	r.NoError(err)
	r.Equal(16, c)
	r.Less(s.stats().Used, used)
	r.NoError(s.a.Check())

	// too small a tail to split is a no-op
	r.NoError(s.a.Shrink(off, 12))
	c, err = s.a.Cap(off)
	r.NoError(err)
	r.Equal(16, c)

	r.NoError(s.a.Free(off))
	r.Equal(uint64(1), s.stats().FreeBlocks)
}

func (s *ArenaTestSuite) TestResetReclaimsEverything() {
	r := s.Require()
	for i := 0; i < 20; i++ {
		_, err := s.a.Alloc(40)
		r.NoError(err)
	}
	s.a.Reset()
	st := s.stats()
	r.Zero(st.Used)
	r.Zero(st.Blocks)
	r.Equal(uint64(4096-HeaderSize), st.Free)
	r.NoError(s.a.Check())
}

func (s *ArenaTestSuite) TestOpenSeesFormattedState() {
	r := s.Require()
	off, err := s.a.Alloc(100)
	r.NoError(err)

	other, err := Open(s.mem)
	r.NoError(err)
	c, err := other.Cap(off)
	r.NoError(err)
	r.GreaterOrEqual(c, 100)
	r.NoError(other.Free(off))
	_, err = s.a.Cap(off)
	r.ErrorIs(err, ErrCorrupt)
}

func (s *ArenaTestSuite) TestCheckDetectsDamage() {
	r := s.Require()
	off, err := s.a.Alloc(100)
	r.NoError(err)
	// clobber the block header
	s.a.setWord(off-blockHeaderSize, 3)
	r.ErrorIs(s.a.Check(), ErrCorrupt)
}

func (s *ArenaTestSuite) TestRandomWorkloadKeepsInvariants() {
	r := s.Require()
	type block struct {
		n    int
		fill byte
	}
	rng := rand.New(rand.NewSource(7))
	live := map[uint64]block{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for off := range live {
				r.NoError(s.a.Free(off))
				delete(live, off)
				break
			}
			continue
		}
		n := rng.Intn(120)
		off, err := s.a.Alloc(n)
		if err != nil {
			r.ErrorIs(err, ErrNoSpace)
			continue
		}
		fill := byte(rng.Intn(256))
		buf, err := s.a.Bytes(off, n)
		r.NoError(err)
		for j := range buf {
			buf[j] = fill
		}
		live[off] = block{n: n, fill: fill}
	}
	r.NoError(s.a.Check())
	r.Equal(uint64(len(live)), s.stats().Blocks)
	for off, b := range live {
		buf, err := s.a.Bytes(off, b.n)
		r.NoError(err)
		for _, c := range buf {
			r.Equal(b.fill, c)
		}
	}
}

func TestArenaTestSuite(t *testing.T) {
	suite.Run(t, new(ArenaTestSuite))
}
