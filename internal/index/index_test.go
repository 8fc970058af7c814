package index

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmstore/internal/arena"
)

type IndexTestSuite struct {
	suite.Suite
	area  []byte
	heap  []byte
	arena *arena.Arena
	idx   *Index
}

func (s *IndexTestSuite) SetupTest() {
	s.format(MinBuckets, 8192)
}

func (s *IndexTestSuite) format(buckets, arenaSize int) {
	r := s.Require()
	s.area = make([]byte, AreaSize(buckets))
	s.heap = make([]byte, arenaSize)
	var err error
	s.arena, err = arena.Format(s.heap)
	r.NoError(err)
	s.idx, err = Format(s.area, buckets, s.arena)
	r.NoError(err)
}

func (s *IndexTestSuite) get(key string) (string, string, bool) {
	e, ok, err := s.idx.Get(key)
	s.Require().NoError(err)
	return string(e.Label), string(e.Value), ok
}

func (s *IndexTestSuite) TestPutGet() {
	r := s.Require()
	r.NoError(s.idx.Put("alpha", nil, []byte("one")))
	r.NoError(s.idx.Put("beta", []byte("tag"), []byte("two")))
	r.Equal(uint64(2), s.idx.Len())

	label, value, ok := s.get("alpha")
	r.True(ok)
	r.Empty(label)
	r.Equal("one", value)

	label, value, ok = s.get("beta")
	r.True(ok)
	r.Equal("tag", label)
	r.Equal("two", value)

	_, _, ok = s.get("gamma")
	r.False(ok)
	r.NoError(s.idx.Check())
}

func (s *IndexTestSuite) TestEmptyKeyAndValue() {
	r := s.Require()
	r.NoError(s.idx.Put("", nil, nil))
	_, value, ok := s.get("")
	r.True(ok)
	r.Empty(value)
}

func (s *IndexTestSuite) TestOverwriteInPlaceAndRelocated() {
	r := s.Require()
	r.NoError(s.idx.Put("k", nil, []byte(strings.Repeat("x", 64))))
	used := s.arenaStats().Used

	// smaller value stays in place and gives space back
	r.NoError(s.idx.Put("k", nil, []byte("y")))
	_, value, _ := s.get("k")
	r.Equal("y", value)
	r.Less(s.arenaStats().Used, used)

	// larger value moves to a new block
	big := strings.Repeat("z", 300)
	r.NoError(s.idx.Put("k", []byte("l"), []byte(big)))
	label, value, _ := s.get("k")
	r.Equal("l", label)
	r.Equal(big, value)
	r.Equal(uint64(1), s.idx.Len())
	r.Equal(uint64(1), s.arenaStats().Blocks)
	r.NoError(s.idx.Check())
}

func (s *IndexTestSuite) TestCollisionsShareChains() {
	r := s.Require()
	const n = 200
	for i := 0; i < n; i++ {
		r.NoError(s.idx.Put(fmt.Sprintf("key-%d", i), nil, []byte(fmt.Sprint(i))))
	}
	r.Equal(uint64(n), s.idx.Len())
	r.NoError(s.idx.Check())

	for i := 0; i < n; i += 2 {
		ok, err := s.idx.Delete(fmt.Sprintf("key-%d", i))
		r.NoError(err)
		r.True(ok)
	}
	r.Equal(uint64(n/2), s.idx.Len())
	for i := 0; i < n; i++ {
		_, value, ok := s.get(fmt.Sprintf("key-%d", i))
		r.Equal(i%2 == 1, ok, "key-%d", i)
		if ok {
			r.Equal(fmt.Sprint(i), value)
		}
	}
	r.NoError(s.idx.Check())
}

func (s *IndexTestSuite) TestDeleteAbsent() {
	ok, err := s.idx.Delete("nothing")
	s.Require().NoError(err)
	s.Require().False(ok)
}

func (s *IndexTestSuite) TestOutOfSpaceLeavesStateIntact() {
	r := s.Require()
	s.format(MinBuckets, 512)
	r.NoError(s.idx.Put("a", nil, []byte("small")))
	before := s.arenaStats()

	err := s.idx.Put("b", nil, make([]byte, 1024))
	r.ErrorIs(err, arena.ErrNoSpace)

	// an overwrite that needs to relocate must also fail cleanly
	err = s.idx.Put("a", nil, make([]byte, 1024))
	r.ErrorIs(err, arena.ErrNoSpace)

	r.Equal(before, s.arenaStats())
	_, value, ok := s.get("a")
	r.True(ok)
	r.Equal("small", value)
	_, _, ok = s.get("b")
	r.False(ok)
}

func (s *IndexTestSuite) TestResetReclaims() {
	r := s.Require()
	for i := 0; i < 50; i++ {
		r.NoError(s.idx.Put(fmt.Sprint(i), nil, []byte("v")))
	}
	s.idx.Reset()
	r.Zero(s.idx.Len())
	r.Zero(s.arenaStats().Used)
	keys, err := s.idx.Keys()
	r.NoError(err)
	r.Empty(keys)
}

func (s *IndexTestSuite) TestKeysAndWalk() {
	r := s.Require()
	want := []string{"a", "b", "c", "d"}
	for _, k := range want {
		r.NoError(s.idx.Put(k, []byte("L"+k), []byte("V"+k)))
	}
	keys, err := s.idx.Keys()
	r.NoError(err)
	sort.Strings(keys)
	r.Equal(want, keys)

	seen := map[string]string{}
	r.NoError(s.idx.Walk(func(e Entry) error {
		seen[e.Key] = string(e.Label) + string(e.Value)
		return nil
	}))
	r.Equal("LcVc", seen["c"])
}

func (s *IndexTestSuite) TestOpenSharesTable() {
	r := s.Require()
	r.NoError(s.idx.Put("shared", nil, []byte("yes")))

	a2, err := arena.Open(s.heap)
	r.NoError(err)
	other, err := Open(s.area, a2)
	r.NoError(err)
	e, ok, err := other.Get("shared")
	r.NoError(err)
	r.True(ok)
	r.Equal("yes", string(e.Value))
	r.Equal(MinBuckets, other.Buckets())
}

func (s *IndexTestSuite) TestCorruptChainDetected() {
	r := s.Require()
	r.NoError(s.idx.Put("victim", nil, []byte("v")))
	// point the bucket at garbage
	hash := s.idx.bucketOffset(hashOf("victim"))
	s.idx.setWord(hash, 12345)

	_, _, err := s.idx.Get("victim")
	r.ErrorIs(err, ErrCorrupt)
	r.ErrorIs(s.idx.Check(), ErrCorrupt)
}

func (s *IndexTestSuite) TestCycleDetected() {
	r := s.Require()
	r.NoError(s.idx.Put("loop", nil, []byte("v")))
	head := s.idx.bucketOffset(hashOf("loop"))
	off := s.idx.word(head)
	rec, err := s.arena.Bytes(off, recordHeaderSize)
	r.NoError(err)
	putU64(rec, recNextOffset, off)

	_, _, err = s.idx.Get("absent-but-same-bucket")
	if err == nil {
		// different bucket; walk everything instead
		err = s.idx.Check()
	}
	r.ErrorIs(err, ErrCorrupt)
}

func hashOf(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (s *IndexTestSuite) arenaStats() arena.Stats {
	st, err := s.arena.Stats()
	s.Require().NoError(err)
	return st
}

func TestIndexTestSuite(t *testing.T) {
	suite.Run(t, new(IndexTestSuite))
}

func TestBucketsFor(t *testing.T) {
	tests := []struct {
		capacity uint64
		want     int
	}{
		{0, MinBuckets},
		{4096, MinBuckets},
		{1 << 20, 2048},
		{1<<20 + 1, 2048},
		{3 << 20, 8192},
		{1 << 40, MaxBuckets},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, BucketsFor(tt.capacity), "capacity %d", tt.capacity)
	}
}

func TestFormatRejectsBadBuckets(t *testing.T) {
	a, err := arena.Format(make([]byte, 1024))
	require.NoError(t, err)
	_, err = Format(make([]byte, AreaSize(16)), 12, a)
	require.Error(t, err)
	_, err = Format(make([]byte, 8), 16, a)
	require.Error(t, err)
}
