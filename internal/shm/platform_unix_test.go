//go:build unix

package shm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type RegionTestSuite struct {
	suite.Suite
	dir string
	ctx context.Context
}

func (s *RegionTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
}

func (s *RegionTestSuite) TestCreateAndOpenShareMemory() {
	r := s.Require()
	created, err := CreateRegion(s.ctx, MapOptions{Name: "shared", Dir: s.dir, Size: 4096}, func(mem []byte) error {
		copy(mem, "hello")
		return nil
	})
	r.NoError(err)
	defer func() { _ = UnmapRegion(s.ctx, created) }()
	r.Equal(4096, created.Size())
	r.Equal(RegionPath(s.dir, "shared"), created.Path)

	opened, err := OpenRegion(s.ctx, MapOptions{Name: "shared", Dir: s.dir})
	r.NoError(err)
	defer func() { _ = UnmapRegion(s.ctx, opened) }()
	r.Equal("hello", string(opened.Addr[:5]))

	opened.Addr[100] = 42
	r.Equal(byte(42), created.Addr[100])
}

func (s *RegionTestSuite) TestCreateLeavesNoTemporaryFiles() {
	r := s.Require()
	region, err := CreateRegion(s.ctx, MapOptions{Name: "tidy", Dir: s.dir, Size: 4096}, nil)
	r.NoError(err)
	defer func() { _ = UnmapRegion(s.ctx, region) }()

	entries, err := os.ReadDir(s.dir)
	r.NoError(err)
	r.Len(entries, 1)
	r.Equal(FilePrefix+"tidy", entries[0].Name())
}

func (s *RegionTestSuite) TestSweepTemporaries() {
	r := s.Require()
	// pids above the kernel's pid_max ceiling never belong to a process
	dead := filepath.Join(s.dir, tempPrefix("swept")+"4194305.1")
	live := filepath.Join(s.dir, tempPrefix("swept")+strconv.Itoa(os.Getpid())+".7")
	longer := filepath.Join(s.dir, tempPrefix("swept.1")+"4194305.1")
	other := filepath.Join(s.dir, tempPrefix("other")+"4194305.1")
	for _, path := range []string{dead, live, longer, other} {
		r.NoError(os.WriteFile(path, []byte("x"), 0o600))
	}

	n, err := SweepTemporaries(s.ctx, s.dir, "swept")
	r.NoError(err)
	r.Equal(1, n)
	r.NoFileExists(dead)
	r.FileExists(live)
	r.FileExists(longer)
	r.FileExists(other)

	n, err = SweepTemporaries(s.ctx, s.dir, "swept")
	r.NoError(err)
	r.Zero(n)
}

func (s *RegionTestSuite) TestCreateExisting() {
	r := s.Require()
	first, err := CreateRegion(s.ctx, MapOptions{Name: "dup", Dir: s.dir, Size: 4096}, nil)
	r.NoError(err)
	defer func() { _ = UnmapRegion(s.ctx, first) }()

	_, err = CreateRegion(s.ctx, MapOptions{Name: "dup", Dir: s.dir, Size: 4096}, nil)
	r.ErrorIs(err, ErrExist)
}

func (s *RegionTestSuite) TestConcurrentCreateHasOneWinner() {
	r := s.Require()
	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*MappedRegion
		losers  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			region, err := CreateRegion(s.ctx, MapOptions{Name: "race", Dir: s.dir, Size: 4096}, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, region)
				return
			}
			if errors.Is(err, ErrExist) {
				losers++
			}
		}()
	}
	wg.Wait()
	r.Len(winners, 1)
	r.Equal(racers-1, losers)
	_ = UnmapRegion(s.ctx, winners[0])
}

func (s *RegionTestSuite) TestInitFailureDoesNotPublish() {
	r := s.Require()
	boom := errors.New("boom")
	_, err := CreateRegion(s.ctx, MapOptions{Name: "failed", Dir: s.dir, Size: 4096}, func([]byte) error {
		return boom
	})
	r.ErrorIs(err, boom)
	r.False(Exists(s.dir, "failed"))
}

func (s *RegionTestSuite) TestOpenMissing() {
	_, err := OpenRegion(s.ctx, MapOptions{Name: "missing", Dir: s.dir})
	s.Require().ErrorIs(err, ErrNotExist)
}

func (s *RegionTestSuite) TestOpenTooSmall() {
	r := s.Require()
	r.NoError(os.WriteFile(filepath.Join(s.dir, FilePrefix+"tiny"), []byte("x"), 0o600))
	_, err := OpenRegion(s.ctx, MapOptions{Name: "tiny", Dir: s.dir, MinSize: 128})
	r.Error(err)
}

func (s *RegionTestSuite) TestRemoveChecksIdentity() {
	r := s.Require()
	old, err := CreateRegion(s.ctx, MapOptions{Name: "reused", Dir: s.dir, Size: 4096}, nil)
	r.NoError(err)
	defer func() { _ = UnmapRegion(s.ctx, old) }()
	r.NoError(RemoveRegion(s.ctx, old))
	r.False(Exists(s.dir, "reused"))

	fresh, err := CreateRegion(s.ctx, MapOptions{Name: "reused", Dir: s.dir, Size: 4096}, nil)
	r.NoError(err)
	defer func() { _ = UnmapRegion(s.ctx, fresh) }()

	// the stale handle must not unlink the new region
	r.ErrorIs(RemoveRegion(s.ctx, old), ErrNotExist)
	r.True(Exists(s.dir, "reused"))
}

func (s *RegionTestSuite) TestInvalidNames() {
	r := s.Require()
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00", string(make([]byte, MaxNameLen+1))} {
		_, err := CreateRegion(s.ctx, MapOptions{Name: name, Dir: s.dir, Size: 4096}, nil)
		r.ErrorIs(err, ErrInvalidName, "name %q", name)
	}
}

func (s *RegionTestSuite) TestFreeSpace() {
	free, err := FreeSpace(s.dir)
	s.Require().NoError(err)
	s.Require().Greater(free, uint64(0))
	s.Require().True(CanCreate(s.dir, 4096))
}

func TestRegionTestSuite(t *testing.T) {
	suite.Run(t, new(RegionTestSuite))
}
