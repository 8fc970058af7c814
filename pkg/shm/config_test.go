package shm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	config := DefaultConfig()
	s.Require().Nil(VerifyConfig(config))

	config.DefaultCapacity = 1
	err := VerifyConfig(config)
	s.Require().ErrorIs(err, ErrInvalidConfig)
	s.Require().ErrorIs(err, ErrInvalidCapacity)
	config.DefaultCapacity = MaxCapacity + 1
	s.Require().NotNil(VerifyConfig(config))
	config.DefaultCapacity = 1 << 20

	config.CompressThreshold = -1
	s.Require().NotNil(VerifyConfig(config))
	config.CompressThreshold = 0

	config.LockPollInterval = -time.Second
	s.Require().NotNil(VerifyConfig(config))
	config.LockPollInterval = 0

	config.LogLevel = LogLevelNoPrint + 1
	s.Require().NotNil(VerifyConfig(config))
	config.LogLevel = LogLevelError

	s.Require().Nil(VerifyConfig(config))
	s.Require().NotNil(VerifyConfig(nil))
}

func (s *ConfigTestSuite) TestNewDirectoryRejectsBadConfig() {
	config := DefaultConfig()
	config.DefaultCapacity = 100
	d, err := NewDirectory(config)
	s.Require().ErrorIs(err, ErrInvalidConfig)
	s.Require().Nil(d)
}

func (s *ConfigTestSuite) TestNewDirectoryCopiesConfig() {
	config := DefaultConfig()
	config.Dir = s.T().TempDir()
	d, err := NewDirectory(config)
	s.Require().NoError(err)
	config.Dir = "/elsewhere"
	s.Require().NotEqual("/elsewhere", d.Dir())
	s.Require().NoError(d.Close())
}

func (s *ConfigTestSuite) TestLayout() {
	r := s.Require()
	l, err := layoutFor(DefaultCapacity)
	r.NoError(err)
	r.Equal(2048, l.buckets)
	r.Equal(uint64(headerSize), l.indexOff)
	r.Zero(l.arenaOff % 8)
	r.LessOrEqual(l.arenaOff+l.arenaSize, uint64(DefaultCapacity))

	l, err = layoutFor(MinCapacity)
	r.NoError(err)
	r.Equal(16, l.buckets)
	r.Greater(l.arenaSize, uint64(3000))

	_, err = layoutFor(MinCapacity - 1)
	r.ErrorIs(err, ErrInvalidCapacity)
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
