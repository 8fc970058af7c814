//go:build unix

package adapter

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmstore/pkg/shm"
)

type AdapterTestSuite struct {
	suite.Suite
	ctx      context.Context
	observer *PrometheusObserver
	registry *prometheus.Registry
	dir      *shm.Directory
}

func (s *AdapterTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.observer = NewPrometheusObserver("")
	s.registry = prometheus.NewRegistry()
	s.Require().NoError(s.registry.Register(s.observer))

	config := shm.DefaultConfig()
	config.Dir = s.T().TempDir()
	config.LogLevel = shm.LogLevelNoPrint
	config.Observer = s.observer
	var err error
	s.dir, err = shm.NewDirectory(config)
	s.Require().NoError(err)
}

func (s *AdapterTestSuite) TearDownTest() {
	s.Require().NoError(s.dir.Close())
}

func (s *AdapterTestSuite) counter(storage, op, result string) float64 {
	m := &dto.Metric{}
	s.Require().NoError(s.observer.operations.WithLabelValues(storage, op, result).Write(m))
	return m.GetCounter().GetValue()
}

func (s *AdapterTestSuite) gauge(vec *prometheus.GaugeVec, storage string) float64 {
	m := &dto.Metric{}
	s.Require().NoError(vec.WithLabelValues(storage).Write(m))
	return m.GetGauge().GetValue()
}

func (s *AdapterTestSuite) TestPrometheusObserverCounts() {
	r := s.Require()
	st, err := s.dir.Create(s.ctx, "metrics", shm.WithCapacity(16<<10))
	r.NoError(err)
	r.NoError(st.Set(s.ctx, "a", 1))
	r.NoError(st.Set(s.ctx, "b", "two"))
	_, _, err = st.Get(s.ctx, "a")
	r.NoError(err)
	huge := make([]byte, 64<<10)
	rand.New(rand.NewSource(1)).Read(huge)
	r.ErrorIs(st.Set(s.ctx, "huge", huge), shm.ErrOutOfSpace)
	r.NoError(st.Lock())
	r.NoError(st.Unlock())

	r.Equal(float64(1), s.counter("metrics", "create", "ok"))
	r.Equal(float64(2), s.counter("metrics", "set", "ok"))
	r.Equal(float64(1), s.counter("metrics", "set", "out_of_space"))
	r.Equal(float64(1), s.counter("metrics", "get", "ok"))
	r.Equal(float64(2), s.gauge(s.observer.entries, "metrics"))
	r.Greater(s.gauge(s.observer.used, "metrics"), float64(0))
	r.Greater(s.gauge(s.observer.size, "metrics"), s.gauge(s.observer.used, "metrics"))

	families, err := s.registry.Gather()
	r.NoError(err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	r.True(names["shmstore_operations_total"])
	r.True(names["shmstore_lock_wait_seconds"])
	r.True(names["shmstore_entries"])

	s.observer.Forget("metrics")
	families, err = s.registry.Gather()
	r.NoError(err)
	for _, f := range families {
		r.Empty(f.GetMetric(), f.GetName())
	}
}

func (s *AdapterTestSuite) TestHealthChecks() {
	r := s.Require()
	st, err := s.dir.Create(s.ctx, "health")
	r.NoError(err)

	h := healthcheck.NewHandler()
	RegisterHealthChecks(h, 0, st)

	r.Equal(http.StatusOK, serve(h, "/live"))
	r.Equal(http.StatusOK, serve(h, "/ready"))

	_, err = s.dir.Destroy(s.ctx, "health")
	r.NoError(err)
	r.Equal(http.StatusOK, serve(h, "/live"))
	r.Equal(http.StatusServiceUnavailable, serve(h, "/ready"))
}

func (s *AdapterTestSuite) TestWithOTel() {
	config := WithOTel(shm.DefaultConfig(), metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	s.Require().NotNil(config.Meter)
	s.Require().NotNil(config.Tracer)

	config = WithOTel(shm.DefaultConfig(), nil, nil)
	s.Require().NotNil(config.Meter)
	s.Require().NotNil(config.Tracer)
}

func serve(h http.Handler, path string) int {
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, path, nil))
	return rw.Code
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
