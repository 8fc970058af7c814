//go:build unix

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmstore/adapter"
	"github.com/srediag/shmstore/pkg/shm"
)

type AppTestSuite struct {
	suite.Suite
	dir string
	out bytes.Buffer
}

func (s *AppTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.out.Reset()
}

func (s *AppTestSuite) run(args ...string) error {
	s.out.Reset()
	app := newApp()
	app.Writer = &s.out
	app.ErrWriter = io.Discard
	return app.Run(append([]string{"shmstore", "--dir", s.dir, "--log-level", "5"}, args...))
}

func (s *AppTestSuite) output(args ...string) string {
	s.Require().NoError(s.run(args...), strings.Join(args, " "))
	return strings.TrimSpace(s.out.String())
}

func (s *AppTestSuite) TestDataCommands() {
	r := s.Require()
	r.Contains(s.output("create", "--capacity", "65536", "cli"), "created cli (65536 bytes)")
	r.ErrorIs(s.run("create", "cli"), shm.ErrNameAlreadyExists)

	s.output("set", "cli", "greeting", "hello")
	s.output("set", "--type", "number", "cli", "answer", "42")
	s.output("set", "--type", "json", "--label", "json", "cli", "doc", `{"a":[1,true,null]}`)
	s.output("set", "--type", "bytes", "cli", "raw", "00ff")
	s.output("set", "--type", "null", "cli", "nothing")

	r.Equal(`"hello"`, s.output("get", "cli", "greeting"))
	r.Equal("42", s.output("get", "cli", "answer"))
	r.Equal(`{"a": [1, true, null]} (json)`, s.output("get", "cli", "doc"))
	r.Equal(`{"a":[1,true,null]}`, s.output("get", "--json", "cli", "doc"))
	r.Equal("0x00ff", s.output("get", "cli", "raw"))
	r.Equal("null", s.output("get", "cli", "nothing"))
	r.ErrorIs(s.run("get", "cli", "missing"), shm.ErrNotFound)

	r.Equal("answer\ndoc\ngreeting\nnothing\nraw", s.output("keys", "cli"))
	s.output("rm", "cli", "answer", "raw")
	r.Equal("doc\ngreeting\nnothing", s.output("keys", "cli"))

	stat := s.output("stat", "cli")
	r.Contains(stat, "entries:     3")
	r.Contains(stat, "lock:        free")
	r.Equal("ok", s.output("verify", "cli"))
	r.Contains(s.output("inspect", "cli"), `magic:"SHMSTOR\x00"`)

	s.output("clear", "cli")
	r.Empty(s.output("keys", "cli"))

	r.Equal("destroyed cli", s.output("destroy", "cli"))
	r.ErrorIs(s.run("destroy", "cli"), shm.ErrNotFound)
	r.ErrorIs(s.run("keys", "cli"), shm.ErrNotFound)
}

func (s *AppTestSuite) TestBadInput() {
	r := s.Require()
	s.output("create", "bad")
	r.Error(s.run("set", "--type", "number", "bad", "k", "forty"))
	r.Error(s.run("set", "--type", "nope", "bad", "k", "v"))
	r.Error(s.run("set", "bad"))
	r.Error(s.run("get", "bad"))
	r.Error(s.run("create"))
	r.ErrorIs(s.run("create", "--capacity", "100", "tiny"), shm.ErrInvalidCapacity)
}

func (s *AppTestSuite) TestBench() {
	s.output("create", "bench")
	out := s.output("bench", "--workers", "4", "--rounds", "25", "bench")
	s.Require().Contains(out, "100 increments")
	s.Require().Contains(out, "counter 0 -> 100")
}

func (s *AppTestSuite) TestConfigFile() {
	r := s.Require()
	path := filepath.Join(s.T().TempDir(), "shmstore.yaml")
	r.NoError(os.WriteFile(path, []byte("default_capacity: 8192\ncheck_free_space: false\n"), 0o644))

	s.out.Reset()
	app := newApp()
	app.Writer = &s.out
	r.NoError(app.Run([]string{"shmstore", "--config", path, "--dir", s.dir, "--log-level", "5", "create", "small"}))
	r.Contains(s.out.String(), "(8192 bytes)")
}

func (s *AppTestSuite) TestConfigCommand() {
	r := s.Require()
	path := filepath.Join(s.T().TempDir(), "shmstore.yaml")
	r.NoError(os.WriteFile(path, []byte("default_capacity: 8192\nserve:\n  address: 127.0.0.1:9000\n"), 0o644))
	s.T().Setenv("SHMSTORE_COMPRESS_THRESHOLD", "99")
	s.T().Setenv("SHMSTORE_SERVE__CHECK_TIMEOUT", "3s")

	r.NoError(s.run("--config", path, "config"))
	out := s.out.String()
	r.Contains(out, "default_capacity: 8192\n")
	r.Contains(out, "compress_threshold: 99\n")
	r.Contains(out, "serve.address: 127.0.0.1:9000\n")
	r.Contains(out, "serve.check_timeout: 3s\n")
	r.Contains(out, "check_free_space: true\n")

	r.NoError(s.run("--config", path, "config", "serve.address"))
	r.Equal("serve.address: 127.0.0.1:9000", strings.TrimSpace(s.out.String()))
	r.Error(s.run("config", "no_such_key"))
}

func (s *AppTestSuite) TestServeHandler() {
	r := s.Require()
	ctx := context.Background()
	observer := adapter.NewPrometheusObserver("")
	config := shm.DefaultConfig()
	config.Dir = s.dir
	config.LogLevel = shm.LogLevelNoPrint
	config.Observer = observer
	d, err := shm.NewDirectory(config)
	r.NoError(err)
	defer d.Close()
	st, err := d.Create(ctx, "served")
	r.NoError(err)
	r.NoError(st.Set(ctx, "k", 1))

	h, err := newServeHandler(observer, time.Second, []*shm.Storage{st})
	r.NoError(err)
	refreshUsage(ctx, observer, []*shm.Storage{st}, 0)

	get := func(path string) (int, string) {
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, path, nil))
		return rw.Code, rw.Body.String()
	}
	code, _ := get("/live")
	r.Equal(http.StatusOK, code)
	code, _ = get("/ready")
	r.Equal(http.StatusOK, code)
	code, body := get("/metrics")
	r.Equal(http.StatusOK, code)
	r.Contains(body, `shmstore_operations_total{op="set",result="ok",storage="served"} 1`)
	r.Contains(body, `shmstore_entries{storage="served"} 1`)
	r.Contains(body, "shmstore_healthcheck_status")

	_, err = d.Destroy(ctx, "served")
	r.NoError(err)
	code, _ = get("/ready")
	r.Equal(http.StatusServiceUnavailable, code)
}

func TestAppTestSuite(t *testing.T) {
	suite.Run(t, new(AppTestSuite))
}
