package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/srediag/shmstore/adapter"
	"github.com/srediag/shmstore/api"
	"github.com/srediag/shmstore/pkg/shm"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "serve /live, /ready and /metrics for the named storages",
		ArgsUsage: "NAME...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "listen address"},
			&cli.DurationFlag{Name: "refresh", Value: 10 * time.Second, Usage: "usage gauge refresh interval"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("usage: serve NAME...")
			}
			s := settingsFrom(c)
			addr := s.Serve.Address
			if c.IsSet("address") {
				addr = c.String("address")
			}

			observer := adapter.NewPrometheusObserver("")
			d, err := openDirectory(c, func(config *shm.Config) {
				config.Observer = observer
			})
			if err != nil {
				return err
			}
			defer d.Close()

			var stores []*shm.Storage
			for _, name := range c.Args().Slice() {
				st, err := d.Get(c.Context, name)
				if err != nil {
					return err
				}
				stores = append(stores, st)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler, err := newServeHandler(observer, s.Serve.CheckTimeout, stores)
			if err != nil {
				return err
			}
			go refreshUsage(ctx, observer, stores, c.Duration("refresh"))

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "serving %d storages on %s\n", len(stores), ln.Addr())
			return serveUntilDone(ctx, &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}, ln)
		},
	}
}

// newServeHandler routes the health endpoints and the Prometheus registry
// holding observer.
func newServeHandler(observer *adapter.PrometheusObserver, timeout time.Duration, stores []*shm.Storage) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(observer); err != nil {
		return nil, err
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	health := healthcheck.NewMetricsHandler(registry, "shmstore")
	checks := make([]api.Health, len(stores))
	for i, st := range stores {
		checks[i] = st
	}
	adapter.RegisterHealthChecks(health, timeout, checks...)

	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux, nil
}

// refreshUsage republishes occupancy so the gauges follow writes made by
// other processes.
func refreshUsage(ctx context.Context, observer *adapter.PrometheusObserver, stores []*shm.Storage, every time.Duration) {
	publish := func() {
		for _, st := range stores {
			s, err := st.Stats(ctx)
			if err != nil {
				continue
			}
			observer.OnUsage(s.Name, s.Used, s.ArenaSize, s.Entries)
		}
	}
	publish()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			publish()
		}
	}
}

func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
