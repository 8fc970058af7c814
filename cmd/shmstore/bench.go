package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/urfave/cli/v2"

	"github.com/srediag/shmstore/pkg/shm"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:      "bench",
		Usage:     "increment a counter from concurrent workers under the advisory lock",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 8, Usage: "worker pool size"},
			&cli.IntFlag{Name: "rounds", Value: 1000, Usage: "increments per worker"},
			&cli.StringFlag{Name: "key", Value: "bench.counter", Usage: "counter key"},
		},
		Action: func(c *cli.Context) error {
			workers, rounds := c.Int("workers"), c.Int("rounds")
			if workers <= 0 || rounds <= 0 {
				return fmt.Errorf("workers and rounds must be positive")
			}
			return withStorage(c, func(st *shm.Storage) error {
				res, err := runBench(c, st, c.String("key"), workers, rounds)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%d increments in %s (%.0f/s), counter %g -> %g\n",
					res.ops, res.took.Round(time.Millisecond),
					float64(res.ops)/res.took.Seconds(), res.start, res.end)
				return nil
			})
		},
	}
}

type benchResult struct {
	ops        int
	took       time.Duration
	start, end float64
}

func runBench(c *cli.Context, st *shm.Storage, key string, workers, rounds int) (benchResult, error) {
	ctx := c.Context
	v, _, err := st.Get(ctx, key)
	if err != nil {
		return benchResult{}, err
	}
	start, _ := v.Number()

	pool, err := ants.NewPool(workers)
	if err != nil {
		return benchResult{}, err
	}
	defer pool.Release()

	increment := func() error {
		if err := st.Lock(); err != nil {
			return err
		}
		defer st.Unlock()
		v, _, err := st.Get(ctx, key)
		if err != nil {
			return err
		}
		n, _ := v.Number()
		return st.Set(ctx, key, n+1)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	begin := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if err := increment(); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
			}
		})
		if err != nil {
			wg.Done()
			return benchResult{}, err
		}
	}
	wg.Wait()
	took := time.Since(begin)
	if err := errors.Join(errs...); err != nil {
		return benchResult{}, err
	}

	v, _, err = st.Get(ctx, key)
	if err != nil {
		return benchResult{}, err
	}
	end, _ := v.Number()
	return benchResult{ops: workers * rounds, took: took, start: start, end: end}, nil
}
