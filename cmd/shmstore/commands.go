package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/srediag/shmstore/pkg/codec"
	"github.com/srediag/shmstore/pkg/shm"
)

func createCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "create a storage",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "capacity",
				Usage: "region size in bytes, 0 for the configured default",
			},
		},
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return fmt.Errorf("missing storage name")
			}
			d, err := openDirectory(c)
			if err != nil {
				return err
			}
			defer d.Close()
			var opts []shm.CreateOption
			if n := c.Uint64("capacity"); n > 0 {
				opts = append(opts, shm.WithCapacity(n))
			}
			st, err := d.Create(c.Context, name, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "created %s (%d bytes) at %s\n", name, st.Capacity(), d.Path(name))
			return nil
		},
	}
}

func destroyCommand() *cli.Command {
	return &cli.Command{
		Name:      "destroy",
		Usage:     "destroy a storage; handles on it in other processes become stale",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return fmt.Errorf("missing storage name")
			}
			d, err := openDirectory(c)
			if err != nil {
				return err
			}
			defer d.Close()
			removed, err := d.Destroy(c.Context, name)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%w: %s", shm.ErrNotFound, name)
			}
			fmt.Fprintf(c.App.Writer, "destroyed %s\n", name)
			return nil
		},
	}
}

func setCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "store a value",
		ArgsUsage: "NAME KEY [VALUE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "value type: text, number, bool, null, json, bytes (hex), time (RFC 3339)",
				Value:   "text",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "label stored with the value",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: set NAME KEY [VALUE]")
			}
			v, err := parseValue(c.String("type"), c.Args().Get(2))
			if err != nil {
				return err
			}
			return withStorage(c, func(st *shm.Storage) error {
				return st.SetWithLabel(c.Context, c.Args().Get(1), v, c.String("label"))
			})
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print a value",
		ArgsUsage: "NAME KEY",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the value as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: get NAME KEY")
			}
			key := c.Args().Get(1)
			return withStorage(c, func(st *shm.Storage) error {
				e, ok, err := st.GetEntry(c.Context, key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: key %q", shm.ErrNotFound, key)
				}
				out := e.Value.String()
				if c.Bool("json") {
					b, err := json.Marshal(e.Value.Interface())
					if err != nil {
						return err
					}
					out = string(b)
				}
				if e.Label != "" && !c.Bool("json") {
					out += " (" + e.Label + ")"
				}
				fmt.Fprintln(c.App.Writer, out)
				return nil
			})
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove keys",
		ArgsUsage: "NAME KEY...",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: rm NAME KEY...")
			}
			return withStorage(c, func(st *shm.Storage) error {
				for _, key := range c.Args().Slice()[1:] {
					if err := st.Remove(c.Context, key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "remove every key",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			return withStorage(c, func(st *shm.Storage) error {
				return st.Clear(c.Context)
			})
		},
	}
}

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:      "keys",
		Usage:     "list keys in order",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			return withStorage(c, func(st *shm.Storage) error {
				keys, err := st.Keys(c.Context)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(c.App.Writer, k)
				}
				return nil
			})
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "print occupancy and lock state",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			return withStorage(c, func(st *shm.Storage) error {
				s, err := st.Stats(c.Context)
				if err != nil {
					return err
				}
				info, err := st.LockInfo()
				if err != nil {
					return err
				}
				w := c.App.Writer
				fmt.Fprintf(w, "name:        %s\n", s.Name)
				fmt.Fprintf(w, "path:        %s\n", s.Path)
				fmt.Fprintf(w, "capacity:    %d\n", s.Capacity)
				fmt.Fprintf(w, "entries:     %d\n", s.Entries)
				fmt.Fprintf(w, "buckets:     %d\n", s.Buckets)
				fmt.Fprintf(w, "arena:       %d used, %d free in %d blocks, largest %d\n",
					s.Used, s.Free, s.FreeBlocks, s.LargestFree)
				fmt.Fprintf(w, "generation:  %d\n", s.Generation)
				fmt.Fprintf(w, "created:     %s by pid %d\n", s.Created.Format(time.RFC3339), s.Creator)
				fmt.Fprintf(w, "lock:        %s\n", describeLock(info.Locked, info.Holder, info.HolderAlive))
				fmt.Fprintf(w, "op lock:     %s\n", describeLock(info.OpLocked, info.OpHolder, info.OpHolderAlive))
				return nil
			})
		},
	}
}

func describeLock(locked bool, holder int, alive bool) string {
	switch {
	case !locked:
		return "free"
	case alive:
		return "held by pid " + strconv.Itoa(holder)
	default:
		return "held by dead pid " + strconv.Itoa(holder)
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "check the structure and every value; a failure marks the storage corrupted",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			return withStorage(c, func(st *shm.Storage) error {
				if err := st.Verify(c.Context); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, "ok")
				return nil
			})
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "dump the region header without attaching",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return fmt.Errorf("missing storage name")
			}
			d, err := openDirectory(c)
			if err != nil {
				return err
			}
			defer d.Close()
			return shm.DebugRegionDetail(c.App.Writer, d.Path(name))
		},
	}
}

// parseValue converts command-line text into a value of the named type.
func parseValue(typ, raw string) (any, error) {
	switch strings.ToLower(typ) {
	case "text", "string", "":
		return raw, nil
	case "number":
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	case "null":
		return nil, nil
	case "bytes":
		return hex.DecodeString(raw)
	case "time":
		return time.Parse(time.RFC3339Nano, raw)
	case "json":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return codec.Of(v)
	}
	return nil, fmt.Errorf("unknown value type %q", typ)
}
