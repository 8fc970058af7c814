package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/srediag/shmstore/internal/confloader"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:      "config",
		Usage:     "print the effective configuration before command-line flags",
		ArgsUsage: "[KEY...]",
		Action: func(c *cli.Context) error {
			loader, ok := c.App.Metadata[loaderKey].(*confloader.Loader)
			if !ok {
				return fmt.Errorf("configuration not loaded")
			}
			keys := c.Args().Slice()
			if len(keys) == 0 {
				keys = loader.Keys()
				sort.Strings(keys)
			}
			for _, k := range keys {
				if loader.Get(k) == nil {
					return fmt.Errorf("unknown config key %q", k)
				}
				fmt.Fprintf(c.App.Writer, "%s: %s\n", k, loader.String(k))
			}
			return nil
		},
	}
}
