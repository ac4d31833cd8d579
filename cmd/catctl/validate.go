package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-cat/internal/itembank"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-pool <file-or-dir>...",
		Short: "Check pool files against the pool schema and item rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			defaults := itembank.DefaultParams()
			seen := make(map[string]string)
			failed := 0

			check := func(path string) {
				pool, err := itembank.LoadFile(path, defaults)
				if err != nil {
					failed++
					fmt.Fprintf(w, "FAIL %s: %v\n", path, err)
					return
				}
				if prev, ok := seen[pool.ID]; ok {
					failed++
					fmt.Fprintf(w, "FAIL %s: pool id %q already defined in %s\n", path, pool.ID, prev)
					return
				}
				seen[pool.ID] = path
				fmt.Fprintf(w, "ok   %s: %s (%d items)\n", path, pool.ID, len(pool.Items))
			}

			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return err
				}
				if !info.IsDir() {
					check(arg)
					continue
				}
				err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if !d.IsDir() && itembank.IsPoolFile(path) {
						check(path)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d pool file(s) invalid", failed)
			}
			return nil
		},
	}
}
