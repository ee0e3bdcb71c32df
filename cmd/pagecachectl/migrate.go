package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arxcache/pagecache/internal/diskstore"
)

// newMigrateCmd operates directly on a bbolt file, independent of a
// running daemon, mirroring the teacher's standalone cache-migrate
// tool: it opens (or creates) the file, ensures every bucket the
// current schema expects exists, and bumps the stored schema version.
// Both steps are idempotent, so running it against an already-current
// file is safe.
func newMigrateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade a pagecache bbolt database file to the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("migrate: --db is required")
			}

			from, to, err := diskstore.Migrate(path, nil)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			if from == to {
				fmt.Printf("%s is already at schema version %d\n", path, to)
				return nil
			}
			fmt.Printf("%s migrated from schema version %d to %d\n", path, from, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "db", "", "path to the bbolt database file to migrate")
	return cmd
}
