package main

import (
	"context"
	"time"

	"slugbin/cfg"
	"slugbin/svc/db"

	"github.com/spf13/cobra"
)

// healthCmd is meant for container health checks: it only needs the
// database path and exits non-zero when the database cannot be reached.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the database is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.LoadDotEnv(); err != nil {
			return err
		}
		c, err := cfg.Load()
		if err != nil {
			return err
		}
		store, err := db.NewSQLite(c.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	},
}
