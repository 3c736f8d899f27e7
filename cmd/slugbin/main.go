package main

import (
	"os"

	"slugbin/cfg"
	"slugbin/svc/db"
	"slugbin/svc/util"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "slugbin",
	Short:         "Anonymous paste service with expiring, slug-addressed pastes",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, purgeCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.Error().Err(err).Msg("slugbin exited with error")
		os.Exit(1)
	}
}

// loadConfig reads .env, the environment and initialises logging. Every
// subcommand starts here.
func loadConfig() (*cfg.Cfg, error) {
	if err := cfg.LoadDotEnv(); err != nil {
		return nil, err
	}
	c, err := cfg.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(c); err != nil {
		return nil, err
	}
	util.InitLog(c.LogLevel, c.Environment == "development", &util.LogFile{
		Path:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	})
	return c, nil
}

func openStore(c *cfg.Cfg) (*db.SQLite, error) {
	return db.NewSQLiteWithConfig(c.DatabasePath, db.Config{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		QueryTimeout:    c.DBQueryTimeout,
		MinResponseTime: c.DBMinResponseTime,
	})
}
