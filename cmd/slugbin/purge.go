package main

import (
	"encoding/json"

	"slugbin/cfg"
	"slugbin/svc/svc"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete expired pastes and their views once, then exit",
	Long: `Runs a single garbage collection pass against the configured database
and prints {"deleted":N}. Intended for cron when PURGE_INTERVAL=0.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		defer c.Wipe()
		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close()
		opts, err := cfg.LoadOptions(c.OptionsFile)
		if err != nil {
			return err
		}
		n, err := svc.NewPaste(store, opts, nil, c.MaxPasteChars).PurgeExpired(cmd.Context())
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int{"deleted": n})
	},
}
