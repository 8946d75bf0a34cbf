package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := migrateStore(cmd.Context(), s); err != nil {
			return err
		}
		fmt.Printf("schema ready (%s)\n", cfg.Database.Driver)
		return nil
	},
}
