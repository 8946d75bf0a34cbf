package main

import (
	"github.com/spf13/cobra"
)

var capacityRemote remoteFlags

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Print the library-wide shelf capacity report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if capacityRemote.server != "" {
			report, err := capacityRemote.client().Capacity(cmd.Context())
			if err != nil {
				return err
			}
			return output(report)
		}
		return withServices(cmd.Context(), func(svc *services) error {
			report, err := svc.catalog.Capacity(cmd.Context())
			if err != nil {
				return err
			}
			return output(report)
		})
	},
}

func init() {
	capacityCmd.Flags().StringVar(&capacityRemote.server, "server", "", "call a running server at this URL instead of the database")
}
