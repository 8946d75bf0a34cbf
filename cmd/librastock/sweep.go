package main

import (
	"github.com/spf13/cobra"

	"librastock/internal/clients"
	"librastock/internal/domain"
)

var (
	sweepAsOf   string
	sweepRemote remoteFlags
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark active loans past their due date overdue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseDay(sweepAsOf)
		if err != nil {
			return err
		}
		if sweepRemote.server != "" {
			res, err := sweepRemote.client().Sweep(cmd.Context(), asOf)
			if err != nil {
				return err
			}
			return output(res)
		}

		day := domain.Today(domain.SystemClock{})
		if asOf != nil {
			day = domain.Day(*asOf)
		}
		return withServices(cmd.Context(), func(svc *services) error {
			n, err := svc.circulation.SweepOverdue(cmd.Context(), day)
			if err != nil {
				return err
			}
			return output(clients.SweepResult{AsOf: day, Marked: n})
		})
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepAsOf, "as-of", "", "sweep as of this day, YYYY-MM-DD (default: today)")
	sweepCmd.Flags().StringVar(&sweepRemote.server, "server", "", "call a running server at this URL instead of the database")
	sweepCmd.Flags().StringVar(&sweepRemote.token, "token", "", "admin bearer token (default: $LIBRASTOCK_ADMIN_TOKEN)")
}
