package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"librastock/internal/audit"
	"librastock/internal/store"
)

var (
	driftRemote  remoteFlags
	repairRemote remoteFlags
	driftFail    bool
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "List shelves whose recorded count disagrees with their books",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var drift []store.Occupancy
		if driftRemote.server != "" {
			var err error
			if drift, err = driftRemote.client().Drift(cmd.Context()); err != nil {
				return err
			}
		} else {
			err := withServices(cmd.Context(), func(svc *services) error {
				var err error
				drift, err = svc.circulation.FindDrift(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
		}
		if err := output(audit.Report{Drift: drift}); err != nil {
			return err
		}
		if driftFail && len(drift) > 0 {
			return userError(fmt.Errorf("%d shelves drifted", len(drift)))
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Overwrite drifted shelf counts with the number of books on the shelf",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var report audit.Report
		if repairRemote.server != "" {
			var err error
			if report, err = repairRemote.client().Repair(cmd.Context()); err != nil {
				return err
			}
		} else {
			err := withServices(cmd.Context(), func(svc *services) error {
				var err error
				report, err = svc.circulation.RepairShelfCounts(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
		}
		if err := output(report); err != nil {
			return err
		}
		if len(report.Unrepaired) > 0 {
			return userError(fmt.Errorf("%d shelves hold more books than their capacity", len(report.Unrepaired)))
		}
		return nil
	},
}

func init() {
	driftCmd.Flags().StringVar(&driftRemote.server, "server", "", "call a running server at this URL instead of the database")
	driftCmd.Flags().StringVar(&driftRemote.token, "token", "", "admin bearer token (default: $LIBRASTOCK_ADMIN_TOKEN)")
	driftCmd.Flags().BoolVar(&driftFail, "fail", false, "exit non-zero when any shelf drifted")

	repairCmd.Flags().StringVar(&repairRemote.server, "server", "", "call a running server at this URL instead of the database")
	repairCmd.Flags().StringVar(&repairRemote.token, "token", "", "admin bearer token (default: $LIBRASTOCK_ADMIN_TOKEN)")
}
