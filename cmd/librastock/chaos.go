package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"librastock/internal/chaos"
)

var (
	chaosName  string
	chaosPause time.Duration
)

var chaosCmd = &cobra.Command{
	Use:   "chaos",
	Short: "Run the chaos game day against the configured store",
	Long: `Runs every registered experiment in turn: concurrent loans on one book,
shelf capacity contention, count drift repair and lock starvation. Experiments seed
their own shelves, books and students.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(svc *services) error {
			engine := chaos.NewEngine(logger)
			engine.RegisterExperiments(chaos.Target{
				Circulation: svc.circulation,
				Membership:  svc.membership,
				Store:       svc.store,
				Locks:       svc.locks,
			})
			results, err := engine.GameDay(cmd.Context(), chaosName, chaosPause)
			if err != nil {
				return err
			}
			if err := output(results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if !r.HypothesisHeld {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d hypotheses violated", failed, len(results))
			}
			return nil
		})
	},
}

func init() {
	chaosCmd.Flags().StringVar(&chaosName, "name", "Weekly Chaos Game Day", "game day name")
	chaosCmd.Flags().DurationVar(&chaosPause, "pause", 5*time.Second, "pause between experiments")
}
