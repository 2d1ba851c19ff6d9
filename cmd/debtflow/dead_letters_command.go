package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/debtflow"
)

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		purge  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List messages that will not be processed again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBundle(cmd, func(b *debtflow.WorkerBundle) error {
				if b.DeadLetters == nil {
					return fmt.Errorf("dead letters are disabled")
				}
				dls, err := b.DeadLetters.Read(cmd.Context(), limit, purge)
				if err != nil {
					return fmt.Errorf("read dead letters: %w", err)
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(dls)
				}
				if len(dls) == 0 {
					fmt.Fprintln(out, "No dead letters")
					return nil
				}

				rows := make([][]string, 0, len(dls))
				for _, dl := range dls {
					entity := strconv.FormatInt(dl.Message.EntityID, 10)
					if dl.Raw != "" {
						entity = "-"
					}
					rows = append(rows, []string{
						dl.FailedAt.Local().Format(time.DateTime),
						orDash(dl.Stage),
						dl.Channel,
						entity,
						strconv.Itoa(dl.Attempts),
						dl.Error,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Failed", "Stage", "Channel", "Entity", "Attempts", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				if purge {
					fmt.Fprintf(out, "Removed %d dead letters\n", len(dls))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of dead letters to show (0 = all)")
	cmd.Flags().BoolVar(&purge, "purge", false, "Remove the listed dead letters from the queue")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
