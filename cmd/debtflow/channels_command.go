package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/petrijr/debtflow"
)

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List pipeline stages with their channels and queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBundle(cmd, func(b *debtflow.WorkerBundle) error {
				var rows [][]string
				for _, s := range b.Engine.Pipeline().Stages {
					n, err := b.Broker.Len(cmd.Context(), s.Input)
					if err != nil {
						return fmt.Errorf("queue depth of %s: %w", s.Input, err)
					}
					rows = append(rows, []string{s.Name, s.Input, orDash(s.Output), strconv.Itoa(n)})
				}
				if b.DeadLetters != nil {
					n, err := b.Broker.Len(cmd.Context(), b.DeadLetters.Channel())
					if err != nil {
						return fmt.Errorf("queue depth of %s: %w", b.DeadLetters.Channel(), err)
					}
					rows = append(rows, []string{"(dead letters)", b.DeadLetters.Channel(), "-", strconv.Itoa(n)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Stage", "Input", "Output", "Pending"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}
