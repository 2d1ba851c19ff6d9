package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/debtflow"
	"github.com/petrijr/debtflow/pkg/api"
)

func newCreateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an entity and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBundle(cmd, func(b *debtflow.WorkerBundle) error {
				e, err := b.CreateEntity(cmd.Context())
				if err != nil {
					return fmt.Errorf("create entity: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.ID)
				return nil
			})
		},
	}
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	var fields []string

	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Publish an entity to the pipeline's entry channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntityID(args[0])
			if err != nil {
				return err
			}
			extra, err := parseFields(fields)
			if err != nil {
				return err
			}
			return ctx.withBundle(cmd, func(b *debtflow.WorkerBundle) error {
				if err := b.StartWorkflow(cmd.Context(), id, extra); err != nil {
					return fmt.Errorf("start entity %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published entity %d to %s\n", id, b.Engine.Pipeline().Entry())
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&fields, "field", nil, "Extra message field as key=value (repeatable)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one entity or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBundle(cmd, func(b *debtflow.WorkerBundle) error {
				var entities []*api.Entity
				if len(args) == 1 {
					id, err := parseEntityID(args[0])
					if err != nil {
						return err
					}
					e, err := b.Entity(cmd.Context(), id)
					if errors.Is(err, api.ErrEntityNotFound) {
						return fmt.Errorf("entity %d not found", id)
					}
					if err != nil {
						return err
					}
					entities = []*api.Entity{e}
				} else {
					all, err := b.Store.List(cmd.Context())
					if err != nil {
						return fmt.Errorf("list entities: %w", err)
					}
					entities = all
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(entities)
				}
				if len(entities) == 0 {
					fmt.Fprintln(out, "No entities")
					return nil
				}

				rows := make([][]string, 0, len(entities))
				for _, e := range entities {
					rows = append(rows, []string{
						strconv.FormatInt(e.ID, 10),
						orDash(e.DocumentHash),
						orDash(e.SignatureHash),
						yesNo(e.ScriptExecuted),
						strconv.FormatInt(e.Version, 10),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Document", "Signature", "Script", "Version"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func parseEntityID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entity id %q", s)
	}
	return id, nil
}

// parseFields turns key=value pairs into message fields. Values that parse
// as JSON (numbers, booleans, quoted strings) keep their type; anything else
// is a string.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", pair)
		}
		if key == api.EntityIDKey {
			return nil, fmt.Errorf("field %q is reserved", key)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[key] = v
	}
	return out, nil
}
