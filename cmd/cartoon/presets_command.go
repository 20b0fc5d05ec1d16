package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cartoon/internal/presets"
)

func newPresetsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the style presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := presets.Load()
			if err != nil {
				return err
			}
			all := catalog.All()
			if ctx.asJSON {
				return writeJSON(cmd, all)
			}
			rows := make([][]string, 0, len(all))
			for i, p := range all {
				rows = append(rows, []string{strconv.Itoa(i + 1), p.ID, p.Name, truncate(p.DefaultPrompt, 56)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "ID", "Name", "Prompt"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
