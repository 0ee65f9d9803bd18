package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"picshrink/internal/policy"
)

var presetsPresetFile string

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List available conversion presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := policy.Builtin()
		if presetsPresetFile != "" {
			extra, err := policy.LoadFile(presetsPresetFile)
			if err != nil {
				return err
			}
			store = store.Merge(extra)
		}

		tw := table.NewWriter()
		tw.SetStyle(table.StyleRounded)
		tw.AppendHeader(table.Row{"Name", "Description", "Options", "Inputs"})
		for _, name := range store.Names() {
			preset := store[name]
			tw.AppendRow(table.Row{
				name,
				preset.Description,
				strings.Join(preset.Options, ", "),
				formatInputs(preset.Inputs),
			})
		}
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
			{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
			{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
			{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		})

		fmt.Fprintln(os.Stdout, tw.Render())
		return nil
	},
}

func formatInputs(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, inputs[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	presetsCmd.Flags().StringVar(&presetsPresetFile, "preset-file", "", "TOML file with additional presets")

	rootCmd.AddCommand(presetsCmd)
}
