package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runcard-io/runcard/internal/presets"
)

var presetsSet []string

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "Manage saved form presets",
}

var presetsListCmd = &cobra.Command{
	Use:   "list <card.yaml> <action>",
	Short: "List the presets saved for an action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := presets.NewStore(args[0])
		for _, name := range store.List(args[1]) {
			fmt.Println(name)
		}
		return nil
	},
}

var presetsShowCmd = &cobra.Command{
	Use:   "show <card.yaml> <action> <name>",
	Short: "Print a preset's values as JSON",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := presets.NewStore(args[0])
		values, ok := store.Get(args[1], args[2])
		if !ok {
			return fmt.Errorf("no preset %q for action %q", args[2], args[1])
		}
		return printJSON(values)
	},
}

var presetsSaveCmd = &cobra.Command{
	Use:   "save <card.yaml> <action> <name>",
	Short: "Save form values as a named preset",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseSetValues(presetsSet)
		if err != nil {
			return err
		}
		return presets.NewStore(args[0]).Save(args[1], args[2], values)
	},
}

var presetsDeleteCmd = &cobra.Command{
	Use:   "delete <card.yaml> <action> <name>",
	Short: "Delete a preset",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return presets.NewStore(args[0]).Delete(args[1], args[2])
	},
}

var presetsRenameCmd = &cobra.Command{
	Use:   "rename <card.yaml> <action> <old> <new>",
	Short: "Rename a preset",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return presets.NewStore(args[0]).Rename(args[1], args[2], args[3])
	},
}

func init() {
	presetsSaveCmd.Flags().StringArrayVar(&presetsSet, "set", nil, "form value as key=value (repeatable)")

	presetsCmd.AddCommand(presetsListCmd)
	presetsCmd.AddCommand(presetsShowCmd)
	presetsCmd.AddCommand(presetsSaveCmd)
	presetsCmd.AddCommand(presetsDeleteCmd)
	presetsCmd.AddCommand(presetsRenameCmd)
}
