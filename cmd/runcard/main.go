package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/runcard-io/runcard/internal/engine"
	"github.com/runcard-io/runcard/internal/logging"
	"github.com/runcard-io/runcard/pkg/schema"
)

// Version is set at build time via ldflags.
var version = "dev"

func main() {
	slog.SetDefault(slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}),
	)))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// logLevel reads RUNCARD_LOG_LEVEL; the default keeps structured logs
// out of the way of normal command output.
func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("RUNCARD_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// exitCode maps a failed run to a process exit status: a nonzero child
// exit is forwarded, everything else is a plain failure.
func exitCode(err error) int {
	serr := schema.AsError(err, schema.ErrCodeExecution)
	if serr.Code == schema.ErrCodeProcessExit {
		if code, ok := serr.Details["exit_code"].(int); ok && code != 0 {
			return code
		}
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:           "runcard",
	Short:         "Declarative command runner",
	Long:          "runcard runs declarative YAML-defined command pipelines with forms, presets, and error recovery.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <card.yaml>",
	Short: "Validate a runcard file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	card, err := schema.LoadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s is valid (%d actions)\n", args[0], len(card.Actions))
	return nil
}

// --- actions ---

var actionsJSON bool

var actionsCmd = &cobra.Command{
	Use:   "actions <card.yaml>",
	Short: "List the actions defined in a runcard",
	Args:  cobra.ExactArgs(1),
	RunE:  runActions,
}

func runActions(cmd *cobra.Command, args []string) error {
	card, err := schema.LoadFile(args[0])
	if err != nil {
		return err
	}
	infos := engine.New(card).Actions()
	if actionsJSON {
		return printJSON(infos)
	}
	for _, info := range infos {
		fmt.Printf("%-24s %s\n", info.ID, info.Title)
	}
	return nil
}

// --- resolve ---

var resolveSet []string

var resolveCmd = &cobra.Command{
	Use:   "resolve <card.yaml> <action>",
	Short: "Show the effective vars and form values for an action",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	card, err := schema.LoadFile(args[0])
	if err != nil {
		return err
	}
	form, err := parseSetValues(resolveSet)
	if err != nil {
		return err
	}
	eng := engine.New(card)
	vars, err := eng.ResolveVars(form)
	if err != nil {
		return err
	}
	fields, err := eng.Resolve(args[1], form)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"vars": vars, "form": fields})
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runcard version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("runcard", version)
	},
}

func init() {
	actionsCmd.Flags().BoolVar(&actionsJSON, "json", false, "output as JSON")
	resolveCmd.Flags().StringArrayVar(&resolveSet, "set", nil, "form value as key=value (repeatable)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(versionCmd)
}

// parseSetValues turns --set key=value pairs into typed form values.
// Values are decoded as YAML scalars so numbers and booleans keep
// their types.
func parseSetValues(pairs []string) (map[string]any, error) {
	values := map[string]any{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", pair)
		}
		var val any
		if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		values[key] = val
	}
	return values, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
