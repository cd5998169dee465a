package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	"github.com/runcard-io/runcard/internal/engine"
	"github.com/runcard-io/runcard/internal/presets"
	"github.com/runcard-io/runcard/internal/streaming"
	"github.com/runcard-io/runcard/pkg/schema"
)

var (
	runSet        []string
	runPreset     string
	runSavePreset string
	runEvents     bool
	runQuiet      bool
)

var runCmd = &cobra.Command{
	Use:   "run <card.yaml> <action>",
	Short: "Run an action",
	Long: "Run an action from a runcard. Form values come from --preset and --set\n" +
		"(--set wins on overlap). Ctrl-C requests cooperative cancellation; the\n" +
		"current process tree is terminated and on_error cleanup still runs.",
	Args: cobra.ExactArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runSet, "set", nil, "form value as key=value (repeatable)")
	runCmd.Flags().StringVar(&runPreset, "preset", "", "load form values from a saved preset")
	runCmd.Flags().StringVar(&runSavePreset, "save-preset", "", "save the supplied form values under this name")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "emit run events as JSON lines instead of plain text")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "suppress progress output, print only the result")
}

func runRun(cmd *cobra.Command, args []string) error {
	cardPath, actionID := args[0], args[1]

	card, err := schema.LoadFile(cardPath)
	if err != nil {
		return err
	}
	store := presets.NewStore(cardPath)

	form := map[string]any{}
	if runPreset != "" {
		values, ok := store.Get(actionID, runPreset)
		if !ok {
			return fmt.Errorf("no preset %q for action %q", runPreset, actionID)
		}
		form = values
	}
	overrides, err := parseSetValues(runSet)
	if err != nil {
		return err
	}
	for k, v := range overrides {
		form[k] = v
	}

	if runSavePreset != "" {
		if err := store.Save(actionID, runSavePreset, form); err != nil {
			return err
		}
	}

	hub := streaming.NewMemoryHub()
	eng := engine.New(card, engine.WithHub(hub))

	var wg sync.WaitGroup
	if runEvents {
		events, cancel, err := hub.Subscribe(cmd.Context(), streaming.EventFilter{ActionID: actionID})
		if err != nil {
			return err
		}
		defer cancel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc := json.NewEncoder(os.Stdout)
			for ev := range events {
				_ = enc.Encode(ev)
			}
		}()
	}

	logFn := func(line string) {
		if !runEvents && !runQuiet {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		eng.Stop(actionID)
	}()

	result, runErr := eng.Run(ctx, actionID, form, logFn)

	lastRun := presets.LastRun{Mode: presets.ModeSnapshot, Values: form}
	if runPreset != "" && len(overrides) == 0 {
		lastRun = presets.LastRun{Mode: presets.ModePresetRef, Name: runPreset}
	}
	if err := store.SetLastRun(actionID, lastRun); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}

	stop()
	if runEvents {
		// Closing the hub ends the subscriber channel once buffered
		// events have been handed over.
		_ = hub.Close()
		wg.Wait()
	}

	if runErr != nil {
		return runErr
	}
	return printJSON(result)
}
