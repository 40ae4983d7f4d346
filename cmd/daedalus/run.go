package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/api"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

type runFlags struct {
	graphDir string
	seedFile string
	mode     string
	runID    string
	vars     map[string]string
}

// runOutput is printed once the run finishes.
type runOutput struct {
	Report   *storage.RunReport `json:"report"`
	Outputs  []*item.Item       `json:"outputs"`
	Failures []engine.Failure   `json:"failures"`
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <graph-file>",
		Short: "Execute a graph once and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGraph(ctx, cmd, root, flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.graphDir, "graphs", "", "Directory of graphs referenced by sub-graph nodes (default engine.graph_dir)")
	cmd.Flags().StringVar(&flags.seedFile, "seed", "", "JSON file holding an array of seed items")
	cmd.Flags().StringVar(&flags.mode, "mode", "full", "Checkpoint mode: full or incremental")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Run id (generated when empty)")
	cmd.Flags().StringToStringVar(&flags.vars, "var", nil, "Graph variable override, repeatable (key=value)")
	return cmd
}

func runGraph(ctx context.Context, cmd *cobra.Command, root *rootFlags, flags *runFlags, file string) error {
	mode, err := checkpoint.ParseMode(flags.mode)
	if err != nil {
		return err
	}
	seed, err := readSeed(flags.seedFile)
	if err != nil {
		return err
	}
	dir := flags.graphDir
	if dir == "" {
		dir = root.cfg.Engine.GraphDir
	}
	defs, ids, err := loadGraphs(dir, file)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, root.cfg, root.logger, defs)
	defer func() {
		if cerr := a.Close(); cerr != nil {
			root.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()
	if err != nil {
		return err
	}

	res, runErr := a.engine.Execute(ctx, engine.Request{
		RunID:   flags.runID,
		GraphID: ids[0],
		Seed:    seed,
		Mode:    mode,
		Vars:    flags.vars,
	})
	if res == nil {
		return runErr
	}

	report := res.Report()
	if a.reports != nil {
		// the run context may already be cancelled
		if _, err := a.reports.Write(context.WithoutCancel(ctx), report); err != nil {
			root.logger.Warn("failed to write run report", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(runOutput{Report: report, Outputs: res.Outputs, Failures: res.Failures}); err != nil {
		return err
	}
	if res.State != engine.StateCompleted {
		return fmt.Errorf("run %s %s: %w", res.RunID, res.State, runErr)
	}
	return nil
}

func readSeed(path string) ([]*item.Item, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []api.SeedItem
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	items := make([]*item.Item, 0, len(seeds))
	for i, s := range seeds {
		if s.ID == "" {
			return nil, fmt.Errorf("seed item %d has no id", i)
		}
		items = append(items, s.Item())
	}
	return items, nil
}
