package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/steps/all"
)

func newValidateCmd(root *rootFlags) *cobra.Command {
	var graphDir string

	cmd := &cobra.Command{
		Use:   "validate <graph-file>...",
		Short: "Compile graphs without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, ids, err := loadGraphs(graphDir, args...)
			if err != nil {
				return err
			}
			e, err := engine.New(engine.Options{
				Graphs:            defs,
				Registry:          all.NewRegistry(),
				ExpressionTimeout: root.cfg.Engine.ExpressionTimeout,
				Logger:            root.logger,
			})
			if err != nil {
				return err
			}

			var errs []error
			for i, id := range ids {
				if err := e.Validate(id, nil); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", args[i], err))
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s (%s): %v\n", id, args[i], err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s)\n", id, args[i])
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&graphDir, "graphs", "", "Directory of graphs referenced by sub-graph nodes")
	return cmd
}
