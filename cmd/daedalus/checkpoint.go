package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/engine"
)

func newCheckpointCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset source checkpoints in the configured store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <graph-id> <node-id>",
			Short: "Print a stored checkpoint",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, root, func(store checkpoint.Store) error {
					cp, ok, err := store.Load(cmd.Context(), args[0], args[1])
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint for %s/%s\n", args[0], args[1])
						return nil
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(cp)
				})
			},
		},
		&cobra.Command{
			Use:   "reset <graph-id> <node-id>",
			Short: "Delete a stored checkpoint so the next incremental run starts over",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, root, func(store checkpoint.Store) error {
					if err := store.Reset(cmd.Context(), args[0], args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s/%s\n", args[0], args[1])
					return nil
				})
			},
		},
	)
	return cmd
}

func withStore(cmd *cobra.Command, root *rootFlags, fn func(checkpoint.Store) error) error {
	a, err := newApp(cmd.Context(), root.cfg, root.logger, engine.Definitions{})
	defer func() {
		if cerr := a.Close(); cerr != nil {
			root.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()
	if err != nil {
		return err
	}
	return fn(a.engine.Checkpoints())
}
