package main

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

// loadGraphs loads every definition in dir, then files, which replace
// directory entries with the same id. It returns the ids of files in order.
func loadGraphs(dir string, files ...string) (engine.Definitions, []string, error) {
	defs := engine.Definitions{}
	if dir != "" {
		loaded, err := graph.LoadDir(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load graphs from %s: %w", dir, err)
		}
		for id, def := range loaded {
			defs[id] = def
		}
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		def, err := graph.LoadFile(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f, err)
		}
		defs[def.ID] = def
		ids = append(ids, def.ID)
	}
	return defs, ids, nil
}
