package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shapeshift/internal/config"
	"shapeshift/internal/gvar"
	"shapeshift/internal/heap"
	"shapeshift/internal/ivar"
	"shapeshift/internal/trace"
)

// engine is one runtime, its heap and the configuration it was built from.
type engine struct {
	cfg  *config.Config
	rt   *ivar.Runtime
	heap *heap.Heap
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	return config.Resolve(path, ".")
}

func openEngine(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	rc, err := cfg.Runtime()
	if err != nil {
		return nil, err
	}
	tracer := trace.FromContext(cmd.Context())
	rt, err := ivar.NewRuntime(rc, tracer)
	if err != nil {
		return nil, err
	}
	return &engine{
		cfg:  cfg,
		rt:   rt,
		heap: heap.New(rt, gvar.New(tracer), tracer),
	}, nil
}
