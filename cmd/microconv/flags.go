package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/microconv/internal/depthwise"
	"github.com/samcharles93/microconv/internal/graph"
	"github.com/samcharles93/microconv/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// engineFlags holds the options shared by every command that builds a graph.
type engineFlags struct {
	modelPath      string
	cacheSlots     int64
	cacheCapacity  int64
	packedLoads    bool
	forceReference bool
}

func (f *engineFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the graph description (.yaml)",
			Destination: &f.modelPath,
		},
		&cli.Int64Flag{
			Name:        "cache-slots",
			Usage:       "number of repacked weight caches shared by the graph",
			Value:       1,
			Destination: &f.cacheSlots,
		},
		&cli.Int64Flag{
			Name:        "cache-capacity",
			Usage:       "capacity of each weight cache in 16-bit weights",
			Value:       depthwise.DefaultCacheCapacity,
			Destination: &f.cacheCapacity,
		},
		&cli.BoolFlag{
			Name:        "packed-loads",
			Usage:       "use 32-bit word loads in the width-8 fast path",
			Destination: &f.packedLoads,
		},
		&cli.BoolFlag{
			Name:        "reference",
			Usage:       "disable the fast path",
			Destination: &f.forceReference,
		},
	}
}

func (f *engineFlags) options(log logger.Logger) graph.Options {
	return graph.Options{
		CacheSlots:     int(f.cacheSlots),
		CacheCapacity:  int(f.cacheCapacity),
		PackedLoads:    f.packedLoads,
		ForceReference: f.forceReference,
		Logger:         log,
	}
}

// build loads the model and builds an interpreter after applying config
// file defaults for flags the user did not set.
func (f *engineFlags) build(ctx context.Context, cmd *cli.Command) (*graph.Interpreter, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	applyEngineConfig(cmd, cfg, f)
	if f.modelPath == "" {
		return nil, fmt.Errorf("--model is required")
	}
	m, err := graph.LoadModel(f.modelPath)
	if err != nil {
		return nil, err
	}
	return graph.Build(m, f.options(logger.FromContext(ctx)))
}
