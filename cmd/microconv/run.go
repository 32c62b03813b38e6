package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/microconv/internal/graph"
	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/safetensors"
)

func runCmd() *cli.Command {
	var (
		engine     engineFlags
		iterations int64
		outPath    string
		inputsPath string
		asJSON     bool
		maxValues  int64
		cpuProfile string
	)

	flags := engine.flags()
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "iterations",
			Aliases:     []string{"n"},
			Usage:       "number of times to invoke the graph",
			Value:       1,
			Destination: &iterations,
		},
		&cli.StringFlag{
			Name:        "inputs",
			Aliases:     []string{"i"},
			Usage:       "safetensors file whose tensors replace graph inputs of the same name",
			Destination: &inputsPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "write graph outputs to this safetensors file",
			Destination: &outPath,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print outputs as JSON",
			Destination: &asJSON,
		},
		&cli.Int64Flag{
			Name:        "max-values",
			Usage:       "values printed per output (0 = all)",
			Value:       32,
			Destination: &maxValues,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Build a graph and invoke it",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}

			it, err := engine.build(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build graph: %v", err), 1)
			}
			defer it.Close()

			if inputsPath != "" {
				if err := loadInputs(it, inputsPath); err != nil {
					return cli.Exit(fmt.Sprintf("error: inputs: %v", err), 1)
				}
			}

			start := time.Now()
			for i := range int(max(iterations, 1)) {
				if err := it.Invoke(ctx); err != nil {
					return cli.Exit(fmt.Sprintf("error: invoke %d: %v", i+1, err), 1)
				}
			}
			elapsed := time.Since(start)
			log.Info("graph invoked", "name", it.Name(), "iterations", max(iterations, 1),
				"elapsed", elapsed.Round(time.Microsecond))

			if outPath != "" {
				if err := it.WriteOutputs(outPath); err != nil {
					return cli.Exit(fmt.Sprintf("error: write outputs: %v", err), 1)
				}
				log.Info("outputs written", "path", outPath)
			}
			if err := printOutputs(os.Stdout, it, asJSON, int(maxValues)); err != nil {
				return cli.Exit(fmt.Sprintf("error: print outputs: %v", err), 1)
			}
			return nil
		},
	}
}

func loadInputs(it *graph.Interpreter, path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	for _, name := range it.Inputs() {
		if _, ok := f.Tensor(name); !ok {
			continue
		}
		t, err := f.Load(name)
		if err != nil {
			return err
		}
		if err := it.SetInput(name, t); err != nil {
			return err
		}
	}
	return nil
}

func printOutputs(w io.Writer, it *graph.Interpreter, asJSON bool, maxValues int) error {
	specs := make([]graph.TensorSpec, 0, len(it.Outputs()))
	for _, name := range it.Outputs() {
		t, ok := it.Tensor(name)
		if !ok {
			return fmt.Errorf("output %q missing", name)
		}
		specs = append(specs, graph.SpecOf(t))
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}
	for _, s := range specs {
		values := s.Data
		truncated := maxValues > 0 && len(values) > maxValues
		if truncated {
			values = values[:maxValues]
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprint(v)
		}
		line := strings.Join(parts, " ")
		if truncated {
			line += fmt.Sprintf(" ... (%d more)", len(s.Data)-maxValues)
		}
		if _, err := fmt.Fprintf(w, "%s %s %v\n  %s\n", s.Name, s.DType, s.Shape, line); err != nil {
			return err
		}
	}
	return nil
}
