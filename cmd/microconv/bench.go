package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/microconv/internal/graph"
	"github.com/samcharles93/microconv/internal/logger"
)

type benchResult struct {
	Mode        string
	Invocations int
	Elapsed     time.Duration
	Paths       []string
	Outputs     [][]float64
}

func (r benchResult) perInvoke() time.Duration {
	if r.Invocations == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Invocations)
}

func benchCmd() *cli.Command {
	var (
		engine   engineFlags
		warmup   int64
		runs     int64
		parallel int64
	)

	flags := engine.flags()
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup invocations per interpreter",
			Value:       3,
			Destination: &warmup,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed invocations per interpreter",
			Value:       100,
			Destination: &runs,
		},
		&cli.Int64Flag{
			Name:        "parallel",
			Usage:       "independent interpreters run concurrently",
			Value:       1,
			Destination: &parallel,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Compare reference and fast-path timings for a graph",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyEngineConfig(cmd, cfg, &engine)
			if engine.modelPath == "" {
				return cli.Exit("error: --model is required", 1)
			}
			m, err := graph.LoadModel(engine.modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}

			fmt.Println("=== microconv bench ===")
			fmt.Printf("Model:      %s\n", engine.modelPath)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Parallel:   %d\n", parallel)
			fmt.Printf("Warmup:     %d\n", warmup)
			fmt.Printf("Runs:       %d\n\n", runs)

			var results []benchResult
			for _, mode := range []struct {
				name      string
				reference bool
			}{{"reference", true}, {"fast", false}} {
				opts := engine.options(log)
				opts.ForceReference = mode.reference || engine.forceReference
				log.Info("benchmarking", "mode", mode.name)
				r, err := benchmark(ctx, m, opts, int(warmup), int(runs), int(parallel))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", mode.name, err), 1)
				}
				r.Mode = mode.name
				results = append(results, r)
			}
			printBench(os.Stdout, results)
			if !slices.EqualFunc(results[0].Outputs, results[1].Outputs, slices.Equal[[]float64]) {
				return cli.Exit("error: reference and fast outputs differ", 1)
			}
			return nil
		},
	}
}

// benchmark builds parallel independent interpreters and times runs
// invocations on each. Outputs and paths come from the first interpreter.
func benchmark(ctx context.Context, m *graph.Model, opts graph.Options, warmup, runs, parallel int) (benchResult, error) {
	parallel = max(parallel, 1)
	interps := make([]*graph.Interpreter, 0, parallel)
	defer func() {
		for _, it := range interps {
			it.Close()
		}
	}()
	for range parallel {
		it, err := graph.Build(m, opts)
		if err != nil {
			return benchResult{}, err
		}
		interps = append(interps, it)
	}
	for _, it := range interps {
		for range warmup {
			if err := it.Invoke(ctx); err != nil {
				return benchResult{}, err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	start := time.Now()
	for _, it := range interps {
		g.Go(func() error {
			for range runs {
				if err := it.Invoke(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}

	r := benchResult{Invocations: runs * parallel, Elapsed: time.Since(start)}
	first := interps[0]
	for _, n := range first.Nodes() {
		r.Paths = append(r.Paths, n.LastPath.String())
	}
	for _, name := range first.Outputs() {
		t, _ := first.Tensor(name)
		r.Outputs = append(r.Outputs, graph.SpecOf(t).Data)
	}
	return r, nil
}

func printBench(w io.Writer, results []benchResult) {
	_, _ = fmt.Fprintf(w, "%-10s %12s %14s %s\n", "Mode", "Invocations", "Per invoke", "Paths")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%-10s %12d %14s %v\n", r.Mode, r.Invocations, r.perInvoke(), r.Paths)
	}
	if len(results) == 2 && results[1].perInvoke() > 0 {
		_, _ = fmt.Fprintf(w, "\nSpeedup: %.2fx\n", float64(results[0].perInvoke())/float64(results[1].perInvoke()))
	}
}
