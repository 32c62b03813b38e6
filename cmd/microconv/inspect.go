package main

import (
	"context"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/microconv/internal/graph"
)

type inspectNode struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	ID           string `json:"id"`
	DType        string `json:"dtype"`
	Input        string `json:"input"`
	Filter       string `json:"filter"`
	Output       string `json:"output"`
	FastEligible bool   `json:"fast_eligible"`
	Reason       string `json:"reason,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		engine engineFlags
		asJSON bool
	)

	flags := engine.flags()
	flags = append(flags, &cli.BoolFlag{
		Name:        "json",
		Usage:       "print nodes as JSON",
		Destination: &asJSON,
	})

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show graph nodes, shapes and fast-path eligibility",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			it, err := engine.build(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build graph: %v", err), 1)
			}
			defer it.Close()

			if err := printNodes(os.Stdout, it, asJSON); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printNodes(w io.Writer, it *graph.Interpreter, asJSON bool) error {
	nodes := make([]inspectNode, 0)
	for _, n := range it.Nodes() {
		nodes = append(nodes, inspectNode{
			Index:        n.Index,
			Name:         n.Name,
			ID:           n.ID.String(),
			DType:        n.DType.String(),
			Input:        n.InputShape.String(),
			Filter:       n.FilterShape.String(),
			Output:       n.OutputShape.String(),
			FastEligible: n.FastEligible,
			Reason:       n.Reason,
		})
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"name":           it.Name(),
			"inputs":         it.Inputs(),
			"outputs":        it.Outputs(),
			"cache_slots":    it.Arena().Slots(),
			"cache_capacity": it.Arena().Capacity(),
			"nodes":          nodes,
		})
	}

	_, _ = fmt.Fprintf(w, "Graph:    %s\n", it.Name())
	_, _ = fmt.Fprintf(w, "Inputs:   %v\n", it.Inputs())
	_, _ = fmt.Fprintf(w, "Outputs:  %v\n", it.Outputs())
	_, _ = fmt.Fprintf(w, "Cache:    %d slot(s) x %d weights\n\n", it.Arena().Slots(), it.Arena().Capacity())
	_, _ = fmt.Fprintf(w, "%-4s %-16s %-8s %-16s %-16s %-16s %s\n", "#", "Name", "DType", "Input", "Filter", "Output", "Fast path")
	for _, n := range nodes {
		fast := "yes"
		if !n.FastEligible {
			fast = "no (" + n.Reason + ")"
		}
		if _, err := fmt.Fprintf(w, "%-4d %-16s %-8s %-16s %-16s %-16s %s\n",
			n.Index, n.Name, n.DType, n.Input, n.Filter, n.Output, fast); err != nil {
			return err
		}
	}
	return nil
}
