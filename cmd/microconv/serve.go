package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/microconv/internal/api"
	"github.com/samcharles93/microconv/internal/depthwise"
	"github.com/samcharles93/microconv/internal/graph"
	"github.com/samcharles93/microconv/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		engine      engineFlags
		addr        string
		readTimeout time.Duration
	)

	flags := engine.flags()
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the evaluation API; --model also serves a loaded graph",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyServeConfig(cmd, cfg, &addr)
			applyEngineConfig(cmd, cfg, &engine)

			var it *graph.Interpreter
			if engine.modelPath != "" {
				m, err := graph.LoadModel(engine.modelPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
				}
				it, err = graph.Build(m, engine.options(log))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: build graph: %v", err), 1)
				}
				defer it.Close()
				log.Info("graph loaded", "name", it.Name(), "nodes", len(it.Nodes()))
			}

			server := api.NewServer(api.Config{
				Graph:       it,
				Arena:       depthwise.NewArena(int(engine.cacheSlots), int(engine.cacheCapacity)),
				PackedLoads: engine.packedLoads,
				Logger:      log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
