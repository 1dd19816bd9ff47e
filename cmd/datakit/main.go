package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/datakit/datakit/pkg/config"
	"github.com/datakit/datakit/pkg/engine"
	"github.com/datakit/datakit/pkg/hostsim"
	"github.com/datakit/datakit/pkg/log"
	"github.com/datakit/datakit/pkg/otelhelper"
	"github.com/datakit/datakit/pkg/registry"
)

func main() {
	cmd := &cli.Command{
		Name:                  "datakit",
		Usage:                 "Run and validate dataflow filter configurations",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:    "validate",
				Aliases: []string{"v"},
				Usage:   "Validate a configuration document and build its graph",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the configuration document (JSON or YAML)",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runValidate(cmd)
				},
			},
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Serve a filtering reverse proxy for a configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the configuration document (JSON or YAML)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "upstream",
						Aliases:  []string{"u"},
						Usage:    "Upstream base URL to proxy to",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "listen",
						Aliases: []string{"l"},
						Usage:   "Listen address",
						Value:   ":8080",
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Sources: cli.EnvVars("DATAKIT_LOG_LEVEL"),
						Value:   "info",
					},
					&cli.BoolFlag{
						Name:  "otel",
						Usage: "Export OpenTelemetry spans for node executions",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx, cmd)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("datakit failed", "error", err)
		os.Exit(1)
	}
}

func runValidate(cmd *cli.Command) error {
	raw, err := os.ReadFile(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("read configuration: %w", err)
	}

	compiled, err := config.LoadAndBuild(raw, registry.Default())
	if err != nil {
		return err
	}

	fmt.Printf("configuration is valid: %d nodes, %d links\n",
		len(compiled.Graph.Order()), len(compiled.Graph.Links()))
	return nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	log.Setup(cmd.String("log-level"))
	logger := log.WithModule("datakit-serve")

	upstream, err := url.Parse(cmd.String("upstream"))
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}

	var compiled, buildErr = loadConfig(cmd.String("config"))
	if buildErr != nil {
		// The proxy stays up and answers 500 with a problem document, so
		// a broken configuration is visible instead of silently absent.
		logger.Error("configuration is invalid, serving inert filter", "error", buildErr)
	}

	opts := []hostsim.ProxyOption{}
	if cmd.Bool("otel") {
		tracer, err := otelhelper.NewTracer(ctx, "datakit")
		if err != nil {
			return fmt.Errorf("initialize tracing: %w", err)
		}
		opts = append(opts, hostsim.WithOTel(tracer))
	}

	proxy := hostsim.NewProxy(compiled, buildErr, upstream, logger, opts...)
	server := &http.Server{Addr: cmd.String("listen"), Handler: proxy}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr, "upstream", upstream.String())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return server.Shutdown(context.Background())
	}
}

func loadConfig(path string) (*engine.Compiled, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	return config.LoadAndBuild(raw, registry.Default())
}
