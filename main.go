package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zallist/slumber-proxy/proxy"
)

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:   "slumber-proxy [config-path]",
		Short: "Transparent L4 proxy that suspends idle containers and wakes them on demand",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args, verbose)
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Paths with spaces may arrive as multiple arguments.
	path := proxy.DefaultConfigPath
	if len(args) > 0 {
		path = strings.Join(args, " ")
	}

	cfg, err := proxy.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := proxy.NewPool(nil)
	defer pool.Close()

	apps := make([]*proxy.App, 0, len(cfg.Applications))
	for i := range cfg.Applications {
		app, err := proxy.NewApp(&cfg.Applications[i], pool)
		if err != nil {
			return fmt.Errorf("cannot initialise application %q: %w",
				cfg.Applications[i].ContainerName, err)
		}
		apps = append(apps, app)
	}

	scheduler, err := proxy.NewSuspendScheduler(ctx, apps)
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
		defer scheduler.Stop()
	}

	if cfg.MetricsPort != 0 {
		go proxy.ServeMetrics(ctx, cfg.MetricsPort)
	}

	var wg sync.WaitGroup
	for _, app := range apps {
		wg.Add(1)
		go func(a *proxy.App) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				slog.Error("application failed", "error", err)
			}
		}(app)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	for _, app := range apps {
		app.Stop()
	}
	wg.Wait()
	return nil
}
