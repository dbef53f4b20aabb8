package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/wsbridge/bridge"
	"github.com/guseggert/wsbridge/bus"
	"github.com/guseggert/wsbridge/config"
	"github.com/guseggert/wsbridge/internal/logger"
	"github.com/guseggert/wsbridge/static"
	"github.com/guseggert/wsbridge/worker"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// workerExitGrace is how long shutdown waits for the worker's stdout to close after it is killed.
const workerExitGrace = 2 * time.Second

type runFunc func(ctx context.Context, cfg config.Config) error

func newApp(out io.Writer, run runFunc) *cli.App {
	return &cli.App{
		Name:   "wsbridge",
		Usage:  "bridge a worker process's stdio to WebSocket clients",
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the worker, the WebSocket bridge and the asset server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "Path to a config file (toml, yaml or json). Defaults to ./wsbridge.* if present.",
					},
					&cli.StringFlag{
						Name:  "listen",
						Usage: "The address for the WebSocket bridge to listen on.",
					},
					&cli.StringFlag{
						Name:  "static-listen",
						Usage: "The address for the asset server to listen on.",
					},
					&cli.StringFlag{
						Name:  "static-root",
						Usage: "The directory of browser assets to serve.",
					},
					&cli.BoolFlag{
						Name:  "no-live-reload",
						Usage: "Don't reload browsers when assets change.",
					},
					&cli.StringFlag{
						Name:  "worker",
						Usage: "The worker executable. Replaces the configured command, including its args.",
					},
					&cli.StringSliceFlag{
						Name:  "worker-arg",
						Usage: "An argument for the worker. Can be repeated.",
					},
					&cli.StringFlag{
						Name:  "worker-dir",
						Usage: "The working directory for the worker.",
					},
					&cli.IntFlag{
						Name:  "buffer",
						Usage: "Number of events buffered per client before the oldest are dropped.",
					},
					&cli.BoolFlag{
						Name:  "exit-with-worker",
						Usage: "Exit when the worker's output ends, instead of leaving clients connected.",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log at debug level, including every worker event.",
					},
				},
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, "Working")

					cfg, err := config.Load(c.String("config"))
					if err != nil {
						return err
					}
					applyFlags(c, &cfg)
					if err := cfg.Validate(); err != nil {
						return fmt.Errorf("invalid config: %w", err)
					}
					return run(c.Context, cfg)
				},
			},
		},
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, "Wrong Command")
			return cli.Exit("", 1)
		},
	}
}

// applyFlags overrides loaded config values with the flags that were set explicitly.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("static-listen") {
		cfg.Static.Listen = c.String("static-listen")
	}
	if c.IsSet("static-root") {
		cfg.Static.Root = c.String("static-root")
	}
	if c.Bool("no-live-reload") {
		cfg.Static.LiveReload = false
	}
	if c.IsSet("worker") {
		cfg.Worker.Command = []string{c.String("worker")}
	}
	if c.IsSet("worker-arg") && len(cfg.Worker.Command) > 0 {
		cfg.Worker.Command = append([]string{cfg.Worker.Command[0]}, c.StringSlice("worker-arg")...)
	}
	if c.IsSet("worker-dir") {
		cfg.Worker.Dir = c.String("worker-dir")
	}
	if c.IsSet("buffer") {
		cfg.Buffer = c.Int("buffer")
	}
	if c.IsSet("exit-with-worker") {
		cfg.ExitWithWorker = c.Bool("exit-with-worker")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
}

// run starts the worker, then serves the bridge and the assets until ctx is done or one of them fails.
func run(ctx context.Context, cfg config.Config) error {
	zl := logger.New(cfg.Debug)
	defer zl.Sync()
	log := zl.Sugar()

	root, err := static.ResolveRoot(cfg.Static.Root)
	if err != nil {
		return err
	}

	events := bus.New(cfg.Buffer)
	ch, err := worker.Start(log.Named("worker"), cfg.WorkerCommand(), events)
	if err != nil {
		return err
	}
	go ch.ReadLoop()

	b := bridge.New(events, ch,
		bridge.WithLogger(zl),
		bridge.WithListenAddr(cfg.Listen),
		bridge.WithReadLimit(cfg.ReadLimit),
		bridge.WithOriginPatterns(cfg.OriginPatterns...),
		bridge.WithWorkerStatus(ch.Running),
	)
	assets := static.New(root,
		static.WithLogger(zl),
		static.WithListenAddr(cfg.Static.Listen),
		static.WithLiveReload(cfg.Static.LiveReload),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return b.Run(groupCtx) })
	group.Go(func() error { return assets.Run(groupCtx) })
	group.Go(func() error {
		select {
		case <-ch.Done():
			if cfg.ExitWithWorker {
				return fmt.Errorf("worker exited with code %d", ch.ExitCode())
			}
			log.Info("worker exited, clients stay connected but no more events will arrive")
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return ch.Stop()
	})
	err = group.Wait()

	select {
	case <-ch.Done():
	case <-time.After(workerExitGrace):
		log.Warn("worker output still open after shutdown")
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stdout, run)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
