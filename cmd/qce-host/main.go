// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/meng-xu-cs/qce-host/internal/orchestrator"
	"github.com/meng-xu-cs/qce-host/internal/shm"
)

const name = "qce-host"

var hostLog = logrus.WithFields(logrus.Fields{
	"name":   name,
	"source": "cmd",
	"pid":    os.Getpid(),
})

var runCommand = cli.Command{
	Name:  "run",
	Usage: "drive a snapshot-based coverage-guided fuzzing campaign against one VM",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "workspace",
			Usage: "directory holding the ivshmem backing file and hypervisor monitor socket",
		},
		cli.StringFlag{
			Name:  "corpus",
			Usage: "directory holding the persistent seed queue/tried split and coverage database",
		},
		cli.StringFlag{
			Name:  "output",
			Usage: "directory holding per-session artifacts (coverage, newly discovered seeds)",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "optional TOML file providing defaults for workspace/corpus/output/region-size",
		},
		cli.Int64Flag{
			Name:  "region-size",
			Value: shm.DefaultRegionSize,
			Usage: "byte length of the shared ivshmem region",
		},
		cli.StringFlag{
			Name:  "completion-mode",
			Value: "flag",
			Usage: "VMIO completion-signaling ABI: 'flag' (completed CAS) or 'spin' (spin_guest==2)",
		},
		cli.DurationFlag{
			Name:  "check-interval",
			Value: time.Millisecond,
			Usage: "sleep between busy-poll iterations while monitoring a session",
		},
		cli.BoolFlag{
			Name:  "check",
			Usage: "perform exactly one session without monitoring, then exit (self-test)",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable debug-level logging",
		},
	},
	Action: func(c *cli.Context) error {
		if c.Bool("verbose") {
			logrus.SetLevel(logrus.DebugLevel)
		}

		cfg := orchestrator.DefaultConfig()
		if path := c.String("config"); path != "" {
			if err := orchestrator.LoadConfigFile(&cfg, path); err != nil {
				return err
			}
		}

		if v := c.String("workspace"); v != "" {
			cfg.WorkspaceDir = v
		}
		if v := c.String("corpus"); v != "" {
			cfg.CorpusDir = v
		}
		if v := c.String("output"); v != "" {
			cfg.OutputDir = v
		}
		if v := c.Int64("region-size"); c.IsSet("region-size") && v > 0 {
			cfg.RegionSize = v
		}
		cfg.CheckInterval = c.Duration("check-interval")
		cfg.Check = c.Bool("check")

		mode, err := parseCompletionMode(c.String("completion-mode"))
		if err != nil {
			return err
		}
		cfg.CompletionMode = mode

		if cfg.WorkspaceDir == "" || cfg.CorpusDir == "" || cfg.OutputDir == "" {
			return fmt.Errorf("qce-host: --workspace, --corpus and --output are all required")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		setupSignalHandler(cancel)

		o, err := orchestrator.New(ctx, cfg)
		if err != nil {
			return err
		}

		return o.Run(ctx)
	},
}

func parseCompletionMode(s string) (shm.CompletionMode, error) {
	switch s {
	case "flag":
		return shm.CompletionModeFlag, nil
	case "spin":
		return shm.CompletionModeSpin, nil
	default:
		return 0, fmt.Errorf("qce-host: unrecognized completion mode %q", s)
	}
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		hostLog.WithField("signal", sig).Warn("received signal, cancelling session")
		cancel()
	}()
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "host-side coordinator for a snapshot-based, coverage-guided kernel fuzzer"
	app.Commands = []cli.Command{runCommand}

	if err := app.Run(os.Args); err != nil {
		hostLog.Error(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
