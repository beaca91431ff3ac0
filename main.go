// Copyright 2025 Gliderbase Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/gliderbase/gliderbase/log"
	"github.com/gliderbase/gliderbase/pkg/engine"
	"github.com/gliderbase/gliderbase/pkg/mission"
	"github.com/gliderbase/gliderbase/pkg/runguard"
)

var mainLog = log.GetLogger("main")

const configFileName = "mission.yaml"

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "gliderbase"
	app.Usage = "reassemble and convert instrument uplink files in a mission directory"
	app.ArgsUsage = "<mission-dir>"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "mission config file (default: <mission-dir>/" + configFileName + ")",
		},
		cli.IntFlag{
			Name:  "instrument",
			Usage: "override the configured instrument id",
			Value: -1,
		},
		cli.IntFlag{
			Name:  "fragment-kb",
			Usage: "override the uplink fragment size in KB (0 discovers it from comm.log)",
			Value: -1,
		},
		cli.IntFlag{
			Name:  "lock-timeout",
			Usage: "seconds to wait for a previous run to stop",
			Value: 0,
		},
		cli.BoolFlag{
			Name:  "ignore-lock",
			Usage: "take over a held conversion lock without waiting",
		},
		cli.BoolFlag{
			Name:  "force",
			Usage: "reprocess every file regardless of the processed-files cache",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "trace|debug|info|warn|error",
			Value: "info",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "redirect logs to a file instead of stderr",
		},
	}
	return app
}

// registerStopHandler cancels ctx when a cooperative-stop or interrupt
// signal arrives, so the run exits at the next group boundary.
func registerStopHandler(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, signalsToHandle...)

	go func() {
		s := <-signalChan
		mainLog.Infof("received signal %v, stopping at the next group boundary", s)
		cancel()
	}()
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s takes exactly one argument.\n\n", c.App.Name)
		mainLog.E(cli.ShowAppHelp(c))
		return fmt.Errorf("invalid arguments")
	}

	log.DefaultLogConfig.Level = c.String("log-level")
	log.InitLoggerRedirect(c.String("log-file"))
	log.SetLoggersConfig(log.DefaultLogConfig)

	missionDir, err := homedir.Expand(c.Args()[0])
	if err != nil {
		return fmt.Errorf("resolve mission directory: %w", err)
	}

	configPath := c.String("config")
	if configPath == "" {
		configPath = filepath.Join(missionDir, configFileName)
	}
	cfg, err := mission.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, mission.ErrConfigMissing) {
			mainLog.Errorf("no mission config found, wrote a template to %s, edit it and rerun", configPath)
		}
		return err
	}
	if v := c.Int("instrument"); v >= 0 {
		cfg.InstrumentID = v
	}
	if v := c.Int("fragment-kb"); v >= 0 {
		cfg.FragmentKB = v
	}
	if v := c.Int("lock-timeout"); v > 0 {
		cfg.LockTimeoutSec = v
	}

	opts := []engine.Option{}
	if c.Bool("force") {
		opts = append(opts, engine.WithForce())
	}
	if c.Bool("ignore-lock") {
		opts = append(opts, engine.WithIgnoreLock())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerStopHandler(cancel)

	result, err := engine.New(missionDir, cfg, opts...).Run(ctx)
	reportResult(result)
	if err != nil {
		if errors.Is(err, runguard.ErrPreviousRunActive) {
			mainLog.Errorf("%v", err)
		}
		return err
	}
	return nil
}

func reportResult(result *engine.RunResult) {
	if result == nil {
		return
	}
	for _, f := range result.ProcessedFiles() {
		mainLog.Infof("processed %s", f)
	}
	for _, f := range result.Incomplete {
		mainLog.Warnf("incomplete %s", filepath.Base(f))
		for _, a := range result.Alerts.For(f) {
			if a.Hint != "" {
				mainLog.Warnf("  %s (%s)", a.Message, a.Hint)
			} else {
				mainLog.Warnf("  %s", a.Message)
			}
		}
	}
}

func main() {
	app := newApp()
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		mainLog.Errorf("conversion failed: %v", err)
		os.Exit(1)
	}
}
