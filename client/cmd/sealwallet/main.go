// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"decred.org/sealwallet/client/app"
	"decred.org/sealwallet/client/core"
	"decred.org/sealwallet/seal"
	"github.com/prometheus/client_golang/prometheus"
)

const appName = "sealwallet"

var log seal.Logger = seal.Disabled

func main() {
	// Wrap the actual main so defers run in it.
	err := mainCore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code := core.ErrorCode(err); code > 0 {
			os.Exit(1 + code)
		}
		os.Exit(1)
	}
	os.Exit(0)
}

func mainCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, args, err := configure()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if len(args) == 0 {
		printUsage()
		return errors.New("no command")
	}
	cmd, found := commands[args[0]]
	if !found {
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < cmd.minArgs || len(args)-1 > cmd.maxArgs {
		return fmt.Errorf("usage: %s %s %s", appName, args[0], cmd.usage)
	}

	// Initialize logging.
	utc := !cfg.LocalLogs
	logMaker, closeLogs, err := app.InitLogging(cfg.LogPath, cfg.DebugLevel, cfg.LogStdout, utc)
	if err != nil {
		return err
	}
	defer closeLogs()
	log = logMaker.Logger("SWLT")
	log.Infof("%s version %v (Go version %s) on %s, command %q", appName, app.Version,
		runtime.Version(), cfg.Net, args[0])
	if utc {
		log.Infof("Logging with UTC time stamps. Current local time is %v",
			time.Now().Local().Format("15:04:05 MST"))
	}

	// Stop at the next safe point on ctrl+c. Claims resume on the next run.
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt)
	go func() {
		<-killChan
		log.Infof("Shutting down...")
		cancel()
	}()

	sc, err := cfg.ConnectIndexer(appCtx, logMaker.Logger("ELEC"))
	if err != nil {
		return fmt.Errorf("error connecting to indexer %s: %w", cfg.IndexerAddr, err)
	}
	defer func() {
		sc.Shutdown()
		<-sc.Done()
	}()

	w, err := core.New(cfg.Core(logMaker, sc, prometheus.NewRegistry()))
	if err != nil {
		return fmt.Errorf("error loading wallet: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Errorf("Error closing wallet: %v", err)
		}
	}()

	res, err := cmd.run(appCtx, w, cfg, args[1:])
	if err != nil {
		return err
	}
	return printResult(res)
}
