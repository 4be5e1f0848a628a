// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// ledgerd is an in-memory contract ledger. It is the authority on contract
// allocations for sealwallet, and the arbiter of double claims.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"decred.org/sealwallet/server/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Version is the application version.
const Version = "0.1.0-pre"

func mainCore(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load ledgerd config: %v\n", err)
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("ledgerd version %s (Go version %s)", Version, runtime.Version())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := ledger.NewServer(ledger.New(subsystemLoggers["LDGR"]), reg, subsystemLoggers["API"])
	srv.SetRateLimit(cfg.RateLimit, cfg.RateBurst)
	if cfg.RateLimit > 0 {
		log.Infof("Limiting clients to %.2f requests/s, burst %d", cfg.RateLimit, cfg.RateBurst)
	}

	log.Info("The ledger is running. Hit CTRL+C to quit...")
	if err := srv.Run(ctx, cfg.Listen); err != nil {
		return err
	}
	log.Info("Bye!")
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := mainCore(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
