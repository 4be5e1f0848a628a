// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"runtime"

	"decred.org/sealwallet/client/app"
)

// configure parses the configuration, returning it with the command and its
// arguments.
func configure() (*app.Config, []string, error) {
	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified.
	iniCfg := app.DefaultConfig
	preCfg := iniCfg
	if err := app.ParseCLIConfig(&preCfg); err != nil {
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, app.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	appData, configPath := app.ResolveCLIConfigPaths(&preCfg)

	// Load additional config from file.
	args, err := app.ParseFileConfig(configPath, &iniCfg)
	if err != nil {
		return nil, nil, err
	}

	cfg := &iniCfg
	return cfg, args, app.ResolveConfig(appData, cfg)
}
