// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "ledgerd.conf"
	defaultLogFilename    = "ledgerd.log"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultMaxLogZips     = 16
	defaultHost           = "127.0.0.1"
	defaultPort           = "7250"
	defaultRateLimit      = 50
	defaultRateBurst      = 200
)

var (
	defaultAppDataDir = btcutil.AppDataDir("ledgerd", false)
)

// ledgerConf is the data that is required to run the ledger.
type ledgerConf struct {
	Listen    string
	RateLimit float64
	RateBurst int
	LogMaker  *seal.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or subsystem=level pairs. Use show to list subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Listen    string  `long:"listen" env:"LEDGERD_LISTEN" description:"Address on which the ledger API listens"`
	RateLimit float64 `long:"ratelimit" description:"API requests per second allowed per client IP. 0 disables limiting."`
	RateBurst int     `long:"rateburst" description:"API request burst allowed per client IP"`
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*seal.LoggerMaker, error) {
	lm, err := seal.NewLoggerMaker(logWriter{}, debugLevel, true)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
	}
	setLogLevels(lm)
	return lm, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*ledgerConf, error) {
	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile and LogDir are set relative to AppDataDir.
		// They are not to be set here.
		MaxLogZips: defaultMaxLogZips,
		DebugLevel: defaultLogLevel,
		RateLimit:  defaultRateLimit,
		RateBurst:  defaultRateBurst,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("ledgerd version %s (Go version %s %s/%s)\n",
			Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(seal.CleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %w", err)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return nil, err
		}
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	if err := os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	lm, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, err
	}

	listen, err := normalizeNetworkAddress(cfg.Listen, defaultHost, defaultPort)
	if err != nil {
		return nil, err
	}

	return &ledgerConf{
		Listen:    listen,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		LogMaker:  lm,
	}, nil
}
