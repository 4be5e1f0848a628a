// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"decred.org/sealwallet/client/claims"
	"decred.org/sealwallet/client/core"
	"decred.org/sealwallet/client/electrum"
	"decred.org/sealwallet/client/ledger"
	"decred.org/sealwallet/client/txbuilder"
	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is the application version.
const Version = "0.1.0-pre"

const (
	defaultLogLevel      = "info"
	defaultLedgerURL     = "http://127.0.0.1:7250"
	defaultMaxSyncPasses = 10
	configFilename       = "sealwallet.conf"
)

var (
	defaultApplicationDirectory = btcutil.AppDataDir("sealwallet", false)
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
)

// ChainConfig is the connection to the ElectrumX indexer.
type ChainConfig struct {
	IndexerAddr       string `long:"indexer" env:"SEALWALLET_INDEXER" description:"ElectrumX server address (host:port)"`
	IndexerTLS        bool   `long:"indexertls" env:"SEALWALLET_INDEXER_TLS" description:"Connect to the indexer with TLS"`
	IndexerCert       string `long:"indexercert" description:"CA certificate file for the indexer's TLS certificate. System roots if unset."`
	IndexerSkipVerify bool   `long:"indexerskipverify" description:"Don't verify the indexer's TLS certificate. Many ElectrumX servers use self-signed certificates."`
	TorProxy          string `long:"torproxy" env:"SEALWALLET_TORPROXY" description:"Connect to the indexer via TOR (eg. 127.0.0.1:9050)."`
}

// LedgerConfig is the connection to the contract ledger.
type LedgerConfig struct {
	LedgerURL     string        `long:"ledger" env:"SEALWALLET_LEDGER" description:"Contract ledger URL"`
	LedgerTimeout time.Duration `long:"ledgertimeout" description:"Timeout for each ledger request"`
}

// ClaimsConfig is the claim retry policy and sync cadence.
type ClaimsConfig struct {
	MaxClaimAttempts uint32        `long:"maxclaimattempts" description:"Fail a claim after this many unsuccessful attempts. 0 = unlimited."`
	ClaimBackoff     time.Duration `long:"claimbackoff" description:"Initial delay before retrying a claim after a ledger failure"`
	ClaimBackoffMax  time.Duration `long:"claimbackoffmax" description:"Maximum delay between claim retries"`
	SyncInterval     time.Duration `long:"syncinterval" description:"Initial delay between sync passes while claims are unsettled"`
	MaxSyncPasses    int           `long:"maxsyncpasses" description:"Maximum number of passes for the sync command"`
}

// TxConfig are the witness transaction settings.
type TxConfig struct {
	FeeRate   uint64 `long:"feerate" description:"Fee rate for witness transactions (sats/vbyte)"`
	SealValue int64  `long:"sealvalue" description:"Value in sats of outputs created to hold allocations"`
}

// LogConfig encapsulates the logging-related settings.
type LogConfig struct {
	LogPath    string `long:"logpath" description:"A file to save app logs"`
	DebugLevel string `long:"loglevel" env:"SEALWALLET_LOGLEVEL" description:"Logging level {trace, debug, info, warn, error, critical}, optionally with per-subsystem levels, e.g. info,CLMS=debug"`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	LogStdout  bool   `long:"logstdout" description:"Also write logs to stdout"`
}

// Config is the application configuration.
type Config struct {
	ChainConfig
	LedgerConfig
	ClaimsConfig
	TxConfig
	LogConfig

	DBPath         string `long:"db" description:"Wallet database filepath. Created if it does not exist."`
	UtxoDir        string `long:"utxodir" description:"Directory for the observed output store"`
	ConsignmentDir string `long:"consignmentdir" description:"Directory for outgoing consignment files"`
	MetricsFile    string `long:"metricsfile" description:"Prometheus textfile written after every sync pass"`

	// AppData and ConfigPath should be parsed from the command-line,
	// as it makes no sense to set these in the config file itself. If no values
	// are assigned, defaults will be used.
	AppData    string `long:"appdata" env:"SEALWALLET_APPDATA" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	Testnet    bool   `long:"testnet" description:"use testnet"`
	Signet     bool   `long:"signet" description:"use signet"`
	Regtest    bool   `long:"regtest" description:"use regtest"`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit"`

	// Net is a derivative field set by ResolveConfig.
	Net seal.Network
}

// DefaultConfig is the configuration before the file and the command line are
// applied.
var DefaultConfig = Config{
	AppData:    defaultApplicationDirectory,
	ConfigPath: defaultConfigPath,
	LogConfig:  LogConfig{DebugLevel: defaultLogLevel},
	LedgerConfig: LedgerConfig{
		LedgerURL:     defaultLedgerURL,
		LedgerTimeout: claims.DefaultLedgerTimeout,
	},
	ClaimsConfig: ClaimsConfig{
		ClaimBackoff:    claims.DefaultInitialInterval,
		ClaimBackoffMax: claims.DefaultMaxInterval,
		MaxSyncPasses:   defaultMaxSyncPasses,
	},
	TxConfig: TxConfig{
		FeeRate:   txbuilder.DefaultFeeRate,
		SealValue: txbuilder.DefaultSealValue,
	},
}

// ParseCLIConfig parses the command-line arguments into the provided struct
// with go-flags tags. If the --help flag has been passed, the struct is
// described back to the terminal and the program exits using os.Exit.
func ParseCLIConfig(cfg any) error {
	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash|flags.IgnoreUnknown)
	_, flagerr := preParser.Parse()

	if flagerr != nil {
		e, ok := flagerr.(*flags.Error)
		if !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		if ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return flagerr
	}
	return nil
}

// ResolveCLIConfigPaths resolves the app data directory path and the
// configuration file path from the CLI config, (presumably parsed with
// ParseCLIConfig).
func ResolveCLIConfigPaths(cfg *Config) (appData, configPath string) {
	// If the app directory has been changed, replace shortcut chars such
	// as "~" with the full path.
	if cfg.AppData != defaultApplicationDirectory {
		cfg.AppData = seal.CleanAndExpandPath(cfg.AppData)
		// If the app directory has been changed, but the config file path hasn't,
		// reform the config file path with the new directory.
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = seal.CleanAndExpandPath(cfg.ConfigPath)
	return cfg.AppData, cfg.ConfigPath
}

// ParseFileConfig parses the INI file into the provided struct with go-flags
// tags. The CLI args are then parsed, and take precedence over the file values.
// The arguments that are not options are returned.
func ParseFileConfig(path string, cfg any) ([]string, error) {
	parser := flags.NewParser(cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(path)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
		// Missing file is not an error.
	}

	// Parse command line options again to ensure they take precedence.
	args, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}
	return args, nil
}

// ResolveConfig sets derivative fields of the Config struct using the specified
// app data directory (presumably returned from ResolveCLIConfigPaths). Some
// unset values are given defaults.
func ResolveConfig(appData string, cfg *Config) error {
	var nets int
	for _, b := range []bool{cfg.Testnet, cfg.Signet, cfg.Regtest} {
		if b {
			nets++
		}
	}
	if nets > 1 {
		return fmt.Errorf("only one of testnet, signet and regtest can be specified")
	}

	cfg.AppData = appData
	switch {
	case cfg.Testnet:
		cfg.Net = seal.Testnet
	case cfg.Signet:
		cfg.Net = seal.Signet
	case cfg.Regtest:
		cfg.Net = seal.Regtest
	default:
		cfg.Net = seal.Mainnet
	}
	netDir := filepath.Join(appData, cfg.Net.String())
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return fmt.Errorf("failed to create net directory: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(netDir, "wallet.db")
	}
	if cfg.UtxoDir == "" {
		cfg.UtxoDir = filepath.Join(netDir, "utxos")
	}
	if cfg.ConsignmentDir == "" {
		cfg.ConsignmentDir = filepath.Join(netDir, "consignments")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(netDir, "logs", "sealwallet.log")
	}
	cfg.DBPath = seal.CleanAndExpandPath(cfg.DBPath)
	cfg.UtxoDir = seal.CleanAndExpandPath(cfg.UtxoDir)
	cfg.ConsignmentDir = seal.CleanAndExpandPath(cfg.ConsignmentDir)
	if cfg.MetricsFile != "" {
		cfg.MetricsFile = seal.CleanAndExpandPath(cfg.MetricsFile)
	}
	if cfg.IndexerAddr == "" {
		return fmt.Errorf("no indexer address (--indexer)")
	}
	if cfg.MaxSyncPasses < 1 {
		cfg.MaxSyncPasses = 1
	}
	return nil
}

// ConnectIndexer connects to the ElectrumX server.
func (cfg *Config) ConnectIndexer(ctx context.Context, log seal.Logger) (*electrum.ServerConn, error) {
	opts := &electrum.ConnectOpts{
		TorProxy: cfg.TorProxy,
		Logger:   log,
	}
	if cfg.IndexerTLS {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.IndexerSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		if cfg.IndexerCert != "" {
			pem, err := os.ReadFile(cfg.IndexerCert)
			if err != nil {
				return nil, fmt.Errorf("error reading indexer certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.IndexerCert)
			}
			opts.TLSConfig.RootCAs = pool
		}
	}
	return electrum.ConnectServer(ctx, cfg.IndexerAddr, opts)
}

// Core creates a core.Wallet configuration using the connected indexer.
func (cfg *Config) Core(lm *seal.LoggerMaker, sc *electrum.ServerConn, reg *prometheus.Registry) *core.Config {
	return &core.Config{
		DBPath:           cfg.DBPath,
		UtxoDir:          cfg.UtxoDir,
		ConsignmentDir:   cfg.ConsignmentDir,
		Net:              cfg.Net,
		LoggerMaker:      lm,
		Indexer:          electrum.NewIndexer(sc),
		Broadcaster:      sc,
		Ledger:           ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout, lm.Logger("HTTP")),
		FeeRate:          cfg.FeeRate,
		SealValue:        cfg.SealValue,
		LedgerTimeout:    cfg.LedgerTimeout,
		MaxClaimAttempts: cfg.MaxClaimAttempts,
		ClaimBackoff:     cfg.ClaimBackoff,
		ClaimBackoffMax:  cfg.ClaimBackoffMax,
		SyncInterval:     cfg.SyncInterval,
		Registry:         reg,
		MetricsFile:      cfg.MetricsFile,
	}
}
