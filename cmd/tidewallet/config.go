package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "tidewallet.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "tidewallet.log"
	defaultDebugLevel     = "info"
	defaultGapLimit       = 20
	defaultRollbackWindow = 100
)

var defaultDataDir = btcutil.AppDataDir("tidewallet", false)

// config holds the command line and config file options. Every command
// shares the same set; commands ignore options they do not use.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"d" long:"datadir" description:"Directory to store the wallet database and logs"`
	Testnet     bool   `long:"testnet" description:"Use the test network"`
	DebugLevel  string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	ElectrumServer string `short:"e" long:"server" description:"Electrum server to connect to (host:port)"`
	NoTLS          bool   `long:"notls" description:"Connect to the Electrum server without TLS"`

	GapLimit       uint32 `long:"gaplimit" description:"Consecutive unused addresses probed past the last used one"`
	RollbackWindow int32  `long:"rollbackwindow" description:"Blocks a reorged ledger entry is retained before being forgotten"`

	To          string  `long:"to" description:"Recipient address (send)"`
	Amount      float64 `long:"amount" description:"Amount to send in BTC (send)"`
	FeeRate     int64   `long:"feerate" description:"Fee rate in sat/kvB (send)"`
	Unconfirmed bool    `long:"unconfirmed" description:"Allow spending unconfirmed outputs (send)"`
}

// chainParams maps the network selection onto chaincfg parameters.
func (c *config) chainParams() *chaincfg.Params {
	if c.Testnet {
		return &chaincfg.TestNet3Params
	}

	return &chaincfg.MainNetParams
}

// netDataDir is the per-network directory the wallet database lives in.
func (c *config) netDataDir() string {
	return filepath.Join(c.DataDir, c.chainParams().Name)
}

// loadConfig parses the command line, merges the optional config file, and
// returns the remaining arguments (the command and its operands).
func loadConfig() (*config, []string, error) {
	cfg := &config{
		DataDir:        defaultDataDir,
		DebugLevel:     defaultDebugLevel,
		GapLimit:       defaultGapLimit,
		RollbackWindow: defaultRollbackWindow,
	}

	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.Parse(); err != nil {
		return nil, nil, err
	}

	if cfg.ShowVersion {
		fmt.Printf("tidewallet version %s\n", version)
		os.Exit(0)
	}

	configFile := cfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(
			cfg.DataDir, defaultConfigFilename,
		)
	}

	// The config file is optional; explicitly given paths must exist.
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	iniParser := flags.NewIniParser(parser)
	if err := iniParser.ParseFile(configFile); err != nil {
		if cfg.ConfigFile != "" || !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("parsing config file: %w",
				err)
		}
	}

	// Command line options override config file values.
	remaining, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(cfg.netDataDir(), 0700); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	return cfg, remaining, nil
}
