package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/tidewallet/tidewallet/chain/electrum"
	"github.com/tidewallet/tidewallet/ledger"
	"github.com/tidewallet/tidewallet/wallet"
)

// logWriter duplicates log output to stdout and the rotated log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	logRotator *rotator.Rotator

	backendLog = btclog.NewBackend(logWriter{})

	log         = backendLog.Logger("TDWL")
	walletLog   = backendLog.Logger("WLLT")
	ledgerLog   = backendLog.Logger("LDGR")
	electrumLog = backendLog.Logger("ELEC")
)

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]btclog.Logger{
	"TDWL": log,
	"WLLT": walletLog,
	"LDGR": ledgerLog,
	"ELEC": electrumLog,
}

func init() {
	wallet.UseLogger(walletLog)
	ledger.UseLogger(ledgerLog)
	electrum.UseLogger(electrumLog)
}

// initLogRotator starts the rotating log file under the data directory.
func initLogRotator(logDir string) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	r, err := rotator.New(
		filepath.Join(logDir, defaultLogFilename), 10*1024, false, 3,
	)
	if err != nil {
		return fmt.Errorf("creating log rotator: %w", err)
	}

	logRotator = r

	return nil
}

// setLogLevels applies one debug level to every subsystem.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid debug level %q", levelStr)
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}
