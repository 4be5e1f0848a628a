// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"decred.org/sealwallet/seal"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const (
	maxLogRolls = 16
)

var (
	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator
	// The observed output store stays at info unless set explicitly.
	defaultLogLevelMap = map[string]slog.Level{"UTXO": slog.LevelInfo}
)

// logWriter implements an io.Writer that outputs to a rotating log file.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

// Write writes the data in p to the log file.
func (w logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// InitLogging initializes the logging rotater to write logs to logFile and
// create roll files in the same directory. InitLogging must be called before
// the package-global log rotator variables are used.
func InitLogging(logFilename, lvl string, stdout bool, utc bool) (lm *seal.LoggerMaker, closeFn func(), err error) {
	logDirectory := filepath.Dir(logFilename)
	if err = os.MkdirAll(logDirectory, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err = rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err = seal.NewLoggerMaker(&logWriter{logRotator, stdout}, lvl, utc)
	if err != nil {
		logRotator.Close()
		return nil, nil, fmt.Errorf("failed to create custom logger: %w", err)
	}
	lm.SetLevelsFromMap(defaultLogLevelMap)
	return lm, func() {
		logRotator.Close()
	}, nil
}
