// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Re-exported levels so that callers need not import slog.
const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff
)

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses a debug level string and creates a LoggerMaker that
// writes to w. The string is either a single level that applies to
// every subsystem ("debug") or a comma-separated list of subsystem=level
// pairs, optionally led by a bare default level ("info,CLMS=trace").
func NewLoggerMaker(w io.Writer, levelSpec string, utc bool) (*LoggerMaker, error) {
	var opts []slog.BackendOption
	if utc {
		opts = append(opts, slog.WithFlags(slog.LUTC))
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(w, opts...),
		DefaultLevel: slog.LevelInfo,
		Levels:       make(map[string]slog.Level),
	}
	if levelSpec == "" {
		return lm, nil
	}
	for _, part := range strings.Split(levelSpec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvlStr, found := strings.Cut(part, "=")
		if !found {
			lvl, ok := slog.LevelFromString(part)
			if !ok {
				return nil, fmt.Errorf("invalid log level %q", part)
			}
			lm.DefaultLevel = lvl
			continue
		}
		lvl, ok := slog.LevelFromString(lvlStr)
		if !ok {
			return nil, fmt.Errorf("invalid log level %q for subsystem %s", lvlStr, name)
		}
		lm.Levels[strings.TrimSpace(name)] = lvl
	}
	return lm, nil
}

// SetLevelsFromMap sets levels for subsystems that were not explicitly
// configured.
func (lm *LoggerMaker) SetLevelsFromMap(lvls map[string]slog.Level) {
	for name, lvl := range lvls {
		if _, set := lm.Levels[name]; !set {
			lm.Levels[name] = lvl
		}
	}
}

// Logger creates a Logger for the subsystem, using a configured level if one
// was given for the name.
func (lm *LoggerMaker) Logger(name string) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	return lm.NewLogger(name, lvl)
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// StdOutLogger creates a Logger that writes to stdout. Useful for tests.
func StdOutLogger(name string, lvl slog.Level) Logger {
	backend := slog.NewBackend(os.Stdout)
	logger := backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
