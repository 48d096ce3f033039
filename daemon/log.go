package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/toneloc/stable-channels/auditlog"
	"github.com/toneloc/stable-channels/backup"
	"github.com/toneloc/stable-channels/build"
	"github.com/toneloc/stable-channels/chainntnfs"
	"github.com/toneloc/stable-channels/channeldb"
	"github.com/toneloc/stable-channels/channelstate"
	"github.com/toneloc/stable-channels/contractcourt"
	"github.com/toneloc/stable-channels/payexec"
	"github.com/toneloc/stable-channels/priceagg"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it write to the backend. When adding a new
// subsystem, add the logger variable here, to subsystemLoggers, and wire it
// via UseLogger in init.
//
// Until the log rotator has been initialized with a log file (early in
// startup, via initLogRotator), log output goes to stdout only.
var (
	logWriter = &build.LogWriter{}

	backendLog = btclog.NewBackend(logWriter)

	logRotator *rotator.Rotator

	ctrlLog = build.NewSubLogger("CTRL", backendLog)
	stlpLog = build.NewSubLogger("STLP", backendLog)
	paggLog = build.NewSubLogger("PAGG", backendLog)
	chstLog = build.NewSubLogger("CHST", backendLog)
	pexeLog = build.NewSubLogger("PEXE", backendLog)
	chdbLog = build.NewSubLogger("CHDB", backendLog)
	audtLog = build.NewSubLogger("AUDT", backendLog)
	cnctLog = build.NewSubLogger("CNCT", backendLog)
	ntfnLog = build.NewSubLogger("NTFN", backendLog)
	bkupLog = build.NewSubLogger("BKUP", backendLog)
)

func init() {
	priceagg.UseLogger(paggLog)
	channelstate.UseLogger(chstLog)
	payexec.UseLogger(pexeLog)
	channeldb.UseLogger(chdbLog)
	auditlog.UseLogger(audtLog)
	contractcourt.UseLogger(cnctLog)
	chainntnfs.UseLogger(ntfnLog)
	backup.UseLogger(bkupLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger,
// used by setLogLevel(s) to adjust verbosity at runtime.
var subsystemLoggers = map[string]btclog.Logger{
	"CTRL": ctrlLog,
	"STLP": stlpLog,
	"PAGG": paggLog,
	"CHST": chstLog,
	"PEXE": pexeLog,
	"CHDB": chdbLog,
	"AUDT": audtLog,
	"CNCT": cnctLog,
	"NTFN": ntfnLog,
	"BKUP": bkupLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxLogFileSize, maxLogFiles int) {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, int64(maxLogFileSize*1024), false, maxLogFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	logWriter.RotatorPipe = pw
	logRotator = r
}

// setLogLevel sets the logging level for the given subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for every subsystem logger to level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// InitLogging wires the rotating text log and per-subsystem debug levels
// from a parsed Config, expected to be called once at process startup
// before any subsystem logs anything. cfg.DebugLevel is either a single
// level applied to every subsystem (e.g. "info") or a comma-separated list
// of "<SUBSYSTEM>=<level>" pairs.
func InitLogging(cfg *Config) {
	initLogRotator(cfg.LogFilePath(), cfg.MaxLogFileSize, cfg.MaxLogFiles)

	if !strings.Contains(cfg.DebugLevel, "=") {
		setLogLevels(cfg.DebugLevel)
		return
	}

	for _, pair := range strings.Split(cfg.DebugLevel, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		setLogLevel(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

// logClosure defers an expensive log message's construction until the
// logger actually decides to print it.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// BackendLog exposes the shared logging backend for subsystems wired up
// outside this package.
func BackendLog() *btclog.Backend {
	return backendLog
}
