// Package log wires the subsystem loggers of acbcminer to a single btclog
// backend writing to standard output and a rotated log file.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MonteCarloClub/acbcminer/mining/cpuminer"
	"github.com/MonteCarloClub/acbcminer/mining/exchange"
	"github.com/MonteCarloClub/acbcminer/mining/host"
	"github.com/MonteCarloClub/acbcminer/mining/scheduler"
	"github.com/MonteCarloClub/acbcminer/mining/stats"
	"github.com/MonteCarloClub/acbcminer/rpcclient"
	"github.com/MonteCarloClub/acbcminer/rpcserver"
	"github.com/MonteCarloClub/acbcminer/store"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// LogWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type LogWriter struct{}

func (LogWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if LogRotator != nil {
		LogRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by calling
// InitLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	// The backend must not be used before the log rotator has been initialized,
	// or data races and/or nil pointer dereferences will occur.
	backendLog = btclog.NewBackend(LogWriter{})

	// LogRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	LogRotator *rotator.Rotator

	AmnrLog = backendLog.Logger("AMNR")
	CpumLog = backendLog.Logger("CPUM")
	MinrLog = backendLog.Logger("MINR")
	RpccLog = backendLog.Logger("RPCC")
	RpcsLog = backendLog.Logger("RPCS")
	SchdLog = backendLog.Logger("SCHD")
	StatLog = backendLog.Logger("STAT")
	StorLog = backendLog.Logger("STOR")
	XchgLog = backendLog.Logger("XCHG")
)

// Initialize package-global logger variables.
func init() {
	cpuminer.UseLogger(CpumLog)
	exchange.UseLogger(XchgLog)
	host.UseLogger(MinrLog)
	rpcclient.UseLogger(RpccLog)
	rpcserver.UseLogger(RpcsLog)
	scheduler.UseLogger(SchdLog)
	stats.UseLogger(StatLog)
	store.UseLogger(StorLog)
}

// SubsystemLoggers maps each subsystem identifier to its associated logger.
var SubsystemLoggers = map[string]btclog.Logger{
	"AMNR": AmnrLog,
	"CPUM": CpumLog,
	"MINR": MinrLog,
	"RPCC": RpccLog,
	"RPCS": RpcsLog,
	"SCHD": SchdLog,
	"STAT": StatLog,
	"STOR": StorLog,
	"XCHG": XchgLog,
}

// InitLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func InitLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	LogRotator = r
}

// SetLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func SetLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := SubsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func SetLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.
	for subsystemID := range SubsystemLoggers {
		SetLogLevel(subsystemID, logLevel)
	}
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func SupportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(SubsystemLoggers))
	for subsysID := range SubsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func ParseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		SetLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := SubsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, SupportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		SetLogLevel(subsysID, logLevel)
	}

	return nil
}
