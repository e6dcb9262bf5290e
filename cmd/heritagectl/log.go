// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/chain/btcdrpc"
	"github.com/btcheritage/heritage/chain/esplora"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcheritage/heritage/internal/db/kvdb"
	"github.com/btcheritage/heritage/keys"
	"github.com/btcheritage/heritage/monitor"
	"github.com/btcheritage/heritage/spend"
	"github.com/btcheritage/heritage/wallet"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It is nil until
	// initLogRotator is called.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("HCTL")
	hrtgLog = backendLog.Logger("HRTG")
	mntrLog = backendLog.Logger("MNTR")
	spndLog = backendLog.Logger("SPND")
	keysLog = backendLog.Logger("KEYS")
	chanLog = backendLog.Logger("CHAN")
	rpccLog = backendLog.Logger("RPCC")
	hwdbLog = backendLog.Logger("HWDB")
	wlltLog = backendLog.Logger("WLLT")
)

// Initialize package-global logger variables.
func init() {
	heritage.UseLogger(hrtgLog)
	monitor.UseLogger(mntrLog)
	spend.UseLogger(spndLog)
	keys.UseLogger(keysLog)
	chain.UseLogger(chanLog)
	esplora.UseLogger(chanLog)
	btcdrpc.UseLogger(chanLog)
	rpcclient.UseLogger(rpccLog)
	db.UseLogger(hwdbLog)
	kvdb.UseLogger(hwdbLog)
	wallet.UseLogger(wlltLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"HCTL": log,
	"HRTG": hrtgLog,
	"MNTR": mntrLog,
	"SPND": spndLog,
	"KEYS": keysLog,
	"CHAN": chanLog,
	"RPCC": rpccLog,
	"HWDB": hwdbLog,
	"WLLT": wlltLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxSizeMB, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// closeLogRotator flushes and closes the log rotator if one is running.
func closeLogRotator() {
	if logRotator != nil {
		logRotator.Close()
		logRotator = nil
	}
}

// logLevel parses a level name.
func logLevel(name string) (btclog.Level, bool) {
	return btclog.LevelFromString(strings.ToLower(name))
}

// setLogLevels sets the log level of every subsystem.
func setLogLevels(level btclog.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// parseAndSetDebugLevels parses either a single level applied to every
// subsystem or a comma separated list of subsystem=level pairs, and sets the
// levels accordingly.
func parseAndSetDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		level, ok := logLevel(debugLevel)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}

		setLogLevels(level)

		return nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]", pair)
		}

		subsysID, levelName := fields[0], fields[1]
		logger, ok := subsystemLoggers[subsysID]
		if !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid, supported subsystems %v", subsysID,
				supportedSubsystems())
		}

		level, ok := logLevel(levelName)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", levelName)
		}

		logger.SetLevel(level)
	}

	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)

	return subsystems
}
