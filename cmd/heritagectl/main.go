// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// heritagectl manages heritage schedules: Taproot outputs that the owner can
// spend at any time and that pass to heirs, tier by tier, after the owner has
// stopped moving coins for long enough.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command. Options are read from
// the config file first so that the command line overrides them.
func run(args []string) error {
	cfg := defaultConfig()

	// Pre-parse the command line to find the config file. Commands and
	// their options are handled by the second parser.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return err
	}

	parser, err := newParser(&cfg)
	if err != nil {
		return err
	}

	// The config file lives in the app data dir unless named explicitly.
	explicit := preCfg.ConfigFile != defaultConfigFile
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	if !explicit && preCfg.AppDataDir != defaultAppDataDir {
		configFile = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir),
			defaultConfigFilename,
		)
	}
	if err := loadConfigFile(parser, configFile, explicit); err != nil {
		return err
	}

	_, err = parser.ParseArgs(args)

	return err
}

// newParser returns the parser of every command. Before a command runs the
// config is validated and logging is set up.
func newParser(cfg *config) (*flags.Parser, error) {
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)

	if err := addCommands(parser, &app{cfg: cfg}); err != nil {
		return nil, err
	}

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}

		if err := cfg.validate(); err != nil {
			return err
		}

		logFile := filepath.Join(cfg.logDir(), defaultLogFilename)
		if cfg.MaxLogFiles > 0 {
			err := initLogRotator(
				logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles,
			)
			if err != nil {
				return err
			}
			defer closeLogRotator()
		}

		return cmd.Execute(args)
	}

	return parser, nil
}
