// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db/kvdb"
	"github.com/btcheritage/heritage/monitor"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestConfigValidate checks the option checks and the derived network.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config)
		params  *chaincfg.Params
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*config) {},
			params: &chaincfg.MainNetParams,
		},
		{
			name:   "signet",
			mutate: func(c *config) { c.SigNet = true },
			params: &chaincfg.SigNetParams,
		},
		{
			name: "two networks",
			mutate: func(c *config) {
				c.TestNet3 = true
				c.RegTest = true
			},
			wantErr: "can't be used together",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *config) { c.DBBackend = "postgres" },
			wantErr: "postgres.dsn",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *config) { c.DBBackend = "leveldb" },
			wantErr: "unknown db backend",
		},
		{
			name:    "unknown chain source",
			mutate:  func(c *config) { c.ChainSource = "electrum" },
			wantErr: "unknown chain source",
		},
		{
			name:    "bad aggregation",
			mutate:  func(c *config) { c.Aggregation = "majority" },
			wantErr: "aggregation",
		},
		{
			name:    "bad level",
			mutate:  func(c *config) { c.DebugLevel = "loud" },
			wantErr: "debug level",
		},
		{
			name:    "bad subsystem",
			mutate:  func(c *config) { c.DebugLevel = "XXXX=debug" },
			wantErr: "subsystem",
		},
		{
			name:    "zero sync interval",
			mutate:  func(c *config) { c.SyncInterval = 0 },
			wantErr: "sync interval",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)

			err := cfg.validate()
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.params.Name, cfg.params.Name)
		})
	}

	cfg := defaultConfig()
	cfg.Aggregation = "unanimous"
	cfg.DebugLevel = "WLLT=debug,HWDB=trace"
	require.NoError(t, cfg.validate())
	require.Equal(t, monitor.AggregateUnanimous, cfg.aggregation)
}

// TestRunConfigFile checks that options come from the config file and that
// the command line overrides them.
func TestRunConfigFile(t *testing.T) {
	dir := t.TempDir()

	conf := "[Application Options]\nregtest=true\ndbbackend=sqlite\n" +
		"maxlogfiles=0\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, defaultConfigFilename), []byte(conf), 0o600,
	))

	require.NoError(t, run([]string{"--appdata", dir, "list"}))
	require.FileExists(t, filepath.Join(dir, "regtest", "heritage.sqlite"))

	require.NoError(t, run([]string{
		"--appdata", dir, "--dbbackend=bdb", "list",
	}))
	require.FileExists(t, filepath.Join(dir, "regtest", "heritage.db"))

	err := run([]string{"--appdata", dir, "--configfile",
		filepath.Join(dir, "missing.conf"), "list"})
	require.ErrorContains(t, err, "missing.conf")
}

// TestRunCreate runs the create command end to end and reads the result back
// from the store.
func TestRunCreate(t *testing.T) {
	dir := t.TempDir()

	origin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	common := []string{
		"--appdata", dir, "--regtest", "--maxlogfiles=0",
	}

	args := append(append([]string{}, common...),
		"create",
		"--tier", "0:"+testPubKeyHex(1)+":now",
		"--tier", "1:"+testPubKeyHex(2)+":180d:alice",
		"--originheight", "800000",
		"--origintime", "1704067200",
		"family",
	)
	require.NoError(t, run(args))

	// A second create of the same ID fails.
	require.Error(t, run(args))

	args = append(append([]string{}, common...),
		"edit",
		"--tier", "0:"+testPubKeyHex(1)+":now",
		"--tier", "1:"+testPubKeyHex(2)+":200d:alice",
		"family",
	)
	require.NoError(t, run(args))

	store, err := kvdb.Open(
		filepath.Join(dir, "regtest", "heritage.db"), time.Second,
	)
	require.NoError(t, err)
	defer store.Close()

	s, err := store.GetSchedule(context.Background(), "family")
	require.NoError(t, err)
	require.Equal(t, uint32(2), s.Version)
	require.True(t, s.Origin.Equal(heritage.NewChainPoint(800_000, origin)))
	require.Len(t, s.Tiers, 2)
	require.Equal(t, "alice", s.Tiers[1].Label)

	outputs, err := store.ListCompiledOutputs(
		context.Background(), "family",
	)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	// The descriptors restore the schedule into an empty data dir.
	restoreDir := t.TempDir()
	args = []string{
		"--appdata", restoreDir, "--regtest", "--maxlogfiles=0",
		"restore",
		"--descriptor", outputs[0].Descriptor(),
		"--descriptor", outputs[1].Descriptor(),
		"--originheight", "800000",
		"--origintime", "1704067200",
		"family",
	}
	require.NoError(t, run(args))

	restored, err := kvdb.Open(
		filepath.Join(restoreDir, "regtest", "heritage.db"), time.Second,
	)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.ListCompiledOutputs(
		context.Background(), "family",
	)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range got {
		require.Equal(t, outputs[i].Descriptor(), got[i].Descriptor())
	}
}
