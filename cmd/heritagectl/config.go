// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/chain/btcdrpc"
	"github.com/btcheritage/heritage/chain/esplora"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcheritage/heritage/internal/db/kvdb"
	"github.com/btcheritage/heritage/monitor"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "heritagectl.conf"
	defaultLogFilename    = "heritagectl.log"
	defaultKeysFilename   = "keys.bin"
	defaultLogLevel       = "info"
	defaultDBBackend      = "bdb"
	defaultChainSource    = "esplora"
	defaultEsploraURL     = "https://blockstream.info/api"
	defaultDBTimeout      = 60 * time.Second
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

var (
	defaultAppDataDir = btcutil.AppDataDir("heritagectl", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir,
		defaultConfigFilename)
)

// config holds the options shared by every command. Options can be set in
// the config file and overridden on the command line.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir string `short:"A" long:"appdata" description:"Application data directory for wallet databases, keys and logs"`

	TestNet3 bool `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`

	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DBBackend   string        `long:"dbbackend" description:"Storage backend {bdb, sqlite, postgres}"`
	DBTimeout   time.Duration `long:"dbtimeout" description:"Timeout for obtaining the bdb file lock"`
	PostgresDSN string        `long:"postgres.dsn" description:"Postgres connection string, required for the postgres backend"`

	ChainSource      string `long:"chainsource" description:"Chain source {esplora, btcd}"`
	EsploraURL       string `long:"esplora.url" description:"Base URL of the Esplora API"`
	EsploraRateLimit int    `long:"esplora.ratelimit" description:"Maximum Esplora requests per second (0 for no limit)"`
	RPCConnect       string `long:"btcd.rpcconnect" description:"Hostname/IP and port of the btcd RPC server"`
	RPCUser          string `long:"btcd.rpcuser" description:"Username for btcd RPC authentication"`
	RPCPass          string `long:"btcd.rpcpass" default-mask:"-" description:"Password for btcd RPC authentication"`
	RPCCert          string `long:"btcd.rpccert" description:"File containing the btcd certificate authority"`
	DisableClientTLS bool   `long:"btcd.noclienttls" description:"Disable TLS for the btcd RPC client"`

	EnforceRules bool          `long:"enforcerules" description:"Reject schedules that violate the heritage guard rails"`
	Aggregation  string        `long:"aggregation" description:"How owner spends across outputs move the reset reference {any-owner-input, unanimous}"`
	SyncInterval time.Duration `long:"syncinterval" description:"Interval between background syncs of the run command"`

	params      *chaincfg.Params
	aggregation monitor.Aggregation
}

// defaultConfig returns the config with every default applied.
func defaultConfig() config {
	return config{
		ConfigFile:     defaultConfigFile,
		AppDataDir:     defaultAppDataDir,
		DebugLevel:     defaultLogLevel,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DBBackend:      defaultDBBackend,
		DBTimeout:      defaultDBTimeout,
		ChainSource:    defaultChainSource,
		EsploraURL:     defaultEsploraURL,
		RPCConnect:     "localhost:8334",
		SyncInterval:   10 * time.Minute,
	}
}

// loadConfigFile parses the INI file at path into the options of parser.
// A missing file is only an error when it was named explicitly.
func loadConfigFile(parser *flags.Parser, path string, explicit bool) error {
	err := flags.NewIniParser(parser).ParseFile(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && !explicit {
		return nil
	}

	return fmt.Errorf("error parsing config file %s: %w", path, err)
}

// validate checks the parsed options and derives the network parameters.
func (c *config) validate() error {
	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)

	numNets := 0
	c.params = &chaincfg.MainNetParams
	if c.TestNet3 {
		numNets++
		c.params = &chaincfg.TestNet3Params
	}
	if c.RegTest {
		numNets++
		c.params = &chaincfg.RegressionNetParams
	}
	if c.SigNet {
		numNets++
		c.params = &chaincfg.SigNetParams
	}
	if numNets > 1 {
		return errors.New("the testnet, regtest and signet params can't " +
			"be used together, choose one")
	}

	if err := parseAndSetDebugLevels(c.DebugLevel); err != nil {
		return err
	}

	switch c.DBBackend {
	case "bdb", "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("the postgres backend needs " +
				"--postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown db backend %q", c.DBBackend)
	}

	switch c.ChainSource {
	case "esplora", "btcd":
	default:
		return fmt.Errorf("unknown chain source %q", c.ChainSource)
	}

	aggregation, err := monitor.ParseAggregation(c.Aggregation)
	if err != nil {
		return err
	}
	c.aggregation = aggregation

	if c.SyncInterval <= 0 {
		return errors.New("sync interval must be positive")
	}

	return nil
}

// netDir is the directory holding the databases of the active network.
func (c *config) netDir() string {
	return filepath.Join(c.AppDataDir, c.params.Name)
}

// logDir is the directory holding the log files.
func (c *config) logDir() string {
	return filepath.Join(c.AppDataDir, "logs", c.params.Name)
}

// keysFile is the path of the encrypted key store.
func (c *config) keysFile() string {
	return filepath.Join(c.netDir(), defaultKeysFilename)
}

// openStore opens the configured storage backend.
func (c *config) openStore() (db.Store, error) {
	if err := os.MkdirAll(c.netDir(), 0o700); err != nil {
		return nil, err
	}

	switch c.DBBackend {
	case "sqlite":
		return db.OpenSQLite(filepath.Join(c.netDir(), "heritage.sqlite"))

	case "postgres":
		return db.OpenPostgres(c.PostgresDSN)

	default:
		return kvdb.Open(
			filepath.Join(c.netDir(), "heritage.db"), c.DBTimeout,
		)
	}
}

// openChain connects to the configured chain source. The returned function
// releases it.
func (c *config) openChain() (chain.Source, func(), error) {
	if c.ChainSource == "btcd" {
		var certs []byte
		if !c.DisableClientTLS && c.RPCCert != "" {
			var err error
			certs, err = os.ReadFile(cleanAndExpandPath(c.RPCCert))
			if err != nil {
				return nil, nil, err
			}
		}

		client, err := btcdrpc.New(&btcdrpc.Config{
			Conn: &rpcclient.ConnConfig{
				Host:         c.RPCConnect,
				User:         c.RPCUser,
				Pass:         c.RPCPass,
				Certificates: certs,
				DisableTLS:   c.DisableClientTLS,
			},
			Chain: c.params,
		})
		if err != nil {
			return nil, nil, err
		}

		return client, client.Stop, nil
	}

	client, err := esplora.New(esplora.Config{
		URL:               c.EsploraURL,
		ChainParams:       c.params,
		RequestsPerSecond: c.EsploraRateLimit,
	})
	if err != nil {
		return nil, nil, err
	}

	return client, func() {}, nil
}

// cleanAndExpandPath expands environment variables and a leading ~ in path.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
