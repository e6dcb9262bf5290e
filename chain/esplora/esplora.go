// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package esplora implements a chain.Source over the Esplora REST API.
package esplora

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	// chainPageSize is the number of confirmed transactions Esplora
	// returns per history page.
	chainPageSize = 25

	// maxHistoryPages bounds the pages fetched per address.
	maxHistoryPages = 400

	// maxBodySize bounds the size of a response body.
	maxBodySize = 16 << 20
)

var (
	// MaxNumOfFailingRequests is the number of requests after which the
	// circuit breaker starts evaluating the failure ratio.
	MaxNumOfFailingRequests = 10

	// FailingRatio is the failure ratio that opens the circuit breaker.
	FailingRatio = 0.6
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("not found")
)

// Config holds the options of an Esplora client.
type Config struct {
	// URL is the base URL of the API, e.g. https://blockstream.info/api.
	URL string

	// ChainParams are the parameters of the network the API serves.
	ChainParams *chaincfg.Params

	// RequestsPerSecond limits the request rate. Zero disables limiting.
	RequestsPerSecond int

	// Concurrency bounds the number of histories fetched in parallel.
	Concurrency int

	// Timeout is the timeout of a single request.
	Timeout time.Duration

	// HTTPClient overrides the HTTP client used.
	HTTPClient *http.Client
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("missing esplora config")
	}

	if c.URL == "" {
		return errors.New("missing esplora url")
	}

	if c.ChainParams == nil {
		return errors.New("missing chain params config")
	}

	if c.RequestsPerSecond < 0 {
		return errors.New("requests per second must be positive")
	}

	return nil
}

// Client is an Esplora backed chain.Source.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter ratelimit.Limiter

	// medianTimes caches the median time past per block hash.
	mtx         sync.Mutex
	medianTimes map[chainhash.Hash]int64
}

// A compile-time check to ensure that Client satisfies the chain.Source
// interface.
var _ chain.Source = (*Client)(nil)

// New returns a client for the API at cfg.URL. No request is made.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		http:        httpClient,
		breaker:     newCircuitBreaker(cfg.URL),
		limiter:     limiter,
		medianTimes: make(map[chainhash.Hash]int64),
	}, nil
}

// newCircuitBreaker returns a breaker that opens once more than
// MaxNumOfFailingRequests requests were made and at least FailingRatio of
// them failed.
func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) /
				float64(counts.Requests)

			return int(counts.Requests) > MaxNumOfFailingRequests &&
				ratio >= FailingRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("Esplora circuit breaker %s: %v -> %v", name,
				from, to)
		},
	})
}

// BackEnd returns the name of the backend.
func (c *Client) BackEnd() string {
	return "esplora"
}

// get fetches path and returns the response body.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	c.limiter.Take()

	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodGet, c.baseURL+path, nil,
		)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)

		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("GET %s: %s: %s", path,
				resp.Status, strings.TrimSpace(string(body)))
		}

		return body, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):

		return nil, fmt.Errorf("%w: %w", chain.ErrBackendUnavailable, err)

	case err != nil:
		return nil, err
	}

	return body.([]byte), nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}

	return nil
}

// Tip returns the height and median time past of the best block.
func (c *Client) Tip(ctx context.Context) (heritage.ChainPoint, error) {
	body, err := c.get(ctx, "/blocks/tip/hash")
	if err != nil {
		return heritage.ChainPoint{}, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return heritage.ChainPoint{}, err
	}

	b, err := c.block(ctx, hash)
	if err != nil {
		return heritage.ChainPoint{}, err
	}

	return heritage.NewChainPoint(b.Height, time.Unix(b.MedianTime, 0)), nil
}

func (c *Client) block(ctx context.Context, hash *chainhash.Hash) (*block,
	error) {

	var b block
	if err := c.getJSON(ctx, "/block/"+hash.String(), &b); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	c.medianTimes[*hash] = b.MedianTime
	c.mtx.Unlock()

	return &b, nil
}

// medianTime returns the median time past of a block, fetching it once.
func (c *Client) medianTime(ctx context.Context,
	hash *chainhash.Hash) (time.Time, error) {

	c.mtx.Lock()
	mtp, ok := c.medianTimes[*hash]
	c.mtx.Unlock()

	if ok {
		return time.Unix(mtp, 0), nil
	}

	b, err := c.block(ctx, hash)
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(b.MedianTime, 0), nil
}

// history returns every transaction of address, mempool included.
func (c *Client) history(ctx context.Context, address string) ([]tx, error) {
	var page []tx
	err := c.getJSON(ctx, "/address/"+address+"/txs", &page)
	if err != nil {
		return nil, err
	}

	txs := page
	lastSeen, confirmed := lastConfirmed(page)

	for i := 0; confirmed >= chainPageSize && i < maxHistoryPages; i++ {
		page = nil
		err := c.getJSON(
			ctx, "/address/"+address+"/txs/chain/"+lastSeen, &page,
		)
		if err != nil {
			return nil, err
		}

		if len(page) == 0 {
			break
		}

		txs = append(txs, page...)
		lastSeen, confirmed = lastConfirmed(page)
	}

	return txs, nil
}

// lastConfirmed returns the last confirmed txid of a page and the number of
// confirmed transactions in it.
func lastConfirmed(page []tx) (string, int) {
	var (
		last  string
		count int
	)
	for _, t := range page {
		if t.Status.Confirmed {
			last = t.Txid
			count++
		}
	}

	return last, count
}

// ConfirmedEvents returns every input spending an output locked to one of
// pkScripts.
func (c *Client) ConfirmedEvents(ctx context.Context,
	pkScripts [][]byte) ([]chain.SpendEvent, error) {

	addresses := make([]string, 0, len(pkScripts))
	for _, script := range pkScripts {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			script, c.cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}
		if len(addrs) != 1 {
			return nil, fmt.Errorf("script %x has no address",
				script)
		}

		addresses = append(addresses, addrs[0].EncodeAddress())
	}

	var (
		mtx sync.Mutex
		txs = make(map[string]tx)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, addr := range addresses {
		g.Go(func() error {
			history, err := c.history(gctx, addr)
			if err != nil {
				return fmt.Errorf("address %s: %w", addr, err)
			}

			log.Debugf("Fetched %d transactions of %s", len(history),
				addr)

			mtx.Lock()
			for _, t := range history {
				txs[t.Txid] = t
			}
			mtx.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	watched := chain.NewWatchSet(pkScripts)

	var events []chain.SpendEvent
	for _, t := range txs {
		evs, err := c.txEvents(ctx, t, watched)
		if err != nil {
			return nil, fmt.Errorf("tx %s: %w", t.Txid, err)
		}

		events = append(events, evs...)
	}

	chain.SortEvents(events)

	return events, nil
}

// txEvents returns the events of the inputs of t spending watched outputs.
func (c *Client) txEvents(ctx context.Context, t tx,
	watched chain.WatchSet) ([]chain.SpendEvent, error) {

	var events []chain.SpendEvent
	for i, in := range t.Vin {
		if in.IsCoinbase || in.Prevout == nil {
			continue
		}

		script, err := hex.DecodeString(in.Prevout.ScriptPubKey)
		if err != nil {
			return nil, err
		}

		if !watched.Contains(script) {
			continue
		}

		ev, err := c.spendEvent(ctx, t, i, script)
		if err != nil {
			return nil, err
		}

		events = append(events, ev)
	}

	return events, nil
}

func (c *Client) spendEvent(ctx context.Context, t tx, index int,
	script []byte) (chain.SpendEvent, error) {

	in := t.Vin[index]

	txid, err := chainhash.NewHashFromStr(t.Txid)
	if err != nil {
		return chain.SpendEvent{}, err
	}

	prevHash, err := chainhash.NewHashFromStr(in.Txid)
	if err != nil {
		return chain.SpendEvent{}, err
	}

	witness := make(wire.TxWitness, len(in.Witness))
	for j, item := range in.Witness {
		witness[j], err = hex.DecodeString(item)
		if err != nil {
			return chain.SpendEvent{}, err
		}
	}

	ev := chain.SpendEvent{
		Txid:       *txid,
		InputIndex: uint32(index),
		PrevOut:    *wire.NewOutPoint(prevHash, in.Vout),
		PkScript:   script,
		Witness:    witness,
		Confirmed:  t.Status.Confirmed,
	}

	if !t.Status.Confirmed {
		return ev, nil
	}

	blockHash, err := chainhash.NewHashFromStr(t.Status.BlockHash)
	if err != nil {
		return chain.SpendEvent{}, err
	}

	mtp, err := c.medianTime(ctx, blockHash)
	if err != nil {
		return chain.SpendEvent{}, err
	}
	ev.Block = heritage.NewChainPoint(t.Status.BlockHeight, mtp)

	return ev, nil
}
