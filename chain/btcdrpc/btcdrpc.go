// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcdrpc implements a chain.Source over the JSON-RPC interface of a
// btcd node running with the address index enabled.
package btcdrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// searchPageSize is the number of transactions requested per
	// searchrawtransactions call.
	searchPageSize = 100

	// medianTimeBlocks is the number of blocks the median time past is
	// computed over.
	medianTimeBlocks = 11
)

// rpcClient is the subset of the btcd RPC client used.
type rpcClient interface {
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlockHeader(blockHash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (
		*btcjson.GetBlockHeaderVerboseResult, error)
	SearchRawTransactionsVerbose(address btcutil.Address, skip, count int,
		includePrevOut, reverse bool, filterAddrs []string) (
		[]*btcjson.SearchRawTransactionsResult, error)
	Shutdown()
}

// Config defines the config options used when initializing the client.
type Config struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines a Bitcoin network by its parameters.
	Chain *chaincfg.Params
}

// validate checks the required config options are set.
func (c *Config) validate() error {
	if c == nil {
		return errors.New("missing rpc config")
	}

	// Make sure the chain params are configed.
	if c.Chain == nil {
		return errors.New("missing chain params config")
	}

	// Make sure connection config is supplied.
	if c.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !c.Conn.DisableTLS && c.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// Client is a btcd backed chain.Source.
type Client struct {
	client      rpcClient
	chainParams *chaincfg.Params

	mtx         sync.Mutex
	blockPoints map[chainhash.Hash]heritage.ChainPoint
}

// A compile-time check to ensure that Client satisfies the chain.Source
// interface.
var _ chain.Source = (*Client)(nil)

// New creates a client for the node described by cfg. Only HTTP POST mode
// is used since no notifications are needed.
func New(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn := *cfg.Conn
	conn.HTTPPostMode = true

	rpc, err := rpcclient.New(&conn, nil)
	if err != nil {
		return nil, err
	}

	return newClient(rpc, cfg.Chain), nil
}

func newClient(rpc rpcClient, params *chaincfg.Params) *Client {
	return &Client{
		client:      rpc,
		chainParams: params,
		blockPoints: make(map[chainhash.Hash]heritage.ChainPoint),
	}
}

// BackEnd returns the name of the driver.
func (c *Client) BackEnd() string {
	return "btcd"
}

// Stop shuts the RPC client down.
func (c *Client) Stop() {
	c.client.Shutdown()
}

// Tip returns the height and median time past of the best block.
func (c *Client) Tip(ctx context.Context) (heritage.ChainPoint, error) {
	if err := ctx.Err(); err != nil {
		return heritage.ChainPoint{}, err
	}

	info, err := c.client.GetBlockChainInfo()
	if err != nil {
		return heritage.ChainPoint{}, fmt.Errorf("%w: %w",
			chain.ErrBackendUnavailable, err)
	}

	return heritage.NewChainPoint(
		uint32(info.Blocks), time.Unix(info.MedianTime, 0),
	), nil
}

// blockPoint returns the height and median time past of a block.
func (c *Client) blockPoint(ctx context.Context,
	hash *chainhash.Hash) (heritage.ChainPoint, error) {

	c.mtx.Lock()
	point, ok := c.blockPoints[*hash]
	c.mtx.Unlock()
	if ok {
		return point, nil
	}

	header, err := c.client.GetBlockHeaderVerbose(hash)
	if err != nil {
		return heritage.ChainPoint{}, err
	}

	mtp, err := c.medianTimePast(ctx, header.Height)
	if err != nil {
		return heritage.ChainPoint{}, err
	}

	point = heritage.NewChainPoint(uint32(header.Height), mtp)

	c.mtx.Lock()
	c.blockPoints[*hash] = point
	c.mtx.Unlock()

	return point, nil
}

// medianTimePast computes the median timestamp of the block at height and
// the ten blocks before it.
func (c *Client) medianTimePast(ctx context.Context,
	height int32) (time.Time, error) {

	timestamps := make([]int64, 0, medianTimeBlocks)
	for h := height; h >= 0 && height-h < medianTimeBlocks; h-- {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}

		hash, err := c.client.GetBlockHash(int64(h))
		if err != nil {
			return time.Time{}, err
		}

		header, err := c.client.GetBlockHeader(hash)
		if err != nil {
			return time.Time{}, err
		}

		timestamps = append(timestamps, header.Timestamp.Unix())
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	return time.Unix(timestamps[len(timestamps)/2], 0), nil
}

// ConfirmedEvents returns every input spending an output locked to one of
// pkScripts. It relies on the node's address index.
func (c *Client) ConfirmedEvents(ctx context.Context,
	pkScripts [][]byte) ([]chain.SpendEvent, error) {

	watched := chain.NewWatchSet(pkScripts)
	byAddress := make(map[string][]byte, len(pkScripts))
	addresses := make([]btcutil.Address, 0, len(pkScripts))
	for _, script := range pkScripts {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			script, c.chainParams,
		)
		if err != nil {
			return nil, err
		}
		if len(addrs) != 1 {
			return nil, fmt.Errorf("script %x has no address",
				script)
		}

		byAddress[addrs[0].EncodeAddress()] = script
		addresses = append(addresses, addrs[0])
	}

	var (
		events []chain.SpendEvent
		seen   = make(map[chainhash.Hash]struct{})
	)
	for _, addr := range addresses {
		results, err := c.search(ctx, addr)
		if err != nil {
			return nil, err
		}

		for _, res := range results {
			evs, err := c.resultEvents(
				ctx, res, watched, byAddress, seen,
			)
			if err != nil {
				return nil, fmt.Errorf("tx %s: %w", res.Txid, err)
			}

			events = append(events, evs...)
		}
	}

	chain.SortEvents(events)

	return events, nil
}

// search pages through the address index for addr.
func (c *Client) search(ctx context.Context,
	addr btcutil.Address) ([]*btcjson.SearchRawTransactionsResult, error) {

	var results []*btcjson.SearchRawTransactionsResult
	for skip := 0; ; skip += searchPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.client.SearchRawTransactionsVerbose(
			addr, skip, searchPageSize, true, false, nil,
		)
		if isNoTxInfo(err) {
			break
		}
		if err != nil {
			return nil, err
		}

		results = append(results, page...)
		if len(page) < searchPageSize {
			break
		}
	}

	log.Debugf("Found %d transactions for %v", len(results), addr)

	return results, nil
}

// isNoTxInfo reports whether err is the error btcd returns when an address
// has no transactions.
func isNoTxInfo(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) &&
		rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

func (c *Client) resultEvents(ctx context.Context,
	res *btcjson.SearchRawTransactionsResult, watched chain.WatchSet,
	byAddress map[string][]byte,
	seen map[chainhash.Hash]struct{}) ([]chain.SpendEvent, error) {

	rawTx, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, err
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}

	txid := tx.TxHash()
	if _, ok := seen[txid]; ok {
		return nil, nil
	}
	seen[txid] = struct{}{}

	prevScript := func(i int) []byte {
		if i >= len(res.Vin) || res.Vin[i].PrevOut == nil {
			return nil
		}

		for _, addr := range res.Vin[i].PrevOut.Addresses {
			if script, ok := byAddress[addr]; ok {
				return script
			}
		}

		return nil
	}

	confirmed := res.Confirmations > 0 && res.BlockHash != ""

	var block heritage.ChainPoint
	if confirmed {
		hash, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return nil, err
		}

		block, err = c.blockPoint(ctx, hash)
		if err != nil {
			return nil, err
		}
	}

	return chain.TxEvents(&tx, watched, prevScript, confirmed, block), nil
}
