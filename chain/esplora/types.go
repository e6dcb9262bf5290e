// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package esplora

// txStatus is the confirmation status of a transaction.
type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type prevout struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

type vin struct {
	Txid       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	Prevout    *prevout `json:"prevout"`
	Witness    []string `json:"witness"`
	Sequence   uint32   `json:"sequence"`
	IsCoinbase bool     `json:"is_coinbase"`
}

// tx is a transaction as returned by the history endpoints.
type tx struct {
	Txid   string   `json:"txid"`
	Vin    []vin    `json:"vin"`
	Status txStatus `json:"status"`
}

// block is a block header as returned by /block/:hash.
type block struct {
	ID         string `json:"id"`
	Height     uint32 `json:"height"`
	Timestamp  int64  `json:"timestamp"`
	MedianTime int64  `json:"mediantime"`
}
