// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/spend"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// parseLock parses a lock such as "now", "180d", "52560b", "@900000" or a
// '+' separated combination like "180d+@900000".
func parseLock(s string) (heritage.TimeLock, error) {
	if s == "now" {
		return heritage.NoWait(), nil
	}

	var lock heritage.TimeLock
	for _, term := range strings.Split(s, "+") {
		switch {
		case strings.HasPrefix(term, "@"):
			h, err := parseUint32(term[1:])
			if err != nil {
				return lock, fmt.Errorf("height %q: %w", term, err)
			}
			lock = lock.WithAbsoluteHeight(h)

		case strings.HasSuffix(term, "b"):
			n, err := parseUint32(strings.TrimSuffix(term, "b"))
			if err != nil {
				return lock, fmt.Errorf("blocks %q: %w", term, err)
			}
			lock = lock.WithRelativeBlocks(n)

		case strings.HasSuffix(term, "d"):
			n, err := parseUint32(strings.TrimSuffix(term, "d"))
			if err != nil {
				return lock, fmt.Errorf("days %q: %w", term, err)
			}
			lock = lock.WithRelativeTime(
				time.Duration(n) * heritage.Day,
			)

		default:
			return lock, fmt.Errorf("unknown lock term %q", term)
		}
	}

	return lock, lock.Validate()
}

// parseTier parses rank:pubkey:lock[:label]. The key is a hex encoded
// compressed public key.
func parseTier(s string) (heritage.Tier, error) {
	fields := strings.SplitN(s, ":", 4)
	if len(fields) < 3 {
		return heritage.Tier{}, fmt.Errorf("tier %q: want "+
			"rank:pubkey:lock[:label]", s)
	}

	rank, err := parseUint32(fields[0])
	if err != nil {
		return heritage.Tier{}, fmt.Errorf("tier rank: %w", err)
	}

	keyBytes, err := hex.DecodeString(fields[1])
	if err != nil {
		return heritage.Tier{}, fmt.Errorf("tier key: %w", err)
	}
	key, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return heritage.Tier{}, fmt.Errorf("tier key: %w", err)
	}

	lock, err := parseLock(fields[2])
	if err != nil {
		return heritage.Tier{}, fmt.Errorf("tier %d lock: %w", rank, err)
	}

	tier := heritage.Tier{
		Rank:        rank,
		SpendingKey: key,
		Unlock:      lock,
	}
	if len(fields) == 4 {
		tier.Label = fields[3]
	}

	return tier, nil
}

// parseTiers parses every tier argument.
func parseTiers(args []string) ([]heritage.Tier, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one --tier is required")
	}

	tiers := make([]heritage.Tier, 0, len(args))
	for _, arg := range args {
		tier, err := parseTier(arg)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}

	return tiers, nil
}

// parseUTXO parses txid:vout:sats:version. The script of the coin is filled
// in from the compiled output of its version.
func parseUTXO(s string) (spend.UTXO, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 4 {
		return spend.UTXO{}, fmt.Errorf("utxo %q: want "+
			"txid:vout:sats:version", s)
	}

	hash, err := chainhash.NewHashFromStr(fields[0])
	if err != nil {
		return spend.UTXO{}, fmt.Errorf("utxo txid: %w", err)
	}

	vout, err := parseUint32(fields[1])
	if err != nil {
		return spend.UTXO{}, fmt.Errorf("utxo vout: %w", err)
	}

	sats, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || sats <= 0 {
		return spend.UTXO{}, fmt.Errorf("utxo value %q is invalid",
			fields[2])
	}

	version, err := parseUint32(fields[3])
	if err != nil {
		return spend.UTXO{}, fmt.Errorf("utxo version: %w", err)
	}

	return spend.UTXO{
		OutPoint: *wire.NewOutPoint(hash, vout),
		Value:    btcutil.Amount(sats),
		Version:  version,
	}, nil
}

// parseOutput parses address:sats into an output paying the address.
func parseOutput(s string, params *chaincfg.Params) (*wire.TxOut, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return nil, fmt.Errorf("output %q: want address:sats", s)
	}

	pkScript, err := addressScript(s[:i], params)
	if err != nil {
		return nil, err
	}

	sats, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || sats <= 0 {
		return nil, fmt.Errorf("output value %q is invalid", s[i+1:])
	}

	return wire.NewTxOut(sats, pkScript), nil
}

// addressScript returns the output script paying addr on params.
func addressScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", addr, err)
	}

	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addr,
			params.Name)
	}

	return txscript.PayToAddrScript(decoded)
}

// parsePrivKeys parses rank=hexkey pairs.
func parsePrivKeys(args []string) (map[uint32]*btcec.PrivateKey, error) {
	privKeys := make(map[uint32]*btcec.PrivateKey, len(args))
	for _, arg := range args {
		rankStr, keyHex, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("key %q: want rank=hexkey", arg)
		}

		rank, err := parseUint32(rankStr)
		if err != nil {
			return nil, fmt.Errorf("key rank: %w", err)
		}

		if _, ok := privKeys[rank]; ok {
			return nil, fmt.Errorf("duplicate key for rank %d", rank)
		}

		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil || len(keyBytes) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("key for rank %d is not 32 hex "+
				"bytes", rank)
		}

		privKeys[rank], _ = btcec.PrivKeyFromBytes(keyBytes)
	}

	return privKeys, nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(n), nil
}
