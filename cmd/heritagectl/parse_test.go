// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func testPubKeyHex(k byte) string {
	var scalar [32]byte
	scalar[31] = k
	priv, _ := btcec.PrivKeyFromBytes(scalar[:])

	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

// TestParseLock checks the lock grammar.
func TestParseLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    heritage.TimeLock
		wantErr bool
	}{
		{
			name:  "now",
			input: "now",
			want:  heritage.NoWait(),
		},
		{
			name:  "days",
			input: "180d",
			want:  heritage.AfterDuration(180 * heritage.Day),
		},
		{
			name:  "blocks",
			input: "52560b",
			want:  heritage.AfterBlocks(52_560),
		},
		{
			name:  "height",
			input: "@900000",
			want:  heritage.AtHeight(900_000),
		},
		{
			name:  "combined",
			input: "180d+@900000",
			want: heritage.AfterDuration(180 * heritage.Day).
				WithAbsoluteHeight(900_000),
		},
		{
			name:    "blocks and time",
			input:   "10b+10d",
			wantErr: true,
		},
		{
			name:    "unknown unit",
			input:   "10w",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "overflow",
			input:   "5000000000b",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			lock, err := parseLock(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want.String(), lock.String())
		})
	}
}

// TestParseTier checks tier arguments.
func TestParseTier(t *testing.T) {
	t.Parallel()

	key := testPubKeyHex(2)

	tier, err := parseTier("1:" + key + ":180d:alice:smith")
	require.NoError(t, err)
	require.Equal(t, uint32(1), tier.Rank)
	require.Equal(t, key,
		hex.EncodeToString(tier.SpendingKey.SerializeCompressed()))
	require.Equal(t, "alice:smith", tier.Label)
	require.Equal(t, time.Duration(180)*heritage.Day,
		tier.Unlock.RelativeTime.UnwrapOr(0))

	tier, err = parseTier("0:" + key + ":now")
	require.NoError(t, err)
	require.Empty(t, tier.Label)

	for _, bad := range []string{
		"1:" + key,
		"x:" + key + ":now",
		"1:zz:now",
		"1:" + key[:10] + ":now",
		"1:" + key + ":soon",
	} {
		_, err := parseTier(bad)
		require.Error(t, err, bad)
	}

	_, err = parseTiers(nil)
	require.Error(t, err)
}

// TestParseUTXO checks coin arguments.
func TestParseUTXO(t *testing.T) {
	t.Parallel()

	txid := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

	utxo, err := parseUTXO(txid + ":1:50000:2")
	require.NoError(t, err)
	require.Equal(t, txid, utxo.OutPoint.Hash.String())
	require.Equal(t, uint32(1), utxo.OutPoint.Index)
	require.Equal(t, btcutil.Amount(50_000), utxo.Value)
	require.Equal(t, uint32(2), utxo.Version)
	require.Nil(t, utxo.PkScript)

	for _, bad := range []string{
		txid + ":1:50000",
		"nothex:1:50000:1",
		txid + ":-1:50000:1",
		txid + ":1:0:1",
		txid + ":1:50000:v1",
	} {
		_, err := parseUTXO(bad)
		require.Error(t, err, bad)
	}
}

// TestParseOutput checks payment arguments and the network check.
func TestParseOutput(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams

	// P2WPKH of the zero hash on regtest.
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), params,
	)
	require.NoError(t, err)

	out, err := parseOutput(addr.String()+":40000", params)
	require.NoError(t, err)
	require.Equal(t, int64(40_000), out.Value)
	require.Equal(t, append([]byte{0x00, 0x14}, make([]byte, 20)...),
		out.PkScript)

	_, err = parseOutput(addr.String(), params)
	require.Error(t, err)

	_, err = parseOutput(addr.String()+":0", params)
	require.Error(t, err)

	_, err = parseOutput(addr.String()+":1000",
		&chaincfg.MainNetParams)
	require.Error(t, err)
}

// TestParsePrivKeys checks key store arguments.
func TestParsePrivKeys(t *testing.T) {
	t.Parallel()

	one := "0000000000000000000000000000000000000000000000000000000000000001"

	privKeys, err := parsePrivKeys([]string{"0=" + one})
	require.NoError(t, err)
	require.Len(t, privKeys, 1)
	require.Equal(t, testPubKeyHex(1), hex.EncodeToString(
		privKeys[0].PubKey().SerializeCompressed(),
	))

	_, err = parsePrivKeys([]string{"0=" + one, "0=" + one})
	require.Error(t, err)

	_, err = parsePrivKeys([]string{one})
	require.Error(t, err)

	_, err = parsePrivKeys([]string{"0=abcd"})
	require.Error(t, err)
}
