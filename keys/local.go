// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/tlv"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 32
	nonceSize = 24
	keySize   = 32

	// storeVersion is the version of the encrypted store encoding.
	storeVersion uint8 = 0

	// Serialized key entries are a rank followed by a 32 byte scalar or
	// a 33 byte compressed public key.
	privEntrySize = 4 + 32
	pubEntrySize  = 4 + 33
)

const (
	typeStoreVersion tlv.Type = 0
	typeScryptN      tlv.Type = 1
	typeScryptR      tlv.Type = 2
	typeScryptP      tlv.Type = 3
	typeSalt         tlv.Type = 4
	typeNonce        tlv.Type = 5
	typePubKeys      tlv.Type = 6
	typeCiphertext   tlv.Type = 7
)

var (
	// ErrWrongPassphrase is returned when unlocking with the wrong
	// passphrase.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrCorruptStore is returned when encrypted store data cannot be
	// parsed.
	ErrCorruptStore = errors.New("corrupt key store")
)

// ScryptParams are the key stretching parameters of a LocalStore.
type ScryptParams struct {
	N, R, P uint32
}

// DefaultScryptParams are the parameters used for new stores.
var DefaultScryptParams = ScryptParams{N: 1 << 18, R: 8, P: 1}

// LocalStore keeps tier private keys encrypted at rest with a passphrase.
// Public keys stay readable while the store is locked, private keys only
// live in memory between Unlock and Lock.
type LocalStore struct {
	mu sync.Mutex

	params     ScryptParams
	salt       []byte
	nonce      []byte
	ciphertext []byte
	pubKeys    map[uint32]*btcec.PublicKey

	privKeys map[uint32]*btcec.PrivateKey
}

var _ Provider = (*LocalStore)(nil)

// NewLocalStore encrypts keys, indexed by tier rank, with passphrase. The
// returned store is locked.
func NewLocalStore(passphrase []byte, keys map[uint32]*btcec.PrivateKey,
	params ScryptParams) (*LocalStore, error) {

	if len(keys) == 0 {
		return nil, errors.New("no keys to store")
	}

	ranks := sortedRanks(keys)

	plaintext := make([]byte, 0, len(keys)*privEntrySize)
	pubKeys := make(map[uint32]*btcec.PublicKey, len(keys))
	for _, rank := range ranks {
		plaintext = appendRank(plaintext, rank)
		plaintext = append(plaintext, keys[rank].Serialize()...)
		pubKeys[rank] = keys[rank].PubKey()
	}
	defer zero(plaintext)

	s := &LocalStore{
		params:  params,
		salt:    make([]byte, saltSize),
		nonce:   make([]byte, nonceSize),
		pubKeys: pubKeys,
	}

	if _, err := rand.Read(s.salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(s.nonce); err != nil {
		return nil, err
	}

	secret, err := s.deriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(secret[:])

	var nonce [nonceSize]byte
	copy(nonce[:], s.nonce)
	s.ciphertext = secretbox.Seal(nil, plaintext, &nonce, secret)

	return s, nil
}

// OpenLocalStore parses an encrypted store produced by Bytes. The returned
// store is locked.
func OpenLocalStore(data []byte) (*LocalStore, error) {
	var (
		version uint8
		s       LocalStore
		pubs    []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeStoreVersion, &version),
		tlv.MakePrimitiveRecord(typeScryptN, &s.params.N),
		tlv.MakePrimitiveRecord(typeScryptR, &s.params.R),
		tlv.MakePrimitiveRecord(typeScryptP, &s.params.P),
		tlv.MakePrimitiveRecord(typeSalt, &s.salt),
		tlv.MakePrimitiveRecord(typeNonce, &s.nonce),
		tlv.MakePrimitiveRecord(typePubKeys, &pubs),
		tlv.MakePrimitiveRecord(typeCiphertext, &s.ciphertext),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptStore, err)
	}

	switch {
	case version != storeVersion:
		return nil, fmt.Errorf("%w: unknown version %d",
			ErrCorruptStore, version)

	case len(s.salt) != saltSize || len(s.nonce) != nonceSize:
		return nil, fmt.Errorf("%w: bad salt or nonce", ErrCorruptStore)

	case len(pubs) == 0 || len(pubs)%pubEntrySize != 0:
		return nil, fmt.Errorf("%w: bad public key list",
			ErrCorruptStore)
	}

	s.pubKeys = make(map[uint32]*btcec.PublicKey, len(pubs)/pubEntrySize)
	for off := 0; off < len(pubs); off += pubEntrySize {
		rank := readRank(pubs[off:])

		pub, err := btcec.ParsePubKey(pubs[off+4 : off+pubEntrySize])
		if err != nil {
			return nil, fmt.Errorf("%w: rank %d: %w",
				ErrCorruptStore, rank, err)
		}
		s.pubKeys[rank] = pub
	}

	return &s, nil
}

// Bytes returns the encrypted store. It contains no private material in
// the clear.
func (s *LocalStore) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pubs := make([]byte, 0, len(s.pubKeys)*pubEntrySize)
	for _, rank := range sortedRanks(s.pubKeys) {
		pubs = appendRank(pubs, rank)
		pubs = append(pubs, s.pubKeys[rank].SerializeCompressed()...)
	}

	var (
		version = storeVersion
		n       = s.params.N
		r       = s.params.R
		p       = s.params.P
		salt    = s.salt
		nonce   = s.nonce
		ct      = s.ciphertext
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeStoreVersion, &version),
		tlv.MakePrimitiveRecord(typeScryptN, &n),
		tlv.MakePrimitiveRecord(typeScryptR, &r),
		tlv.MakePrimitiveRecord(typeScryptP, &p),
		tlv.MakePrimitiveRecord(typeSalt, &salt),
		tlv.MakePrimitiveRecord(typeNonce, &nonce),
		tlv.MakePrimitiveRecord(typePubKeys, &pubs),
		tlv.MakePrimitiveRecord(typeCiphertext, &ct),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unlock decrypts the private keys into memory.
func (s *LocalStore) Unlock(passphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.deriveKey(passphrase)
	if err != nil {
		return err
	}
	defer zero(secret[:])

	var nonce [nonceSize]byte
	copy(nonce[:], s.nonce)

	plaintext, ok := secretbox.Open(nil, s.ciphertext, &nonce, secret)
	if !ok {
		return ErrWrongPassphrase
	}
	defer zero(plaintext)

	if len(plaintext)%privEntrySize != 0 {
		return fmt.Errorf("%w: bad key list", ErrCorruptStore)
	}

	privKeys := make(map[uint32]*btcec.PrivateKey)
	for off := 0; off < len(plaintext); off += privEntrySize {
		rank := readRank(plaintext[off:])
		priv, pub := btcec.PrivKeyFromBytes(
			plaintext[off+4 : off+privEntrySize],
		)

		// The public list is stored in the clear, so make sure it was
		// not swapped for other keys.
		if known, ok := s.pubKeys[rank]; !ok || !known.IsEqual(pub) {
			priv.Zero()
			for _, k := range privKeys {
				k.Zero()
			}

			return fmt.Errorf("%w: public key of rank %d does not "+
				"match", ErrCorruptStore, rank)
		}

		privKeys[rank] = priv
	}

	s.zeroKeys()
	s.privKeys = privKeys

	log.Debugf("Key store unlocked with %d keys", len(privKeys))

	return nil
}

// Lock zeroes the private keys held in memory.
func (s *LocalStore) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zeroKeys()

	log.Debugf("Key store locked")
}

// IsLocked reports whether the private keys are out of memory.
func (s *LocalStore) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.privKeys == nil
}

// PublicKey returns the public key stored for rank. It works while the store
// is locked.
func (s *LocalStore) PublicKey(_ context.Context, rank uint32) (
	*btcec.PublicKey, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	pub, ok := s.pubKeys[rank]
	if !ok {
		return nil, fmt.Errorf("%w: rank %d", ErrUnknownKey, rank)
	}

	return pub, nil
}

// Sign signs req with the key of its rank.
func (s *LocalStore) Sign(_ context.Context, req *SigningRequest) (
	*schnorr.Signature, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.privKeys == nil {
		return nil, ErrLocked
	}

	priv, ok := s.privKeys[req.Rank]
	if !ok {
		return nil, fmt.Errorf("%w: rank %d", ErrUnknownKey, req.Rank)
	}

	xonly := schnorr.SerializePubKey(priv.PubKey())
	if !bytes.Equal(xonly, req.XOnlyKey) {
		return nil, fmt.Errorf("%w: rank %d holds %x, asked for %x",
			ErrUnknownKey, req.Rank, xonly, req.XOnlyKey)
	}

	return schnorr.Sign(priv, req.SigHash[:])
}

func (s *LocalStore) deriveKey(passphrase []byte) (*[keySize]byte, error) {
	key, err := scrypt.Key(
		passphrase, s.salt, int(s.params.N), int(s.params.R),
		int(s.params.P), keySize,
	)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	var secret [keySize]byte
	copy(secret[:], key)

	return &secret, nil
}

// zeroKeys must be called with the mutex held.
func (s *LocalStore) zeroKeys() {
	for _, k := range s.privKeys {
		k.Zero()
	}
	s.privKeys = nil
}

func sortedRanks[V any](m map[uint32]V) []uint32 {
	ranks := make([]uint32, 0, len(m))
	for r := range m {
		ranks = append(ranks, r)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })

	return ranks
}

func appendRank(b []byte, rank uint32) []byte {
	return append(b, byte(rank>>24), byte(rank>>16), byte(rank>>8),
		byte(rank))
}

func readRank(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 |
		uint32(b[3])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
