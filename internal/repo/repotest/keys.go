package repotest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	k1ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/repo"
)

// SigningKey signs commits the way a repository host does: a low-s r||s signature over the SHA-256 digest.
type SigningKey interface {
	Sign(data []byte) []byte
	Public() repo.PublicKey
}

type p256Signer struct {
	priv *ecdsa.PrivateKey
}

func NewP256Key() SigningKey {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return &p256Signer{priv: priv}
}

func (k *p256Signer) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, digest[:])
	if err != nil {
		panic(err)
	}
	n := k.priv.Curve.Params().N
	if s.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		s = new(big.Int).Sub(n, s)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

func (k *p256Signer) Public() repo.PublicKey {
	pub := k.priv.PublicKey
	return mustParse(repo.FormatDIDKey(repo.CodecP256, elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)))
}

type secp256k1Signer struct {
	priv *secp256k1.PrivateKey
}

func NewSecp256k1Key() SigningKey {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	return &secp256k1Signer{priv: priv}
}

func (k *secp256k1Signer) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	sig := k1ecdsa.Sign(k.priv, digest[:])
	r, s := sig.R(), sig.S()
	rb, sb := r.Bytes(), s.Bytes()
	return append(rb[:], sb[:]...)
}

func (k *secp256k1Signer) Public() repo.PublicKey {
	return mustParse(repo.FormatDIDKey(repo.CodecSecp256k1, k.priv.PubKey().SerializeCompressed()))
}

func mustParse(didKey string) repo.PublicKey {
	key, err := repo.ParsePublicKey(didKey)
	if err != nil {
		panic(err)
	}
	return key
}

// Keys resolves signing keys from a map. Stale, when set for a DID, is returned until a refresh is forced.
type Keys struct {
	mu        sync.Mutex
	current   map[string]repo.PublicKey
	stale     map[string]repo.PublicKey
	refreshes int
}

func NewKeys() *Keys {
	return &Keys{current: map[string]repo.PublicKey{}, stale: map[string]repo.PublicKey{}}
}

func (k *Keys) Set(did string, key repo.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current[did] = key
}

// SetStale makes key the cached answer for did until the next forced refresh.
func (k *Keys) SetStale(did string, key repo.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stale[did] = key
}

func (k *Keys) Refreshes() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.refreshes
}

func (k *Keys) ResolveKey(_ context.Context, did string, forceRefresh bool) (repo.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if forceRefresh {
		k.refreshes++
		delete(k.stale, did)
	}
	if key, ok := k.stale[did]; ok {
		return key, nil
	}
	key, ok := k.current[did]
	if !ok {
		return nil, errors.Errorf("no key for %s", did)
	}
	return key, nil
}
