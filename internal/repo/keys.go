package repo

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	k1ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

// Multicodec codes of the compressed public keys a signing key may use.
const (
	CodecSecp256k1 = 0xe7
	CodecP256      = 0x1200

	didKeyPrefix = "did:key:"
	sigLength    = 64
)

var ErrBadSignature = errors.New("signature does not match")

var p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)

// PublicKey is a repository signing key.
type PublicKey interface {
	// Verify checks sig, a 64-byte big-endian r||s pair with a low s, against the SHA-256 digest of data.
	Verify(data, sig []byte) error
	// DIDKey returns the key in did:key form.
	DIDKey() string
}

// ParsePublicKey reads a key given as "did:key:z..." or as a bare multibase string, as found in the
// publicKeyMultibase field of a DID document.
func ParsePublicKey(s string) (PublicKey, error) {
	_, raw, err := multibase.Decode(strings.TrimPrefix(s, didKeyPrefix))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding key %q", s)
	}
	codec, n, err := varint.FromUvarint(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "reading codec of key %q", s)
	}
	point := raw[n:]
	switch codec {
	case CodecSecp256k1:
		pub, err := secp256k1.ParsePubKey(point)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing secp256k1 key %q", s)
		}
		return &secp256k1Key{pub: pub}, nil
	case CodecP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), point)
		if x == nil {
			return nil, errors.Errorf("parsing p256 key %q: not a compressed point", s)
		}
		return &p256Key{pub: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}}, nil
	default:
		return nil, errors.Errorf("key %q has unsupported codec 0x%x", s, codec)
	}
}

// FormatDIDKey encodes a compressed point in did:key form.
func FormatDIDKey(codec uint64, compressed []byte) string {
	data := append(varint.ToUvarint(codec), compressed...)
	s, err := multibase.Encode(multibase.Base58BTC, data)
	if err != nil {
		panic(err)
	}
	return didKeyPrefix + s
}

type p256Key struct {
	pub *ecdsa.PublicKey
}

func (k *p256Key) Verify(data, sig []byte) error {
	if len(sig) != sigLength {
		return errors.Wrapf(ErrBadSignature, "signature is %d bytes", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if s.Cmp(p256HalfOrder) > 0 {
		return errors.Wrap(ErrBadSignature, "signature has high s")
	}
	digest := sha256.Sum256(data)
	if !ecdsa.Verify(k.pub, digest[:], r, s) {
		return errors.WithStack(ErrBadSignature)
	}
	return nil
}

func (k *p256Key) DIDKey() string {
	return FormatDIDKey(CodecP256, elliptic.MarshalCompressed(k.pub.Curve, k.pub.X, k.pub.Y))
}

type secp256k1Key struct {
	pub *secp256k1.PublicKey
}

func (k *secp256k1Key) Verify(data, sig []byte) error {
	if len(sig) != sigLength {
		return errors.Wrapf(ErrBadSignature, "signature is %d bytes", len(sig))
	}
	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
		return errors.Wrap(ErrBadSignature, "signature scalar overflows the curve order")
	}
	if s.IsOverHalfOrder() {
		return errors.Wrap(ErrBadSignature, "signature has high s")
	}
	digest := sha256.Sum256(data)
	if !k1ecdsa.NewSignature(&r, &s).Verify(digest[:], k.pub) {
		return errors.WithStack(ErrBadSignature)
	}
	return nil
}

func (k *secp256k1Key) DIDKey() string {
	return FormatDIDKey(CodecSecp256k1, k.pub.SerializeCompressed())
}

// KeyResolver finds the current signing key of a repository. With forceRefresh set, cached keys are bypassed.
type KeyResolver interface {
	ResolveKey(ctx context.Context, did string, forceRefresh bool) (PublicKey, error)
}

// NewSignatureVerifier checks commit signatures against keys from resolver. A signature that does not match the
// cached key is checked once more against a freshly resolved key, since the repository may have rotated it.
func NewSignatureVerifier(resolver KeyResolver) Verifier {
	return VerifierFunc(func(ctx context.Context, commit *Commit) error {
		if len(commit.Sig) == 0 {
			return errors.Wrapf(ErrUnverified, "commit of %s is unsigned", commit.DID)
		}
		unsigned, err := commit.UnsignedBytes()
		if err != nil {
			return errors.Wrapf(ErrUnverified, "encoding commit of %s: %v", commit.DID, err)
		}
		err = verifyWith(ctx, resolver, commit, unsigned, false)
		if errors.Is(err, ErrBadSignature) {
			err = verifyWith(ctx, resolver, commit, unsigned, true)
		}
		if err != nil {
			return errors.Wrapf(ErrUnverified, "commit of %s: %v", commit.DID, err)
		}
		return nil
	})
}

func verifyWith(ctx context.Context, resolver KeyResolver, commit *Commit, unsigned []byte, refresh bool) error {
	key, err := resolver.ResolveKey(ctx, commit.DID, refresh)
	if err != nil {
		return err
	}
	return key.Verify(unsigned, commit.Sig)
}
