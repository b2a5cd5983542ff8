package handshake

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/nearbymesh/nearbycore/core/xrand"
)

// StaticIdentity is a long-term identity key used to authenticate an
// advertiser across sessions when use_stable_endpoint_id is set
// (spec §4.5). It is independent of the per-handshake ephemeral X25519
// keys nyquist generates internally.
type StaticIdentity struct {
	Seed      [32]byte
	PublicKey [32]byte
}

// GenerateStaticIdentity derives a fresh identity key from CSPRNG
// entropy, encoding the public point via filippo.io/edwards25519 the
// way the teacher's own identity-key tooling encodes curve points
// rather than hand-rolling field arithmetic.
func GenerateStaticIdentity() (*StaticIdentity, error) {
	var seed [32]byte
	raw, err := xrand.Bytes(32)
	if err != nil {
		return nil, fmt.Errorf("handshake: identity seed: %w", err)
	}
	copy(seed[:], raw)
	return identityFromSeed(seed)
}

func identityFromSeed(seed [32]byte) (*StaticIdentity, error) {
	h := sha512.Sum512(seed[:])
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("handshake: clamp scalar: %w", err)
	}
	point := (&edwards25519.Point{}).ScalarBaseMult(scalar)

	var pub [32]byte
	copy(pub[:], point.Bytes())
	return &StaticIdentity{Seed: seed, PublicKey: pub}, nil
}

// LoadStaticIdentity reconstructs a StaticIdentity from a previously
// persisted seed (the store package's bbolt-backed IdentitySeed).
func LoadStaticIdentity(seed [32]byte) (*StaticIdentity, error) {
	return identityFromSeed(seed)
}
