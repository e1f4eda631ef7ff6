package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"relay-ai-engine/internal/protocol"
)

// Compile-time assurance this signer satisfies the codec's port
var _ protocol.Signer = (*Signer)(nil)

// Signer holds the engine's identity key material and implements the
// canonicalize-hash-sign contract: the event id is the sha256 of the
// canonical serialization, the signature covers the id bytes.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// New derives a signer from a hex-encoded 32-byte seed.
func New(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode identity seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("identity seed must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

func (s *Signer) PubKey() string { return s.pubHex }

// Sign stamps the event with the engine's pubkey, computes the canonical
// id and signs it. Must be the last mutation of the event.
func (s *Signer) Sign(ev *protocol.Event) error {
	ev.PubKey = s.pubHex
	sum := sha256.Sum256(ev.Serialize())
	ev.ID = hex.EncodeToString(sum[:])
	ev.Sig = hex.EncodeToString(ed25519.Sign(s.priv, sum[:]))
	return nil
}

// Verify checks that an event's id matches its canonical hash and that
// the signature verifies against the embedded pubkey.
func Verify(ev *protocol.Event) bool {
	sum := sha256.Sum256(ev.Serialize())
	if ev.ID != hex.EncodeToString(sum[:]) {
		return false
	}
	pub, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), sum[:], sig)
}
