// Package sessionsign mints and verifies session identifiers. An identifier
// is a compact Ed25519 JWS over a random UUID, so a forged or tampered value
// is distinguishable from a merely evicted one without any map lookup.
package sessionsign

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// Signer mints and verifies signed session identifiers using a single
// in-memory Ed25519 key. Keys are ephemeral: a restart invalidates every
// outstanding session, which matches the no-durable-state session model.
type Signer struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEphemeral generates a fresh keypair.
func NewEphemeral() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session signing key: %w", err)
	}
	return &Signer{kid: uuid.NewString(), priv: priv, pub: pub}, nil
}

// NewID mints a fresh signed session identifier.
func (s *Signer) NewID() (string, error) {
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: s.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign([]byte(uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("failed to sign session id: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize session id: %w", err)
	}
	return compact, nil
}

// Verify checks that an identifier was minted by this signer.
func (s *Signer) Verify(id string) error {
	jws, err := jose.ParseSigned(id, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return fmt.Errorf("failed to parse session id: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	if kid := jws.Signatures[0].Protected.KeyID; kid != s.kid {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	if _, err := jws.Verify(s.pub); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
