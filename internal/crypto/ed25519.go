package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Ed25519Provider implements SignatureProvider using the ed25519 algorithm.
type Ed25519Provider struct {
	keyPrefix byte
}

// NewEd25519Provider returns a provider using the 0xED key prefix.
func NewEd25519Provider() *Ed25519Provider {
	return &Ed25519Provider{keyPrefix: 0xED}
}

// GenerateKeypair derives a deterministic keypair from the seed.
func (p *Ed25519Provider) GenerateKeypair(seed []byte) (string, string, error) {
	keyMaterial := sha256.Sum256(seed)
	pubKey, privKey, err := ed25519.GenerateKey(bytes.NewReader(keyMaterial[:]))
	if err != nil {
		return "", "", err
	}

	prefixedPub := append([]byte{p.keyPrefix}, pubKey...)
	// Only the 32-byte seed half of the private key is stored.
	prefixedPriv := append([]byte{p.keyPrefix}, privKey.Seed()...)

	public := strings.ToUpper(hex.EncodeToString(prefixedPub))
	private := strings.ToUpper(hex.EncodeToString(prefixedPriv))
	return private, public, nil
}

// Sign signs the message with the prefixed hex private key.
func (p *Ed25519Provider) Sign(message []byte, privateKeyHex string) (string, error) {
	privBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil || len(privBytes) != ed25519.SeedSize+1 {
		return "", ErrInvalidPrivateKey
	}

	signingKey := ed25519.NewKeyFromSeed(privBytes[1:])
	signature := ed25519.Sign(signingKey, message)
	return strings.ToUpper(hex.EncodeToString(signature)), nil
}

// Verify checks the signature against the prefixed hex public key.
func (p *Ed25519Provider) Verify(message []byte, publicKeyHex, signatureHex string) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize+1 {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes[1:]), message, sigBytes)
}
