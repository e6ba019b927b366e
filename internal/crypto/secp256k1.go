package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1Provider implements SignatureProvider using ECDSA over the
// secp256k1 curve with DER-encoded signatures.
type Secp256k1Provider struct{}

// NewSecp256k1Provider returns a secp256k1 ECDSA provider.
func NewSecp256k1Provider() *Secp256k1Provider {
	return &Secp256k1Provider{}
}

// GenerateKeypair derives a deterministic keypair from the seed. The public
// key is serialized in compressed form (0x02/0x03 prefix already carries the
// algorithm identification).
func (p *Secp256k1Provider) GenerateKeypair(seed []byte) (string, string, error) {
	keyMaterial := sha256.Sum256(seed)
	priv := secp256k1.PrivKeyFromBytes(keyMaterial[:])
	pub := priv.PubKey()

	private := strings.ToUpper(hex.EncodeToString(priv.Serialize()))
	public := strings.ToUpper(hex.EncodeToString(pub.SerializeCompressed()))
	return private, public, nil
}

// Sign signs sha256(message) with the hex private key.
func (p *Secp256k1Provider) Sign(message []byte, privateKeyHex string) (string, error) {
	privBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil || len(privBytes) != 32 {
		return "", ErrInvalidPrivateKey
	}

	priv := secp256k1.PrivKeyFromBytes(privBytes)
	digest := sha256.Sum256(message)
	sig := ecdsa.Sign(priv, digest[:])
	return strings.ToUpper(hex.EncodeToString(sig.Serialize())), nil
}

// Verify checks a DER signature against the compressed hex public key.
func (p *Secp256k1Provider) Verify(message []byte, publicKeyHex, signatureHex string) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pub)
}
