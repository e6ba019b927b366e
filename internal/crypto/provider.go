// Package crypto provides signature primitives for authenticating netting
// acknowledgments, arbitration votes and bond postings exchanged between
// hive members.
package crypto

import "errors"

// KeyType selects the signature algorithm a member identity uses.
type KeyType int

const (
	ED25519 KeyType = iota
	SECP256K1
)

// Common error definitions
var (
	ErrInvalidPrivateKey = errors.New("invalid private key format")
	ErrInvalidPublicKey  = errors.New("invalid public key format")
	ErrInvalidSignature  = errors.New("invalid signature format")
)

// SignatureProvider is implemented by each supported algorithm. Keys and
// signatures travel as uppercase hex strings, prefixed with one algorithm
// identification byte (0xED for ed25519, 0x02/0x03 compressed secp256k1).
type SignatureProvider interface {
	GenerateKeypair(seed []byte) (privateKeyHex, publicKeyHex string, err error)
	Sign(message []byte, privateKeyHex string) (signatureHex string, err error)
	Verify(message []byte, publicKeyHex, signatureHex string) bool
}

// ProviderFor returns the provider for the given key type.
func ProviderFor(t KeyType) SignatureProvider {
	switch t {
	case SECP256K1:
		return NewSecp256k1Provider()
	default:
		return NewEd25519Provider()
	}
}

// ProviderForKey infers the algorithm from a hex public key's prefix byte.
// Ed25519 keys carry the 0xED prefix; compressed secp256k1 keys start with
// 0x02 or 0x03.
func ProviderForKey(publicKeyHex string) SignatureProvider {
	if len(publicKeyHex) >= 2 && (publicKeyHex[:2] == "ED" || publicKeyHex[:2] == "ed") {
		return NewEd25519Provider()
	}
	return NewSecp256k1Provider()
}
