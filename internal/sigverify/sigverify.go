// Package sigverify authenticates purchase orders. An order must carry two
// independent secp256k1 endorsements over the same digest: the buyer's and the
// trusted relayer's. The digest is domain-scoped in the EIP-712 style so a
// signature produced for one deployment cannot be replayed against another.
package sigverify

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aurumx/goldsale/internal/models"
)

var (
	// ErrInvalidUserSignature is returned when the buyer's signature does not
	// verify against the order digest.
	ErrInvalidUserSignature = errors.New("sigverify: invalid user signature")
	// ErrInvalidRelayerSignature is returned when the relayer's signature does
	// not verify against the order digest.
	ErrInvalidRelayerSignature = errors.New("sigverify: invalid relayer signature")
)

var (
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	orderTypeHash = crypto.Keccak256(
		[]byte("Order(bytes32 roundId,address buyer,uint256 gptAmount,uint256 nonce,uint256 expiry,address paymentToken)"))
)

// Domain binds signatures to one deployment: a human-readable name, a version,
// the executing chain, and the engine's own contract address.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Separator hashes the domain into its 32-byte separator.
func (d Domain) Separator() [32]byte {
	var sep [32]byte
	copy(sep[:], crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		pad32(d.ChainID),
		padAddress(d.VerifyingContract),
	))
	return sep
}

// Verifier checks buyer and relayer endorsements for one deployment domain.
type Verifier struct {
	separator [32]byte
	relayer   common.Address
}

// New builds a verifier for the given domain and trusted relayer.
func New(domain Domain, relayer common.Address) *Verifier {
	return &Verifier{separator: domain.Separator(), relayer: relayer}
}

// OrderHash returns the struct hash of the order payload, excluding signatures.
func OrderHash(o *models.Order) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(
		orderTypeHash,
		o.RoundID.Bytes(),
		padAddress(o.Buyer),
		pad32(o.GptAmount),
		pad32(new(big.Int).SetUint64(o.Nonce)),
		pad32(new(big.Int).SetUint64(o.Expiry)),
		padAddress(o.PaymentToken),
	))
	return h
}

// Digest builds the signable digest: keccak256(0x19 0x01 ‖ separator ‖ orderHash).
func (v *Verifier) Digest(o *models.Order) [32]byte {
	orderHash := OrderHash(o)
	var d [32]byte
	copy(d[:], crypto.Keccak256([]byte{0x19, 0x01}, v.separator[:], orderHash[:]))
	return d
}

// VerifyOrder checks both endorsements over the order digest. The buyer's
// signature must recover to o.Buyer and the relayer's to the configured
// trusted relayer; either failing rejects the order outright.
func (v *Verifier) VerifyOrder(o *models.Order) error {
	digest := v.Digest(o)
	if !verify(digest, o.BuyerSig, o.Buyer) {
		return ErrInvalidUserSignature
	}
	if !verify(digest, o.RelayerSig, v.relayer) {
		return ErrInvalidRelayerSignature
	}
	return nil
}

// verify recovers the public key from a 65-byte r‖s‖v signature and compares
// the derived address to signer. v may be 0/1 or the legacy 27/28.
func verify(digest [32]byte, sig []byte, signer common.Address) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == signer
}

func pad32(n *big.Int) []byte {
	var buf [32]byte
	if n != nil {
		n.FillBytes(buf[:])
	}
	return buf[:]
}

func padAddress(a common.Address) []byte {
	var buf [32]byte
	copy(buf[12:], a.Bytes())
	return buf[:]
}
