package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Verdict(uint256 auctionId,bytes32 txHash,address solver,string status,uint8 checks)
	verdictTypeHash = ethcrypto.Keccak256(
		[]byte("Verdict(uint256 auctionId,bytes32 txHash,address solver,string status,uint8 checks)"),
	)
)

// ErrBadSignature reports an attestation that does not recover to its
// claimed signer.
var ErrBadSignature = errors.New("crypto: bad attestation signature")

// Attestor signs verdicts as EIP-712 typed data so downstream tooling can
// verify which checker produced them.
type Attestor struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	domainSep []byte
}

// NewAttestor creates an Attestor from a hex secp256k1 key.
func NewAttestor(privateKeyHex string, chainID int64) (*Attestor, error) {
	keyBytes, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Attestor{
		key:       key,
		address:   ethcrypto.PubkeyToAddress(key.PublicKey),
		domainSep: domainSeparator(chainID),
	}, nil
}

// Address returns the signer address.
func (a *Attestor) Address() common.Address {
	return a.address
}

// Attest signs v and stores the attestation on it.
func (a *Attestor) Attest(v *domain.Verdict) error {
	sig, err := ethcrypto.Sign(typedDigest(a.domainSep, v), a.key)
	if err != nil {
		return fmt.Errorf("crypto: signing verdict: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	sig[64] += 27
	v.Attestation = &domain.Attestation{Signer: a.address, Signature: sig}
	return nil
}

// VerifyAttestation checks that v carries a signature by its claimed signer
// under the domain of chainID.
func VerifyAttestation(v domain.Verdict, chainID int64) error {
	if v.Attestation == nil {
		return fmt.Errorf("%w: verdict is not attested", ErrBadSignature)
	}
	sig := v.Attestation.Signature
	if len(sig) != 65 || sig[64] < 27 {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27

	pub, err := ethcrypto.SigToPub(typedDigest(domainSeparator(chainID), &v), raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != v.Attestation.Signer {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrBadSignature, got.Hex(), v.Attestation.Signer.Hex())
	}
	return nil
}

// CheckMask packs the check results into a bitmask: solver 1, orders 2,
// score 4, hooks 8. A verdict without results has mask 0.
func CheckMask(r *domain.CheckResults) uint8 {
	if r == nil {
		return 0
	}
	var m uint8
	for i, ok := range r.Vector() {
		if ok {
			m |= 1 << i
		}
	}
	return m
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		domainTypeHash,
		ethcrypto.Keccak256([]byte("CircuitBreaker")),
		ethcrypto.Keccak256([]byte("1")),
		common.BigToHash(big.NewInt(chainID)).Bytes(),
	)
}

// typedDigest computes keccak256("\x19\x01" || domainSeparator || structHash).
func typedDigest(domainSep []byte, v *domain.Verdict) []byte {
	structHash := ethcrypto.Keccak256(
		verdictTypeHash,
		common.BigToHash(big.NewInt(v.AuctionID)).Bytes(),
		v.TxHash.Bytes(),
		common.LeftPadBytes(v.Solver.Bytes(), 32),
		ethcrypto.Keccak256([]byte(v.Status)),
		common.LeftPadBytes([]byte{CheckMask(v.Results)}, 32),
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}
