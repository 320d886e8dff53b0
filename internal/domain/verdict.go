package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VerdictStatus is the outcome of checking one settlement.
type VerdictStatus string

const (
	VerdictPassed  VerdictStatus = "passed"
	VerdictInvalid VerdictStatus = "invalid"
	VerdictSkipped VerdictStatus = "skipped"
	VerdictRecheck VerdictStatus = "recheck"
	VerdictError   VerdictStatus = "error"
)

// Verdict records the judgement of one settlement transaction.
type Verdict struct {
	ID        string
	AuctionID int64
	TxHash    common.Hash
	Solver    common.Address
	Status    VerdictStatus
	Results   *CheckResults // nil when the checks did not run
	Reason    string
	CheckedAt time.Time
	// Attestation is set when the verdict was signed by this checker.
	Attestation *Attestation
}

// Attestation is a secp256k1 signature over the typed verdict digest.
type Attestation struct {
	Signer    common.Address
	Signature []byte
}
