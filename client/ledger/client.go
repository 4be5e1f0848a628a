// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ledger is the wallet's client for the contract ledger.
package ledger

import (
	"context"
	"time"

	"decred.org/sealwallet/seal"
)

// IssueParams are the caller-chosen parameters of a new contract.
type IssueParams struct {
	Ticker    string
	Name      string
	Supply    uint64
	Precision uint8
	IssuerKey []byte
}

// Client is the contract ledger API. Every method may return an error of kind
// seal.ErrNetworkUnavailable, which callers should treat as retryable.
type Client interface {
	// Issue creates a contract with the whole supply on genesisSeal.
	Issue(ctx context.Context, p *IssueParams, genesisSeal seal.SealID) (*seal.Contract, error)
	// RegisterWitness registers a placeholder seal. Idempotent.
	RegisterWitness(ctx context.Context, contractID seal.ContractID, witnessID seal.SealID, owner []byte) error
	// Transfer submits a signed transfer step. Idempotent on the step ID.
	Transfer(ctx context.Context, step *seal.Step) (transferID string, err error)
	// Rebind moves a witness allocation to realSeal. Idempotent for the same
	// seal. A different seal is seal.ErrDoubleClaimConflict.
	Rebind(ctx context.Context, contractID seal.ContractID, witnessID, realSeal seal.SealID, sig []byte) error
	// Balance sums the contract's allocations on the seals.
	Balance(ctx context.Context, contractID seal.ContractID, seals []seal.SealID) (uint64, error)
	// Allocations lists the contract's current allocations.
	Allocations(ctx context.Context, contractID seal.ContractID) ([]*seal.Allocation, error)
	// Contract retrieves a contract.
	Contract(ctx context.Context, contractID seal.ContractID) (*seal.Contract, error)
}

// NewContract builds and identifies a contract. IssuedAt is truncated to the
// millisecond, the precision of the contract encoding.
func NewContract(p *IssueParams, genesisSeal seal.SealID, stamp time.Time) *seal.Contract {
	c := &seal.Contract{
		Ticker:      p.Ticker,
		Name:        p.Name,
		Supply:      p.Supply,
		Precision:   p.Precision,
		GenesisSeal: genesisSeal,
		IssuerKey:   p.IssuerKey,
		IssuedAt:    time.UnixMilli(stamp.UnixMilli()),
	}
	c.ID = c.ComputeID()
	return c
}
