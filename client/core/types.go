// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/client/utxo"
	"decred.org/sealwallet/seal"
)

// Balance is the wallet's holding of a contract's asset.
type Balance struct {
	ContractID seal.ContractID
	// Settled is held on wallet outputs according to the ledger.
	Settled uint64
	// Pending is received but not yet claimed.
	Pending uint64
}

// UtxoStatus classifies a wallet output.
type UtxoStatus string

const (
	// UtxoAvailable outputs are confirmed and carry nothing, so they can
	// become genesis seals or pay fees.
	UtxoAvailable UtxoStatus = "available"
	// UtxoOccupied outputs carry allocations, or will once a claim on them
	// completes.
	UtxoOccupied UtxoStatus = "occupied"
	// UtxoUnconfirmed outputs are in the mempool.
	UtxoUnconfirmed UtxoStatus = "unconfirmed"
	// UtxoSpent outputs are gone.
	UtxoSpent UtxoStatus = "spent"
)

// UtxoInfo is a wallet output with its allocations.
type UtxoInfo struct {
	*utxo.Utxo
	Status      UtxoStatus
	Allocations []*seal.Allocation
}

// AcceptResult describes an accepted consignment.
type AcceptResult struct {
	ContractID seal.ContractID
	Terminal   string
	Genesis    bool
	// Known is true if the consignment had already been accepted.
	Known bool
	// Claim is the claim for a transfer consignment.
	Claim *db.ClaimRecord
}

// TransferResult describes a sent transfer.
type TransferResult struct {
	StepID string
	TxID   string
	// Consignment is the encoded evidence for the receiver, also written to
	// ConsignmentPath.
	Consignment     []byte
	ConsignmentPath string
}

// InvoiceResult is a new invoice.
type InvoiceResult struct {
	Invoice *seal.Invoice
	// Encoded is the shareable text form.
	Encoded string
}

// BtcBalance is the wallet's bitcoin in sats. Confirmed plus Unconfirmed is
// the unspent total. Available is confirmed and carries nothing. Occupied
// carries allocations or is reserved for a claim.
type BtcBalance struct {
	Confirmed   int64
	Unconfirmed int64
	Available   int64
	Occupied    int64
}

// SendResult describes a sent bitcoin transaction.
type SendResult struct {
	TxID string
	// Seal is the paid output.
	Seal  seal.SealID
	Value int64
	Fee   int64
}
