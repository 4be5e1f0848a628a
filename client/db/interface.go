// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"decred.org/sealwallet/seal"
)

// ErrNotFound is returned by lookups of absent records.
const ErrNotFound = seal.ErrNotFound

// DB is an interface that must be satisfied by the wallet's persistent
// storage. Every method that writes is atomic: a crash leaves either the old
// or the new state.
type DB interface {
	// Store allows the storage of arbitrary data.
	Store(k string, v []byte) error
	// Get retrieves values stored with Store. ErrNotFound if never stored.
	Get(k string) ([]byte, error)

	// StoreContract saves a contract. An existing record is left untouched.
	StoreContract(r *ContractRecord) error
	// Contract retrieves a contract.
	Contract(id seal.ContractID) (*ContractRecord, error)
	// Contracts retrieves every known contract.
	Contracts() ([]*ContractRecord, error)

	// StoreSteps appends the contract's steps that are not already stored,
	// keeping the given order.
	StoreSteps(id seal.ContractID, steps []*seal.Step) error
	// Steps retrieves a contract's steps in the order they were learned.
	Steps(id seal.ContractID) ([]*seal.Step, error)

	// StoreInvoice saves an invoice, keyed by its witness.
	StoreInvoice(r *InvoiceRecord) error
	// Invoice retrieves the invoice for a witness.
	Invoice(w seal.SealID) (*InvoiceRecord, error)
	// Invoices retrieves all invoices, oldest first.
	Invoices() ([]*InvoiceRecord, error)

	// ConsignmentKnown checks whether the terminal state was accepted.
	ConsignmentKnown(terminal string) (bool, error)
	// AcceptConsignment records an accepted consignment together with its
	// steps and, for a transfer, its new claim. If a claim with the same ID
	// exists, the existing record is returned and added is false.
	AcceptConsignment(r *ConsignmentRecord, steps []*seal.Step, claim *ClaimRecord) (c *ClaimRecord, added bool, err error)
	// Consignments retrieves the accepted consignment records.
	Consignments() ([]*ConsignmentRecord, error)

	// UpdateClaim overwrites an existing claim. A non-nil step is stored with
	// the claim's contract in the same transaction.
	UpdateClaim(c *ClaimRecord, step *seal.Step) error
	// Claim retrieves a claim by ID.
	Claim(id string) (*ClaimRecord, error)
	// ActiveClaims retrieves Pending and Matched claims in registration order.
	ActiveClaims() ([]*ClaimRecord, error)
	// Claims retrieves every claim in registration order.
	Claims() ([]*ClaimRecord, error)

	// Backup makes a copy of the database.
	Backup() error
	Close() error
}
