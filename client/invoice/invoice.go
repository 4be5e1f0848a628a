// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package invoice creates receive commitments. An invoice binds an amount of
// a contract to an output script that does not exist on chain yet, and the
// ledger is told of the invoice's witness placeholder before the invoice is
// handed out.
package invoice

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/client/keys"
	"decred.org/sealwallet/client/ledger"
	"decred.org/sealwallet/seal"
)

// ReceiveVout is the output index a paying transaction uses for the invoice
// script.
const ReceiveVout = 0

// KeySource reveals receive keys.
type KeySource interface {
	NewReceiveKey() (*keys.Key, error)
}

// Config is the configuration for the Service.
type Config struct {
	DB     db.DB
	Keys   KeySource
	Ledger ledger.Client
	Logger seal.Logger
}

// Service creates and lists invoices.
type Service struct {
	db     db.DB
	keys   KeySource
	ledger ledger.Client
	log    seal.Logger
}

// NewService is the constructor for a Service.
func NewService(cfg *Config) *Service {
	return &Service{
		db:     cfg.DB,
		keys:   cfg.Keys,
		ledger: cfg.Ledger,
		log:    cfg.Logger,
	}
}

// CreateInvoice creates an invoice for amount of the contract, registers its
// witness with the ledger and stores it. A zero expiry never expires. Nothing
// is stored if registration fails.
func (s *Service) CreateInvoice(ctx context.Context, contractID seal.ContractID, amount uint64, expiry time.Time) (*seal.Invoice, error) {
	if amount == 0 {
		return nil, seal.NewError(seal.ErrInvalidInvoice, "zero amount")
	}
	cr, err := s.db.Contract(contractID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, seal.NewError(seal.ErrUnknownContract, string(contractID))
		}
		return nil, fmt.Errorf("error loading contract: %w", err)
	}
	if amount > cr.Contract.Supply {
		return nil, seal.NewError(seal.ErrInvalidInvoice,
			fmt.Sprintf("amount %d exceeds supply %d", amount, cr.Contract.Supply))
	}
	now := time.Now()
	if !expiry.IsZero() && !expiry.After(now) {
		return nil, seal.NewError(seal.ErrInvalidInvoice, "expiry is in the past")
	}

	k, err := s.keys.NewReceiveKey()
	if err != nil {
		return nil, fmt.Errorf("error revealing receive key: %w", err)
	}
	inv := &seal.Invoice{
		ContractID:     contractID,
		Amount:         amount,
		Script:         k.Script,
		BeneficiaryKey: k.PubKey,
		Vout:           ReceiveVout,
	}
	if !expiry.IsZero() {
		inv.Expiry = time.UnixMilli(expiry.UnixMilli())
	}
	if _, err := rand.Read(inv.Blinding[:]); err != nil {
		return nil, fmt.Errorf("error generating blinding factor: %w", err)
	}
	w := inv.WitnessID()

	if err := s.ledger.RegisterWitness(ctx, contractID, w, k.PubKey); err != nil {
		return nil, fmt.Errorf("error registering witness %s: %w", w, err)
	}
	err = s.db.StoreInvoice(&db.InvoiceRecord{
		Invoice:   inv,
		KeyIndex:  k.Index,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	})
	if err != nil {
		return nil, fmt.Errorf("error storing invoice: %w", err)
	}
	s.log.Infof("Created invoice for %s %s, witness %s", cr.Contract.FormatAmount(amount), cr.Contract.Ticker, w)
	return inv, nil
}

// Invoices lists the wallet's invoices, oldest first.
func (s *Service) Invoices() ([]*db.InvoiceRecord, error) {
	return s.db.Invoices()
}

// Invoice looks up an invoice by its witness.
func (s *Service) Invoice(w seal.SealID) (*db.InvoiceRecord, error) {
	return s.db.Invoice(w)
}
