// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"decred.org/sealwallet/client/consignment"
	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/seal"
)

func invalidConsignment(format string, args ...any) error {
	return codedError(consignmentErr, seal.NewError(seal.ErrInvalidConsignment, fmt.Sprintf(format, args...)))
}

// AcceptFile reads and accepts a consignment file.
func (w *Wallet) AcceptFile(ctx context.Context, path string) (*AcceptResult, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(fileErr, "error reading consignment: %w", err)
	}
	return w.Accept(ctx, b, path)
}

// Accept validates and stores a consignment. A genesis consignment imports
// its contract. A transfer consignment must pay one of the wallet's invoices
// at least the invoiced amount, and registers a claim that is advanced
// immediately. Accepting the same consignment again changes nothing and
// returns the existing claim.
func (w *Wallet) Accept(ctx context.Context, b []byte, path string) (*AcceptResult, error) {
	v, err := consignment.DecodeAndValidate(b)
	if err != nil {
		return nil, codedError(consignmentErr, err)
	}
	c := v.Contract
	res := &AcceptResult{
		ContractID: c.ID,
		Terminal:   v.Terminal,
		Genesis:    v.Genesis(),
	}

	known, err := w.db.ConsignmentKnown(v.Terminal)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if known {
		res.Known = true
		if v.Mapping != nil {
			claim, err := w.db.Claim(string(v.Mapping.WitnessID) + "|" + v.Terminal)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return nil, codedError(dbErr, err)
			}
			res.Claim = claim
		}
		w.log.Debugf("Consignment %s already accepted", v.Terminal)
		return res, nil
	}

	now := time.Now()
	rec := &db.ConsignmentRecord{
		Terminal:   v.Terminal,
		ContractID: c.ID,
		Genesis:    v.Genesis(),
		Path:       path,
		AcceptedAt: now,
	}

	if v.Genesis() {
		lc, err := w.ledger.Contract(ctx, c.ID)
		if err != nil {
			return nil, codedError(ledgerErr, err)
		}
		if lc.ID != c.ID || lc.ComputeID() != c.ID {
			return nil, invalidConsignment("ledger contract %s does not match", lc.ID)
		}
		if err := w.db.StoreContract(&db.ContractRecord{Contract: c, ImportedAt: now}); err != nil {
			return nil, codedError(dbErr, err)
		}
		if _, _, err := w.db.AcceptConsignment(rec, nil, nil); err != nil {
			return nil, codedError(dbErr, err)
		}
		w.log.Infof("Imported contract %s (%s)", c.Ticker, c.ID)
		return res, nil
	}

	m := v.Mapping
	if m == nil {
		return nil, invalidConsignment("transfer consignment without a witness mapping")
	}
	ir, err := w.invoices.Invoice(m.WitnessID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, invalidConsignment("witness %s is not from one of our invoices", m.WitnessID)
		}
		return nil, codedError(dbErr, err)
	}
	inv := ir.Invoice
	switch {
	case inv.ContractID != c.ID:
		return nil, invalidConsignment("invoice is for contract %s, consignment is %s", inv.ContractID, c.ID)
	case !bytes.Equal(inv.Script, m.Script):
		return nil, invalidConsignment("mapping script does not match the invoice")
	case v.Credited < inv.Amount:
		return nil, invalidConsignment("credits %d, invoice is for %d", v.Credited, inv.Amount)
	}

	if err := w.db.StoreContract(&db.ContractRecord{Contract: c, ImportedAt: now}); err != nil {
		return nil, codedError(dbErr, err)
	}
	claim, added, err := w.db.AcceptConsignment(rec, v.Steps, &db.ClaimRecord{
		WitnessID:       m.WitnessID,
		TransferID:      v.Terminal,
		ContractID:      c.ID,
		Amount:          v.Credited,
		Script:          inv.Script,
		Expected:        v.Expected,
		Status:          db.ClaimPending,
		ConsignmentPath: path,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if added {
		w.log.Infof("Accepted %s %s to %s, awaiting output %s", c.FormatAmount(v.Credited), c.Ticker,
			m.WitnessID, v.Expected)
	}
	if claim.Status.Active() {
		if err := w.reconciler.Advance(ctx, claim); err != nil {
			w.log.Warnf("Claim %s not advanced: %v", claim.ID(), err)
		}
	}
	res.Claim = claim
	return res, nil
}
