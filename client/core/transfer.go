// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"decred.org/sealwallet/client/consignment"
	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/client/ledger"
	"decred.org/sealwallet/client/txbuilder"
	"decred.org/sealwallet/client/utxo"
	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/wire"
)

const consignmentExt = ".consignment"

// Issue creates a new contract with the whole supply on a confirmed wallet
// output that carries nothing. If genesis is empty the smallest such output is
// used. The issuer key is the key of that output.
func (w *Wallet) Issue(ctx context.Context, ticker, name string, supply uint64, precision uint8, genesis seal.SealID) (*seal.Contract, error) {
	w.spendMtx.Lock()
	defer w.spendMtx.Unlock()

	o, err := w.occupancy(ctx)
	if err != nil {
		return nil, err
	}
	var u *utxo.Utxo
	if genesis == "" {
		avail := w.available(o)
		if len(avail) == 0 {
			return nil, seal.NewError(seal.ErrInsufficientFunds, "no confirmed unoccupied output for the genesis seal")
		}
		// Smallest, leaving the larger outputs for fees.
		u = avail[len(avail)-1]
	} else if u, err = w.genesisUtxo(o, genesis); err != nil {
		return nil, err
	}
	k, found := w.keys.KeyForScript(u.Script)
	if !found {
		return nil, newError(keyErr, "no key for output %s", u.Outpoint)
	}

	c, err := w.ledger.Issue(ctx, &ledger.IssueParams{
		Ticker:    ticker,
		Name:      name,
		Supply:    supply,
		Precision: precision,
		IssuerKey: k.PubKey,
	}, u.SealID())
	if err != nil {
		return nil, codedError(ledgerErr, err)
	}
	now := time.Now()
	if err := w.db.StoreContract(&db.ContractRecord{Contract: c, Issued: true, ImportedAt: now}); err != nil {
		return nil, codedError(dbErr, err)
	}
	_, _, err = w.db.AcceptConsignment(&db.ConsignmentRecord{
		Terminal:   string(c.ID),
		ContractID: c.ID,
		Genesis:    true,
		AcceptedAt: now,
	}, nil, nil)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	w.log.Infof("Issued %s %s (%s) on %s", c.FormatAmount(supply), ticker, c.ID, u.SealID())
	return c, nil
}

// genesisUtxo checks that a requested genesis seal is a confirmed, unspent
// wallet output that carries nothing.
func (w *Wallet) genesisUtxo(o *occupancy, genesis seal.SealID) (*utxo.Utxo, error) {
	if genesis.IsWitness() {
		return nil, seal.NewError(seal.ErrUnknownSeal, fmt.Sprintf("genesis seal %s is not an outpoint", genesis))
	}
	op, err := genesis.Outpoint()
	if err != nil {
		return nil, seal.NewError(seal.ErrUnknownSeal, err.Error())
	}
	u, found := w.view.Get(op)
	if !found || u.Spent {
		return nil, seal.NewError(seal.ErrUnknownSeal, fmt.Sprintf("genesis seal %s is not an unspent wallet output", genesis))
	}
	if !u.Confirmed() {
		return nil, seal.NewError(seal.ErrInsufficientFunds, fmt.Sprintf("genesis seal %s is unconfirmed", genesis))
	}
	if o.occupied(u) {
		return nil, seal.NewError(seal.ErrInsufficientFunds, fmt.Sprintf("genesis seal %s is occupied", genesis))
	}
	return u, nil
}

func (w *Wallet) writeConsignment(c *consignment.Consignment) ([]byte, string, error) {
	b, err := consignment.Encode(c)
	if err != nil {
		return nil, "", codedError(consignmentErr, err)
	}
	if w.consignmentDir == "" {
		return b, "", nil
	}
	term := c.Terminal()
	if len(term) > 16 {
		term = term[:16]
	}
	path := filepath.Join(w.consignmentDir, fmt.Sprintf("%s-%s%s", c.Contract.Ticker, term, consignmentExt))
	if err := os.WriteFile(path, b, 0600); err != nil {
		return nil, "", newError(fileErr, "error writing consignment: %w", err)
	}
	return b, path, nil
}

// ExportGenesis writes the genesis consignment of a known contract, which
// another wallet can accept to import the contract.
func (w *Wallet) ExportGenesis(contractID seal.ContractID) ([]byte, string, error) {
	cr, err := w.contract(contractID)
	if err != nil {
		return nil, "", err
	}
	return w.writeConsignment(&consignment.Consignment{
		Version:  consignment.Version,
		Contract: cr.Contract,
	})
}

// CreateInvoice creates an invoice for amount of a known contract. A zero
// expiry never expires.
func (w *Wallet) CreateInvoice(ctx context.Context, contractID seal.ContractID, amount uint64, expiry time.Time) (*InvoiceResult, error) {
	inv, err := w.invoices.CreateInvoice(ctx, contractID, amount, expiry)
	if err != nil {
		return nil, codedError(invoiceErr, err)
	}
	return &InvoiceResult{Invoice: inv, Encoded: inv.String()}, nil
}

// ancestry collects the known steps needed to prove the allocation on s, in
// the order they were learned.
func ancestry(steps []*seal.Step, s seal.SealID) []*seal.Step {
	needed := map[seal.SealID]bool{s: true}
	include := make([]bool, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		for _, o := range steps[i].Outputs {
			if needed[o.Seal] {
				include[i] = true
				needed[steps[i].Input] = true
				break
			}
		}
	}
	var hist []*seal.Step
	for i, st := range steps {
		if include[i] {
			hist = append(hist, st)
		}
	}
	return hist
}

// spendable is an allocation held on a confirmed unspent wallet output.
type spendable struct {
	alloc *seal.Allocation
	utxo  *utxo.Utxo
}

// selectSeal finds the smallest allocation of at least amt held on a
// confirmed wallet output that carries nothing else.
func (w *Wallet) selectSeal(o *occupancy, contractID seal.ContractID, amt uint64) *spendable {
	var best *spendable
	for sealID, allocs := range o.allocs {
		if len(allocs) != 1 || sealID.IsWitness() {
			continue
		}
		a := allocs[0]
		if a.ContractID != contractID || a.Amount < amt || !w.keys.OwnsPubKey(a.Owner) {
			continue
		}
		op, err := sealID.Outpoint()
		if err != nil {
			continue
		}
		u, found := w.view.Get(op)
		if !found || u.Spent || !u.Confirmed() {
			continue
		}
		if best == nil || a.Amount < best.alloc.Amount ||
			(a.Amount == best.alloc.Amount && sealID < best.alloc.Seal) {
			best = &spendable{alloc: a, utxo: u}
		}
	}
	return best
}

// Transfer pays an invoice. The witness transaction spends the seal holding
// the paid allocation, pays the invoice script at the invoice's vout and
// returns the rest to a new change output, which also carries any asset
// change. The ledger records the step before the transaction is broadcast.
// The consignment for the receiver is returned and, if the wallet has a
// consignment directory, written there.
func (w *Wallet) Transfer(ctx context.Context, invoiceStr string) (*TransferResult, error) {
	inv, err := seal.ParseInvoice(invoiceStr)
	if err != nil {
		return nil, codedError(invoiceErr, err)
	}
	if err := inv.Validate(); err != nil {
		return nil, codedError(invoiceErr, err)
	}
	if inv.Expired(time.Now()) {
		return nil, codedError(invoiceErr, seal.NewError(seal.ErrInvalidInvoice, "invoice expired"))
	}
	if inv.Vout > 1 {
		return nil, codedError(invoiceErr, seal.NewError(seal.ErrInvalidInvoice,
			fmt.Sprintf("unsupported receive vout %d", inv.Vout)))
	}
	cr, err := w.contract(inv.ContractID)
	if err != nil {
		return nil, err
	}
	c := cr.Contract

	w.spendMtx.Lock()
	defer w.spendMtx.Unlock()

	o, err := w.occupancy(ctx)
	if err != nil {
		return nil, err
	}
	sp := w.selectSeal(o, c.ID, inv.Amount)
	if sp == nil {
		return nil, seal.NewError(seal.ErrInsufficientFunds,
			fmt.Sprintf("no confirmed seal holds %s %s", c.FormatAmount(inv.Amount), c.Ticker))
	}

	changeKey, err := w.keys.NewChangeKey()
	if err != nil {
		return nil, codedError(keyErr, err)
	}
	changeIdx := 1 - int(inv.Vout)
	outputs := make([]*wire.TxOut, 2)
	outputs[inv.Vout] = wire.NewTxOut(w.sealValue, inv.Script)
	outputs[changeIdx] = wire.NewTxOut(w.sealValue, changeKey.Script)

	var extras []*txbuilder.Coin
	for _, u := range w.available(o) {
		extras = append(extras, &txbuilder.Coin{Outpoint: u.Outpoint, Value: u.Value, Script: u.Script})
	}
	su := sp.utxo
	tx, err := w.builder.Build(&txbuilder.Coin{Outpoint: su.Outpoint, Value: su.Value, Script: su.Script},
		extras, outputs, changeIdx)
	if err != nil {
		return nil, codedError(txErr, err)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, codedError(txErr, err)
	}

	a := sp.alloc
	step := &seal.Step{
		Kind:        seal.StepTransfer,
		ContractID:  c.ID,
		Input:       a.Seal,
		InputAmount: a.Amount,
		Outputs:     []*seal.Output{{Seal: inv.WitnessID(), Amount: inv.Amount, Owner: inv.BeneficiaryKey}},
		WitnessTx:   buf.Bytes(),
	}
	if change := a.Amount - inv.Amount; change > 0 {
		step.Outputs = append(step.Outputs, &seal.Output{
			Seal:   seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: uint32(changeIdx)}),
			Amount: change,
			Owner:  changeKey.PubKey,
		})
	}
	priv, err := w.keys.PrivKeyForPubKey(a.Owner)
	if err != nil {
		return nil, codedError(keyErr, err)
	}
	if err := step.Sign(priv); err != nil {
		return nil, codedError(keyErr, err)
	}

	transferID, err := w.ledger.Transfer(ctx, step)
	if err != nil {
		return nil, codedError(ledgerErr, err)
	}

	steps, err := w.db.Steps(c.ID)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	if err := w.db.StoreSteps(c.ID, []*seal.Step{step}); err != nil {
		return nil, codedError(dbErr, err)
	}
	b, path, err := w.writeConsignment(&consignment.Consignment{
		Version:  consignment.Version,
		Contract: c,
		Steps:    append(ancestry(steps, a.Seal), step),
		Mapping: &consignment.WitnessMapping{
			WitnessID: inv.WitnessID(),
			Script:    inv.Script,
			Vout:      inv.Vout,
			Amount:    inv.Amount,
		},
	})
	if err != nil {
		return nil, err
	}
	res := &TransferResult{
		StepID:          transferID,
		TxID:            tx.TxHash().String(),
		Consignment:     b,
		ConsignmentPath: path,
	}
	if err := w.builder.Broadcast(ctx, tx); err != nil {
		return res, newError(chainErr, "transfer %s recorded, but broadcast of %s failed: %w",
			transferID, res.TxID, err)
	}
	w.log.Infof("Sent %s %s to %s in %s", c.FormatAmount(inv.Amount), c.Ticker, inv.WitnessID(), res.TxID)
	return res, nil
}
