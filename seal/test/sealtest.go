// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package sealtest provides parties, contracts, invoices and signed steps for
// tests.
package sealtest

import (
	"bytes"
	"crypto/rand"
	"time"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Tester is satisfied by *testing.T and *testing.B.
type Tester interface {
	Fatalf(string, ...any)
	Helper()
}

// SealValue is the value of the outputs of test witness transactions.
const SealValue = 1000

// Party is a key holder with a P2WPKH script.
type Party struct {
	Priv   *btcec.PrivateKey
	Pub    []byte
	Script []byte
}

// NewParty generates a random party.
func NewParty(t Tester) *Party {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey error: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	return &Party{
		Priv:   priv,
		Pub:    pub,
		Script: append([]byte{0x00, 0x14}, btcutil.Hash160(pub)...),
	}
}

// RandomOutpoint is an outpoint with a random txid.
func RandomOutpoint(vout uint32) wire.OutPoint {
	var h chainhash.Hash
	rand.Read(h[:])
	return wire.OutPoint{Hash: h, Index: vout}
}

// NewContract builds an identified contract with the whole supply on a random
// genesis seal owned by issuer.
func NewContract(issuer *Party, supply uint64) *seal.Contract {
	c := &seal.Contract{
		Ticker:      "TST",
		Name:        "Test Token",
		Supply:      supply,
		Precision:   2,
		GenesisSeal: seal.OutpointSeal(RandomOutpoint(0)),
		IssuerKey:   issuer.Pub,
		IssuedAt:    time.UnixMilli(time.Now().UnixMilli()),
	}
	c.ID = c.ComputeID()
	return c
}

// NewInvoice creates an invoice paying beneficiary's script at vout 0.
func NewInvoice(c *seal.Contract, beneficiary *Party, amt uint64) *seal.Invoice {
	inv := &seal.Invoice{
		ContractID:     c.ID,
		Amount:         amt,
		Script:         beneficiary.Script,
		BeneficiaryKey: beneficiary.Pub,
	}
	rand.Read(inv.Blinding[:])
	return inv
}

// Transfer is a signed transfer step with its witness transaction.
type Transfer struct {
	Step *seal.Step
	Tx   *wire.MsgTx
	// RealSeal is the output paying the invoice script.
	RealSeal seal.SealID
	// Change is the sender's change seal, empty if there is no change.
	Change seal.SealID
}

// TransferStep builds a step spending input (holding inputAmt, owned by
// sender), paying amt to the invoice's witness and the rest to sender's
// change at vout 1. The witness tx pays the invoice script at the invoice
// vout.
func TransferStep(t Tester, c *seal.Contract, sender *Party, input seal.SealID, inputAmt uint64,
	inv *seal.Invoice, amt uint64) *Transfer {

	t.Helper()
	op, err := input.Outpoint()
	if err != nil {
		t.Fatalf("bad input seal: %v", err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	for i := uint32(0); i < 2 || i <= inv.Vout; i++ {
		script := sender.Script
		if i == inv.Vout {
			script = inv.Script
		}
		tx.AddTxOut(wire.NewTxOut(SealValue, script))
	}
	changeVout := uint32(1)
	if inv.Vout == 1 {
		changeVout = 0
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	step := &seal.Step{
		Kind:        seal.StepTransfer,
		ContractID:  c.ID,
		Input:       input,
		InputAmount: inputAmt,
		Outputs:     []*seal.Output{{Seal: inv.WitnessID(), Amount: amt, Owner: inv.BeneficiaryKey}},
		WitnessTx:   buf.Bytes(),
	}
	tr := &Transfer{
		Step:     step,
		Tx:       tx,
		RealSeal: seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: inv.Vout}),
	}
	if change := inputAmt - amt; change > 0 {
		tr.Change = seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: changeVout})
		step.Outputs = append(step.Outputs, &seal.Output{
			Seal:   tr.Change,
			Amount: change,
			Owner:  sender.Pub,
		})
	}
	if err := step.Sign(sender.Priv); err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return tr
}

// RebindStep builds the receiver's signed rebind step.
func RebindStep(t Tester, c *seal.Contract, owner *Party, w seal.SealID, amt uint64, realSeal seal.SealID) *seal.Step {
	t.Helper()
	s := seal.NewRebindStep(c.ID, w, amt, realSeal, owner.Pub)
	if err := s.Sign(owner.Priv); err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return s
}
