package ledger

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var tLogger = seal.StdOutLogger("TLEDGER", seal.LevelTrace)

type tParty struct {
	priv *btcec.PrivateKey
	pub  []byte
}

func newParty(t *testing.T) *tParty {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey error: %v", err)
	}
	return &tParty{priv: priv, pub: priv.PubKey().SerializeCompressed()}
}

func issueContract(t *testing.T, l *Ledger, issuer *tParty, supply uint64) *seal.Contract {
	t.Helper()
	var h chainhash.Hash
	copy(h[:], issuer.pub[1:])
	c := &seal.Contract{
		Ticker:      "TST",
		Name:        "Test",
		Supply:      supply,
		GenesisSeal: seal.OutpointSeal(wire.OutPoint{Hash: h}),
		IssuerKey:   issuer.pub,
		IssuedAt:    time.UnixMilli(time.Now().UnixMilli()),
	}
	c.ID = c.ComputeID()
	issued, err := l.Issue(c)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	return issued
}

// transferStep builds a signed step spending input, paying amt to the witness
// at vout 0 and the rest to change at vout 1.
func transferStep(t *testing.T, c *seal.Contract, sender *tParty, input seal.SealID, inputAmt uint64,
	w seal.SealID, wOwner []byte, amt uint64) *seal.Step {

	t.Helper()
	op, err := input.Outpoint()
	if err != nil {
		t.Fatalf("bad input seal: %v", err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14, 0x01}))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14, 0x02}))
	var buf bytes.Buffer
	tx.Serialize(&buf)
	step := &seal.Step{
		Kind:        seal.StepTransfer,
		ContractID:  c.ID,
		Input:       input,
		InputAmount: inputAmt,
		Outputs:     []*seal.Output{{Seal: w, Amount: amt, Owner: wOwner}},
		WitnessTx:   buf.Bytes(),
	}
	if change := inputAmt - amt; change > 0 {
		step.Outputs = append(step.Outputs, &seal.Output{
			Seal:   seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: 1}),
			Amount: change,
			Owner:  sender.pub,
		})
	}
	if err := step.Sign(sender.priv); err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return step
}

func witnessOutpoint(t *testing.T, step *seal.Step) seal.SealID {
	t.Helper()
	tx, err := step.Tx()
	if err != nil {
		t.Fatalf("Tx error: %v", err)
	}
	return seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: 0})
}

func rebindSig(t *testing.T, c *seal.Contract, owner *tParty, w, real seal.SealID) []byte {
	t.Helper()
	s := seal.NewRebindStep(c.ID, w, 0, real, owner.pub)
	if err := s.Sign(owner.priv); err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return s.Sig
}

func checkConserved(t *testing.T, l *Ledger) {
	t.Helper()
	if err := l.CheckConservation(); err != nil {
		t.Fatalf("conservation violated: %v", err)
	}
}

func TestIssue(t *testing.T) {
	l := New(tLogger)
	issuer := newParty(t)
	c := issueContract(t, l, issuer, 1000)
	// Idempotent.
	if _, err := l.Issue(c); err != nil {
		t.Fatalf("re-issue error: %v", err)
	}
	bal, err := l.Balance(c.ID, []seal.SealID{c.GenesisSeal, c.GenesisSeal})
	if err != nil || bal != 1000 {
		t.Fatalf("genesis balance = %d, %v", bal, err)
	}
	// Another contract on the same genesis seal.
	c2 := *c
	c2.Ticker = "OTHER"
	c2.ID = c2.ComputeID()
	if _, err := l.Issue(&c2); err == nil {
		t.Fatalf("no error for reused genesis seal")
	}
	// Tampered ID.
	c3 := *c
	c3.Supply = 5
	if _, err := l.Issue(&c3); err == nil {
		t.Fatalf("no error for mismatched contract id")
	}
	if _, err := l.Balance("nope", nil); !errors.Is(err, seal.ErrUnknownContract) {
		t.Fatalf("expected ErrUnknownContract, got %v", err)
	}
	checkConserved(t, l)
}

func TestTransferAndRebind(t *testing.T) {
	l := New(tLogger)
	sender, receiver := newParty(t), newParty(t)
	c := issueContract(t, l, sender, 1000)
	w := seal.WitnessID([32]byte{0x01}, 0)

	step := transferStep(t, c, sender, c.GenesisSeal, 1000, w, receiver.pub, 250)
	if _, err := l.Transfer(step); !errors.Is(err, seal.ErrUnknownWitness) {
		t.Fatalf("expected ErrUnknownWitness for unregistered witness, got %v", err)
	}
	if err := l.RegisterWitness(c.ID, w, receiver.pub); err != nil {
		t.Fatalf("RegisterWitness error: %v", err)
	}
	if err := l.RegisterWitness(c.ID, w, receiver.pub); err != nil {
		t.Fatalf("repeat RegisterWitness error: %v", err)
	}
	if err := l.RegisterWitness(c.ID, w, sender.pub); err == nil {
		t.Fatalf("no error re-registering witness with another owner")
	}

	// Wrong signer.
	bad := transferStep(t, c, receiver, c.GenesisSeal, 1000, w, receiver.pub, 250)
	if _, err := l.Transfer(bad); !errors.Is(err, seal.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	// Overstated input.
	bad = transferStep(t, c, sender, c.GenesisSeal, 1200, w, receiver.pub, 250)
	if _, err := l.Transfer(bad); err == nil {
		t.Fatalf("no error for inflated input")
	}

	id, err := l.Transfer(step)
	if err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
	if id2, err := l.Transfer(step); err != nil || id2 != id {
		t.Fatalf("repeat Transfer = %s, %v", id2, err)
	}
	checkConserved(t, l)
	if bal, _ := l.Balance(c.ID, []seal.SealID{c.GenesisSeal}); bal != 0 {
		t.Fatalf("spent genesis seal still holds %d", bal)
	}
	if bal, _ := l.Balance(c.ID, []seal.SealID{w}); bal != 250 {
		t.Fatalf("witness holds %d, wanted 250", bal)
	}

	real := witnessOutpoint(t, step)
	// Rebind to an outpoint that is not the witness output.
	other := seal.OutpointSeal(wire.OutPoint{Index: 0})
	if err := l.Rebind(c.ID, w, other, rebindSig(t, c, receiver, w, other)); err == nil {
		t.Fatalf("no error rebinding to a foreign outpoint")
	}
	// Rebind signed by someone else.
	if err := l.Rebind(c.ID, w, real, rebindSig(t, c, sender, w, real)); !errors.Is(err, seal.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	sig := rebindSig(t, c, receiver, w, real)
	if err := l.Rebind(c.ID, w, real, sig); err != nil {
		t.Fatalf("Rebind error: %v", err)
	}
	// Idempotent, no double credit.
	if err := l.Rebind(c.ID, w, real, sig); err != nil {
		t.Fatalf("repeat Rebind error: %v", err)
	}
	if bal, _ := l.Balance(c.ID, []seal.SealID{real, w}); bal != 250 {
		t.Fatalf("receiver balance %d after rebind, wanted 250", bal)
	}
	checkConserved(t, l)

	allocs, err := l.Allocations(c.ID)
	if err != nil {
		t.Fatalf("Allocations error: %v", err)
	}
	if len(allocs) != 2 || seal.SumAllocations(allocs) != 1000 {
		t.Fatalf("unexpected allocations %+v", allocs)
	}

	// The claimed witness accepts no further transfers.
	change := step.Outputs[1].Seal
	late := transferStep(t, c, sender, change, 750, w, receiver.pub, 10)
	if _, err := l.Transfer(late); !errors.Is(err, seal.ErrDoubleClaimConflict) {
		t.Fatalf("expected ErrDoubleClaimConflict for transfer to bound witness, got %v", err)
	}
}

func TestDoubleClaimConflict(t *testing.T) {
	l := New(tLogger)
	sender, receiver := newParty(t), newParty(t)
	c := issueContract(t, l, sender, 1000)
	w := seal.WitnessID([32]byte{0x02}, 0)
	if err := l.RegisterWitness(c.ID, w, receiver.pub); err != nil {
		t.Fatalf("RegisterWitness error: %v", err)
	}

	stepA := transferStep(t, c, sender, c.GenesisSeal, 1000, w, receiver.pub, 250)
	if _, err := l.Transfer(stepA); err != nil {
		t.Fatalf("Transfer A error: %v", err)
	}
	stepB := transferStep(t, c, sender, stepA.Outputs[1].Seal, 750, w, receiver.pub, 250)
	if _, err := l.Transfer(stepB); err != nil {
		t.Fatalf("Transfer B error: %v", err)
	}
	checkConserved(t, l)

	realA, realB := witnessOutpoint(t, stepA), witnessOutpoint(t, stepB)
	if err := l.Rebind(c.ID, w, realA, rebindSig(t, c, receiver, w, realA)); err != nil {
		t.Fatalf("Rebind A error: %v", err)
	}
	err := l.Rebind(c.ID, w, realB, rebindSig(t, c, receiver, w, realB))
	if !errors.Is(err, seal.ErrDoubleClaimConflict) {
		t.Fatalf("expected ErrDoubleClaimConflict, got %v", err)
	}
	// Only A's credit moved. B's credit stays on the bound witness.
	if bal, _ := l.Balance(c.ID, []seal.SealID{realA}); bal != 250 {
		t.Fatalf("rebound seal holds %d, wanted 250", bal)
	}
	if bal, _ := l.Balance(c.ID, []seal.SealID{w}); bal != 250 {
		t.Fatalf("witness holds %d after rebind, wanted 250", bal)
	}
	if bal, _ := l.Balance(c.ID, []seal.SealID{realB}); bal != 0 {
		t.Fatalf("conflicting seal holds %d", bal)
	}
	// Repeating the successful rebind is still a no-op.
	if err := l.Rebind(c.ID, w, realA, rebindSig(t, c, receiver, w, realA)); err != nil {
		t.Fatalf("repeat Rebind A error: %v", err)
	}
	if bal, _ := l.Balance(c.ID, []seal.SealID{realA, w}); bal != 500 {
		t.Fatalf("receiver seals hold %d, wanted 500", bal)
	}
	checkConserved(t, l)
}

func TestRebindUnknownWitness(t *testing.T) {
	l := New(tLogger)
	issuer, receiver := newParty(t), newParty(t)
	c := issueContract(t, l, issuer, 10)
	w := seal.WitnessID([32]byte{0x03}, 0)
	real := seal.OutpointSeal(wire.OutPoint{Index: 0})
	if err := l.Rebind(c.ID, w, real, rebindSig(t, c, receiver, w, real)); !errors.Is(err, seal.ErrUnknownWitness) {
		t.Fatalf("expected ErrUnknownWitness, got %v", err)
	}
	// Registered but never credited.
	if err := l.RegisterWitness(c.ID, w, receiver.pub); err != nil {
		t.Fatalf("RegisterWitness error: %v", err)
	}
	if err := l.Rebind(c.ID, w, real, rebindSig(t, c, receiver, w, real)); !errors.Is(err, seal.ErrUnknownWitness) {
		t.Fatalf("expected ErrUnknownWitness for uncredited witness, got %v", err)
	}
}
