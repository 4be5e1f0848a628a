// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dbtest provides random record generators and comparison helpers
// for testing db.DB implementations.
package dbtest

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Tester is satisfied by *testing.T and *testing.B.
type Tester interface {
	Fatalf(string, ...any)
	Helper()
}

func randBytes(l int) []byte {
	b := make([]byte, l)
	rand.Read(b)
	return b
}

// Generate a compressed public key on the secp256k1 curve.
func randomPubKey() []byte {
	priv, _ := btcec.PrivKeyFromBytes(randBytes(32))
	return priv.PubKey().SerializeCompressed()
}

// randomStamp is a millisecond-precision time, which is what the records
// preserve.
func randomStamp() time.Time {
	return time.UnixMilli(1600000000000 + rand.Int63n(1e11))
}

// RandomOutpointSeal creates a concrete seal with a random txid.
func RandomOutpointSeal() seal.SealID {
	var h chainhash.Hash
	copy(h[:], randBytes(32))
	return seal.OutpointSeal(wire.OutPoint{Hash: h, Index: uint32(rand.Intn(8))})
}

// RandomWitnessSeal creates a witness placeholder with a random commitment.
func RandomWitnessSeal() seal.SealID {
	var c [32]byte
	copy(c[:], randBytes(32))
	return seal.WitnessID(c, uint32(rand.Intn(8)))
}

// RandomContract creates a valid contract with random parameters.
func RandomContract() *seal.Contract {
	c := &seal.Contract{
		Ticker:      fmt.Sprintf("T%d", rand.Intn(1000)),
		Name:        hex.EncodeToString(randBytes(8)),
		Supply:      uint64(rand.Int63n(1e12)) + 1,
		Precision:   uint8(rand.Intn(9)),
		GenesisSeal: RandomOutpointSeal(),
		IssuerKey:   randomPubKey(),
		IssuedAt:    randomStamp(),
	}
	c.ID = c.ComputeID()
	return c
}

// RandomContractRecord creates a ContractRecord for a random contract.
func RandomContractRecord() *db.ContractRecord {
	return &db.ContractRecord{
		Contract:   RandomContract(),
		Issued:     rand.Intn(2) == 0,
		ImportedAt: randomStamp(),
	}
}

// RandomStep creates an unsigned transfer step of the contract with a random
// input and outputs. The step is structurally valid.
func RandomStep(contractID seal.ContractID) *seal.Step {
	nOut := rand.Intn(3) + 1
	step := &seal.Step{
		Kind:       seal.StepTransfer,
		ContractID: contractID,
		Input:      RandomOutpointSeal(),
		Sig:        randBytes(64),
	}
	for i := 0; i < nOut; i++ {
		amt := uint64(rand.Int63n(1e6)) + 1
		out := &seal.Output{Amount: amt, Owner: randomPubKey()}
		if i == 0 {
			out.Seal = RandomWitnessSeal()
		} else {
			out.Seal = RandomOutpointSeal()
		}
		step.Outputs = append(step.Outputs, out)
		step.InputAmount += amt
	}
	return step
}

// RandomInvoiceRecord creates an InvoiceRecord with a random invoice.
func RandomInvoiceRecord() *db.InvoiceRecord {
	inv := &seal.Invoice{
		ContractID:     seal.ContractID(hex.EncodeToString(randBytes(32))),
		Amount:         uint64(rand.Int63n(1e9)) + 1,
		Script:         append([]byte{0x00, 0x14}, randBytes(20)...),
		BeneficiaryKey: randomPubKey(),
		Vout:           uint32(rand.Intn(4)),
	}
	copy(inv.Blinding[:], randBytes(32))
	if rand.Intn(2) == 0 {
		inv.Expiry = randomStamp()
	}
	return &db.InvoiceRecord{
		Invoice:   inv,
		KeyIndex:  rand.Uint32(),
		CreatedAt: randomStamp(),
	}
}

// RandomClaim creates a Pending claim with random fields. Set the sparsity
// to change how many optional fields are populated. 0 < sparsity < 1.
func RandomClaim(sparsity float64) *db.ClaimRecord {
	doZero := func() bool { return rand.Intn(1000) < int(sparsity*1000) }
	c := &db.ClaimRecord{
		WitnessID:  RandomWitnessSeal(),
		TransferID: hex.EncodeToString(randBytes(32)),
		ContractID: seal.ContractID(hex.EncodeToString(randBytes(32))),
		Amount:     uint64(rand.Int63n(1e9)) + 1,
		Script:     append([]byte{0x00, 0x14}, randBytes(20)...),
		Status:     db.ClaimPending,
		CreatedAt:  randomStamp(),
	}
	c.UpdatedAt = c.CreatedAt
	if !doZero() {
		c.Expected = RandomOutpointSeal()
	}
	if !doZero() {
		c.Attempts = uint32(rand.Intn(10))
		c.LastError = "network unavailable"
		c.Note(c.CreatedAt, "attempt %d failed", c.Attempts)
	}
	if !doZero() {
		c.ConsignmentPath = "/tmp/" + hex.EncodeToString(randBytes(4)) + ".consignment"
	}
	if !doZero() {
		c.NextAttempt = randomStamp()
	}
	return c
}

// RandomConsignmentRecord creates a ConsignmentRecord for a random terminal.
func RandomConsignmentRecord(contractID seal.ContractID) *db.ConsignmentRecord {
	return &db.ConsignmentRecord{
		Terminal:   hex.EncodeToString(randBytes(32)),
		ContractID: contractID,
		Path:       "/tmp/" + hex.EncodeToString(randBytes(4)),
		AcceptedAt: randomStamp(),
	}
}

func sameStamp(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli() || (a.IsZero() && b.IsZero())
}

// MustCompareContracts ensures the two contracts are identical, calling the
// Fatalf method of the Tester if not.
func MustCompareContracts(t Tester, c1, c2 *seal.Contract) {
	t.Helper()
	switch {
	case c1.ID != c2.ID:
		t.Fatalf("ID mismatch. %s != %s", c1.ID, c2.ID)
	case c1.Ticker != c2.Ticker || c1.Name != c2.Name:
		t.Fatalf("name mismatch. %s/%s != %s/%s", c1.Ticker, c1.Name, c2.Ticker, c2.Name)
	case c1.Supply != c2.Supply:
		t.Fatalf("Supply mismatch. %d != %d", c1.Supply, c2.Supply)
	case c1.Precision != c2.Precision:
		t.Fatalf("Precision mismatch. %d != %d", c1.Precision, c2.Precision)
	case c1.GenesisSeal != c2.GenesisSeal:
		t.Fatalf("GenesisSeal mismatch. %s != %s", c1.GenesisSeal, c2.GenesisSeal)
	case !bytes.Equal(c1.IssuerKey, c2.IssuerKey):
		t.Fatalf("IssuerKey mismatch. %x != %x", c1.IssuerKey[:], c2.IssuerKey[:])
	case !sameStamp(c1.IssuedAt, c2.IssuedAt):
		t.Fatalf("IssuedAt mismatch. %s != %s", c1.IssuedAt, c2.IssuedAt)
	}
}

// MustCompareSteps ensures the two steps are identical.
func MustCompareSteps(t Tester, s1, s2 *seal.Step) {
	t.Helper()
	if !bytes.Equal(s1.Encode(), s2.Encode()) {
		t.Fatalf("step mismatch. %s != %s", s1.ID(), s2.ID())
	}
}

// MustCompareInvoiceRecords ensures the two records are identical.
func MustCompareInvoiceRecords(t Tester, r1, r2 *db.InvoiceRecord) {
	t.Helper()
	if !bytes.Equal(r1.Invoice.Encode(), r2.Invoice.Encode()) {
		t.Fatalf("invoice mismatch. %s != %s", r1.Invoice, r2.Invoice)
	}
	if r1.KeyIndex != r2.KeyIndex {
		t.Fatalf("KeyIndex mismatch. %d != %d", r1.KeyIndex, r2.KeyIndex)
	}
	if !sameStamp(r1.CreatedAt, r2.CreatedAt) {
		t.Fatalf("CreatedAt mismatch. %s != %s", r1.CreatedAt, r2.CreatedAt)
	}
}

// MustCompareClaims ensures the two claims are identical.
func MustCompareClaims(t Tester, c1, c2 *db.ClaimRecord) {
	t.Helper()
	switch {
	case c1.ID() != c2.ID():
		t.Fatalf("ID mismatch. %s != %s", c1.ID(), c2.ID())
	case c1.ContractID != c2.ContractID:
		t.Fatalf("ContractID mismatch. %s != %s", c1.ContractID, c2.ContractID)
	case c1.Amount != c2.Amount:
		t.Fatalf("Amount mismatch. %d != %d", c1.Amount, c2.Amount)
	case !bytes.Equal(c1.Script, c2.Script):
		t.Fatalf("Script mismatch. %x != %x", c1.Script, c2.Script)
	case c1.Expected != c2.Expected:
		t.Fatalf("Expected mismatch. %s != %s", c1.Expected, c2.Expected)
	case c1.Status != c2.Status:
		t.Fatalf("Status mismatch. %s != %s", c1.Status, c2.Status)
	case c1.FailReason != c2.FailReason:
		t.Fatalf("FailReason mismatch. %s != %s", c1.FailReason, c2.FailReason)
	case c1.Attempts != c2.Attempts:
		t.Fatalf("Attempts mismatch. %d != %d", c1.Attempts, c2.Attempts)
	case c1.LastError != c2.LastError:
		t.Fatalf("LastError mismatch. %q != %q", c1.LastError, c2.LastError)
	case len(c1.History) != len(c2.History):
		t.Fatalf("History length mismatch. %d != %d", len(c1.History), len(c2.History))
	case c1.RealSeal != c2.RealSeal:
		t.Fatalf("RealSeal mismatch. %s != %s", c1.RealSeal, c2.RealSeal)
	case c1.ConsignmentPath != c2.ConsignmentPath:
		t.Fatalf("ConsignmentPath mismatch. %s != %s", c1.ConsignmentPath, c2.ConsignmentPath)
	case !sameStamp(c1.CreatedAt, c2.CreatedAt):
		t.Fatalf("CreatedAt mismatch. %s != %s", c1.CreatedAt, c2.CreatedAt)
	case !sameStamp(c1.UpdatedAt, c2.UpdatedAt):
		t.Fatalf("UpdatedAt mismatch. %s != %s", c1.UpdatedAt, c2.UpdatedAt)
	case !sameStamp(c1.ClaimedAt, c2.ClaimedAt):
		t.Fatalf("ClaimedAt mismatch. %s != %s", c1.ClaimedAt, c2.ClaimedAt)
	case !sameStamp(c1.NextAttempt, c2.NextAttempt):
		t.Fatalf("NextAttempt mismatch. %s != %s", c1.NextAttempt, c2.NextAttempt)
	}
	for i := range c1.History {
		if c1.History[i] != c2.History[i] {
			t.Fatalf("History entry %d mismatch. %q != %q", i, c1.History[i], c2.History[i])
		}
	}
}
