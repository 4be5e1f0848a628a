package seal

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey error: %v", err)
	}
	return priv
}

func tOutpoint(b byte, vout uint32) wire.OutPoint {
	var h chainhash.Hash
	h[0] = b
	return wire.OutPoint{Hash: h, Index: vout}
}

func TestSealID(t *testing.T) {
	op := tOutpoint(0x01, 3)
	s := OutpointSeal(op)
	if s.IsWitness() {
		t.Fatalf("outpoint seal reported as witness")
	}
	back, err := s.Outpoint()
	if err != nil {
		t.Fatalf("Outpoint error: %v", err)
	}
	if back != op {
		t.Fatalf("outpoint mismatch: %v != %v", back, op)
	}
	if _, err := s.WitnessVout(); err == nil {
		t.Fatalf("no error for WitnessVout of outpoint seal")
	}

	var commit [32]byte
	commit[31] = 0xff
	w := WitnessID(commit, 0)
	if !strings.HasPrefix(string(w), "witness:") || !w.IsWitness() {
		t.Fatalf("bad witness id %s", w)
	}
	if vout, err := w.WitnessVout(); err != nil || vout != 0 {
		t.Fatalf("WitnessVout = %d, %v", vout, err)
	}
	if _, err := w.Outpoint(); err == nil {
		t.Fatalf("no error for Outpoint of witness seal")
	}
	// Only the first 16 bytes of the commitment are used.
	if w != WitnessID([32]byte{}, 0) {
		t.Fatalf("witness id depends on commitment tail")
	}

	for _, bad := range []SealID{"", "abc", "abc:1", SealID(op.Hash.String() + ":x"), "witness:zz:0", "witness:00:1:2"} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("no error for malformed seal %q", bad)
		}
	}
}

func tContract(t *testing.T, supply uint64) (*Contract, *btcec.PrivateKey) {
	t.Helper()
	priv := newKey(t)
	c := &Contract{
		Ticker:      "TST",
		Name:        "Test Token",
		Supply:      supply,
		Precision:   2,
		GenesisSeal: OutpointSeal(tOutpoint(0x0a, 0)),
		IssuerKey:   priv.PubKey().SerializeCompressed(),
		IssuedAt:    time.UnixMilli(1700000000000),
	}
	c.ID = c.ComputeID()
	return c, priv
}

func TestContractValidate(t *testing.T) {
	c, _ := tContract(t, 1000)
	if err := c.Validate(); err != nil {
		t.Fatalf("valid contract rejected: %v", err)
	}
	if ga := c.GenesisAllocation(); ga.Amount != 1000 || ga.Seal != c.GenesisSeal {
		t.Fatalf("wrong genesis allocation %+v", ga)
	}

	mods := map[string]func(c *Contract){
		"tampered supply": func(c *Contract) { c.Supply = 2000 },
		"zero supply": func(c *Contract) {
			c.Supply = 0
			c.ID = c.ComputeID()
		},
		"witness genesis": func(c *Contract) {
			c.GenesisSeal = WitnessID([32]byte{1}, 0)
			c.ID = c.ComputeID()
		},
		"bad key": func(c *Contract) {
			c.IssuerKey = []byte{0x02, 0x01}
			c.ID = c.ComputeID()
		},
		"precision": func(c *Contract) {
			c.Precision = MaxPrecision + 1
			c.ID = c.ComputeID()
		},
	}
	for name, mod := range mods {
		cc := *c
		mod(&cc)
		if err := cc.Validate(); err == nil {
			t.Fatalf("%s: no error", name)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	c := &Contract{Precision: 2}
	for amt, exp := range map[uint64]string{0: "0.00", 5: "0.05", 1234: "12.34", 100000: "1000.00"} {
		if s := c.FormatAmount(amt); s != exp {
			t.Fatalf("FormatAmount(%d) = %s, wanted %s", amt, s, exp)
		}
	}
	c.Precision = 0
	if s := c.FormatAmount(42); s != "42" {
		t.Fatalf("FormatAmount(42) = %s", s)
	}
}

func tTransferStep(t *testing.T, contractID ContractID, input SealID, amt, pay uint64, owner []byte) *Step {
	t.Helper()
	tx := wire.NewMsgTx(2)
	op, _ := input.Outpoint()
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	txHash := tx.TxHash()
	return &Step{
		Kind:        StepTransfer,
		ContractID:  contractID,
		Input:       input,
		InputAmount: amt,
		Outputs: []*Output{
			{Seal: WitnessID([32]byte{0x33}, 0), Amount: pay, Owner: owner},
			{Seal: OutpointSeal(wire.OutPoint{Hash: txHash, Index: 1}), Amount: amt - pay, Owner: owner},
		},
		WitnessTx: buf.Bytes(),
	}
}

func TestStepSignAndEncode(t *testing.T) {
	c, priv := tContract(t, 1000)
	step := tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
	if err := step.CheckShape(); err != nil {
		t.Fatalf("CheckShape error: %v", err)
	}
	if err := step.Sign(priv); err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	if err := step.VerifySig(c.IssuerKey); err != nil {
		t.Fatalf("VerifySig error: %v", err)
	}
	other := newKey(t)
	if err := step.VerifySig(other.PubKey().SerializeCompressed()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong key, got %v", err)
	}

	back, err := DecodeStep(step.Encode())
	if err != nil {
		t.Fatalf("DecodeStep error: %v", err)
	}
	if back.ID() != step.ID() {
		t.Fatalf("decoded step id %s != %s", back.ID(), step.ID())
	}
	if err := back.VerifySig(c.IssuerKey); err != nil {
		t.Fatalf("decoded step signature invalid: %v", err)
	}
	tx, err := back.Tx()
	if err != nil || len(tx.TxOut) != 2 {
		t.Fatalf("Tx() = %v, %v", tx, err)
	}

	// Any change to a signed field breaks the signature.
	back.Outputs[0].Amount++
	back.Outputs[1].Amount--
	if err := back.VerifySig(c.IssuerKey); err == nil {
		t.Fatalf("tampered step verified")
	}

	enc := step.Encode()
	if _, err := DecodeStep(enc[:len(enc)-3]); err == nil {
		t.Fatalf("no error for truncated step")
	}
	enc[0] = 9
	if _, err := DecodeStep(enc); err == nil {
		t.Fatalf("no error for unknown step version")
	}
}

func TestStepCheckShape(t *testing.T) {
	c, _ := tContract(t, 1000)
	tests := map[string]func(s *Step){
		"unbalanced":   func(s *Step) { s.Outputs[0].Amount++ },
		"zero output":  func(s *Step) { s.Outputs[0].Amount, s.Outputs[1].Amount = 0, 1000 },
		"no outputs":   func(s *Step) { s.Outputs = nil },
		"witness in":   func(s *Step) { s.Input = WitnessID([32]byte{9}, 0) },
		"no tx":        func(s *Step) { s.WitnessTx = nil },
		"dup output":   func(s *Step) { s.Outputs[1].Seal = s.Outputs[0].Seal },
		"bad owner":    func(s *Step) { s.Outputs[0].Owner = []byte{1} },
		"unknown kind": func(s *Step) { s.Kind = 7 },
	}
	for name, mod := range tests {
		s := tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
		mod(s)
		if err := s.CheckShape(); err == nil {
			t.Fatalf("%s: no error", name)
		}
	}
}

func TestRebindStep(t *testing.T) {
	priv := newKey(t)
	owner := priv.PubKey().SerializeCompressed()
	w := WitnessID([32]byte{0x44}, 0)
	real := OutpointSeal(tOutpoint(0x55, 0))
	s := NewRebindStep("cid", w, 250, real, owner)
	if err := s.CheckShape(); err != nil {
		t.Fatalf("CheckShape error: %v", err)
	}
	if err := s.Sign(priv); err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	// The ledger rebuilds the message without the amount.
	if err := VerifySchnorr(RebindHash("cid", w, real), s.Sig, owner); err != nil {
		t.Fatalf("rebind signature does not verify against RebindHash: %v", err)
	}
	if err := VerifySchnorr(RebindHash("cid", w, OutpointSeal(tOutpoint(0x56, 0))), s.Sig, owner); err == nil {
		t.Fatalf("rebind signature verified for another seal")
	}
}

func TestInvoice(t *testing.T) {
	priv := newKey(t)
	inv := &Invoice{
		ContractID:     "abcd",
		Amount:         250,
		Script:         []byte{0x00, 0x14, 1, 2, 3},
		BeneficiaryKey: priv.PubKey().SerializeCompressed(),
		Expiry:         time.UnixMilli(time.Now().Add(time.Hour).UnixMilli()),
	}
	copy(inv.Blinding[:], bytes.Repeat([]byte{7}, 32))

	s := inv.String()
	if !strings.HasPrefix(s, InvoiceHRP+"1") {
		t.Fatalf("unexpected invoice prefix: %s", s)
	}
	back, err := ParseInvoice(s)
	if err != nil {
		t.Fatalf("ParseInvoice error: %v", err)
	}
	if back.WitnessID() != inv.WitnessID() {
		t.Fatalf("witness id changed across encoding")
	}
	if !back.Expiry.Equal(inv.Expiry) || back.Amount != 250 || back.ContractID != "abcd" {
		t.Fatalf("decoded invoice mismatch: %+v", back)
	}

	// A different blinding factor gives a different witness.
	other := *inv
	other.Blinding[0] = 8
	if other.WitnessID() == inv.WitnessID() {
		t.Fatalf("blinding factor does not affect witness id")
	}

	if inv.Expired(time.Now()) {
		t.Fatalf("fresh invoice expired")
	}
	if !inv.Expired(inv.Expiry) {
		t.Fatalf("invoice not expired at expiry")
	}

	last := "q"
	if strings.HasSuffix(s, "q") {
		last = "p"
	}
	for i, bad := range []string{"", "sealinv1qqqq", strings.Replace(s, "sealinv", "other", 1), s[:len(s)-1] + last} {
		if _, err := ParseInvoice(bad); !errors.Is(err, ErrInvalidInvoice) {
			t.Fatalf("bad invoice %d: expected ErrInvalidInvoice, got %v", i, err)
		}
	}
}

func TestNetwork(t *testing.T) {
	for _, net := range []Network{Mainnet, Testnet, Signet, Regtest} {
		back, err := NetFromString(net.String())
		if err != nil || back != net {
			t.Fatalf("round trip of %s failed: %v", net, err)
		}
		if net.Params() == nil {
			t.Fatalf("no params for %s", net)
		}
	}
	if _, err := NetFromString("dogenet"); err == nil {
		t.Fatalf("no error for unknown network")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewError(ErrNetworkUnavailable, "dial")) {
		t.Fatalf("network error not retryable")
	}
	if !IsRetryable(fmt.Errorf("rebind: %w", errors.Join(ErrNetworkUnavailable))) {
		t.Fatalf("wrapped network error not retryable")
	}
	if IsRetryable(ErrDoubleClaimConflict) || IsRetryable(nil) {
		t.Fatalf("terminal error reported retryable")
	}
}

func TestCheckWitnessTx(t *testing.T) {
	c, _ := tContract(t, 1000)
	step := tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
	if _, err := step.CheckWitnessTx(); err != nil {
		t.Fatalf("CheckWitnessTx error: %v", err)
	}

	// Change seal naming another transaction.
	s := tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
	s.Outputs[1].Seal = OutpointSeal(tOutpoint(0x77, 1))
	if _, err := s.CheckWitnessTx(); err == nil {
		t.Fatalf("no error for foreign change seal")
	}

	// Witness vout beyond the transaction's outputs.
	s = tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
	s.Outputs[0].Seal = WitnessID([32]byte{0x33}, 5)
	if _, err := s.CheckWitnessTx(); err == nil {
		t.Fatalf("no error for missing witness vout")
	}

	// Transaction not spending the input.
	s = tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
	s.Input = OutpointSeal(tOutpoint(0x0b, 0))
	if _, err := s.CheckWitnessTx(); err == nil {
		t.Fatalf("no error for witness tx not spending the input")
	}

	s = tTransferStep(t, c.ID, c.GenesisSeal, 1000, 250, c.IssuerKey)
	s.WitnessTx = []byte{1, 2, 3}
	if _, err := s.CheckWitnessTx(); err == nil {
		t.Fatalf("no error for garbage witness tx")
	}
}

func TestContractEncode(t *testing.T) {
	c, _ := tContract(t, 1000)
	c.Name = ""
	c.Precision = 0
	c.ID = c.ComputeID()
	back, err := DecodeContract(c.Encode())
	if err != nil {
		t.Fatalf("DecodeContract error: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("decoded contract invalid: %v", err)
	}
	if back.ID != c.ID || back.GenesisSeal != c.GenesisSeal || !back.IssuedAt.Equal(c.IssuedAt) {
		t.Fatalf("decoded contract mismatch: %+v", back)
	}
	if _, err := DecodeContract([]byte{1, 0}); err == nil {
		t.Fatalf("no error for unknown contract encoding")
	}
}
