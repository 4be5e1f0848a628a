// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"decred.org/sealwallet/seal/encode"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
)

// StepKind distinguishes the two kinds of state transition.
type StepKind uint8

const (
	// StepTransfer spends a concrete seal, crediting a beneficiary (usually a
	// witness placeholder) and returning change to a fresh seal.
	StepTransfer StepKind = 1
	// StepRebind moves a witness placeholder's allocation to the outpoint
	// that was eventually confirmed.
	StepRebind StepKind = 2
)

// String returns the string representation of a StepKind.
func (k StepKind) String() string {
	switch k {
	case StepTransfer:
		return "transfer"
	case StepRebind:
		return "rebind"
	}
	return "unknown"
}

// maxStepOutputs caps outputs per step to keep decoding bounded.
const maxStepOutputs = 16

// Output is a new allocation created by a step.
type Output struct {
	Seal   SealID `json:"seal"`
	Amount uint64 `json:"amount"`
	Owner  Bytes  `json:"owner"`
}

// Step is one signed state transition of a contract's allocations. A transfer
// commits to the Bitcoin transaction that spends the input seal. The
// signature is a BIP-340 Schnorr signature by the input allocation's owner.
type Step struct {
	Kind        StepKind   `json:"kind"`
	ContractID  ContractID `json:"contractID"`
	Input       SealID     `json:"input"`
	InputAmount uint64     `json:"inputAmount"`
	Outputs     []*Output  `json:"outputs"`
	WitnessTx   Bytes      `json:"witnessTx,omitempty"`
	Sig         Bytes      `json:"sig"`
}

// SigHash is the message signed by the input owner. A rebind commits only to
// the contract, the witness and the real seal, so the ledger can rebuild it
// from a rebind request.
func (s *Step) SigHash() [32]byte {
	if s.Kind == StepRebind {
		var realSeal SealID
		if len(s.Outputs) > 0 {
			realSeal = s.Outputs[0].Seal
		}
		return RebindHash(s.ContractID, s.Input, realSeal)
	}
	return sha256.Sum256(s.serialize(false))
}

// RebindHash is the message authorizing the move of a witness allocation to
// a concrete seal.
func RebindHash(contractID ContractID, witness, realSeal SealID) [32]byte {
	b := encode.BuildyBytes{0}.
		AddData([]byte{byte(StepRebind)}).
		AddData([]byte(contractID)).
		AddData([]byte(witness)).
		AddData([]byte(realSeal))
	return sha256.Sum256(b)
}

// ID is the hex-encoded SigHash.
func (s *Step) ID() string {
	h := s.SigHash()
	return hex.EncodeToString(h[:])
}

// Sign sets the signature.
func (s *Step) Sign(priv *btcec.PrivateKey) error {
	h := s.SigHash()
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return err
	}
	s.Sig = sig.Serialize()
	return nil
}

// VerifySig checks the signature against the owner's compressed pubkey.
func (s *Step) VerifySig(owner []byte) error {
	h := s.SigHash()
	return VerifySchnorr(h, s.Sig, owner)
}

// VerifySchnorr checks a BIP-340 signature over the hash.
func VerifySchnorr(h [32]byte, sigB, owner []byte) error {
	pub, err := btcec.ParsePubKey(owner)
	if err != nil {
		return NewError(ErrInvalidSignature, "bad owner key: "+err.Error())
	}
	sig, err := schnorr.ParseSignature(sigB)
	if err != nil {
		return NewError(ErrInvalidSignature, err.Error())
	}
	if !sig.Verify(h[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

// OutputSum adds the output amounts.
func (s *Step) OutputSum() (sum uint64) {
	for _, o := range s.Outputs {
		sum += o.Amount
	}
	return
}

// CheckShape checks everything that can be checked without knowing the
// current allocation set: kind, seal formats, output count, amounts and
// balance.
func (s *Step) CheckShape() error {
	if len(s.Outputs) == 0 || len(s.Outputs) > maxStepOutputs {
		return fmt.Errorf("step has %d outputs", len(s.Outputs))
	}
	if err := s.Input.Validate(); err != nil {
		return err
	}
	seen := make(map[SealID]bool, len(s.Outputs))
	var sum uint64
	for i, o := range s.Outputs {
		if err := o.Seal.Validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		if seen[o.Seal] || o.Seal == s.Input {
			return fmt.Errorf("output %d: duplicate seal %s", i, o.Seal)
		}
		seen[o.Seal] = true
		if o.Amount == 0 {
			return fmt.Errorf("output %d: zero amount", i)
		}
		if sum+o.Amount < sum {
			return fmt.Errorf("output amounts overflow")
		}
		sum += o.Amount
		if _, err := btcec.ParsePubKey(o.Owner); err != nil {
			return fmt.Errorf("output %d: bad owner key: %w", i, err)
		}
	}
	if sum != s.InputAmount {
		return fmt.Errorf("outputs sum to %d, input is %d", sum, s.InputAmount)
	}
	switch s.Kind {
	case StepTransfer:
		if s.Input.IsWitness() {
			return fmt.Errorf("transfer cannot spend witness seal %s", s.Input)
		}
		if len(s.WitnessTx) == 0 {
			return fmt.Errorf("transfer without witness transaction")
		}
	case StepRebind:
		if !s.Input.IsWitness() {
			return fmt.Errorf("rebind input %s is not a witness", s.Input)
		}
		if len(s.Outputs) != 1 || s.Outputs[0].Seal.IsWitness() {
			return fmt.Errorf("rebind must have a single concrete output")
		}
	default:
		return fmt.Errorf("unknown step kind %d", s.Kind)
	}
	return nil
}

// Tx decodes the witness transaction.
func (s *Step) Tx() (*wire.MsgTx, error) {
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(s.WitnessTx)); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Step) serialize(withSig bool) []byte {
	b := encode.BuildyBytes{0}.
		AddData([]byte{byte(s.Kind)}).
		AddData([]byte(s.ContractID)).
		AddData([]byte(s.Input)).
		AddData(encode.Uint64Bytes(s.InputAmount)).
		AddData(encode.Uint32Bytes(uint32(len(s.Outputs))))
	for _, o := range s.Outputs {
		b = b.AddData([]byte(o.Seal)).AddData(encode.Uint64Bytes(o.Amount)).AddData(o.Owner)
	}
	b = b.AddData(s.WitnessTx)
	if withSig {
		b = b.AddData(s.Sig)
	}
	return b
}

// Encode serializes the step with its signature.
func (s *Step) Encode() []byte {
	return s.serialize(true)
}

// DecodeStep decodes a step from Encode.
func DecodeStep(b []byte) (*Step, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown step version %d", ver)
	}
	p := encode.NewPushes(pushes)
	s := &Step{
		Kind:        StepKind(p.Uint8()),
		ContractID:  ContractID(p.String()),
		Input:       SealID(p.String()),
		InputAmount: p.Uint64(),
	}
	n := p.Uint32()
	if n > maxStepOutputs {
		return nil, fmt.Errorf("too many outputs (%d)", n)
	}
	for i := uint32(0); i < n; i++ {
		s.Outputs = append(s.Outputs, &Output{
			Seal:   SealID(p.String()),
			Amount: p.Uint64(),
			Owner:  encode.CopySlice(p.Bytes()),
		})
	}
	s.WitnessTx = encode.CopySlice(p.Bytes())
	s.Sig = encode.CopySlice(p.Bytes())
	if err := p.Done(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRebindStep creates the unsigned step moving a witness allocation to the
// real seal. The owner is unchanged.
func NewRebindStep(contractID ContractID, witness SealID, amount uint64, realSeal SealID, owner []byte) *Step {
	return &Step{
		Kind:        StepRebind,
		ContractID:  contractID,
		Input:       witness,
		InputAmount: amount,
		Outputs:     []*Output{{Seal: realSeal, Amount: amount, Owner: owner}},
	}
}

// CheckWitnessTx checks a transfer's Bitcoin commitment: the witness
// transaction must spend the input seal, concrete outputs must be outputs of
// the witness transaction, and witness outputs must name an existing vout.
func (s *Step) CheckWitnessTx() (*wire.MsgTx, error) {
	if s.Kind != StepTransfer {
		return nil, fmt.Errorf("%s step has no witness transaction", s.Kind)
	}
	tx, err := s.Tx()
	if err != nil {
		return nil, fmt.Errorf("undecodable witness transaction: %w", err)
	}
	inOp, err := s.Input.Outpoint()
	if err != nil {
		return nil, err
	}
	var spendsInput bool
	for _, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == inOp {
			spendsInput = true
			break
		}
	}
	if !spendsInput {
		return nil, fmt.Errorf("witness transaction does not spend %s", s.Input)
	}
	txHash := tx.TxHash()
	for i, o := range s.Outputs {
		if o.Seal.IsWitness() {
			vout, _ := o.Seal.WitnessVout()
			if int(vout) >= len(tx.TxOut) {
				return nil, fmt.Errorf("output %d: witness vout %d not in transaction", i, vout)
			}
			continue
		}
		op, err := o.Seal.Outpoint()
		if err != nil {
			return nil, err
		}
		if op.Hash != txHash || int(op.Index) >= len(tx.TxOut) {
			return nil, fmt.Errorf("output %d: seal %s is not an output of %s", i, o.Seal, txHash)
		}
	}
	return tx, nil
}
