// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package consignment

import (
	"bytes"
	"fmt"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Validated is a consignment that passed validation.
type Validated struct {
	*Consignment
	// Terminal is the proven state. See Consignment.Terminal.
	Terminal string
	// Allocations is the contract's allocation set after the last step.
	Allocations []*seal.Allocation
	// Credited is the amount the last step credits to the mapped witness.
	Credited uint64
	// Expected is the outpoint the last step's witness transaction creates for
	// the mapped witness. Empty without a mapping.
	Expected seal.SealID
}

// state is the allocation set re-derived while replaying steps.
type state struct {
	allocs map[seal.SealID]*seal.Allocation
	spent  map[seal.SealID]bool
	// credits records the amount each transaction credited to each witness.
	credits map[seal.SealID]map[chainhash.Hash]uint64
	// bound witnesses accept no further transfers or rebinds.
	bound map[seal.SealID]bool
}

func (st *state) used(s seal.SealID) bool {
	_, found := st.allocs[s]
	return found || st.spent[s]
}

// DecodeAndValidate decodes and validates a consignment. Any error is of kind
// seal.ErrInvalidConsignment.
func DecodeAndValidate(b []byte) (*Validated, error) {
	c, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return Validate(c)
}

// Validate replays the consignment's steps from genesis, checking signatures,
// Bitcoin commitments and conservation, and checks the mapping against the
// last step.
func Validate(c *Consignment) (*Validated, error) {
	if c.Version != Version {
		return nil, invalid("unknown version %d", c.Version)
	}
	if c.Contract == nil {
		return nil, invalid("no contract")
	}
	if err := c.Contract.Validate(); err != nil {
		return nil, invalid("contract: %v", err)
	}
	cid := c.Contract.ID
	st := &state{
		allocs:  map[seal.SealID]*seal.Allocation{c.Contract.GenesisSeal: c.Contract.GenesisAllocation()},
		spent:   make(map[seal.SealID]bool),
		credits: make(map[seal.SealID]map[chainhash.Hash]uint64),
		bound:   make(map[seal.SealID]bool),
	}

	var lastTx *wire.MsgTx
	for i, s := range c.Steps {
		if s.ContractID != cid {
			return nil, invalid("step %d: contract %s, expected %s", i, s.ContractID, cid)
		}
		tx, err := st.apply(s)
		if err != nil {
			return nil, invalid("step %d (%s): %v", i, s.Kind, err)
		}
		lastTx = tx
	}

	v := &Validated{
		Consignment: c,
		Terminal:    c.Terminal(),
		Allocations: make([]*seal.Allocation, 0, len(st.allocs)),
	}
	for _, a := range st.allocs {
		v.Allocations = append(v.Allocations, a)
	}
	if sum := seal.SumAllocations(v.Allocations); sum != c.Contract.Supply {
		return nil, invalid("allocations sum to %d, supply is %d", sum, c.Contract.Supply)
	}

	m := c.Mapping
	if m == nil {
		return v, nil
	}
	if c.Genesis() {
		return nil, invalid("genesis consignment with a witness mapping")
	}
	last := c.Steps[len(c.Steps)-1]
	if last.Kind != seal.StepTransfer {
		return nil, invalid("mapping requires the last step to be a transfer")
	}
	for _, o := range last.Outputs {
		if o.Seal == m.WitnessID {
			v.Credited = o.Amount
			break
		}
	}
	if v.Credited == 0 {
		return nil, invalid("mapped witness %s is not credited by the last step", m.WitnessID)
	}
	if m.Amount != v.Credited {
		return nil, invalid("mapping amount %d, last step credits %d", m.Amount, v.Credited)
	}
	if vout, _ := m.WitnessID.WitnessVout(); vout != m.Vout {
		return nil, invalid("mapping vout %d does not match witness %s", m.Vout, m.WitnessID)
	}
	if !bytes.Equal(lastTx.TxOut[m.Vout].PkScript, m.Script) {
		return nil, invalid("witness transaction output %d does not pay the mapped script", m.Vout)
	}
	v.Expected = seal.OutpointSeal(wire.OutPoint{Hash: lastTx.TxHash(), Index: m.Vout})
	return v, nil
}

// apply checks the step against the current allocations and applies it. The
// witness transaction of a transfer is returned. A rebind moves only the
// credit of the transfer whose witness output is the real seal, as the ledger
// does.
func (st *state) apply(s *seal.Step) (*wire.MsgTx, error) {
	if err := s.CheckShape(); err != nil {
		return nil, err
	}
	in, found := st.allocs[s.Input]
	if !found {
		if st.spent[s.Input] {
			return nil, fmt.Errorf("input %s already spent", s.Input)
		}
		return nil, fmt.Errorf("no allocation on input %s", s.Input)
	}
	if err := s.VerifySig(in.Owner); err != nil {
		return nil, err
	}

	var tx *wire.MsgTx
	switch s.Kind {
	case seal.StepTransfer:
		if in.Amount != s.InputAmount {
			return nil, fmt.Errorf("input %s holds %d, step spends %d", s.Input, in.Amount, s.InputAmount)
		}
		var err error
		if tx, err = s.CheckWitnessTx(); err != nil {
			return nil, err
		}
		for _, o := range s.Outputs {
			if !o.Seal.IsWitness() {
				if st.used(o.Seal) {
					return nil, fmt.Errorf("seal %s already used", o.Seal)
				}
				continue
			}
			if st.spent[o.Seal] || st.bound[o.Seal] {
				return nil, fmt.Errorf("witness %s already rebound", o.Seal)
			}
			if a, found := st.allocs[o.Seal]; found && !bytes.Equal(a.Owner, o.Owner) {
				return nil, fmt.Errorf("witness %s credited to a different owner", o.Seal)
			}
		}
	case seal.StepRebind:
		if st.bound[s.Input] {
			return nil, fmt.Errorf("witness %s already rebound", s.Input)
		}
		out := s.Outputs[0]
		op, err := out.Seal.Outpoint()
		if err != nil {
			return nil, err
		}
		vout, _ := s.Input.WitnessVout()
		credited := st.credits[s.Input][op.Hash]
		if op.Index != vout || credited == 0 {
			return nil, fmt.Errorf("real seal %s is not the witness output of a crediting transfer", out.Seal)
		}
		if credited != s.InputAmount {
			return nil, fmt.Errorf("transfer credited %d to %s, step rebinds %d", credited, s.Input, s.InputAmount)
		}
		if !bytes.Equal(out.Owner, in.Owner) {
			return nil, fmt.Errorf("rebind changes the owner")
		}
		if st.used(out.Seal) {
			return nil, fmt.Errorf("seal %s already used", out.Seal)
		}
		st.bound[s.Input] = true
	}

	if in.Amount -= s.InputAmount; in.Amount == 0 {
		delete(st.allocs, s.Input)
		st.spent[s.Input] = true
	}
	for _, o := range s.Outputs {
		if a, found := st.allocs[o.Seal]; found {
			a.Amount += o.Amount
		} else {
			st.allocs[o.Seal] = &seal.Allocation{
				ContractID: s.ContractID,
				Seal:       o.Seal,
				Amount:     o.Amount,
				Owner:      o.Owner,
			}
		}
		if tx != nil && o.Seal.IsWitness() {
			if st.credits[o.Seal] == nil {
				st.credits[o.Seal] = make(map[chainhash.Hash]uint64)
			}
			st.credits[o.Seal][tx.TxHash()] += o.Amount
		}
	}
	return tx, nil
}
