// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ledger implements an in-memory contract ledger: the authoritative
// allocation set for every issued contract. It enforces conservation, owner
// signatures and single binding of witness placeholders, and is what the
// wallet's ledger client talks to on simnet and in tests.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type witness struct {
	contractID seal.ContractID
	owner      []byte
	// credits is the amount each crediting witness transaction paid the
	// placeholder. A rebind moves only the credit of the transaction whose
	// output is the real seal. Credits of other transactions stay on the
	// witness once it is bound.
	credits map[chainhash.Hash]uint64
	boundTo seal.SealID
}

type contractState struct {
	contract *seal.Contract
	allocs   map[seal.SealID]*seal.Allocation
	// spent holds seals whose allocation has been superseded. A seal is never
	// reused.
	spent map[seal.SealID]bool
}

// Ledger is the authoritative store of allocations. All methods are safe for
// concurrent use, and every mutation is all-or-nothing.
type Ledger struct {
	log seal.Logger

	mtx       sync.Mutex
	contracts map[seal.ContractID]*contractState
	witnesses map[seal.SealID]*witness
	transfers map[string]bool
}

// New is the constructor for a Ledger.
func New(log seal.Logger) *Ledger {
	return &Ledger{
		log:       log,
		contracts: make(map[seal.ContractID]*contractState),
		witnesses: make(map[seal.SealID]*witness),
		transfers: make(map[string]bool),
	}
}

func (l *Ledger) contractState(id seal.ContractID) (*contractState, error) {
	cs, found := l.contracts[id]
	if !found {
		return nil, seal.NewError(seal.ErrUnknownContract, string(id))
	}
	return cs, nil
}

// Issue records a new contract, binding the whole supply to its genesis seal.
// Issuing an identical contract again is a no-op.
func (l *Ledger) Issue(c *seal.Contract) (*seal.Contract, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid contract: %w", err)
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if cs, found := l.contracts[c.ID]; found {
		return cs.contract, nil
	}
	for _, cs := range l.contracts {
		if _, used := cs.allocs[c.GenesisSeal]; used || cs.spent[c.GenesisSeal] {
			return nil, fmt.Errorf("genesis seal %s already used by contract %s", c.GenesisSeal, cs.contract.ID)
		}
	}
	cc := *c
	l.contracts[c.ID] = &contractState{
		contract: &cc,
		allocs:   map[seal.SealID]*seal.Allocation{c.GenesisSeal: c.GenesisAllocation()},
		spent:    make(map[seal.SealID]bool),
	}
	l.log.Infof("Issued contract %s (%s), supply %d at %s", c.ID, c.Ticker, c.Supply, c.GenesisSeal)
	return &cc, nil
}

// RegisterWitness registers a placeholder seal that transfers may target.
// Registering the same witness with the same owner again is a no-op.
func (l *Ledger) RegisterWitness(contractID seal.ContractID, w seal.SealID, owner []byte) error {
	if !w.IsWitness() {
		return fmt.Errorf("%s is not a witness seal", w)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, err := l.contractState(contractID); err != nil {
		return err
	}
	if existing, found := l.witnesses[w]; found {
		if existing.contractID != contractID || string(existing.owner) != string(owner) {
			return fmt.Errorf("witness %s already registered differently", w)
		}
		return nil
	}
	l.witnesses[w] = &witness{
		contractID: contractID,
		owner:      owner,
		credits:    make(map[chainhash.Hash]uint64),
	}
	l.log.Debugf("Registered witness %s for contract %s", w, contractID)
	return nil
}

// Transfer applies a signed transfer step. Resubmitting an applied step
// returns its ID without effect.
func (l *Ledger) Transfer(step *seal.Step) (string, error) {
	if step.Kind != seal.StepTransfer {
		return "", fmt.Errorf("not a transfer step")
	}
	if err := step.CheckShape(); err != nil {
		return "", err
	}
	tx, err := step.CheckWitnessTx()
	if err != nil {
		return "", err
	}
	id := step.ID()

	l.mtx.Lock()
	defer l.mtx.Unlock()
	cs, err := l.contractState(step.ContractID)
	if err != nil {
		return "", err
	}
	if l.transfers[id] {
		return id, nil
	}
	in, found := cs.allocs[step.Input]
	if !found {
		return "", seal.NewError(seal.ErrUnknownSeal, string(step.Input))
	}
	if in.Amount != step.InputAmount {
		return "", seal.NewError(seal.ErrInsufficientFunds, fmt.Sprintf("seal %s holds %d, step spends %d",
			step.Input, in.Amount, step.InputAmount))
	}
	if err := step.VerifySig(in.Owner); err != nil {
		return "", err
	}
	for _, o := range step.Outputs {
		if o.Seal.IsWitness() {
			w, found := l.witnesses[o.Seal]
			if !found || w.contractID != step.ContractID {
				return "", seal.NewError(seal.ErrUnknownWitness, string(o.Seal))
			}
			if w.boundTo != "" {
				return "", seal.NewError(seal.ErrDoubleClaimConflict,
					fmt.Sprintf("witness %s already bound to %s", o.Seal, w.boundTo))
			}
			if string(w.owner) != string(o.Owner) {
				return "", fmt.Errorf("output owner does not match witness %s owner", o.Seal)
			}
			continue
		}
		if _, exists := cs.allocs[o.Seal]; exists || cs.spent[o.Seal] {
			return "", fmt.Errorf("seal %s already used", o.Seal)
		}
	}

	delete(cs.allocs, step.Input)
	cs.spent[step.Input] = true
	txHash := tx.TxHash()
	for _, o := range step.Outputs {
		credit(cs, step.ContractID, o)
		if w := l.witnesses[o.Seal]; w != nil && o.Seal.IsWitness() {
			w.credits[txHash] += o.Amount
		}
	}
	l.transfers[id] = true
	l.log.Infof("Transfer %s: %s (%d) -> %d outputs", id[:16], step.Input, step.InputAmount, len(step.Outputs))
	return id, nil
}

func credit(cs *contractState, contractID seal.ContractID, o *seal.Output) {
	if a, found := cs.allocs[o.Seal]; found {
		a.Amount += o.Amount
		return
	}
	cs.allocs[o.Seal] = &seal.Allocation{
		ContractID: contractID,
		Seal:       o.Seal,
		Amount:     o.Amount,
		Owner:      o.Owner,
	}
}

// Rebind moves the credit of the transfer whose witness output is realSeal
// from the witness to realSeal. A witness is bound at most once: repeating
// the same rebind succeeds without effect, and a rebind to any other seal
// fails with seal.ErrDoubleClaimConflict. Credits from other transfers to the
// same witness are not moved.
func (l *Ledger) Rebind(contractID seal.ContractID, w, realSeal seal.SealID, sig []byte) error {
	realOp, err := realSeal.Outpoint()
	if err != nil {
		return fmt.Errorf("invalid real seal: %w", err)
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	cs, err := l.contractState(contractID)
	if err != nil {
		return err
	}
	wit, found := l.witnesses[w]
	if !found || wit.contractID != contractID {
		return seal.NewError(seal.ErrUnknownWitness, string(w))
	}
	if err := seal.VerifySchnorr(seal.RebindHash(contractID, w, realSeal), sig, wit.owner); err != nil {
		return err
	}
	if wit.boundTo != "" {
		if wit.boundTo == realSeal {
			return nil
		}
		return seal.NewError(seal.ErrDoubleClaimConflict, fmt.Sprintf("witness %s already bound to %s", w, wit.boundTo))
	}
	alloc, found := cs.allocs[w]
	if !found {
		return seal.NewError(seal.ErrUnknownWitness, fmt.Sprintf("no allocation for %s", w))
	}
	vout, _ := w.WitnessVout()
	amt := wit.credits[realOp.Hash]
	if realOp.Index != vout || amt == 0 {
		return fmt.Errorf("seal %s is not the witness output of a crediting transfer", realSeal)
	}
	if _, exists := cs.allocs[realSeal]; exists || cs.spent[realSeal] {
		return fmt.Errorf("seal %s already used", realSeal)
	}
	alloc.Amount -= amt
	if alloc.Amount == 0 {
		delete(cs.allocs, w)
		cs.spent[w] = true
	}
	cs.allocs[realSeal] = &seal.Allocation{
		ContractID: contractID,
		Seal:       realSeal,
		Amount:     amt,
		Owner:      alloc.Owner,
	}
	wit.boundTo = realSeal
	if alloc.Amount > 0 {
		l.log.Warnf("Rebound %s -> %s (%d), %d credited by other transfers is stranded",
			w, realSeal, amt, alloc.Amount)
		return nil
	}
	l.log.Infof("Rebound %s -> %s (%d)", w, realSeal, amt)
	return nil
}

// Balance sums the contract's allocations on the seals.
func (l *Ledger) Balance(contractID seal.ContractID, seals []seal.SealID) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	cs, err := l.contractState(contractID)
	if err != nil {
		return 0, err
	}
	var sum uint64
	seen := make(map[seal.SealID]bool, len(seals))
	for _, s := range seals {
		if seen[s] {
			continue
		}
		seen[s] = true
		if a, found := cs.allocs[s]; found {
			sum += a.Amount
		}
	}
	return sum, nil
}

// Allocations lists the contract's current allocations ordered by seal.
func (l *Ledger) Allocations(contractID seal.ContractID) ([]*seal.Allocation, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	cs, err := l.contractState(contractID)
	if err != nil {
		return nil, err
	}
	allocs := make([]*seal.Allocation, 0, len(cs.allocs))
	for _, a := range cs.allocs {
		ac := *a
		allocs = append(allocs, &ac)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].Seal < allocs[j].Seal })
	return allocs, nil
}

// Contract returns the contract.
func (l *Ledger) Contract(contractID seal.ContractID) (*seal.Contract, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	cs, err := l.contractState(contractID)
	if err != nil {
		return nil, err
	}
	c := *cs.contract
	return &c, nil
}

// ErrNotConserved is returned by CheckConservation.
var ErrNotConserved = errors.New("allocations do not sum to supply")

// CheckConservation verifies that every contract's allocations sum to its
// supply.
func (l *Ledger) CheckConservation() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for id, cs := range l.contracts {
		var sum uint64
		for _, a := range cs.allocs {
			sum += a.Amount
		}
		if sum != cs.contract.Supply {
			return fmt.Errorf("%w: contract %s has %d of %d", ErrNotConserved, id, sum, cs.contract.Supply)
		}
	}
	return nil
}
