// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"decred.org/sealwallet/seal"
)

type contractCache struct {
	contract    *seal.Contract
	allocations []*seal.Allocation
	balances    map[string]uint64
}

// Cached is a read-through projection of a Client. Reads are cached per
// contract and every write drops the written contract's entries.
type Cached struct {
	Client
	log seal.Logger

	mtx    sync.Mutex
	caches map[seal.ContractID]*contractCache
	hits   uint64
	misses uint64
}

var _ Client = (*Cached)(nil)

// NewCached wraps the Client.
func NewCached(c Client, log seal.Logger) *Cached {
	return &Cached{
		Client: c,
		log:    log,
		caches: make(map[seal.ContractID]*contractCache),
	}
}

func (c *Cached) cache(id seal.ContractID) *contractCache {
	cc, found := c.caches[id]
	if !found {
		cc = &contractCache{balances: make(map[string]uint64)}
		c.caches[id] = cc
	}
	return cc
}

// Invalidate drops everything cached for the contract.
func (c *Cached) Invalidate(id seal.ContractID) {
	c.mtx.Lock()
	delete(c.caches, id)
	c.mtx.Unlock()
}

// Stats returns the cache hit and miss counts.
func (c *Cached) Stats() (hits, misses uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.hits, c.misses
}

func (c *Cached) hit(found bool) {
	if found {
		c.hits++
	} else {
		c.misses++
	}
}

// Issue creates a contract and caches it.
func (c *Cached) Issue(ctx context.Context, p *IssueParams, genesisSeal seal.SealID) (*seal.Contract, error) {
	contract, err := c.Client.Issue(ctx, p, genesisSeal)
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	delete(c.caches, contract.ID)
	c.cache(contract.ID).contract = contract
	c.mtx.Unlock()
	return contract, nil
}

// RegisterWitness registers a placeholder and invalidates the contract.
func (c *Cached) RegisterWitness(ctx context.Context, contractID seal.ContractID, witnessID seal.SealID, owner []byte) error {
	defer c.Invalidate(contractID)
	return c.Client.RegisterWitness(ctx, contractID, witnessID, owner)
}

// Transfer submits the step and invalidates its contract. The cache is
// dropped even on error since the ledger may have applied the step.
func (c *Cached) Transfer(ctx context.Context, step *seal.Step) (string, error) {
	defer c.Invalidate(step.ContractID)
	return c.Client.Transfer(ctx, step)
}

// Rebind rebinds the witness and invalidates the contract.
func (c *Cached) Rebind(ctx context.Context, contractID seal.ContractID, witnessID, realSeal seal.SealID, sig []byte) error {
	defer c.Invalidate(contractID)
	return c.Client.Rebind(ctx, contractID, witnessID, realSeal, sig)
}

func balanceKey(seals []seal.SealID) string {
	ss := make([]string, len(seals))
	for i, s := range seals {
		ss[i] = string(s)
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}

// Balance is cached per contract and seal set.
func (c *Cached) Balance(ctx context.Context, contractID seal.ContractID, seals []seal.SealID) (uint64, error) {
	k := balanceKey(seals)
	c.mtx.Lock()
	bal, found := c.cache(contractID).balances[k]
	c.hit(found)
	c.mtx.Unlock()
	if found {
		return bal, nil
	}
	bal, err := c.Client.Balance(ctx, contractID, seals)
	if err != nil {
		return 0, err
	}
	c.mtx.Lock()
	c.cache(contractID).balances[k] = bal
	c.mtx.Unlock()
	return bal, nil
}

func copyAllocations(allocs []*seal.Allocation) []*seal.Allocation {
	cp := make([]*seal.Allocation, 0, len(allocs))
	for _, a := range allocs {
		ac := *a
		cp = append(cp, &ac)
	}
	return cp
}

// Allocations is cached per contract. The caller gets copies.
func (c *Cached) Allocations(ctx context.Context, contractID seal.ContractID) ([]*seal.Allocation, error) {
	c.mtx.Lock()
	allocs := c.cache(contractID).allocations
	c.hit(allocs != nil)
	if allocs != nil {
		allocs = copyAllocations(allocs)
	}
	c.mtx.Unlock()
	if allocs != nil {
		return allocs, nil
	}
	allocs, err := c.Client.Allocations(ctx, contractID)
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	c.cache(contractID).allocations = copyAllocations(allocs)
	c.mtx.Unlock()
	return allocs, nil
}

// Contract is cached until invalidated.
func (c *Cached) Contract(ctx context.Context, contractID seal.ContractID) (*seal.Contract, error) {
	c.mtx.Lock()
	contract := c.cache(contractID).contract
	c.hit(contract != nil)
	c.mtx.Unlock()
	if contract != nil {
		return contract, nil
	}
	contract, err := c.Client.Contract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	c.cache(contractID).contract = contract
	c.mtx.Unlock()
	return contract, nil
}
