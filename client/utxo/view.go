// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package utxo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentQueries limits the indexer requests in flight during a Refresh.
const maxConcurrentQueries = 4

// Config is the configuration for a View.
type Config struct {
	Indexer ChainIndexer
	Scripts ScriptSource
	Store   ObservedStore
	Logger  seal.Logger
}

// View is a read-through cache of the indexer's outputs for the wallet's
// scripts. The observed set only grows. A confirmed output never becomes
// unconfirmed, confirmations never decrease, and a spent output is never
// revived.
type View struct {
	indexer ChainIndexer
	scripts ScriptSource
	store   ObservedStore
	log     seal.Logger

	mtx   sync.RWMutex
	utxos map[wire.OutPoint]*Utxo
	tip   int64
}

// RefreshResult lists the changes found by a Refresh.
type RefreshResult struct {
	New   []*Utxo
	Spent []*Utxo
	Tip   int64
}

// NewView constructs a View, loading the previously observed set.
func NewView(cfg *Config) (*View, error) {
	utxos, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading observed outputs: %w", err)
	}
	v := &View{
		indexer: cfg.Indexer,
		scripts: cfg.Scripts,
		store:   cfg.Store,
		log:     cfg.Logger,
		utxos:   make(map[wire.OutPoint]*Utxo, len(utxos)),
	}
	for _, u := range utxos {
		v.utxos[u.Outpoint] = u
		if u.Height > v.tip {
			v.tip = u.Height
		}
	}
	v.log.Debugf("Loaded %d observed outputs", len(utxos))
	return v, nil
}

func networkErr(err error, what string) error {
	var kindErr seal.ErrorKind
	if errors.As(err, &kindErr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return seal.NewError(seal.ErrNetworkUnavailable, what+": "+err.Error())
}

// Refresh queries the indexer for every watched script and merges the
// results. Nothing is changed unless every query succeeds and the updates are
// persisted.
func (v *View) Refresh(ctx context.Context) (*RefreshResult, error) {
	scripts, err := v.scripts.Scripts()
	if err != nil {
		return nil, fmt.Errorf("error retrieving wallet scripts: %w", err)
	}
	tip, err := v.indexer.Tip(ctx)
	if err != nil {
		return nil, networkErr(err, "tip")
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	listings := make([][]*IndexedOutput, len(scripts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQueries)
	for i, script := range scripts {
		g.Go(func() error {
			outs, err := v.indexer.ListUnspent(gctx, script)
			if err != nil {
				return networkErr(err, "listunspent")
			}
			listings[i] = outs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &RefreshResult{Tip: tip}
	updates := make(map[wire.OutPoint]*Utxo)
	seen := make(map[wire.OutPoint]bool)
	for i, script := range scripts {
		for _, out := range listings[i] {
			seen[out.Outpoint] = true
			old, found := v.utxos[out.Outpoint]
			if !found {
				u := &Utxo{
					Outpoint:      out.Outpoint,
					Script:        bytes.Clone(script),
					Value:         out.Value,
					Confirmations: out.Confirmations,
					Height:        out.Height,
				}
				updates[u.Outpoint] = u
				res.New = append(res.New, u)
				continue
			}
			if old.Spent {
				continue
			}
			if u, changed := merge(old, out); changed {
				updates[u.Outpoint] = u
			}
		}
	}

	watched := make(map[string]bool, len(scripts))
	for _, s := range scripts {
		watched[string(s)] = true
	}
	for op, u := range v.utxos {
		if u.Spent || seen[op] || !watched[string(u.Script)] {
			continue
		}
		spent, err := v.indexer.OutputSpent(ctx, op, u.Script)
		if err != nil {
			return nil, networkErr(err, "output spent check")
		}
		if !spent {
			// An unconfirmed output dropped from the listing, or indexer lag.
			continue
		}
		su := u.copy()
		su.Spent = true
		updates[op] = su
		res.Spent = append(res.Spent, su)
	}

	if err := v.store.Put(mapValues(updates)); err != nil {
		return nil, fmt.Errorf("error storing observed outputs: %w", err)
	}
	for op, u := range updates {
		v.utxos[op] = u
	}
	if tip > v.tip {
		v.tip = tip
	}

	sortUtxos(res.New)
	sortUtxos(res.Spent)
	if len(updates) > 0 {
		v.log.Debugf("Refresh at height %d: %d new, %d spent, %d updated outputs",
			tip, len(res.New), len(res.Spent), len(updates)-len(res.New)-len(res.Spent))
	}
	return res, nil
}

// merge applies an indexer report to a known output. Confirmations and height
// only move forward.
func merge(old *Utxo, out *IndexedOutput) (*Utxo, bool) {
	if out.Confirmations <= old.Confirmations {
		return old, false
	}
	u := old.copy()
	u.Confirmations = out.Confirmations
	if out.Height > 0 {
		u.Height = out.Height
	}
	return u, true
}

func mapValues(m map[wire.OutPoint]*Utxo) []*Utxo {
	us := make([]*Utxo, 0, len(m))
	for _, u := range m {
		us = append(us, u)
	}
	return us
}

// sortUtxos orders by height, with unconfirmed last, then by outpoint.
func sortUtxos(us []*Utxo) {
	sort.Slice(us, func(i, j int) bool {
		a, b := us[i], us[j]
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		if c := bytes.Compare(a.Outpoint.Hash[:], b.Outpoint.Hash[:]); c != 0 {
			return c < 0
		}
		return a.Outpoint.Index < b.Outpoint.Index
	})
}

func (v *View) sorted(filter func(*Utxo) bool) []*Utxo {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	us := make([]*Utxo, 0, len(v.utxos))
	for _, u := range v.utxos {
		if filter(u) {
			us = append(us, u.copy())
		}
	}
	sortUtxos(us)
	return us
}

// Find returns the first observed output matching pred, in height order, or
// nil.
func (v *View) Find(pred func(*Utxo) bool) *Utxo {
	us := v.sorted(pred)
	if len(us) == 0 {
		return nil
	}
	return us[0]
}

// Unspent lists the outputs not known to be spent.
func (v *View) Unspent() []*Utxo {
	return v.sorted(func(u *Utxo) bool { return !u.Spent })
}

// All lists every observed output.
func (v *View) All() []*Utxo {
	return v.sorted(func(*Utxo) bool { return true })
}

// Get retrieves an observed output.
func (v *View) Get(op wire.OutPoint) (*Utxo, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	u, found := v.utxos[op]
	if !found {
		return nil, false
	}
	return u.copy(), true
}

// Tip is the highest block height seen.
func (v *View) Tip() int64 {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	return v.tip
}
