// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package utxo maintains the wallet's view of the chain: every output paying a
// wallet script that the indexer has ever reported, with its confirmation and
// spent status.
package utxo

import (
	"bytes"
	"context"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/wire"
)

// Utxo is an observed output paying a wallet script. A Utxo is a candidate
// seal.
type Utxo struct {
	Outpoint      wire.OutPoint
	Script        []byte
	Value         int64
	Confirmations uint32
	// Height is the block height of the output, 0 if unconfirmed.
	Height int64
	Spent  bool
}

// Confirmed is true if the output is in a block.
func (u *Utxo) Confirmed() bool {
	return u.Confirmations > 0
}

// SealID is the seal identifier for the outpoint.
func (u *Utxo) SealID() seal.SealID {
	return seal.OutpointSeal(u.Outpoint)
}

func (u *Utxo) copy() *Utxo {
	c := *u
	c.Script = bytes.Clone(u.Script)
	return &c
}

// IndexedOutput is an unspent output as reported by a ChainIndexer.
type IndexedOutput struct {
	Outpoint      wire.OutPoint
	Value         int64
	Height        int64
	Confirmations uint32
}

// ChainIndexer answers questions about outputs by script.
type ChainIndexer interface {
	// ListUnspent lists the unspent outputs paying the script, including
	// mempool outputs with zero confirmations.
	ListUnspent(ctx context.Context, script []byte) ([]*IndexedOutput, error)
	// OutputSpent checks whether the output paying script has been spent.
	OutputSpent(ctx context.Context, op wire.OutPoint, script []byte) (bool, error)
	// Tip is the current best block height.
	Tip(ctx context.Context) (int64, error)
}

// ScriptSource supplies the scripts to watch.
type ScriptSource interface {
	Scripts() ([][]byte, error)
}

// ObservedStore persists the observed set.
type ObservedStore interface {
	// Load retrieves every stored output.
	Load() ([]*Utxo, error)
	// Put stores the outputs, replacing any stored with the same outpoint,
	// all or nothing.
	Put(utxos []*Utxo) error
	Close() error
}
