// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package txbuilder builds and signs the witness transactions that carry
// transfers. All inputs are wallet P2WPKH outputs.
package txbuilder

import (
	"context"
	"fmt"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultFeeRate is in sats/vbyte.
	DefaultFeeRate = 10
	// DefaultSealValue is the value of outputs created to hold allocations.
	DefaultSealValue = 1000
	// maxSigSize is the largest DER signature plus sighash byte, used to
	// size transactions before signing.
	maxSigSize = 73
)

// Coin is a spendable wallet output.
type Coin struct {
	Outpoint wire.OutPoint
	Value    int64
	Script   []byte
}

// Signer provides the private key for a wallet script.
type Signer interface {
	PrivKeyForScript(script []byte) (*btcec.PrivateKey, error)
}

// Broadcaster publishes a transaction.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
}

// Config is the configuration for the Builder.
type Config struct {
	Signer      Signer
	Broadcaster Broadcaster
	// FeeRate is a fixed rate in sats/vbyte.
	FeeRate uint64
	Logger  seal.Logger
}

// Builder builds, signs and broadcasts transactions.
type Builder struct {
	signer      Signer
	broadcaster Broadcaster
	feeRate     uint64
	log         seal.Logger
}

// New is the constructor for a Builder.
func New(cfg *Config) *Builder {
	feeRate := cfg.FeeRate
	if feeRate == 0 {
		feeRate = DefaultFeeRate
	}
	return &Builder{
		signer:      cfg.Signer,
		broadcaster: cfg.Broadcaster,
		feeRate:     feeRate,
		log:         cfg.Logger,
	}
}

// MsgTxVBytes is the virtual size of the transaction.
func MsgTxVBytes(tx *wire.MsgTx) uint64 {
	base, total := tx.SerializeSizeStripped(), tx.SerializeSize()
	return uint64((base*(4-1) + total + 3) / 4)
}

// Build creates a signed transaction spending first, then as many of extras
// as needed, in order, to pay the outputs and the fee. Anything left over is
// added to outputs[changeIdx]. first is always the first input.
func (b *Builder) Build(first *Coin, extras []*Coin, outputs []*wire.TxOut, changeIdx int) (*wire.MsgTx, error) {
	if changeIdx < 0 || changeIdx >= len(outputs) {
		return nil, fmt.Errorf("change index %d out of range", changeIdx)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	var totalOut int64
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
		totalOut += out.Value
	}

	coins := []*Coin{first}
	addInput := func(c *Coin) {
		txIn := wire.NewTxIn(&c.Outpoint, nil, nil)
		// Placeholder witness for sizing.
		txIn.Witness = wire.TxWitness{make([]byte, maxSigSize), make([]byte, 33)}
		tx.AddTxIn(txIn)
	}
	addInput(first)
	totalIn := first.Value
	fee := func() int64 { return int64(MsgTxVBytes(tx) * b.feeRate) }
	for _, c := range extras {
		if totalIn >= totalOut+fee() {
			break
		}
		addInput(c)
		coins = append(coins, c)
		totalIn += c.Value
	}
	reqFee := fee()
	if totalIn < totalOut+reqFee {
		return nil, seal.NewError(seal.ErrInsufficientFunds,
			fmt.Sprintf("inputs total %d, outputs %d plus fee %d", totalIn, totalOut, reqFee))
	}
	tx.TxOut[changeIdx].Value += totalIn - totalOut - reqFee

	if err := b.sign(tx, coins); err != nil {
		return nil, err
	}
	b.log.Debugf("Built tx %s: %d inputs, %d outputs, fee %d (%d sats/vB)",
		tx.TxHash(), len(tx.TxIn), len(tx.TxOut), reqFee, b.feeRate)
	return tx, nil
}

func (b *Builder) sign(tx *wire.MsgTx, coins []*Coin) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(coins))
	for _, c := range coins {
		prevOuts[c.Outpoint] = wire.NewTxOut(c.Value, c.Script)
	}
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(prevOuts))
	for i, c := range coins {
		priv, err := b.signer.PrivKeyForScript(c.Script)
		if err != nil {
			return fmt.Errorf("no key for input %d (%s): %w", i, c.Outpoint, err)
		}
		wit, err := txscript.WitnessSignature(tx, sigHashes, i, c.Value, c.Script, txscript.SigHashAll, priv, true)
		if err != nil {
			return fmt.Errorf("error signing input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = wit
	}
	return nil
}

// Broadcast publishes the transaction.
func (b *Builder) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	txHash, err := b.broadcaster.Broadcast(ctx, tx)
	if err != nil {
		return err
	}
	if checkHash := tx.TxHash(); *txHash != checkHash {
		return fmt.Errorf("transaction sent, but received unexpected transaction ID back from the indexer: "+
			"expected %s, got %s", checkHash, txHash)
	}
	b.log.Infof("Broadcast transaction %s", txHash)
	return nil
}
