package txbuilder

import (
	"context"
	"errors"
	"testing"

	"decred.org/sealwallet/seal"
	sealtest "decred.org/sealwallet/seal/test"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var tLogger = seal.StdOutLogger("TTXB", seal.LevelTrace)

type tSigner map[string]*btcec.PrivateKey

func (s tSigner) PrivKeyForScript(script []byte) (*btcec.PrivateKey, error) {
	if k, found := s[string(script)]; found {
		return k, nil
	}
	return nil, errors.New("unknown script")
}

type tBroadcaster struct {
	txs   []*wire.MsgTx
	wrong bool
}

func (b *tBroadcaster) Broadcast(_ context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	b.txs = append(b.txs, tx)
	h := tx.TxHash()
	if b.wrong {
		h[0] ^= 1
	}
	return &h, nil
}

func newCoin(t *testing.T, signer tSigner, value int64) *Coin {
	p := sealtest.NewParty(t)
	signer[string(p.Script)] = p.Priv
	return &Coin{Outpoint: sealtest.RandomOutpoint(1), Value: value, Script: p.Script}
}

func verifyInputs(t *testing.T, tx *wire.MsgTx, coins []*Coin) {
	t.Helper()
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for _, c := range coins {
		prevOuts[c.Outpoint] = wire.NewTxOut(c.Value, c.Script)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, c := range coins {
		vm, err := txscript.NewEngine(c.Script, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, c.Value, fetcher)
		if err != nil {
			t.Fatalf("NewEngine error for input %d: %v", i, err)
		}
		if err := vm.Execute(); err != nil {
			t.Fatalf("input %d does not verify: %v", i, err)
		}
	}
}

func TestBuild(t *testing.T) {
	signer := make(tSigner)
	b := New(&Config{Signer: signer, Broadcaster: new(tBroadcaster), FeeRate: 5, Logger: tLogger})
	receiver, change := sealtest.NewParty(t), sealtest.NewParty(t)
	outputs := func() []*wire.TxOut {
		return []*wire.TxOut{
			wire.NewTxOut(DefaultSealValue, receiver.Script),
			wire.NewTxOut(DefaultSealValue, change.Script),
		}
	}

	// The seal output alone can't pay for two seal outputs.
	first := newCoin(t, signer, DefaultSealValue)
	_, err := b.Build(first, nil, outputs(), 1)
	if !errors.Is(err, seal.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	extra1 := newCoin(t, signer, 5000)
	extra2 := newCoin(t, signer, 100000)
	tx, err := b.Build(first, []*Coin{extra1, extra2}, outputs(), 1)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(tx.TxIn) != 2 || tx.TxIn[0].PreviousOutPoint != first.Outpoint || tx.TxIn[1].PreviousOutPoint != extra1.Outpoint {
		t.Fatalf("wrong inputs selected")
	}
	verifyInputs(t, tx, []*Coin{first, extra1})

	if tx.TxOut[0].Value != DefaultSealValue {
		t.Fatalf("receiver output value changed to %d", tx.TxOut[0].Value)
	}
	fee := first.Value + extra1.Value - tx.TxOut[0].Value - tx.TxOut[1].Value
	if vsize := int64(MsgTxVBytes(tx)); fee < vsize*5 || fee > (vsize+2)*5 {
		t.Fatalf("fee %d not near 5 sats/vB for %d vbytes", fee, vsize)
	}

	if _, err := b.Build(first, nil, outputs(), 2); err == nil {
		t.Fatalf("no error for bad change index")
	}

	unknown := &Coin{Outpoint: sealtest.RandomOutpoint(0), Value: 1e6, Script: receiver.Script}
	if _, err := b.Build(unknown, nil, outputs(), 1); err == nil {
		t.Fatalf("no error for input without key")
	}
}

func TestBroadcast(t *testing.T) {
	signer := make(tSigner)
	bc := new(tBroadcaster)
	b := New(&Config{Signer: signer, Broadcaster: bc, Logger: tLogger})
	first := newCoin(t, signer, 50000)
	tx, err := b.Build(first, nil, []*wire.TxOut{wire.NewTxOut(DefaultSealValue, first.Script)}, 0)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if err := b.Broadcast(context.Background(), tx); err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	bc.wrong = true
	if err := b.Broadcast(context.Background(), tx); err == nil {
		t.Fatalf("no error for mismatched txid")
	}
}
