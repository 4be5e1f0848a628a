// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"fmt"

	"decred.org/sealwallet/client/txbuilder"
	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BtcBalance totals the wallet's unspent outputs.
func (w *Wallet) BtcBalance(ctx context.Context) (*BtcBalance, error) {
	o, err := w.occupancy(ctx)
	if err != nil {
		return nil, err
	}
	bal := new(BtcBalance)
	for _, u := range w.view.Unspent() {
		if u.Confirmed() {
			bal.Confirmed += u.Value
		} else {
			bal.Unconfirmed += u.Value
		}
		switch {
		case o.occupied(u):
			bal.Occupied += u.Value
		case u.Confirmed():
			bal.Available += u.Value
		}
	}
	return bal, nil
}

// spendAvailable builds, signs and broadcasts a transaction paying outputs
// from the available outputs only, largest first. Outputs carrying
// allocations or reserved for claims are never spent. The change output,
// outputs[changeIdx], keeps its value plus whatever the inputs leave over.
func (w *Wallet) spendAvailable(ctx context.Context, o *occupancy, outputs []*wire.TxOut, changeIdx int) (*wire.MsgTx, int64, error) {
	avail := w.available(o)
	if len(avail) == 0 {
		return nil, 0, seal.NewError(seal.ErrInsufficientFunds, "no confirmed unoccupied outputs")
	}
	coins := make([]*txbuilder.Coin, 0, len(avail))
	values := make(map[wire.OutPoint]int64, len(avail))
	for _, u := range avail {
		coins = append(coins, &txbuilder.Coin{Outpoint: u.Outpoint, Value: u.Value, Script: u.Script})
		values[u.Outpoint] = u.Value
	}
	tx, err := w.builder.Build(coins[0], coins[1:], outputs, changeIdx)
	if err != nil {
		return nil, 0, codedError(txErr, err)
	}
	var fee int64
	for _, txIn := range tx.TxIn {
		fee += values[txIn.PreviousOutPoint]
	}
	for _, txOut := range tx.TxOut {
		fee -= txOut.Value
	}
	if err := w.builder.Broadcast(ctx, tx); err != nil {
		return nil, 0, newError(chainErr, "error broadcasting %s: %w", tx.TxHash(), err)
	}
	return tx, fee, nil
}

// CreateUtxo sends value to a new receive address of the wallet, creating an
// output that can be used as a genesis seal. A zero value uses the seal value.
func (w *Wallet) CreateUtxo(ctx context.Context, value int64) (*SendResult, error) {
	if value < 0 {
		return nil, fmt.Errorf("invalid value %d", value)
	}
	if value == 0 {
		value = w.sealValue
	}
	w.spendMtx.Lock()
	defer w.spendMtx.Unlock()

	o, err := w.occupancy(ctx)
	if err != nil {
		return nil, err
	}
	k, err := w.keys.NewReceiveKey()
	if err != nil {
		return nil, codedError(keyErr, err)
	}
	changeKey, err := w.keys.NewChangeKey()
	if err != nil {
		return nil, codedError(keyErr, err)
	}
	outputs := []*wire.TxOut{
		wire.NewTxOut(value, k.Script),
		wire.NewTxOut(w.sealValue, changeKey.Script),
	}
	tx, fee, err := w.spendAvailable(ctx, o, outputs, 1)
	if err != nil {
		return nil, err
	}
	res := &SendResult{
		TxID:  tx.TxHash().String(),
		Seal:  seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: 0}),
		Value: value,
		Fee:   fee,
	}
	w.log.Infof("Created output %s of %d sats, fee %d", res.Seal, value, fee)
	return res, nil
}

// SendBitcoin pays amount to addr. Change returns to a new change address.
func (w *Wallet) SendBitcoin(ctx context.Context, addr string, amount int64) (*SendResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invalid amount %d", amount)
	}
	a, err := btcutil.DecodeAddress(addr, w.net)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !a.IsForNet(w.net) {
		return nil, fmt.Errorf("address %s is not for %s", addr, w.net.Name)
	}
	script, err := txscript.PayToAddrScript(a)
	if err != nil {
		return nil, fmt.Errorf("unsupported address %s: %w", addr, err)
	}

	w.spendMtx.Lock()
	defer w.spendMtx.Unlock()

	o, err := w.occupancy(ctx)
	if err != nil {
		return nil, err
	}
	changeKey, err := w.keys.NewChangeKey()
	if err != nil {
		return nil, codedError(keyErr, err)
	}
	outputs := []*wire.TxOut{
		wire.NewTxOut(amount, script),
		wire.NewTxOut(w.sealValue, changeKey.Script),
	}
	tx, fee, err := w.spendAvailable(ctx, o, outputs, 1)
	if err != nil {
		return nil, err
	}
	res := &SendResult{
		TxID:  tx.TxHash().String(),
		Seal:  seal.OutpointSeal(wire.OutPoint{Hash: tx.TxHash(), Index: 0}),
		Value: amount,
		Fee:   fee,
	}
	w.log.Infof("Sent %d sats to %s in %s, fee %d", amount, addr, res.TxID, fee)
	return res, nil
}
