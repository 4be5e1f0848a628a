// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"decred.org/sealwallet/client/utxo"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ScriptHash is the electrum script hash, the reversed SHA256 of the script,
// hex encoded.
func ScriptHash(script []byte) string {
	h := sha256.Sum256(script)
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}
	return hex.EncodeToString(h[:])
}

// ListUnspentResult is an entry of blockchain.scripthash.listunspent.
type ListUnspentResult struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"` // 0 or -1 in mempool
	Value  int64  `json:"value"`
}

// HistoryResult is an entry of blockchain.scripthash.get_history.
type HistoryResult struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// SubscribeHeadersResult is the contents of a block header notification.
type SubscribeHeadersResult struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// ScriptUnspent lists the script's unspent outputs.
func (sc *ServerConn) ScriptUnspent(ctx context.Context, script []byte) ([]*ListUnspentResult, error) {
	var resp []*ListUnspentResult
	err := sc.Request(ctx, "blockchain.scripthash.listunspent", positional{ScriptHash(script)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ScriptHistory lists the transactions involving the script.
func (sc *ServerConn) ScriptHistory(ctx context.Context, script []byte) ([]*HistoryResult, error) {
	var resp []*HistoryResult
	err := sc.Request(ctx, "blockchain.scripthash.get_history", positional{ScriptHash(script)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BestHeader requests the current chain tip. This is the initial response of
// blockchain.headers.subscribe. Later notifications are ignored.
func (sc *ServerConn) BestHeader(ctx context.Context) (*SubscribeHeadersResult, error) {
	var resp SubscribeHeadersResult
	err := sc.Request(ctx, "blockchain.headers.subscribe", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRawTransaction requests a serialized transaction.
func (sc *ServerConn) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	var txHex string
	err := sc.Request(ctx, "blockchain.transaction.get", positional{txid, false}, &txHex)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(txHex)
}

// GetTransaction requests and decodes a transaction.
func (sc *ServerConn) GetTransaction(ctx context.Context, txHash *chainhash.Hash) (*wire.MsgTx, error) {
	b, err := sc.GetRawTransaction(ctx, txHash.String())
	if err != nil {
		return nil, err
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("error decoding transaction %s: %w", txHash, err)
	}
	return tx, nil
}

// Broadcast sends the transaction to the network.
func (sc *ServerConn) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	var txid string
	err := sc.Request(ctx, "blockchain.transaction.broadcast", positional{hex.EncodeToString(buf.Bytes())}, &txid)
	if err != nil {
		return nil, err
	}
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("server returned bad txid %q: %w", txid, err)
	}
	if *h != tx.TxHash() {
		return nil, fmt.Errorf("server returned txid %s, expected %s", h, tx.TxHash())
	}
	return h, nil
}

// Indexer satisfies utxo.ChainIndexer with an electrum server connection.
type Indexer struct {
	*ServerConn
}

var _ utxo.ChainIndexer = (*Indexer)(nil)

// NewIndexer wraps the connection.
func NewIndexer(sc *ServerConn) *Indexer {
	return &Indexer{ServerConn: sc}
}

// Tip is the current best block height.
func (idx *Indexer) Tip(ctx context.Context) (int64, error) {
	hdr, err := idx.BestHeader(ctx)
	if err != nil {
		return 0, err
	}
	return hdr.Height, nil
}

// ListUnspent lists the unspent outputs paying the script with confirmation
// counts relative to the current tip.
func (idx *Indexer) ListUnspent(ctx context.Context, script []byte) ([]*utxo.IndexedOutput, error) {
	tip, err := idx.Tip(ctx)
	if err != nil {
		return nil, err
	}
	unspent, err := idx.ScriptUnspent(ctx, script)
	if err != nil {
		return nil, err
	}
	outs := make([]*utxo.IndexedOutput, 0, len(unspent))
	for _, u := range unspent {
		h, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return nil, fmt.Errorf("bad tx hash %q: %w", u.TxHash, err)
		}
		out := &utxo.IndexedOutput{
			Outpoint: wire.OutPoint{Hash: *h, Index: u.TxPos},
			Value:    u.Value,
		}
		if u.Height > 0 && u.Height <= tip {
			out.Height = u.Height
			out.Confirmations = uint32(tip - u.Height + 1)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// OutputSpent searches the script's history for a transaction spending the
// output.
func (idx *Indexer) OutputSpent(ctx context.Context, op wire.OutPoint, script []byte) (bool, error) {
	hist, err := idx.ScriptHistory(ctx, script)
	if err != nil {
		return false, err
	}
	for _, entry := range hist {
		h, err := chainhash.NewHashFromStr(entry.TxHash)
		if err != nil {
			return false, fmt.Errorf("bad tx hash %q: %w", entry.TxHash, err)
		}
		if *h == op.Hash {
			continue
		}
		tx, err := idx.GetTransaction(ctx, h)
		if err != nil {
			return false, err
		}
		for _, in := range tx.TxIn {
			if in.PreviousOutPoint == op {
				return true, nil
			}
		}
	}
	return false, nil
}
