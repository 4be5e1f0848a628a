package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	tCtx    context.Context
	tLogger = seal.StdOutLogger("TEST", seal.LevelTrace)
)

func TestMain(m *testing.M) {
	var shutdown context.CancelFunc
	tCtx, shutdown = context.WithCancel(context.Background())
	code := m.Run()
	shutdown()
	os.Exit(code)
}

// tServer is a minimal line-delimited JSON-RPC electrum server.
type tServer struct {
	ln net.Listener

	mtx       sync.Mutex
	tip       int64
	unspent   map[string][]*ListUnspentResult
	history   map[string][]*HistoryResult
	txs       map[string]string
	broadcast []string
	stall     bool
}

func newTServer(t *testing.T) *tServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	s := &tServer{
		ln:      ln,
		unspent: make(map[string][]*ListUnspentResult),
		history: make(map[string][]*HistoryResult),
		txs:     make(map[string]string),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *tServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		result, rpcErr := s.handle(req.Method, req.Params)
		if result == nil && rpcErr == nil {
			continue // stalled
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		b, _ := json.Marshal(resp)
		conn.Write(append(b, '\n'))
	}
}

func (s *tServer) handle(method string, params []json.RawMessage) (any, *RPCError) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	strParam := func(i int) string {
		var str string
		if len(params) > i {
			json.Unmarshal(params[i], &str)
		}
		return str
	}
	if s.stall && method != "server.version" && method != "server.ping" {
		return nil, nil
	}
	switch method {
	case "server.version":
		return []string{"ElectrumX 1.16.0", "1.4"}, nil
	case "server.ping":
		return json.RawMessage("null"), nil
	case "blockchain.headers.subscribe":
		return &SubscribeHeadersResult{Height: s.tip, Hex: "00"}, nil
	case "blockchain.scripthash.listunspent":
		if us := s.unspent[strParam(0)]; us != nil {
			return us, nil
		}
		return []any{}, nil
	case "blockchain.scripthash.get_history":
		if h := s.history[strParam(0)]; h != nil {
			return h, nil
		}
		return []any{}, nil
	case "blockchain.transaction.get":
		txHex, found := s.txs[strParam(0)]
		if !found {
			return nil, &RPCError{Code: 2, Message: "no such transaction"}
		}
		return txHex, nil
	case "blockchain.transaction.broadcast":
		txHex := strParam(0)
		b, _ := hex.DecodeString(txHex)
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
			return nil, &RPCError{Code: 1, Message: "bad tx"}
		}
		s.broadcast = append(s.broadcast, txHex)
		return tx.TxHash().String(), nil
	}
	return nil, &RPCError{Code: -32601, Message: "unknown method"}
}

func txHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

func connect(t *testing.T, s *tServer) *Indexer {
	t.Helper()
	sc, err := ConnectServer(tCtx, s.ln.Addr().String(), &ConnectOpts{Logger: tLogger})
	if err != nil {
		t.Fatalf("ConnectServer error: %v", err)
	}
	t.Cleanup(func() {
		sc.Shutdown()
		<-sc.Done()
	})
	if sc.Proto() != "1.4" {
		t.Fatalf("wrong proto %q", sc.Proto())
	}
	return NewIndexer(sc)
}

func TestScriptHash(t *testing.T) {
	// P2PKH script of the genesis coinbase address, from the electrum
	// protocol documentation.
	script, _ := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	const exp = "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
	if sh := ScriptHash(script); sh != exp {
		t.Fatalf("wrong script hash %s", sh)
	}
}

func TestListUnspent(t *testing.T) {
	s := newTServer(t)
	idx := connect(t, s)
	script := []byte{0x00, 0x14, 0x01}
	var h chainhash.Hash
	h[0] = 7
	s.mtx.Lock()
	s.tip = 200
	s.unspent[ScriptHash(script)] = []*ListUnspentResult{
		{TxHash: h.String(), TxPos: 1, Height: 195, Value: 5000},
		{TxHash: h.String(), TxPos: 2, Height: 0, Value: 6000},
	}
	s.mtx.Unlock()

	tip, err := idx.Tip(tCtx)
	if err != nil || tip != 200 {
		t.Fatalf("Tip = %d, %v", tip, err)
	}
	outs, err := idx.ListUnspent(tCtx, script)
	if err != nil {
		t.Fatalf("ListUnspent error: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outs))
	}
	if outs[0].Outpoint != (wire.OutPoint{Hash: h, Index: 1}) || outs[0].Confirmations != 6 || outs[0].Height != 195 {
		t.Fatalf("wrong confirmed output %+v", outs[0])
	}
	if outs[1].Confirmations != 0 || outs[1].Height != 0 {
		t.Fatalf("wrong mempool output %+v", outs[1])
	}

	outs, err = idx.ListUnspent(tCtx, []byte{0x51})
	if err != nil || len(outs) != 0 {
		t.Fatalf("unknown script: %d outputs, err = %v", len(outs), err)
	}
}

func TestOutputSpentAndBroadcast(t *testing.T) {
	s := newTServer(t)
	idx := connect(t, s)
	script := []byte{0x00, 0x14, 0x02}

	fundTx := wire.NewMsgTx(2)
	fundTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 9}, nil, nil))
	fundTx.AddTxOut(wire.NewTxOut(10000, script))
	op := wire.OutPoint{Hash: fundTx.TxHash(), Index: 0}

	spendTx := wire.NewMsgTx(2)
	spendTx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	spendTx.AddTxOut(wire.NewTxOut(9000, []byte{0x51}))

	s.mtx.Lock()
	s.txs[fundTx.TxHash().String()] = txHex(fundTx)
	s.txs[spendTx.TxHash().String()] = txHex(spendTx)
	s.history[ScriptHash(script)] = []*HistoryResult{{TxHash: fundTx.TxHash().String(), Height: 10}}
	s.mtx.Unlock()

	spent, err := idx.OutputSpent(tCtx, op, script)
	if err != nil || spent {
		t.Fatalf("unspent output: spent = %t, err = %v", spent, err)
	}

	s.mtx.Lock()
	s.history[ScriptHash(script)] = append(s.history[ScriptHash(script)],
		&HistoryResult{TxHash: spendTx.TxHash().String(), Height: 11})
	s.mtx.Unlock()
	spent, err = idx.OutputSpent(tCtx, op, script)
	if err != nil || !spent {
		t.Fatalf("spent output: spent = %t, err = %v", spent, err)
	}

	txHash, err := idx.Broadcast(tCtx, spendTx)
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	s.mtx.Lock()
	nBroadcast := len(s.broadcast)
	s.mtx.Unlock()
	if *txHash != spendTx.TxHash() || nBroadcast != 1 {
		t.Fatalf("broadcast not recorded")
	}

	tx, err := idx.GetTransaction(tCtx, txHash)
	if err != nil {
		t.Fatalf("GetTransaction error: %v", err)
	}
	if tx.TxIn[0].PreviousOutPoint != op {
		t.Fatalf("wrong transaction returned")
	}

	var rpcErr *RPCError
	if _, err = idx.GetTransaction(tCtx, &chainhash.Hash{1}); !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if seal.IsRetryable(err) {
		t.Fatalf("server error reported as retryable")
	}
}

func TestNetworkErrors(t *testing.T) {
	s := newTServer(t)
	idx := connect(t, s)

	s.mtx.Lock()
	s.stall = true
	s.mtx.Unlock()
	ctx, cancel := context.WithTimeout(tCtx, 100*time.Millisecond)
	defer cancel()
	_, err := idx.Tip(ctx)
	if !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable on timeout, got %v", err)
	}

	// Nothing listening.
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()
	if _, err := ConnectServer(tCtx, addr, &ConnectOpts{}); !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable on refused connection, got %v", err)
	}

	// A dropped connection fails pending requests.
	idx.Shutdown()
	<-idx.Done()
	if _, err := idx.Tip(tCtx); !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable after shutdown, got %v", err)
	}
}
