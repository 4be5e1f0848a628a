package utxo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	tCtx    context.Context
	tDir    string
	tLogger = seal.StdOutLogger("TEST", seal.LevelTrace)
)

func TestMain(m *testing.M) {
	doIt := func() int {
		var err error
		tDir, err = os.MkdirTemp("", "utxotest")
		if err != nil {
			fmt.Println("error creating temporary directory:", err)
			return -1
		}
		defer os.RemoveAll(tDir)
		var shutdown context.CancelFunc
		tCtx, shutdown = context.WithCancel(context.Background())
		defer shutdown()
		return m.Run()
	}
	os.Exit(doIt())
}

type tIndexer struct {
	mtx       sync.Mutex
	tip       int64
	unspent   map[string][]*IndexedOutput
	spent     map[wire.OutPoint]bool
	err       error
	spentErr  error
	listCalls int
}

func newTIndexer() *tIndexer {
	return &tIndexer{
		unspent: make(map[string][]*IndexedOutput),
		spent:   make(map[wire.OutPoint]bool),
	}
}

func (idx *tIndexer) ListUnspent(_ context.Context, script []byte) ([]*IndexedOutput, error) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	idx.listCalls++
	if idx.err != nil {
		return nil, idx.err
	}
	outs := make([]*IndexedOutput, 0, len(idx.unspent[string(script)]))
	for _, o := range idx.unspent[string(script)] {
		oc := *o
		outs = append(outs, &oc)
	}
	return outs, nil
}

func (idx *tIndexer) OutputSpent(_ context.Context, op wire.OutPoint, _ []byte) (bool, error) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	if idx.spentErr != nil {
		return false, idx.spentErr
	}
	return idx.spent[op], nil
}

func (idx *tIndexer) Tip(context.Context) (int64, error) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	return idx.tip, nil
}

func (idx *tIndexer) add(script []byte, op wire.OutPoint, value, height int64) *IndexedOutput {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	out := &IndexedOutput{Outpoint: op, Value: value, Height: height}
	if height > 0 {
		out.Confirmations = uint32(idx.tip - height + 1)
	}
	idx.unspent[string(script)] = append(idx.unspent[string(script)], out)
	return out
}

// spend removes the output from the listing and reports it spent.
func (idx *tIndexer) spend(script []byte, op wire.OutPoint) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	outs := idx.unspent[string(script)]
	for i, o := range outs {
		if o.Outpoint == op {
			idx.unspent[string(script)] = append(outs[:i], outs[i+1:]...)
			break
		}
	}
	idx.spent[op] = true
}

// mine advances the tip and recomputes confirmations.
func (idx *tIndexer) mine(n int64, confirm ...wire.OutPoint) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	idx.tip += n
	toConfirm := make(map[wire.OutPoint]bool)
	for _, op := range confirm {
		toConfirm[op] = true
	}
	for _, outs := range idx.unspent {
		for _, o := range outs {
			if toConfirm[o.Outpoint] {
				o.Height = idx.tip
			}
			if o.Height > 0 {
				o.Confirmations = uint32(idx.tip - o.Height + 1)
			}
		}
	}
}

type tScripts [][]byte

func (s tScripts) Scripts() ([][]byte, error) {
	return s, nil
}

func tOutpoint(b byte, vout uint32) wire.OutPoint {
	var h chainhash.Hash
	h[0] = b
	return wire.OutPoint{Hash: h, Index: vout}
}

var (
	tScriptA = []byte{0x00, 0x14, 0xaa}
	tScriptB = []byte{0x00, 0x14, 0xbb}
)

func newTView(t *testing.T, idx *tIndexer, store ObservedStore) *View {
	t.Helper()
	if store == nil {
		var err error
		store, err = NewMemoryStore(tLogger)
		if err != nil {
			t.Fatalf("NewMemoryStore error: %v", err)
		}
	}
	v, err := NewView(&Config{
		Indexer: idx,
		Scripts: tScripts{tScriptA, tScriptB},
		Store:   store,
		Logger:  tLogger,
	})
	if err != nil {
		t.Fatalf("NewView error: %v", err)
	}
	return v
}

func TestRefresh(t *testing.T) {
	idx := newTIndexer()
	idx.tip = 100
	v := newTView(t, idx, nil)

	opA := tOutpoint(1, 0)
	opB := tOutpoint(2, 1)
	idx.add(tScriptA, opA, 10000, 95)
	idx.add(tScriptB, opB, 20000, 0)

	res, err := v.Refresh(tCtx)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(res.New) != 2 || len(res.Spent) != 0 {
		t.Fatalf("expected 2 new, 0 spent, got %d, %d", len(res.New), len(res.Spent))
	}
	// Confirmed outputs sort first.
	if res.New[0].Outpoint != opA || res.New[0].Confirmations != 6 {
		t.Fatalf("wrong first new output %+v", res.New[0])
	}
	if u, _ := v.Get(opB); u.Confirmed() {
		t.Fatalf("mempool output reported confirmed")
	}

	// Nothing changed, nothing reported.
	res, err = v.Refresh(tCtx)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(res.New) != 0 || len(res.Spent) != 0 {
		t.Fatalf("no-op refresh reported changes")
	}

	// Confirm B.
	idx.mine(1, opB)
	if _, err = v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	u, found := v.Get(opB)
	if !found || u.Confirmations != 1 || u.Height != 101 {
		t.Fatalf("B not confirmed: %+v", u)
	}
	if v.Tip() != 101 {
		t.Fatalf("wrong tip %d", v.Tip())
	}

	found2 := v.Find(func(u *Utxo) bool { return u.Confirmed() && string(u.Script) == string(tScriptB) })
	if found2 == nil || found2.Outpoint != opB {
		t.Fatalf("Find did not return B")
	}
	if v.Find(func(u *Utxo) bool { return u.Value == 1 }) != nil {
		t.Fatalf("Find returned a non-matching output")
	}
}

func TestMonotonicConfirmations(t *testing.T) {
	idx := newTIndexer()
	idx.tip = 10
	v := newTView(t, idx, nil)
	op := tOutpoint(3, 0)
	out := idx.add(tScriptA, op, 5000, 10)
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	idx.mine(3)
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if u, _ := v.Get(op); u.Confirmations != 4 {
		t.Fatalf("expected 4 confirmations, got %d", u.Confirmations)
	}

	// A lagging indexer reports the output as unconfirmed again.
	idx.mtx.Lock()
	out.Confirmations, out.Height = 0, 0
	idx.mtx.Unlock()
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	u, _ := v.Get(op)
	if u.Confirmations != 4 || u.Height != 10 {
		t.Fatalf("confirmation downgraded: %+v", u)
	}
}

func TestSpent(t *testing.T) {
	idx := newTIndexer()
	idx.tip = 50
	v := newTView(t, idx, nil)
	op := tOutpoint(4, 2)
	idx.add(tScriptA, op, 7000, 50)
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	idx.spend(tScriptA, op)
	res, err := v.Refresh(tCtx)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(res.Spent) != 1 || res.Spent[0].Outpoint != op {
		t.Fatalf("spend not reported: %+v", res.Spent)
	}
	if len(v.Unspent()) != 0 || len(v.All()) != 1 {
		t.Fatalf("wrong unspent/all counts %d/%d", len(v.Unspent()), len(v.All()))
	}

	// A confused indexer listing the output again does not revive it.
	idx.add(tScriptA, op, 7000, 50)
	res, err = v.Refresh(tCtx)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(res.New) != 0 {
		t.Fatalf("spent output reported as new")
	}
	if u, _ := v.Get(op); !u.Spent {
		t.Fatalf("spent output revived")
	}
}

func TestRefreshNetworkError(t *testing.T) {
	idx := newTIndexer()
	idx.tip = 20
	v := newTView(t, idx, nil)
	op := tOutpoint(5, 0)
	idx.add(tScriptA, op, 1000, 20)
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	idx.add(tScriptB, tOutpoint(6, 0), 1000, 20)
	idx.err = errors.New("connection refused")
	_, err := v.Refresh(tCtx)
	if !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
	if !seal.IsRetryable(err) {
		t.Fatalf("network error not retryable")
	}
	if len(v.All()) != 1 {
		t.Fatalf("failed refresh changed the view")
	}

	// The spent check failing also leaves the view alone.
	idx.err = nil
	idx.spend(tScriptA, op)
	idx.spentErr = errors.New("timeout")
	if _, err := v.Refresh(tCtx); !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
	if len(v.All()) != 1 {
		t.Fatalf("failed refresh changed the view")
	}
	if u, _ := v.Get(op); u.Spent {
		t.Fatalf("failed refresh marked output spent")
	}
}

func TestPersistence(t *testing.T) {
	dir, err := os.MkdirTemp(tDir, "badger")
	if err != nil {
		t.Fatalf("MkdirTemp error: %v", err)
	}
	store, err := NewBadgerStore(dir, tLogger)
	if err != nil {
		t.Fatalf("NewBadgerStore error: %v", err)
	}
	idx := newTIndexer()
	idx.tip = 30
	v := newTView(t, idx, store)
	opA, opB := tOutpoint(7, 0), tOutpoint(8, 3)
	idx.add(tScriptA, opA, 1234, 29)
	idx.add(tScriptB, opB, 4321, 30)
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	idx.spend(tScriptB, opB)
	if _, err := v.Refresh(tCtx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	store, err = NewBadgerStore(dir, tLogger)
	if err != nil {
		t.Fatalf("NewBadgerStore error: %v", err)
	}
	defer store.Close()
	v = newTView(t, newTIndexer(), store)
	a, found := v.Get(opA)
	if !found || a.Value != 1234 || a.Confirmations != 2 || string(a.Script) != string(tScriptA) {
		t.Fatalf("wrong reloaded A %+v", a)
	}
	b, found := v.Get(opB)
	if !found || !b.Spent {
		t.Fatalf("wrong reloaded B %+v", b)
	}
	if v.Tip() != 30 {
		t.Fatalf("wrong reloaded tip %d", v.Tip())
	}
}
