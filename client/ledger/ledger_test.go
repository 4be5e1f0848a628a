package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"decred.org/sealwallet/seal"
	sealtest "decred.org/sealwallet/seal/test"
	ledgerd "decred.org/sealwallet/server/ledger"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tLogger = seal.StdOutLogger("TLEDGER", seal.LevelTrace)
	tCtx    context.Context
)

func TestMain(m *testing.M) {
	var shutdown context.CancelFunc
	tCtx, shutdown = context.WithCancel(context.Background())
	code := m.Run()
	shutdown()
	os.Exit(code)
}

func newTestLedger(t *testing.T) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := ledgerd.NewServer(ledgerd.New(tLogger), prometheus.NewRegistry(), tLogger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return NewHTTPClient(ts.URL, 5*time.Second, tLogger), ts
}

func issue(t *testing.T, cl Client, issuer *sealtest.Party, supply uint64) *seal.Contract {
	t.Helper()
	c, err := cl.Issue(tCtx, &IssueParams{
		Ticker:    "TST",
		Name:      "Test",
		Supply:    supply,
		IssuerKey: issuer.Pub,
	}, seal.OutpointSeal(sealtest.RandomOutpoint(0)))
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	return c
}

func TestHTTPClient(t *testing.T) {
	cl, _ := newTestLedger(t)
	issuer, receiver := sealtest.NewParty(t), sealtest.NewParty(t)
	c := issue(t, cl, issuer, 1000)

	got, err := cl.Contract(tCtx, c.ID)
	if err != nil {
		t.Fatalf("Contract error: %v", err)
	}
	if got.ID != c.ID || got.Supply != 1000 {
		t.Fatalf("wrong contract %+v", got)
	}

	inv := sealtest.NewInvoice(c, receiver, 750)
	w := inv.WitnessID()
	tr := sealtest.TransferStep(t, c, issuer, c.GenesisSeal, 1000, inv, 750)

	// Transfers to an unregistered witness are refused.
	if _, err := cl.Transfer(tCtx, tr.Step); !errors.Is(err, seal.ErrUnknownWitness) {
		t.Fatalf("expected ErrUnknownWitness, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := cl.RegisterWitness(tCtx, c.ID, w, receiver.Pub); err != nil {
			t.Fatalf("RegisterWitness %d error: %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		id, err := cl.Transfer(tCtx, tr.Step)
		if err != nil {
			t.Fatalf("Transfer %d error: %v", i, err)
		}
		if id != tr.Step.ID() {
			t.Fatalf("wrong transfer id %s, wanted %s", id, tr.Step.ID())
		}
	}

	bal, err := cl.Balance(tCtx, c.ID, []seal.SealID{w})
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if bal != 750 {
		t.Fatalf("witness balance %d, wanted 750", bal)
	}

	rebind := sealtest.RebindStep(t, c, receiver, w, 750, tr.RealSeal)
	for i := 0; i < 2; i++ {
		if err := cl.Rebind(tCtx, c.ID, w, tr.RealSeal, rebind.Sig); err != nil {
			t.Fatalf("Rebind %d error: %v", i, err)
		}
	}

	// Rebinding elsewhere conflicts.
	other := seal.OutpointSeal(sealtest.RandomOutpoint(inv.Vout))
	otherRebind := sealtest.RebindStep(t, c, receiver, w, 750, other)
	err = cl.Rebind(tCtx, c.ID, w, other, otherRebind.Sig)
	if !errors.Is(err, seal.ErrDoubleClaimConflict) {
		t.Fatalf("expected ErrDoubleClaimConflict, got %v", err)
	}
	if seal.IsRetryable(err) {
		t.Fatalf("conflict reported as retryable")
	}

	// So does a new transfer to the bound witness.
	tr2 := sealtest.TransferStep(t, c, issuer, tr.Change, 250, inv, 100)
	if _, err := cl.Transfer(tCtx, tr2.Step); !errors.Is(err, seal.ErrDoubleClaimConflict) {
		t.Fatalf("expected ErrDoubleClaimConflict for bound witness, got %v", err)
	}

	allocs, err := cl.Allocations(tCtx, c.ID)
	if err != nil {
		t.Fatalf("Allocations error: %v", err)
	}
	if len(allocs) != 2 || seal.SumAllocations(allocs) != 1000 {
		t.Fatalf("expected 2 allocations summing to 1000, got %d summing to %d", len(allocs), seal.SumAllocations(allocs))
	}
	bal, _ = cl.Balance(tCtx, c.ID, []seal.SealID{tr.RealSeal, tr.Change})
	if bal != 1000 {
		t.Fatalf("real + change balance %d, wanted 1000", bal)
	}

	if _, err := cl.Contract(tCtx, seal.ContractID("00")); !errors.Is(err, seal.ErrUnknownContract) {
		t.Fatalf("expected ErrUnknownContract, got %v", err)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	cl, ts := newTestLedger(t)

	// Unknown routes are not retryable.
	err := cl.post(tCtx, "nope", struct{}{}, nil)
	if err == nil {
		t.Fatalf("no error for unknown route")
	}
	if seal.IsRetryable(err) {
		t.Fatalf("unknown route error is retryable: %v", err)
	}

	ts.Close()
	_, err = cl.Contract(tCtx, seal.ContractID("00"))
	if !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable for closed server, got %v", err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	cl = NewHTTPClient(failing.URL, time.Second, tLogger)
	if _, err = cl.Balance(tCtx, "00", nil); !errors.Is(err, seal.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable for 503, got %v", err)
	}

	ctx, cancel := context.WithCancel(tCtx)
	cancel()
	if _, err = cl.Balance(ctx, "00", nil); !errors.Is(err, context.Canceled) || seal.IsRetryable(err) {
		t.Fatalf("expected non-retryable context.Canceled, got %v", err)
	}
}

func TestCached(t *testing.T) {
	hc, _ := newTestLedger(t)
	cl := NewCached(hc, tLogger)
	issuer, receiver := sealtest.NewParty(t), sealtest.NewParty(t)
	c := issue(t, cl, issuer, 500)

	// Issue seeds the contract.
	if _, err := cl.Contract(tCtx, c.ID); err != nil {
		t.Fatalf("Contract error: %v", err)
	}
	if hits, misses := cl.Stats(); hits != 1 || misses != 0 {
		t.Fatalf("expected 1 hit 0 misses, got %d, %d", hits, misses)
	}

	checkBalance := func(seals []seal.SealID, exp uint64) {
		t.Helper()
		bal, err := cl.Balance(tCtx, c.ID, seals)
		if err != nil {
			t.Fatalf("Balance error: %v", err)
		}
		if bal != exp {
			t.Fatalf("balance %d, wanted %d", bal, exp)
		}
	}
	checkBalance([]seal.SealID{c.GenesisSeal}, 500)
	checkBalance([]seal.SealID{c.GenesisSeal}, 500)
	if hits, misses := cl.Stats(); hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits 1 miss, got %d, %d", hits, misses)
	}

	inv := sealtest.NewInvoice(c, receiver, 200)
	if err := cl.RegisterWitness(tCtx, c.ID, inv.WitnessID(), receiver.Pub); err != nil {
		t.Fatalf("RegisterWitness error: %v", err)
	}
	tr := sealtest.TransferStep(t, c, issuer, c.GenesisSeal, 500, inv, 200)
	if _, err := cl.Transfer(tCtx, tr.Step); err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
	// Invalidated, so the spent genesis seal reads zero.
	checkBalance([]seal.SealID{c.GenesisSeal}, 0)
	if _, misses := cl.Stats(); misses != 2 {
		t.Fatalf("expected a miss after transfer, got %d misses", misses)
	}

	allocs, err := cl.Allocations(tCtx, c.ID)
	if err != nil || len(allocs) != 2 {
		t.Fatalf("Allocations: %d, %v", len(allocs), err)
	}
	rebind := sealtest.RebindStep(t, c, receiver, inv.WitnessID(), 200, tr.RealSeal)
	if err := cl.Rebind(tCtx, c.ID, inv.WitnessID(), tr.RealSeal, rebind.Sig); err != nil {
		t.Fatalf("Rebind error: %v", err)
	}
	checkBalance([]seal.SealID{tr.RealSeal, tr.Change}, 500)
	checkBalance([]seal.SealID{tr.Change, tr.RealSeal}, 500)
	hits, misses := cl.Stats()
	if hits != 3 || misses != 4 {
		t.Fatalf("expected 3 hits 4 misses, got %d, %d", hits, misses)
	}
}

func TestCachedAllocationsAreCopies(t *testing.T) {
	hc, _ := newTestLedger(t)
	cl := NewCached(hc, tLogger)
	c := issue(t, cl, sealtest.NewParty(t), 500)

	// First call fills the cache, second is served from it.
	for i := 0; i < 2; i++ {
		allocs, err := cl.Allocations(tCtx, c.ID)
		if err != nil || len(allocs) != 1 {
			t.Fatalf("Allocations %d: %d, %v", i, len(allocs), err)
		}
		if allocs[0].Amount != 500 {
			t.Fatalf("call %d: cached allocation was modified, amount %d", i, allocs[0].Amount)
		}
		allocs[0].Amount = 1
		allocs[0].Seal = "tampered:0"
	}
	allocs, err := cl.Allocations(tCtx, c.ID)
	if err != nil {
		t.Fatalf("Allocations error: %v", err)
	}
	if allocs[0].Amount != 500 || allocs[0].Seal != c.GenesisSeal {
		t.Fatalf("cached allocation was modified: %s", spew.Sdump(allocs[0]))
	}
	if hits, misses := cl.Stats(); hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits 1 miss, got %d, %d", hits, misses)
	}
}
