// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core is the wallet. It ties the key manager, the chain view, the
// contract ledger and the local store together behind the operations the CLI
// exposes.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"decred.org/sealwallet/client/claims"
	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/client/db/bolt"
	"decred.org/sealwallet/client/invoice"
	"decred.org/sealwallet/client/keys"
	"decred.org/sealwallet/client/ledger"
	"decred.org/sealwallet/client/syncer"
	"decred.org/sealwallet/client/txbuilder"
	"decred.org/sealwallet/client/utxo"
	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
)

// Config is the configuration for the Wallet.
type Config struct {
	// DBPath is the bbolt wallet database. It is created if it does not exist.
	DBPath string
	// UtxoDir is the badger directory for observed outputs. Observed outputs
	// are kept in memory only if empty.
	UtxoDir string
	// ConsignmentDir receives the consignments written by Transfer and
	// ExportGenesis.
	ConsignmentDir string
	Net            seal.Network
	LoggerMaker    *seal.LoggerMaker

	Indexer     utxo.ChainIndexer
	Broadcaster txbuilder.Broadcaster
	Ledger      ledger.Client

	// FeeRate is a fixed rate in sats/vbyte.
	FeeRate uint64
	// SealValue is the value of outputs created to hold allocations.
	SealValue int64

	LedgerTimeout    time.Duration
	MaxClaimAttempts uint32
	ClaimBackoff     time.Duration
	ClaimBackoffMax  time.Duration
	SyncInterval     time.Duration

	// Registry receives the sync metrics. MetricsFile, if set, is rewritten
	// after every sync pass.
	Registry    *prometheus.Registry
	MetricsFile string
}

// Wallet is the seal wallet.
type Wallet struct {
	db             *bolt.BoltDB
	keys           *keys.Manager
	store          *utxo.BadgerStore
	view           *utxo.View
	ledger         *ledger.Cached
	invoices       *invoice.Service
	reconciler     *claims.Reconciler
	syncer         *syncer.Orchestrator
	builder        *txbuilder.Builder
	net            *chaincfg.Params
	sealValue      int64
	consignmentDir string
	log            seal.Logger

	// spendMtx serializes operations that select and spend wallet outputs.
	spendMtx sync.Mutex
}

// New is the constructor for a Wallet. The wallet must be closed with Close.
func New(cfg *Config) (*Wallet, error) {
	logs := newLoggers(cfg.LoggerMaker)
	if cfg.Indexer == nil || cfg.Broadcaster == nil || cfg.Ledger == nil {
		return nil, errors.New("indexer, broadcaster and ledger are required")
	}
	if cfg.ConsignmentDir != "" {
		if err := os.MkdirAll(cfg.ConsignmentDir, 0700); err != nil {
			return nil, newError(fileErr, "error creating consignment directory: %w", err)
		}
	}
	sealValue := cfg.SealValue
	if sealValue <= 0 {
		sealValue = txbuilder.DefaultSealValue
	}

	ec := seal.NewErrorCloser()
	defer ec.Done(logs.core)

	boltdb, err := bolt.NewDB(cfg.DBPath, logs.db)
	if err != nil {
		return nil, newError(dbErr, "database initialization error: %w", err)
	}
	ec.Add(boltdb.Close)

	net := cfg.Net.Params()
	km, err := keys.NewManager(boltdb, net, logs.keys)
	if err != nil {
		return nil, newError(keyErr, "key manager initialization error: %w", err)
	}

	var store *utxo.BadgerStore
	if cfg.UtxoDir == "" {
		store, err = utxo.NewMemoryStore(logs.utxo)
	} else {
		store, err = utxo.NewBadgerStore(cfg.UtxoDir, logs.utxo)
	}
	if err != nil {
		return nil, newError(dbErr, "observed output store error: %w", err)
	}
	ec.Add(store.Close)

	view, err := utxo.NewView(&utxo.Config{
		Indexer: cfg.Indexer,
		Scripts: km,
		Store:   store,
		Logger:  logs.utxo,
	})
	if err != nil {
		return nil, newError(dbErr, "%w", err)
	}

	lc := ledger.NewCached(cfg.Ledger, logs.ledger)
	reconciler := claims.New(&claims.Config{
		DB:              boltdb,
		Utxos:           view,
		Ledger:          lc,
		Keys:            km,
		LedgerTimeout:   cfg.LedgerTimeout,
		MaxAttempts:     cfg.MaxClaimAttempts,
		InitialInterval: cfg.ClaimBackoff,
		MaxInterval:     cfg.ClaimBackoffMax,
		Logger:          logs.claims,
	})
	orch, err := syncer.New(&syncer.Config{
		View:         view,
		Claims:       reconciler,
		DB:           boltdb,
		Registry:     cfg.Registry,
		MetricsFile:  cfg.MetricsFile,
		PassInterval: cfg.SyncInterval,
		Logger:       logs.sync,
	})
	if err != nil {
		return nil, newError(syncErr, "%w", err)
	}

	invoices := invoice.NewService(&invoice.Config{
		DB:     boltdb,
		Keys:   km,
		Ledger: lc,
		Logger: logs.invoice,
	})
	builder := txbuilder.New(&txbuilder.Config{
		Signer:      km,
		Broadcaster: cfg.Broadcaster,
		FeeRate:     cfg.FeeRate,
		Logger:      logs.tx,
	})

	w := &Wallet{
		db:             boltdb,
		keys:           km,
		store:          store,
		view:           view,
		ledger:         lc,
		invoices:       invoices,
		reconciler:     reconciler,
		syncer:         orch,
		builder:        builder,
		net:            net,
		sealValue:      sealValue,
		consignmentDir: cfg.ConsignmentDir,
		log:            logs.core,
	}
	ec.Success()
	w.log.Infof("Wallet loaded on %s, %d observed outputs", cfg.Net, len(view.All()))
	return w, nil
}

// Close closes the stores.
func (w *Wallet) Close() error {
	err := w.store.Close()
	if dbErr := w.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// Backup copies the wallet database to the backup directory.
func (w *Wallet) Backup() error {
	return w.db.Backup()
}

// NewAddress reveals a new receive address.
func (w *Wallet) NewAddress() (string, error) {
	k, err := w.keys.NewReceiveKey()
	if err != nil {
		return "", codedError(keyErr, err)
	}
	return k.Address, nil
}

// Contracts lists the known contracts.
func (w *Wallet) Contracts() ([]*db.ContractRecord, error) {
	return w.db.Contracts()
}

// Claims lists every claim in registration order.
func (w *Wallet) Claims() ([]*db.ClaimRecord, error) {
	return w.db.Claims()
}

// Invoices lists the wallet's invoices.
func (w *Wallet) Invoices() ([]*db.InvoiceRecord, error) {
	return w.invoices.Invoices()
}

// Sync runs a single sync pass.
func (w *Wallet) Sync(ctx context.Context) (*syncer.SyncReport, error) {
	rep, err := w.syncer.RunOnce(ctx)
	if err != nil {
		return nil, codedError(syncErr, err)
	}
	return rep, nil
}

// SyncUntilSettled runs sync passes until no claims are active, for at most
// maxPasses passes.
func (w *Wallet) SyncUntilSettled(ctx context.Context, maxPasses int) (*syncer.SyncReport, error) {
	rep, err := w.syncer.RunUntilSettled(ctx, maxPasses)
	if err != nil {
		return rep, codedError(syncErr, err)
	}
	return rep, nil
}

func (w *Wallet) contract(id seal.ContractID) (*db.ContractRecord, error) {
	cr, err := w.db.Contract(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, seal.NewError(seal.ErrUnknownContract, string(id))
		}
		return nil, codedError(dbErr, err)
	}
	return cr, nil
}

// Balance is the settled and pending amount of a contract held by the
// wallet.
func (w *Wallet) Balance(ctx context.Context, contractID seal.ContractID) (*Balance, error) {
	if _, err := w.contract(contractID); err != nil {
		return nil, err
	}
	var seals []seal.SealID
	for _, u := range w.view.Unspent() {
		seals = append(seals, u.SealID())
	}
	bal := &Balance{ContractID: contractID}
	if len(seals) > 0 {
		settled, err := w.ledger.Balance(ctx, contractID, seals)
		if err != nil {
			return nil, codedError(ledgerErr, err)
		}
		bal.Settled = settled
	}
	active, err := w.db.ActiveClaims()
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	for _, c := range active {
		if c.ContractID == contractID {
			bal.Pending += c.Amount
		}
	}
	return bal, nil
}

// occupancy maps wallet seals to the allocations they carry, and reserves
// outputs that pay the scripts of active claims.
type occupancy struct {
	allocs   map[seal.SealID][]*seal.Allocation
	reserved map[string]bool
}

func (o *occupancy) occupied(u *utxo.Utxo) bool {
	return len(o.allocs[u.SealID()]) > 0 || o.reserved[string(u.Script)]
}

func (w *Wallet) occupancy(ctx context.Context) (*occupancy, error) {
	o := &occupancy{
		allocs:   make(map[seal.SealID][]*seal.Allocation),
		reserved: make(map[string]bool),
	}
	contracts, err := w.db.Contracts()
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	for _, cr := range contracts {
		allocs, err := w.ledger.Allocations(ctx, cr.Contract.ID)
		if err != nil {
			return nil, codedError(ledgerErr, fmt.Errorf("error fetching %s allocations: %w", cr.Contract.ID, err))
		}
		for _, a := range allocs {
			o.allocs[a.Seal] = append(o.allocs[a.Seal], a)
		}
	}
	active, err := w.db.ActiveClaims()
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	for _, c := range active {
		o.reserved[string(c.Script)] = true
	}
	return o, nil
}

// Utxos lists the observed wallet outputs with their allocations.
func (w *Wallet) Utxos(ctx context.Context) ([]*UtxoInfo, error) {
	o, err := w.occupancy(ctx)
	if err != nil {
		return nil, err
	}
	all := w.view.All()
	infos := make([]*UtxoInfo, 0, len(all))
	for _, u := range all {
		info := &UtxoInfo{Utxo: u, Allocations: o.allocs[u.SealID()]}
		switch {
		case u.Spent:
			info.Status = UtxoSpent
		case o.occupied(u):
			info.Status = UtxoOccupied
		case !u.Confirmed():
			info.Status = UtxoUnconfirmed
		default:
			info.Status = UtxoAvailable
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// available lists confirmed unspent outputs that carry nothing, largest
// first.
func (w *Wallet) available(o *occupancy) []*utxo.Utxo {
	var avail []*utxo.Utxo
	for _, u := range w.view.Unspent() {
		if u.Confirmed() && !o.occupied(u) {
			avail = append(avail, u)
		}
	}
	sort.SliceStable(avail, func(i, j int) bool { return avail[i].Value > avail[j].Value })
	return avail
}
