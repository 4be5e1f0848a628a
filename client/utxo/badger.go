// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package utxo

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dgraph-io/badger/v4"
)

var utxoPrefix = []byte("u")

// utxoKey is the prefix followed by the txid and the big-endian vout.
func utxoKey(op wire.OutPoint) []byte {
	key := make([]byte, len(utxoPrefix)+chainhash.HashSize+4)
	copy(key, utxoPrefix)
	copy(key[len(utxoPrefix):], op.Hash[:])
	binary.BigEndian.PutUint32(key[len(utxoPrefix)+chainhash.HashSize:], op.Index)
	return key
}

type storedUtxo struct {
	TxID          string     `json:"txid"`
	Vout          uint32     `json:"vout"`
	Script        seal.Bytes `json:"script"`
	Value         int64      `json:"value"`
	Confirmations uint32     `json:"confs"`
	Height        int64      `json:"height"`
	Spent         bool       `json:"spent"`
}

func (s *storedUtxo) utxo() (*Utxo, error) {
	h, err := chainhash.NewHashFromStr(s.TxID)
	if err != nil {
		return nil, err
	}
	return &Utxo{
		Outpoint:      wire.OutPoint{Hash: *h, Index: s.Vout},
		Script:        s.Script,
		Value:         s.Value,
		Confirmations: s.Confirmations,
		Height:        s.Height,
		Spent:         s.Spent,
	}, nil
}

// BadgerStore is an ObservedStore backed by badger.
type BadgerStore struct {
	*badger.DB
	log seal.Logger
}

var _ ObservedStore = (*BadgerStore)(nil)

// badgerLoggerWrapper wraps seal.Logger and translates Warnf to Warningf to
// satisfy badger.Logger. It also lowers the log level of Infof to Debugf.
// Debugf is discarded as badger's debug logs are too noisy even for trace.
type badgerLoggerWrapper struct {
	seal.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Debugf is discarded.
func (log *badgerLoggerWrapper) Debugf(s string, a ...any) {}

// Infof -> seal.Logger.Debugf
func (log *badgerLoggerWrapper) Infof(s string, a ...any) {
	log.Logger.Debugf(s, a...)
}

// Warningf -> seal.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}

// NewBadgerStore opens or creates the store in dir.
func NewBadgerStore(dir string, log seal.Logger) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dir), log)
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(log seal.Logger) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true), log)
}

func openBadger(opts badger.Options, log seal.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts.WithLogger(&badgerLoggerWrapper{log}))
	if err != nil {
		return nil, fmt.Errorf("error opening utxo store: %w", err)
	}
	return &BadgerStore{DB: db, log: log}, nil
}

// Load retrieves every stored output.
func (db *BadgerStore) Load() ([]*Utxo, error) {
	var utxos []*Utxo
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = utxoPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			b, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var su storedUtxo
			if err := json.Unmarshal(b, &su); err != nil {
				return fmt.Errorf("error decoding stored utxo: %w", err)
			}
			u, err := su.utxo()
			if err != nil {
				return fmt.Errorf("bad stored utxo %s:%d: %w", su.TxID, su.Vout, err)
			}
			utxos = append(utxos, u)
		}
		return nil
	})
	return utxos, err
}

// Put stores the outputs in one transaction.
func (db *BadgerStore) Put(utxos []*Utxo) error {
	if len(utxos) == 0 {
		return nil
	}
	return db.handleConflictWithBackoff(func() error {
		return db.Update(func(txn *badger.Txn) error {
			for _, u := range utxos {
				b, err := json.Marshal(&storedUtxo{
					TxID:          u.Outpoint.Hash.String(),
					Vout:          u.Outpoint.Index,
					Script:        u.Script,
					Value:         u.Value,
					Confirmations: u.Confirmations,
					Height:        u.Height,
					Spent:         u.Spent,
				})
				if err != nil {
					return err
				}
				if err := txn.Set(utxoKey(u.Outpoint), b); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Close runs a value log garbage collection pass and closes the database.
func (db *BadgerStore) Close() error {
	if err := db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) &&
		!errors.Is(err, badger.ErrGCInMemoryMode) {
		db.log.Debugf("utxo store garbage collection: %v", err)
	}
	return db.DB.Close()
}

// badgerDB returns ErrConflict when a read happening in an update (read/write)
// transaction is stale. This function retries updates multiple times in
// case of conflicts.
func (db *BadgerStore) handleConflictWithBackoff(update func() error) (err error) {
	maxRetries := 10
	sleepTime := 5 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		sleepTime *= 2
		err = update()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(sleepTime)
	}

	return err
}
