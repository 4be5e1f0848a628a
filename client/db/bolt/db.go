// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bolt implements the wallet's db.DB on a bbolt file.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	walletdb "decred.org/sealwallet/client/db"
	"decred.org/sealwallet/seal"
	"decred.org/sealwallet/seal/encode"
	"go.etcd.io/bbolt"
)

// Short names for some commonly used imported functions.
var (
	intCoder    = encode.IntCoder
	uint64Bytes = encode.Uint64Bytes
	bCopy       = encode.CopySlice
)

// Bolt works on []byte keys and values. These are some commonly used key and
// value encodings.
var (
	appBucket          = []byte("appBucket")
	contractsBucket    = []byte("contracts")
	invoicesBucket     = []byte("invoices")
	claimsBucket       = []byte("claims")
	consignmentsBucket = []byte("consignments")
	stepsBucket        = []byte("steps")
	stepIndexBucket    = []byte("stepidx")
	contractKey        = []byte("contract")
	versionKey         = []byte("version")
	backupDir          = "backup"
)

// BoltDB is a bbolt-based database backend for the wallet. BoltDB satisfies
// the db.DB interface defined at decred.org/sealwallet/client/db.
type BoltDB struct {
	*bbolt.DB
	log seal.Logger
}

// Check that BoltDB satisfies the db.DB interface.
var _ walletdb.DB = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string, logger seal.Logger) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	bdb, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	boltDB := &BoltDB{
		DB:  bdb,
		log: logger,
	}
	if err := boltDB.makeTopLevelBuckets([][]byte{appBucket, contractsBucket,
		invoicesBucket, claimsBucket, consignmentsBucket}); err != nil {
		bdb.Close()
		return nil, err
	}
	if err := boltDB.upgradeDB(); err != nil {
		bdb.Close()
		return nil, err
	}
	return boltDB, nil
}

// Store stores a value at the specified key in the general-use bucket.
func (db *BoltDB) Store(k string, v []byte) error {
	if len(k) == 0 {
		return fmt.Errorf("cannot store with empty key")
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(appBucket).Put([]byte(k), v)
	})
}

// Get retrieves value previously stored with Store.
func (db *BoltDB) Get(k string) ([]byte, error) {
	var v []byte
	err := db.withBucket(appBucket, db.View, func(bkt *bbolt.Bucket) error {
		vB := bkt.Get([]byte(k))
		if vB == nil {
			return fmt.Errorf("key %q: %w", k, walletdb.ErrNotFound)
		}
		v = bCopy(vB)
		return nil
	})
	return v, err
}

// StoreContract saves a contract. An existing record is left untouched.
func (db *BoltDB) StoreContract(r *walletdb.ContractRecord) error {
	return db.Update(func(tx *bbolt.Tx) error {
		_, err := putContract(tx, r)
		return err
	})
}

func putContract(tx *bbolt.Tx, r *walletdb.ContractRecord) (*bbolt.Bucket, error) {
	cBkt, err := tx.Bucket(contractsBucket).CreateBucketIfNotExists([]byte(r.Contract.ID))
	if err != nil {
		return nil, err
	}
	if cBkt.Get(contractKey) != nil {
		return cBkt, nil
	}
	return cBkt, cBkt.Put(contractKey, r.Encode())
}

// Contract retrieves a contract.
func (db *BoltDB) Contract(id seal.ContractID) (r *walletdb.ContractRecord, err error) {
	err = db.withBucket(contractsBucket, db.View, func(master *bbolt.Bucket) error {
		r, err = contractFromBucket(master.Bucket([]byte(id)))
		if err != nil {
			return fmt.Errorf("contract %s: %w", id, err)
		}
		return nil
	})
	return r, err
}

func contractFromBucket(cBkt *bbolt.Bucket) (*walletdb.ContractRecord, error) {
	if cBkt == nil {
		return nil, seal.ErrNotFound
	}
	b := cBkt.Get(contractKey)
	if b == nil {
		return nil, seal.ErrNotFound
	}
	return walletdb.DecodeContractRecord(b)
}

// Contracts retrieves every known contract.
func (db *BoltDB) Contracts() ([]*walletdb.ContractRecord, error) {
	var recs []*walletdb.ContractRecord
	err := db.withBucket(contractsBucket, db.View, func(master *bbolt.Bucket) error {
		return master.ForEach(func(k, _ []byte) error {
			r, err := contractFromBucket(master.Bucket(k))
			if err != nil {
				return fmt.Errorf("contract %s: %w", string(k), err)
			}
			recs = append(recs, r)
			return nil
		})
	})
	return recs, err
}

// StoreSteps appends the contract's steps that are not already stored.
func (db *BoltDB) StoreSteps(id seal.ContractID, steps []*seal.Step) error {
	return db.Update(func(tx *bbolt.Tx) error {
		return putSteps(tx, id, steps)
	})
}

func putSteps(tx *bbolt.Tx, id seal.ContractID, steps []*seal.Step) error {
	cBkt := tx.Bucket(contractsBucket).Bucket([]byte(id))
	if cBkt == nil {
		return fmt.Errorf("contract %s: %w", id, seal.ErrNotFound)
	}
	stepsBkt, err := cBkt.CreateBucketIfNotExists(stepsBucket)
	if err != nil {
		return err
	}
	idxBkt, err := cBkt.CreateBucketIfNotExists(stepIndexBucket)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.ContractID != id {
			return fmt.Errorf("step %s belongs to contract %s", step.ID(), step.ContractID)
		}
		stepID := []byte(step.ID())
		if idxBkt.Get(stepID) != nil {
			continue
		}
		seq, err := stepsBkt.NextSequence()
		if err != nil {
			return err
		}
		seqB := uint64Bytes(seq)
		if err := newBucketPutter(stepsBkt).put(seqB, step.Encode()).err(); err != nil {
			return err
		}
		if err := idxBkt.Put(stepID, seqB); err != nil {
			return err
		}
	}
	return nil
}

// Steps retrieves a contract's steps in the order they were learned.
func (db *BoltDB) Steps(id seal.ContractID) ([]*seal.Step, error) {
	var steps []*seal.Step
	err := db.withBucket(contractsBucket, db.View, func(master *bbolt.Bucket) error {
		cBkt := master.Bucket([]byte(id))
		if cBkt == nil {
			return fmt.Errorf("contract %s: %w", id, seal.ErrNotFound)
		}
		stepsBkt := cBkt.Bucket(stepsBucket)
		if stepsBkt == nil {
			return nil
		}
		// Sequence keys are big-endian, so cursor order is learned order.
		return stepsBkt.ForEach(func(k, v []byte) error {
			step, err := seal.DecodeStep(v)
			if err != nil {
				return fmt.Errorf("step %d: %w", intCoder.Uint64(k), err)
			}
			steps = append(steps, step)
			return nil
		})
	})
	return steps, err
}

// StoreInvoice saves an invoice, keyed by its witness.
func (db *BoltDB) StoreInvoice(r *walletdb.InvoiceRecord) error {
	return db.withBucket(invoicesBucket, db.Update, func(bkt *bbolt.Bucket) error {
		return bkt.Put([]byte(r.WitnessID()), r.Encode())
	})
}

// Invoice retrieves the invoice for a witness.
func (db *BoltDB) Invoice(w seal.SealID) (r *walletdb.InvoiceRecord, err error) {
	err = db.withBucket(invoicesBucket, db.View, func(bkt *bbolt.Bucket) error {
		b := bkt.Get([]byte(w))
		if b == nil {
			return fmt.Errorf("invoice for %s: %w", w, seal.ErrNotFound)
		}
		r, err = walletdb.DecodeInvoiceRecord(b)
		return err
	})
	return r, err
}

// Invoices retrieves all invoices, oldest first.
func (db *BoltDB) Invoices() ([]*walletdb.InvoiceRecord, error) {
	var recs []*walletdb.InvoiceRecord
	err := db.withBucket(invoicesBucket, db.View, func(bkt *bbolt.Bucket) error {
		return bkt.ForEach(func(k, v []byte) error {
			r, err := walletdb.DecodeInvoiceRecord(v)
			if err != nil {
				return fmt.Errorf("invoice %s: %w", string(k), err)
			}
			recs = append(recs, r)
			return nil
		})
	})
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, err
}

// ConsignmentKnown checks whether the terminal state was accepted.
func (db *BoltDB) ConsignmentKnown(terminal string) (known bool, err error) {
	err = db.withBucket(consignmentsBucket, db.View, func(bkt *bbolt.Bucket) error {
		known = bkt.Get([]byte(terminal)) != nil
		return nil
	})
	return known, err
}

// AcceptConsignment records an accepted consignment with its steps and claim
// in one transaction.
func (db *BoltDB) AcceptConsignment(r *walletdb.ConsignmentRecord, steps []*seal.Step, claim *walletdb.ClaimRecord) (c *walletdb.ClaimRecord, added bool, err error) {
	err = db.Update(func(tx *bbolt.Tx) error {
		if len(steps) > 0 {
			if err := putSteps(tx, r.ContractID, steps); err != nil {
				return err
			}
		}
		if err := tx.Bucket(consignmentsBucket).Put([]byte(r.Terminal), r.Encode()); err != nil {
			return err
		}
		if claim == nil {
			return nil
		}
		claims := tx.Bucket(claimsBucket)
		if b := claims.Get([]byte(claim.ID())); b != nil {
			c, err = walletdb.DecodeClaimRecord(b)
			return err
		}
		seq, err := claims.NextSequence()
		if err != nil {
			return err
		}
		cc := *claim
		cc.Seq = seq
		if err := claims.Put([]byte(cc.ID()), cc.Encode()); err != nil {
			return err
		}
		c, added = &cc, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, added, nil
}

// Consignments retrieves the accepted consignment records, oldest first.
func (db *BoltDB) Consignments() ([]*walletdb.ConsignmentRecord, error) {
	var recs []*walletdb.ConsignmentRecord
	err := db.withBucket(consignmentsBucket, db.View, func(bkt *bbolt.Bucket) error {
		return bkt.ForEach(func(k, v []byte) error {
			r, err := walletdb.DecodeConsignmentRecord(v)
			if err != nil {
				return fmt.Errorf("consignment %s: %w", string(k), err)
			}
			recs = append(recs, r)
			return nil
		})
	})
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].AcceptedAt.Before(recs[j].AcceptedAt) })
	return recs, err
}

// UpdateClaim overwrites an existing claim, storing step with it.
func (db *BoltDB) UpdateClaim(c *walletdb.ClaimRecord, step *seal.Step) error {
	return db.Update(func(tx *bbolt.Tx) error {
		claims := tx.Bucket(claimsBucket)
		k := []byte(c.ID())
		if claims.Get(k) == nil {
			return fmt.Errorf("claim %s: %w", c.ID(), seal.ErrNotFound)
		}
		if step != nil {
			if err := putSteps(tx, c.ContractID, []*seal.Step{step}); err != nil {
				return err
			}
		}
		return claims.Put(k, c.Encode())
	})
}

// Claim retrieves a claim by ID.
func (db *BoltDB) Claim(id string) (c *walletdb.ClaimRecord, err error) {
	err = db.withBucket(claimsBucket, db.View, func(bkt *bbolt.Bucket) error {
		b := bkt.Get([]byte(id))
		if b == nil {
			return fmt.Errorf("claim %s: %w", id, seal.ErrNotFound)
		}
		c, err = walletdb.DecodeClaimRecord(b)
		return err
	})
	return c, err
}

// ActiveClaims retrieves Pending and Matched claims in registration order.
func (db *BoltDB) ActiveClaims() ([]*walletdb.ClaimRecord, error) {
	return db.filteredClaims(func(c *walletdb.ClaimRecord) bool { return c.Status.Active() })
}

// Claims retrieves every claim in registration order.
func (db *BoltDB) Claims() ([]*walletdb.ClaimRecord, error) {
	return db.filteredClaims(func(*walletdb.ClaimRecord) bool { return true })
}

func (db *BoltDB) filteredClaims(filter func(*walletdb.ClaimRecord) bool) ([]*walletdb.ClaimRecord, error) {
	var claims []*walletdb.ClaimRecord
	err := db.withBucket(claimsBucket, db.View, func(bkt *bbolt.Bucket) error {
		return bkt.ForEach(func(k, v []byte) error {
			c, err := walletdb.DecodeClaimRecord(v)
			if err != nil {
				return fmt.Errorf("claim %s: %w", string(k), err)
			}
			if filter(c) {
				claims = append(claims, c)
			}
			return nil
		})
	})
	sort.Slice(claims, func(i, j int) bool { return claims[i].Seq < claims[j].Seq })
	return claims, err
}

// makeTopLevelBuckets creates a top-level bucket for each of the provided keys,
// if the bucket doesn't already exist.
func (db *BoltDB) makeTopLevelBuckets(buckets [][]byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// withBucket is a creates a view into a (probably nested) bucket. The viewer
// can be read-only (db.View), or read-write (db.Update). The provided
// bucketFunc will be called with the requested bucket as its only argument.
func (db *BoltDB) withBucket(bkt []byte, viewer txFunc, f bucketFunc) error {
	return viewer(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bkt)
		if bucket == nil {
			return fmt.Errorf("failed to open %s bucket", string(bkt))
		}
		return f(bucket)
	})
}

// Backup makes a copy of the database in the backup directory next to it.
func (db *BoltDB) Backup() error {
	dir := filepath.Join(filepath.Dir(db.Path()), backupDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("unable to create backup directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(db.Path()))
	return db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// bucketPutter enables chained calls to (*bbolt.Bucket).Put with error
// deferment.
type bucketPutter struct {
	bucket *bbolt.Bucket
	putErr error
}

// newBucketPutter is a constructor for a bucketPutter.
func newBucketPutter(bkt *bbolt.Bucket) *bucketPutter {
	return &bucketPutter{bucket: bkt}
}

// put calls Put on the underlying bucket. If an error has been encountered in a
// previous call to put, nothing is done.
func (bp *bucketPutter) put(k, v []byte) *bucketPutter {
	if bp.putErr != nil {
		return bp
	}
	bp.putErr = bp.bucket.Put(k, v)
	return bp
}

// Return any put error encountered.
func (bp *bucketPutter) err() error {
	return bp.putErr
}

type bucketFunc func(*bbolt.Bucket) error
type txFunc func(func(*bbolt.Tx) error) error
