// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"fmt"

	walletdb "decred.org/sealwallet/client/db"
	"decred.org/sealwallet/seal/encode"
	"go.etcd.io/bbolt"
)

const (
	initialVersion = 0

	// versionedDBVersion persists the database version.
	versionedDBVersion = 1

	// claimSeqDBVersion assigns registration sequence numbers to claims
	// stored before the claims bucket had a sequence.
	claimSeqDBVersion = 2

	// DBVersion is the latest version of the database that is understood by the
	// program. Databases with recorded versions higher than this will fail to
	// open (meaning any upgrades prevent reverting to older software).
	DBVersion = claimSeqDBVersion
)

// upgrades are keyed by the database version they upgrade from.
var upgrades = [...]func(tx *bbolt.Tx) error{
	versionedDBVersion - 1: versionedDBUpgrade,
	claimSeqDBVersion - 1:  claimSeqUpgrade,
}

func fetchDBVersion(tx *bbolt.Tx) (uint32, error) {
	bucket := tx.Bucket(appBucket)
	if bucket == nil {
		return 0, fmt.Errorf("app bucket not found")
	}
	versionB := bucket.Get(versionKey)
	if versionB == nil {
		return 0, fmt.Errorf("database version not found")
	}
	return intCoder.Uint32(versionB), nil
}

func setDBVersion(tx *bbolt.Tx, newVersion uint32) error {
	bucket := tx.Bucket(appBucket)
	if bucket == nil {
		return fmt.Errorf("app bucket not found")
	}
	return bucket.Put(versionKey, encode.Uint32Bytes(newVersion))
}

// upgradeDB checks whether any upgrades are necessary before the database is
// ready for application usage. If any are, they are performed.
func (db *BoltDB) upgradeDB() error {
	var version uint32
	var fresh bool
	err := db.View(func(tx *bbolt.Tx) error {
		versionB := tx.Bucket(appBucket).Get(versionKey)
		if versionB == nil {
			fresh = tx.Bucket(claimsBucket).Stats().KeyN == 0 &&
				tx.Bucket(contractsBucket).Stats().KeyN == 0
			return nil
		}
		version = intCoder.Uint32(versionB)
		return nil
	})
	if err != nil {
		return err
	}

	if version > DBVersion {
		return fmt.Errorf("unknown database version %d, "+
			"client recognizes up to %d", version, DBVersion)
	}

	if fresh {
		return db.Update(func(tx *bbolt.Tx) error {
			return setDBVersion(tx, DBVersion)
		})
	}

	if version == DBVersion {
		return nil
	}

	db.log.Infof("Upgrading database from version %d to %d", version, DBVersion)

	return db.Update(func(tx *bbolt.Tx) error {
		for i, upgrade := range upgrades[version:] {
			if err := upgrade(tx); err != nil {
				return fmt.Errorf("upgrade to version %d failed: %w", int(version)+i+1, err)
			}
		}
		return nil
	})
}

func versionedDBUpgrade(dbtx *bbolt.Tx) error {
	const oldVersion = initialVersion
	const newVersion = versionedDBVersion

	dbVersion, err := fetchDBVersion(dbtx)
	if err == nil {
		return fmt.Errorf("expected database version not found error")
	}
	if dbVersion != oldVersion {
		return fmt.Errorf("versionedDBUpgrade inappropriately called")
	}
	return setDBVersion(dbtx, newVersion)
}

// claimSeqUpgrade numbers any unsequenced claims in key order.
func claimSeqUpgrade(dbtx *bbolt.Tx) error {
	const oldVersion = versionedDBVersion
	const newVersion = claimSeqDBVersion

	dbVersion, err := fetchDBVersion(dbtx)
	if err != nil {
		return err
	}
	if dbVersion != oldVersion {
		return fmt.Errorf("claimSeqUpgrade inappropriately called")
	}

	claims := dbtx.Bucket(claimsBucket)
	type update struct {
		k, v []byte
	}
	var updates []update
	err = claims.ForEach(func(k, v []byte) error {
		c, err := walletdb.DecodeClaimRecord(v)
		if err != nil {
			return err
		}
		if c.Seq != 0 {
			return nil
		}
		seq, err := claims.NextSequence()
		if err != nil {
			return err
		}
		c.Seq = seq
		updates = append(updates, update{bCopy(k), c.Encode()})
		return nil
	})
	if err != nil {
		return err
	}
	// Puts are deferred since the bucket may not be modified during ForEach.
	for _, u := range updates {
		if err := claims.Put(u.k, u.v); err != nil {
			return err
		}
	}
	return setDBVersion(dbtx, newVersion)
}
