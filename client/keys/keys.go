// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package keys derives the wallet's keys and P2WPKH scripts from a single
// BIP32 seed along the fixed path m/84'/coin'/0'/branch/index.
package keys

import (
	"errors"
	"fmt"
	"sync"

	"decred.org/sealwallet/seal"
	"decred.org/sealwallet/seal/encode"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Branches of the account key.
const (
	ExternalBranch uint32 = 0
	InternalBranch uint32 = 1
)

const (
	seedKey     = "seed"
	purpose     = 84
	seedLength  = 32
	maxBranches = 2
)

var indexKeys = [maxBranches]string{"keyidx.external", "keyidx.internal"}

// Storer is the persistent storage for the seed and key indexes. client/db.DB
// satisfies Storer.
type Storer interface {
	Store(k string, v []byte) error
	Get(k string) ([]byte, error)
}

// Key is a revealed wallet key.
type Key struct {
	Branch  uint32
	Index   uint32
	PubKey  []byte
	Script  []byte
	Address string
}

// Manager reveals and looks up wallet keys.
type Manager struct {
	store   Storer
	net     *chaincfg.Params
	log     seal.Logger
	account *hdkeychain.ExtendedKey

	mtx      sync.RWMutex
	next     [maxBranches]uint32
	branches [maxBranches]*hdkeychain.ExtendedKey
	byScript map[string]*Key
	byPubKey map[string]*Key
	revealed []*Key
}

// NewManager loads the seed from the store, creating one if this is a new
// wallet, and re-derives every revealed key.
func NewManager(store Storer, net *chaincfg.Params, log seal.Logger) (*Manager, error) {
	seed, err := store.Get(seedKey)
	if errors.Is(err, seal.ErrNotFound) {
		seed, err = hdkeychain.GenerateSeed(seedLength)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %w", err)
		}
		if err = store.Store(seedKey, seed); err != nil {
			return nil, fmt.Errorf("error storing seed: %w", err)
		}
		log.Infof("Created new wallet seed")
	} else if err != nil {
		return nil, fmt.Errorf("error loading seed: %w", err)
	}
	return newManager(seed, store, net, log)
}

func newManager(seed []byte, store Storer, net *chaincfg.Params, log seal.Logger) (*Manager, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("error creating master key: %w", err)
	}
	account := master
	for _, i := range []uint32{purpose, net.HDCoinType, 0} {
		account, err = account.Derive(hdkeychain.HardenedKeyStart + i)
		if err != nil {
			return nil, fmt.Errorf("error deriving account key: %w", err)
		}
	}
	m := &Manager{
		store:    store,
		net:      net,
		log:      log,
		account:  account,
		byScript: make(map[string]*Key),
		byPubKey: make(map[string]*Key),
	}
	for branch := uint32(0); branch < maxBranches; branch++ {
		if m.branches[branch], err = account.Derive(branch); err != nil {
			return nil, fmt.Errorf("error deriving branch %d: %w", branch, err)
		}
		b, err := store.Get(indexKeys[branch])
		if err != nil && !errors.Is(err, seal.ErrNotFound) {
			return nil, fmt.Errorf("error loading key index: %w", err)
		}
		if len(b) == 4 {
			m.next[branch] = encode.IntCoder.Uint32(b)
		}
		for i := uint32(0); i < m.next[branch]; i++ {
			k, err := m.derive(branch, i)
			if err != nil {
				return nil, err
			}
			m.index(k)
		}
	}
	return m, nil
}

func (m *Manager) derive(branch, index uint32) (*Key, error) {
	child, err := m.branches[branch].Derive(index)
	if err != nil {
		return nil, fmt.Errorf("error deriving key %d/%d: %w", branch, index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	pubB := pub.SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubB), m.net)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return &Key{
		Branch:  branch,
		Index:   index,
		PubKey:  pubB,
		Script:  script,
		Address: addr.EncodeAddress(),
	}, nil
}

func (m *Manager) index(k *Key) {
	m.byScript[string(k.Script)] = k
	m.byPubKey[string(k.PubKey)] = k
	m.revealed = append(m.revealed, k)
}

func (m *Manager) reveal(branch uint32) (*Key, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	i := m.next[branch]
	k, err := m.derive(branch, i)
	if err != nil {
		return nil, err
	}
	// Persist before use so an index is never handed out twice.
	if err := m.store.Store(indexKeys[branch], encode.Uint32Bytes(i+1)); err != nil {
		return nil, fmt.Errorf("error storing key index: %w", err)
	}
	m.next[branch] = i + 1
	m.index(k)
	m.log.Debugf("Revealed key %d/%d: %s", branch, i, k.Address)
	return k, nil
}

// NewReceiveKey reveals the next external key.
func (m *Manager) NewReceiveKey() (*Key, error) {
	return m.reveal(ExternalBranch)
}

// NewChangeKey reveals the next internal key.
func (m *Manager) NewChangeKey() (*Key, error) {
	return m.reveal(InternalBranch)
}

// Scripts lists every revealed script, satisfying utxo.ScriptSource.
func (m *Manager) Scripts() ([][]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	scripts := make([][]byte, 0, len(m.revealed))
	for _, k := range m.revealed {
		scripts = append(scripts, k.Script)
	}
	return scripts, nil
}

// Keys lists every revealed key in reveal order by branch.
func (m *Manager) Keys() []*Key {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return append([]*Key(nil), m.revealed...)
}

// KeyForScript looks up the revealed key paying to script.
func (m *Manager) KeyForScript(script []byte) (*Key, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	k, found := m.byScript[string(script)]
	return k, found
}

// OwnsPubKey is true if pub is a revealed wallet key.
func (m *Manager) OwnsPubKey(pub []byte) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, found := m.byPubKey[string(pub)]
	return found
}

func (m *Manager) privKey(k *Key) (*btcec.PrivateKey, error) {
	child, err := m.branches[k.Branch].Derive(k.Index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// PrivKeyForScript retrieves the private key for a revealed script.
func (m *Manager) PrivKeyForScript(script []byte) (*btcec.PrivateKey, error) {
	k, found := m.KeyForScript(script)
	if !found {
		return nil, seal.NewError(seal.ErrNotFound, fmt.Sprintf("no key for script %x", script))
	}
	return m.privKey(k)
}

// PrivKeyForPubKey retrieves the private key for a revealed public key.
func (m *Manager) PrivKeyForPubKey(pub []byte) (*btcec.PrivateKey, error) {
	m.mtx.RLock()
	k, found := m.byPubKey[string(pub)]
	m.mtx.RUnlock()
	if !found {
		return nil, seal.NewError(seal.ErrNotFound, fmt.Sprintf("no key for pubkey %x", pub))
	}
	return m.privKey(k)
}

// ScriptPubKey extracts the public key of a P2WPKH script paying to a revealed
// key.
func (m *Manager) ScriptPubKey(script []byte) ([]byte, error) {
	k, found := m.KeyForScript(script)
	if !found {
		return nil, seal.NewError(seal.ErrNotFound, fmt.Sprintf("no key for script %x", script))
	}
	return k.PubKey, nil
}
