package keys

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var tLogger = seal.StdOutLogger("TEST", seal.LevelTrace)

type tStore struct {
	mtx sync.Mutex
	m   map[string][]byte
	err error
}

func newTStore() *tStore {
	return &tStore{m: make(map[string][]byte)}
}

func (s *tStore) Store(k string, v []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return s.err
	}
	s.m[k] = bytes.Clone(v)
	return nil
}

func (s *tStore) Get(k string) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	v, found := s.m[k]
	if !found {
		return nil, fmt.Errorf("%s: %w", k, seal.ErrNotFound)
	}
	return v, nil
}

func TestReveal(t *testing.T) {
	store := newTStore()
	m, err := NewManager(store, &chaincfg.RegressionNetParams, tLogger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if len(store.m[seedKey]) != seedLength {
		t.Fatalf("seed not stored")
	}

	k0, err := m.NewReceiveKey()
	if err != nil {
		t.Fatalf("NewReceiveKey error: %v", err)
	}
	k1, _ := m.NewReceiveKey()
	c0, err := m.NewChangeKey()
	if err != nil {
		t.Fatalf("NewChangeKey error: %v", err)
	}
	if k0.Index != 0 || k1.Index != 1 || c0.Index != 0 || c0.Branch != InternalBranch {
		t.Fatalf("wrong indexes %d %d %d", k0.Index, k1.Index, c0.Index)
	}
	if bytes.Equal(k0.Script, k1.Script) || bytes.Equal(k0.Script, c0.Script) {
		t.Fatalf("duplicate scripts")
	}
	if txscript.GetScriptClass(k0.Script) != txscript.WitnessV0PubKeyHashTy {
		t.Fatalf("not a P2WPKH script")
	}
	if k0.Address[:4] != "bcrt" {
		t.Fatalf("wrong address %s", k0.Address)
	}

	scripts, _ := m.Scripts()
	if len(scripts) != 3 {
		t.Fatalf("expected 3 scripts, got %d", len(scripts))
	}

	priv, err := m.PrivKeyForScript(k1.Script)
	if err != nil {
		t.Fatalf("PrivKeyForScript error: %v", err)
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), k1.PubKey) {
		t.Fatalf("wrong private key for script")
	}
	priv, err = m.PrivKeyForPubKey(c0.PubKey)
	if err != nil {
		t.Fatalf("PrivKeyForPubKey error: %v", err)
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), c0.PubKey) {
		t.Fatalf("wrong private key for pubkey")
	}
	if !m.OwnsPubKey(k0.PubKey) || m.OwnsPubKey([]byte{2, 3}) {
		t.Fatalf("OwnsPubKey wrong")
	}
	if _, err := m.PrivKeyForScript([]byte{0x51}); !errors.Is(err, seal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pub, err := m.ScriptPubKey(c0.Script)
	if err != nil || !bytes.Equal(pub, c0.PubKey) {
		t.Fatalf("ScriptPubKey = %x, %v", pub, err)
	}

	// Reloading re-derives the same keys and continues the sequence.
	m2, err := NewManager(store, &chaincfg.RegressionNetParams, tLogger)
	if err != nil {
		t.Fatalf("NewManager reload error: %v", err)
	}
	if len(m2.Keys()) != 3 {
		t.Fatalf("expected 3 keys after reload, got %d", len(m2.Keys()))
	}
	if k, found := m2.KeyForScript(k1.Script); !found || k.Index != 1 {
		t.Fatalf("reloaded manager lost key 1")
	}
	k2, _ := m2.NewReceiveKey()
	if k2.Index != 2 {
		t.Fatalf("expected index 2, got %d", k2.Index)
	}
}

func TestRevealStoreFailure(t *testing.T) {
	store := newTStore()
	m, err := NewManager(store, &chaincfg.TestNet3Params, tLogger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	store.err = errors.New("disk full")
	if _, err := m.NewReceiveKey(); err == nil {
		t.Fatalf("no error when index can't be stored")
	}
	if scripts, _ := m.Scripts(); len(scripts) != 0 {
		t.Fatalf("key revealed without stored index")
	}
	store.err = nil
	k, err := m.NewReceiveKey()
	if err != nil || k.Index != 0 {
		t.Fatalf("NewReceiveKey = %v, %v", k, err)
	}
}

func TestDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, seedLength)
	m1, err := newManager(seed, newTStore(), &chaincfg.MainNetParams, tLogger)
	if err != nil {
		t.Fatalf("newManager error: %v", err)
	}
	m2, _ := newManager(seed, newTStore(), &chaincfg.MainNetParams, tLogger)
	k1, _ := m1.NewReceiveKey()
	k2, _ := m2.NewReceiveKey()
	if k1.Address != k2.Address || k1.Address[:3] != "bc1" {
		t.Fatalf("non-deterministic or wrong address %s / %s", k1.Address, k2.Address)
	}
}
