// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"decred.org/sealwallet/seal/encode"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// witnessPrefix starts every placeholder seal identifier.
const witnessPrefix = "witness:"

// SealID addresses an allocation's custody. A concrete seal is a Bitcoin
// outpoint, "txid:vout". A witness seal is a placeholder for an outpoint that
// does not exist yet, "witness:<commitment hex>:<vout>".
type SealID string

// OutpointSeal is the SealID of a concrete outpoint.
func OutpointSeal(op wire.OutPoint) SealID {
	return SealID(op.Hash.String() + ":" + strconv.FormatUint(uint64(op.Index), 10))
}

// IsWitness is true for placeholder seals.
func (s SealID) IsWitness() bool {
	return strings.HasPrefix(string(s), witnessPrefix)
}

// Outpoint parses a concrete seal.
func (s SealID) Outpoint() (wire.OutPoint, error) {
	if s.IsWitness() {
		return wire.OutPoint{}, fmt.Errorf("%s is a witness seal", s)
	}
	txid, voutStr, found := strings.Cut(string(s), ":")
	if !found {
		return wire.OutPoint{}, fmt.Errorf("malformed seal %q", s)
	}
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil || len(txid) != chainhash.MaxHashStringSize {
		return wire.OutPoint{}, fmt.Errorf("malformed seal txid %q", txid)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("malformed seal vout %q", voutStr)
	}
	return wire.OutPoint{Hash: *h, Index: uint32(vout)}, nil
}

// WitnessVout is the output index a witness seal expects the paying
// transaction to use.
func (s SealID) WitnessVout() (uint32, error) {
	if !s.IsWitness() {
		return 0, fmt.Errorf("%s is not a witness seal", s)
	}
	parts := strings.Split(string(s)[len(witnessPrefix):], ":")
	if len(parts) != 2 || len(parts[0]) != 32 {
		return 0, fmt.Errorf("malformed witness seal %q", s)
	}
	if _, err := hex.DecodeString(parts[0]); err != nil {
		return 0, fmt.Errorf("malformed witness commitment %q", parts[0])
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed witness vout %q", parts[1])
	}
	return uint32(vout), nil
}

// Validate checks that the SealID parses as one of the two forms.
func (s SealID) Validate() error {
	if s.IsWitness() {
		_, err := s.WitnessVout()
		return err
	}
	_, err := s.Outpoint()
	return err
}

// WitnessID derives the placeholder seal from an invoice commitment.
func WitnessID(commitment [32]byte, vout uint32) SealID {
	return SealID(witnessPrefix + hex.EncodeToString(commitment[:16]) + ":" + strconv.FormatUint(uint64(vout), 10))
}

// ContractID is the hex-encoded hash of a contract's genesis parameters.
type ContractID string

// Contract is an issued fungible asset. Everything but the allocation set is
// fixed at issuance.
type Contract struct {
	ID          ContractID `json:"id"`
	Ticker      string     `json:"ticker"`
	Name        string     `json:"name"`
	Supply      uint64     `json:"supply"`
	Precision   uint8      `json:"precision"`
	GenesisSeal SealID     `json:"genesisSeal"`
	IssuerKey   Bytes      `json:"issuerKey"`
	IssuedAt    time.Time  `json:"issuedAt"`
}

// MaxPrecision bounds a contract's decimal places.
const MaxPrecision = 18

// genesisBytes is the canonical serialization hashed into the contract ID.
func (c *Contract) genesisBytes() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(c.Ticker)).
		AddData([]byte(c.Name)).
		AddData(encode.Uint64Bytes(c.Supply)).
		AddData([]byte{c.Precision}).
		AddData([]byte(c.GenesisSeal)).
		AddData(c.IssuerKey).
		AddData(encode.TimeBytes(c.IssuedAt))
}

// ComputeID hashes the genesis parameters.
func (c *Contract) ComputeID() ContractID {
	h := sha256.Sum256(c.genesisBytes())
	return ContractID(hex.EncodeToString(h[:]))
}

// Validate checks the genesis parameters and that ID matches them.
func (c *Contract) Validate() error {
	switch {
	case c.Ticker == "" || len(c.Ticker) > 16:
		return fmt.Errorf("invalid ticker %q", c.Ticker)
	case len(c.Name) > 256:
		return fmt.Errorf("name too long")
	case c.Supply == 0:
		return fmt.Errorf("zero supply")
	case c.Precision > MaxPrecision:
		return fmt.Errorf("precision %d exceeds %d", c.Precision, MaxPrecision)
	case c.GenesisSeal.IsWitness():
		return fmt.Errorf("genesis seal must be an outpoint")
	}
	if _, err := c.GenesisSeal.Outpoint(); err != nil {
		return err
	}
	if _, err := btcec.ParsePubKey(c.IssuerKey); err != nil {
		return fmt.Errorf("invalid issuer key: %w", err)
	}
	if id := c.ComputeID(); id != c.ID {
		return fmt.Errorf("contract id mismatch: stated %s, computed %s", c.ID, id)
	}
	return nil
}

// GenesisAllocation is the allocation created by issuance.
func (c *Contract) GenesisAllocation() *Allocation {
	return &Allocation{
		ContractID: c.ID,
		Seal:       c.GenesisSeal,
		Amount:     c.Supply,
		Owner:      c.IssuerKey,
	}
}

// FormatAmount renders an atomic amount with the contract's precision.
func (c *Contract) FormatAmount(amt uint64) string {
	if c.Precision == 0 {
		return strconv.FormatUint(amt, 10)
	}
	s := strconv.FormatUint(amt, 10)
	p := int(c.Precision)
	if len(s) <= p {
		s = strings.Repeat("0", p-len(s)+1) + s
	}
	return s[:len(s)-p] + "." + s[len(s)-p:]
}

// Allocation is an amount of a contract's asset bound to a seal. Owner is the
// compressed public key that must sign to move it.
type Allocation struct {
	ContractID ContractID `json:"contractID"`
	Seal       SealID     `json:"seal"`
	Amount     uint64     `json:"amount"`
	Owner      Bytes      `json:"owner"`
}

// SumAllocations adds the allocation amounts.
func SumAllocations(allocs []*Allocation) (sum uint64) {
	for _, a := range allocs {
		sum += a.Amount
	}
	return
}

// Encode serializes the contract, including its ID.
func (c *Contract) Encode() []byte {
	return encode.BuildyBytes{0}.AddData([]byte(c.ID)).AddData(c.genesisBytes())
}

// DecodeContract decodes a contract from Encode. The ID is not checked
// against the parameters; use Validate for that.
func DecodeContract(b []byte) (*Contract, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 || len(pushes) != 2 {
		return nil, fmt.Errorf("unknown contract encoding, version %d with %d pushes", ver, len(pushes))
	}
	id := ContractID(pushes[0])
	ver, pushes, err = encode.DecodeBlob(pushes[1])
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown genesis version %d", ver)
	}
	p := encode.NewPushes(pushes)
	c := &Contract{
		ID:          id,
		Ticker:      p.String(),
		Name:        p.String(),
		Supply:      p.Uint64(),
		Precision:   p.Uint8(),
		GenesisSeal: SealID(p.String()),
		IssuerKey:   encode.CopySlice(p.Bytes()),
		IssuedAt:    p.Time(),
	}
	if err := p.Done(); err != nil {
		return nil, err
	}
	return c, nil
}
