// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"decred.org/sealwallet/seal/encode"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// InvoiceHRP is the human-readable part of an encoded invoice.
const InvoiceHRP = "sealinv"

// invoiceVersion is the only invoice encoding understood.
const invoiceVersion = 0

// Invoice asks for an amount of a contract's asset to be sent to an output
// paying Script. The output does not exist yet, so the sender targets the
// witness placeholder derived from the commitment, and the receiver later
// rebinds it to the outpoint that confirms.
type Invoice struct {
	ContractID ContractID
	Amount     uint64
	// Script is the receiving output script.
	Script []byte
	// BeneficiaryKey owns the credited allocation.
	BeneficiaryKey []byte
	Blinding       [32]byte
	// Vout is the index the paying transaction must use for Script.
	Vout   uint32
	Expiry time.Time
}

// Commitment is SHA256(blinding || script).
func (inv *Invoice) Commitment() [32]byte {
	h := sha256.New()
	h.Write(inv.Blinding[:])
	h.Write(inv.Script)
	var c [32]byte
	copy(c[:], h.Sum(nil))
	return c
}

// WitnessID is the placeholder seal a sender targets.
func (inv *Invoice) WitnessID() SealID {
	return WitnessID(inv.Commitment(), inv.Vout)
}

// Expired is true if the invoice has an expiry at or before now.
func (inv *Invoice) Expired(now time.Time) bool {
	return !inv.Expiry.IsZero() && !now.Before(inv.Expiry)
}

// Validate checks field sanity.
func (inv *Invoice) Validate() error {
	switch {
	case inv.ContractID == "":
		return NewError(ErrInvalidInvoice, "no contract id")
	case inv.Amount == 0:
		return NewError(ErrInvalidInvoice, "zero amount")
	case len(inv.Script) == 0:
		return NewError(ErrInvalidInvoice, "no receiving script")
	}
	if _, err := btcec.ParsePubKey(inv.BeneficiaryKey); err != nil {
		return NewError(ErrInvalidInvoice, "bad beneficiary key: "+err.Error())
	}
	return nil
}

// Encode serializes the invoice as a versioned blob.
func (inv *Invoice) Encode() []byte {
	return encode.BuildyBytes{invoiceVersion}.
		AddData([]byte(inv.ContractID)).
		AddData(encode.Uint64Bytes(inv.Amount)).
		AddData(inv.Script).
		AddData(inv.BeneficiaryKey).
		AddData(inv.Blinding[:]).
		AddData(encode.Uint32Bytes(inv.Vout)).
		AddData(encode.TimeBytes(inv.Expiry))
}

// DecodeInvoice decodes an invoice from Encode.
func DecodeInvoice(b []byte) (*Invoice, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, NewError(ErrInvalidInvoice, err.Error())
	}
	if ver != invoiceVersion {
		return nil, NewError(ErrInvalidInvoice, fmt.Sprintf("unknown version %d", ver))
	}
	p := encode.NewPushes(pushes)
	inv := &Invoice{
		ContractID:     ContractID(p.String()),
		Amount:         p.Uint64(),
		Script:         encode.CopySlice(p.Bytes()),
		BeneficiaryKey: encode.CopySlice(p.Bytes()),
	}
	copy(inv.Blinding[:], p.Fixed(32))
	inv.Vout = p.Uint32()
	inv.Expiry = p.Time()
	if err := p.Done(); err != nil {
		return nil, NewError(ErrInvalidInvoice, err.Error())
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// String is the bech32 text form of the invoice.
func (inv *Invoice) String() string {
	s, err := bech32.EncodeFromBase256(InvoiceHRP, inv.Encode())
	if err != nil {
		// Only possible for an invalid HRP.
		panic(err)
	}
	return s
}

// ParseInvoice decodes the text form.
func ParseInvoice(s string) (*Invoice, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.TrimSpace(s))
	if err != nil {
		return nil, NewError(ErrInvalidInvoice, err.Error())
	}
	if hrp != InvoiceHRP {
		return nil, NewError(ErrInvalidInvoice, "wrong prefix "+hrp)
	}
	b, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, NewError(ErrInvalidInvoice, err.Error())
	}
	return DecodeInvoice(b)
}
