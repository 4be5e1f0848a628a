// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"fmt"
	"strings"
	"time"

	"decred.org/sealwallet/seal"
	"decred.org/sealwallet/seal/encode"
)

// ClaimStatus is the state of a ClaimRecord.
type ClaimStatus uint8

const (
	// ClaimPending: the consignment was accepted but no confirmed output
	// paying the invoice script is visible yet.
	ClaimPending ClaimStatus = iota + 1
	// ClaimMatched: a confirmed output was found and recorded as the real
	// seal, but the ledger has not acknowledged the rebind.
	ClaimMatched
	// ClaimClaimed: the ledger rebound the witness to the real seal.
	ClaimClaimed
	// ClaimFailed: terminal failure, see FailReason.
	ClaimFailed
)

// String satisfies the Stringer interface.
func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "pending"
	case ClaimMatched:
		return "matched"
	case ClaimClaimed:
		return "claimed"
	case ClaimFailed:
		return "failed"
	}
	return "unknown"
}

// Active is true for claims the reconciler still advances.
func (s ClaimStatus) Active() bool {
	return s == ClaimPending || s == ClaimMatched
}

// FailReason explains a ClaimFailed status.
type FailReason uint8

const (
	FailNone FailReason = iota
	FailDoubleClaim
	FailRetryBudget
	FailRejected
)

// String satisfies the Stringer interface.
func (r FailReason) String() string {
	switch r {
	case FailNone:
		return ""
	case FailDoubleClaim:
		return "double claim conflict"
	case FailRetryBudget:
		return "retry budget exceeded"
	case FailRejected:
		return "rejected by ledger"
	}
	return "unknown"
}

// MaxClaimHistory is the number of attempt notes kept per claim.
const MaxClaimHistory = 20

// ClaimRecord tracks one transfer's credit to a witness placeholder until it
// is rebound to a confirmed output. Records are never deleted.
type ClaimRecord struct {
	WitnessID seal.SealID
	// TransferID is the ID of the transfer step that credited the witness.
	TransferID string
	ContractID seal.ContractID
	Amount     uint64
	// Script is the receiving script recorded with the invoice.
	Script []byte
	// Expected is the outpoint that the consignment's witness transaction
	// creates for the witness. Empty if unknown.
	Expected   seal.SealID
	Status     ClaimStatus
	FailReason FailReason
	Attempts   uint32
	LastError  string
	// History holds the most recent attempt notes, oldest first.
	History         []string
	RealSeal        seal.SealID
	ConsignmentPath string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClaimedAt       time.Time
	NextAttempt     time.Time
	// Seq is the registration order, assigned by the DB.
	Seq uint64
}

// ID uniquely identifies the claim. A witness can be credited by more than
// one transfer, and each credit gets its own record.
func (c *ClaimRecord) ID() string {
	return string(c.WitnessID) + "|" + c.TransferID
}

// Note appends an attempt note, dropping the oldest beyond MaxClaimHistory.
// A note repeating the previous note's message is not appended.
func (c *ClaimRecord) Note(stamp time.Time, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if n := len(c.History); n > 0 {
		if _, last, _ := strings.Cut(c.History[n-1], " "); last == msg {
			return
		}
	}
	c.History = append(c.History, stamp.UTC().Format(time.RFC3339)+" "+msg)
	if n := len(c.History) - MaxClaimHistory; n > 0 {
		c.History = c.History[n:]
	}
}

// Encode the ClaimRecord as bytes.
func (c *ClaimRecord) Encode() []byte {
	hist := encode.BuildyBytes{0}
	for _, h := range c.History {
		hist = hist.AddData([]byte(h))
	}
	return encode.BuildyBytes{0}.
		AddData([]byte(c.WitnessID)).
		AddData([]byte(c.TransferID)).
		AddData([]byte(c.ContractID)).
		AddData(encode.Uint64Bytes(c.Amount)).
		AddData(c.Script).
		AddData([]byte(c.Expected)).
		AddData([]byte{byte(c.Status)}).
		AddData([]byte{byte(c.FailReason)}).
		AddData(encode.Uint32Bytes(c.Attempts)).
		AddData([]byte(c.LastError)).
		AddData(hist).
		AddData([]byte(c.RealSeal)).
		AddData([]byte(c.ConsignmentPath)).
		AddData(encode.TimeBytes(c.CreatedAt)).
		AddData(encode.TimeBytes(c.UpdatedAt)).
		AddData(encode.TimeBytes(c.ClaimedAt)).
		AddData(encode.TimeBytes(c.NextAttempt)).
		AddData(encode.Uint64Bytes(c.Seq))
}

// DecodeClaimRecord decodes the versioned blob into a *ClaimRecord.
func DecodeClaimRecord(b []byte) (*ClaimRecord, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	switch ver {
	case 0:
		return decodeClaimRecord_v0(pushes)
	}
	return nil, fmt.Errorf("unknown ClaimRecord version %d", ver)
}

func decodeClaimRecord_v0(pushes [][]byte) (*ClaimRecord, error) {
	p := encode.NewPushes(pushes)
	c := &ClaimRecord{
		WitnessID:  seal.SealID(p.String()),
		TransferID: p.String(),
		ContractID: seal.ContractID(p.String()),
		Amount:     p.Uint64(),
		Script:     encode.CopySlice(p.Bytes()),
		Expected:   seal.SealID(p.String()),
		Status:     ClaimStatus(p.Uint8()),
		FailReason: FailReason(p.Uint8()),
		Attempts:   p.Uint32(),
		LastError:  p.String(),
	}
	histB := p.Bytes()
	c.RealSeal = seal.SealID(p.String())
	c.ConsignmentPath = p.String()
	c.CreatedAt = p.Time()
	c.UpdatedAt = p.Time()
	c.ClaimedAt = p.Time()
	c.NextAttempt = p.Time()
	c.Seq = p.Uint64()
	if err := p.Done(); err != nil {
		return nil, fmt.Errorf("decodeClaimRecord_v0: %w", err)
	}
	if len(histB) > 0 {
		_, hist, err := encode.DecodeBlob(histB)
		if err != nil {
			return nil, fmt.Errorf("decodeClaimRecord_v0: history: %w", err)
		}
		for _, h := range hist {
			c.History = append(c.History, string(h))
		}
	}
	return c, nil
}

// InvoiceRecord is an invoice created by this wallet, keyed by its witness.
type InvoiceRecord struct {
	Invoice   *seal.Invoice
	KeyIndex  uint32
	CreatedAt time.Time
}

// WitnessID is the invoice's witness placeholder.
func (r *InvoiceRecord) WitnessID() seal.SealID {
	return r.Invoice.WitnessID()
}

// Encode the InvoiceRecord as bytes.
func (r *InvoiceRecord) Encode() []byte {
	return encode.BuildyBytes{0}.
		AddData(r.Invoice.Encode()).
		AddData(encode.Uint32Bytes(r.KeyIndex)).
		AddData(encode.TimeBytes(r.CreatedAt))
}

// DecodeInvoiceRecord decodes the versioned blob into an *InvoiceRecord.
func DecodeInvoiceRecord(b []byte) (*InvoiceRecord, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown InvoiceRecord version %d", ver)
	}
	p := encode.NewPushes(pushes)
	invB := p.Bytes()
	r := &InvoiceRecord{
		KeyIndex:  p.Uint32(),
		CreatedAt: p.Time(),
	}
	if err := p.Done(); err != nil {
		return nil, err
	}
	if r.Invoice, err = seal.DecodeInvoice(invB); err != nil {
		return nil, err
	}
	return r, nil
}

// ContractRecord is a locally known contract.
type ContractRecord struct {
	Contract *seal.Contract
	// Issued is true if this wallet issued the contract.
	Issued     bool
	ImportedAt time.Time
}

// Encode the ContractRecord as bytes.
func (r *ContractRecord) Encode() []byte {
	issued := encode.ByteFalse
	if r.Issued {
		issued = encode.ByteTrue
	}
	return encode.BuildyBytes{0}.
		AddData(r.Contract.Encode()).
		AddData(issued).
		AddData(encode.TimeBytes(r.ImportedAt))
}

// DecodeContractRecord decodes the versioned blob into a *ContractRecord.
func DecodeContractRecord(b []byte) (*ContractRecord, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown ContractRecord version %d", ver)
	}
	p := encode.NewPushes(pushes)
	cB := p.Bytes()
	r := &ContractRecord{
		Issued:     p.Bool(),
		ImportedAt: p.Time(),
	}
	if err := p.Done(); err != nil {
		return nil, err
	}
	if r.Contract, err = seal.DecodeContract(cB); err != nil {
		return nil, err
	}
	return r, nil
}

// ConsignmentRecord marks a consignment as accepted. Terminal identifies the
// state the consignment proves: the last step's ID, or the contract ID for a
// genesis consignment.
type ConsignmentRecord struct {
	Terminal   string
	ContractID seal.ContractID
	Genesis    bool
	Path       string
	AcceptedAt time.Time
}

// Encode the ConsignmentRecord as bytes.
func (r *ConsignmentRecord) Encode() []byte {
	genesis := encode.ByteFalse
	if r.Genesis {
		genesis = encode.ByteTrue
	}
	return encode.BuildyBytes{0}.
		AddData([]byte(r.Terminal)).
		AddData([]byte(r.ContractID)).
		AddData(genesis).
		AddData([]byte(r.Path)).
		AddData(encode.TimeBytes(r.AcceptedAt))
}

// DecodeConsignmentRecord decodes the versioned blob into a
// *ConsignmentRecord.
func DecodeConsignmentRecord(b []byte) (*ConsignmentRecord, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown ConsignmentRecord version %d", ver)
	}
	p := encode.NewPushes(pushes)
	r := &ConsignmentRecord{
		Terminal:   p.String(),
		ContractID: seal.ContractID(p.String()),
		Genesis:    p.Bool(),
		Path:       p.String(),
		AcceptedAt: p.Time(),
	}
	if err := p.Done(); err != nil {
		return nil, err
	}
	return r, nil
}
