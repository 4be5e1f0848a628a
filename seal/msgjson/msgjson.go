// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package msgjson defines the JSON messages exchanged with the contract
// ledger.
package msgjson

import (
	"encoding/json"
	"errors"
	"fmt"

	"decred.org/sealwallet/seal"
)

// Error codes
const (
	RPCErrorUnspecified  = iota // 0
	RPCParseError               // 1
	RPCUnknownRoute             // 2
	RPCInternal                 // 3
	UnknownContractError        // 4
	UnknownSealError            // 5
	UnknownWitnessError         // 6
	DoubleClaimError            // 7
	SignatureError              // 8
	InvalidRequestError         // 9
	InsufficientFundsError      // 10
	RateLimitError              // 11
)

// Routes served by the ledger under /api/.
const (
	IssueRoute           = "issue"
	RegisterWitnessRoute = "register_witness"
	TransferRoute        = "transfer"
	RebindRoute          = "rebind"
	BalanceRoute         = "balance"
	AllocationsRoute     = "allocations"
	ContractRoute        = "contract"
)

// Error is returned as part of the ResponsePayload to indicate that an error
// occurred during method execution.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// ResponsePayload is the body of every ledger response.
type ResponsePayload struct {
	// Result is the payload, if successful, else nil.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the error, or nil if none was encountered.
	Error *Error `json:"error,omitempty"`
}

var codeKinds = map[int]seal.ErrorKind{
	UnknownContractError:   seal.ErrUnknownContract,
	UnknownSealError:       seal.ErrUnknownSeal,
	UnknownWitnessError:    seal.ErrUnknownWitness,
	DoubleClaimError:       seal.ErrDoubleClaimConflict,
	SignatureError:         seal.ErrInvalidSignature,
	InsufficientFundsError: seal.ErrInsufficientFunds,
	RateLimitError:         seal.ErrNetworkUnavailable,
}

// Kind translates a ledger error code to the shared error taxonomy. Codes
// without a kind translate to nil.
func (e *Error) Kind() error {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	return nil
}

// ErrorForKind builds the wire error for an error from the ledger's engine.
func ErrorForKind(err error) *Error {
	for code, kind := range codeKinds {
		if errors.Is(err, kind) {
			return NewError(code, "%v", err)
		}
	}
	return NewError(InvalidRequestError, "%v", err)
}

// IssueRequest creates a contract. The ledger computes and checks the ID.
type IssueRequest struct {
	Contract *seal.Contract `json:"contract"`
}

// RegisterWitnessRequest registers a placeholder seal for a contract so that
// transfers may target it.
type RegisterWitnessRequest struct {
	ContractID seal.ContractID `json:"contractID"`
	WitnessID  seal.SealID     `json:"witnessID"`
	Owner      seal.Bytes      `json:"owner"`
}

// TransferRequest submits a signed transfer step.
type TransferRequest struct {
	Step *seal.Step `json:"step"`
}

// TransferResult identifies an accepted transfer.
type TransferResult struct {
	TransferID string `json:"transferID"`
}

// RebindRequest moves a witness allocation to a concrete seal. Sig is by the
// witness owner over seal.RebindHash.
type RebindRequest struct {
	ContractID seal.ContractID `json:"contractID"`
	WitnessID  seal.SealID     `json:"witnessID"`
	RealSeal   seal.SealID     `json:"realSeal"`
	Sig        seal.Bytes      `json:"sig"`
}

// BalanceRequest sums a contract's allocations on the listed seals.
type BalanceRequest struct {
	ContractID seal.ContractID `json:"contractID"`
	Seals      []seal.SealID   `json:"seals"`
}

// BalanceResult is the response to a BalanceRequest.
type BalanceResult struct {
	Amount uint64 `json:"amount"`
}

// ContractRequest names a contract for AllocationsRoute and ContractRoute.
type ContractRequest struct {
	ContractID seal.ContractID `json:"contractID"`
}

// Ack is the result of requests with nothing to return.
type Ack struct {
	OK bool `json:"ok"`
}
