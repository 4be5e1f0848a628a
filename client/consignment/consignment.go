// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package consignment encodes and validates the portable evidence that moves
// between wallets: a contract's genesis, the chain of steps leading to a
// transfer, and the beneficiary of the last step.
package consignment

import (
	"fmt"

	"decred.org/sealwallet/seal"
	"decred.org/sealwallet/seal/encode"
)

const (
	// Version is the only consignment encoding understood.
	Version = 0
	// MaxSteps bounds the history carried by one consignment.
	MaxSteps = 1 << 14
)

// WitnessMapping names the beneficiary of a transfer consignment's last step.
type WitnessMapping struct {
	WitnessID seal.SealID
	Script    []byte
	Vout      uint32
	Amount    uint64
}

func (m *WitnessMapping) encode() []byte {
	return encode.BuildyBytes{0}.
		AddData([]byte(m.WitnessID)).
		AddData(m.Script).
		AddData(encode.Uint32Bytes(m.Vout)).
		AddData(encode.Uint64Bytes(m.Amount))
}

func decodeMapping(b []byte) (*WitnessMapping, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("unknown mapping version %d", ver)
	}
	p := encode.NewPushes(pushes)
	m := &WitnessMapping{
		WitnessID: seal.SealID(p.String()),
		Script:    encode.CopySlice(p.Bytes()),
		Vout:      p.Uint32(),
		Amount:    p.Uint64(),
	}
	if err := p.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// Consignment is a contract with the steps proving the current state of one
// or more of its allocations. A consignment without steps is a genesis
// consignment.
type Consignment struct {
	Version  uint8
	Contract *seal.Contract
	Steps    []*seal.Step
	Mapping  *WitnessMapping
}

// Genesis is true for a consignment carrying only the contract.
func (c *Consignment) Genesis() bool {
	return len(c.Steps) == 0
}

// Terminal identifies the proven state: the ID of the last step, or the
// contract ID for a genesis consignment.
func (c *Consignment) Terminal() string {
	if len(c.Steps) == 0 {
		return string(c.Contract.ID)
	}
	return c.Steps[len(c.Steps)-1].ID()
}

func checkLen(what string, b []byte) error {
	if len(b) > encode.MaxDataLen {
		return fmt.Errorf("%s is %d bytes, limit is %d", what, len(b), encode.MaxDataLen)
	}
	return nil
}

// Encode serializes the consignment.
func Encode(c *Consignment) ([]byte, error) {
	if c.Contract == nil {
		return nil, fmt.Errorf("no contract")
	}
	if len(c.Steps) > MaxSteps {
		return nil, fmt.Errorf("%d steps exceeds limit %d", len(c.Steps), MaxSteps)
	}
	steps := encode.BuildyBytes{0}
	for i, s := range c.Steps {
		b := s.Encode()
		if err := checkLen(fmt.Sprintf("step %d", i), b); err != nil {
			return nil, err
		}
		steps = steps.AddData(b)
	}
	if err := checkLen("steps", steps); err != nil {
		return nil, err
	}
	var mapping []byte
	if c.Mapping != nil {
		mapping = c.Mapping.encode()
	}
	return encode.BuildyBytes{c.Version}.
		AddData(c.Contract.Encode()).
		AddData(steps).
		AddData(mapping), nil
}

func invalid(format string, args ...any) error {
	return seal.NewError(seal.ErrInvalidConsignment, fmt.Sprintf(format, args...))
}

// Decode parses a consignment without validating it. Any error is of kind
// seal.ErrInvalidConsignment.
func Decode(b []byte) (*Consignment, error) {
	ver, pushes, err := encode.DecodeBlob(b)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if ver != Version {
		return nil, invalid("unknown version %d", ver)
	}
	p := encode.NewPushes(pushes)
	contractB, stepsB, mappingB := p.Bytes(), p.Bytes(), p.Bytes()
	if err := p.Done(); err != nil {
		return nil, invalid("%v", err)
	}
	c := &Consignment{Version: ver}
	if c.Contract, err = seal.DecodeContract(contractB); err != nil {
		return nil, invalid("contract: %v", err)
	}
	sver, stepPushes, err := encode.DecodeBlob(stepsB)
	if err != nil {
		return nil, invalid("steps: %v", err)
	}
	if sver != 0 {
		return nil, invalid("unknown steps version %d", sver)
	}
	if len(stepPushes) > MaxSteps {
		return nil, invalid("%d steps exceeds limit %d", len(stepPushes), MaxSteps)
	}
	for i, sb := range stepPushes {
		s, err := seal.DecodeStep(sb)
		if err != nil {
			return nil, invalid("step %d: %v", i, err)
		}
		c.Steps = append(c.Steps, s)
	}
	if len(mappingB) > 0 {
		if c.Mapping, err = decodeMapping(mappingB); err != nil {
			return nil, invalid("mapping: %v", err)
		}
	}
	return c, nil
}
