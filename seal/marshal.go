// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Bytes is a byte slice that marshals to and from a hex string.
type Bytes []byte

// String return the hex encoding of the Bytes.
func (b Bytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalJSON satisfies the json.Marshaller interface, and will marshal the
// bytes to a hex string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON satisfies the json.Unmarshaler interface, and expects a UTF-8
// encoding of a hex string.
func (b *Bytes) UnmarshalJSON(encHex []byte) (err error) {
	var s string
	if err := json.Unmarshal(encHex, &s); err != nil {
		return fmt.Errorf("marshalled Bytes, '%s', not valid: %w", string(encHex), err)
	}
	*b, err = hex.DecodeString(s)
	return err
}
