// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"` // [] for positional args or {} for named args, no bare types
	ID      any             `json:"id"`
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e RPCError) Error() string {
	return fmt.Sprintf("code %d: %q", e.Code, e.Message)
}

type response struct {
	// The "jsonrpc" field is ignored.
	ID     uint64          `json:"id"`
	Method string          `json:"method"` // notifications only
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type positional []any

// prepareRequest marshals the request. args must be nil, a slice for
// positional arguments, or a struct (or pointer to one) for named arguments.
func prepareRequest(id uint64, method string, args any) ([]byte, error) {
	// nil args should marshal as [] instead of null.
	if args == nil {
		args = []json.RawMessage{}
	}
	switch rt := reflect.TypeOf(args); rt.Kind() {
	case reflect.Struct, reflect.Slice:
	case reflect.Ptr: // allow pointer to struct
		if rt.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("invalid arg type %v, must be slice or struct", rt)
		}
	default:
		return nil, fmt.Errorf("invalid arg type %v, must be slice or struct", rt)
	}
	params, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	return json.Marshal(&request{
		Jsonrpc: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
}
