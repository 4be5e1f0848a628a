// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package seal

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies the Bitcoin network that seals live on.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Signet
	Regtest
)

// String returns the string representation of a Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	}
	return ""
}

// Params are the chain parameters for the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	}
	return &chaincfg.MainNetParams
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch strings.ToLower(net) {
	case "mainnet", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest", "regnet", "simnet":
		return Regtest, nil
	}
	return 255, fmt.Errorf("unknown network %s", net)
}
