package main

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// activeNetParams is a pointer to the parameters specific to the currently
// active bitcoin network.
var activeNetParams = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
	defaultPort string
}

// mainNetParams contains parameters specific to the main network
// (wire.MainNet).
var mainNetParams = params{
	Params:      &chaincfg.MainNetParams,
	defaultPort: "8333",
}

// testNet3Params contains parameters specific to the test network (version 3)
// (wire.TestNet3).
var testNet3Params = params{
	Params:      &chaincfg.TestNet3Params,
	defaultPort: "18333",
}

// regressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var regressionNetParams = params{
	Params:      &chaincfg.RegressionNetParams,
	defaultPort: "18444",
}

// simNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var simNetParams = params{
	Params:      &chaincfg.SimNetParams,
	defaultPort: "18555",
}

// netName returns the name used when referring to a bitcoin network.  Blocks
// and logs for testnet version 3 live in the data and log directory
// "testnet", which does not match the Name field of the chaincfg parameters,
// so that name is overridden here.
func netName(chainParams *params) string {
	switch chainParams.Net {
	case wire.TestNet3:
		return "testnet"
	default:
		return chainParams.Name
	}
}
