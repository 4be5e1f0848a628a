// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import "decred.org/sealwallet/seal"

// Subsystem names. Levels can be set per subsystem with the --loglevel
// setting, e.g. "info,CLMS=debug".
const (
	LogCore    = "CORE"
	LogDB      = "DB"
	LogKeys    = "KEYS"
	LogUtxo    = "UTXO"
	LogLedger  = "LDGR"
	LogInvoice = "INVC"
	LogClaims  = "CLMS"
	LogSync    = "SYNC"
	LogTx      = "TXB"
)

type loggers struct {
	core, db, keys, utxo, ledger, invoice, claims, sync, tx seal.Logger
}

func newLoggers(lm *seal.LoggerMaker) *loggers {
	if lm == nil {
		d := seal.Disabled
		return &loggers{d, d, d, d, d, d, d, d, d}
	}
	return &loggers{
		core:    lm.Logger(LogCore),
		db:      lm.Logger(LogDB),
		keys:    lm.Logger(LogKeys),
		utxo:    lm.Logger(LogUtxo),
		ledger:  lm.Logger(LogLedger),
		invoice: lm.Logger(LogInvoice),
		claims:  lm.Logger(LogClaims),
		sync:    lm.Logger(LogSync),
		tx:      lm.Logger(LogTx),
	}
}
