package priceagg

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger, disabled until the daemon
// wires in the real backend via UseLogger.
var log = btclog.Disabled

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
