package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/btcsyncd/btcsyncd/headerdb"
	"github.com/btcsyncd/btcsyncd/netsync"
	"github.com/btcsyncd/btcsyncd/signal"
)

// headerDBName is the filename of the persisted header chain within the
// network-specific data directory.
const headerDBName = "headers.db"

// btcsyncdMain is the real main function for btcsyncd.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func btcsyncdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	btcsLog.Infof("Version %s", version())
	btcsLog.Infof("Active network: %s", activeNetParams.Name)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		btcsLog.Errorf("Unable to create data directory: %v", err)
		return err
	}

	// Open the persisted header chain, seeding it at genesis on first
	// run.
	headerStore, err := headerdb.Open(
		filepath.Join(cfg.DataDir, headerDBName),
		activeNetParams.Params,
	)
	if err != nil {
		btcsLog.Errorf("Unable to open header store: %v", err)
		return err
	}
	defer headerStore.Close()

	// The validation engine is an external process in a full deployment.
	// Without one attached the daemon runs against the in-process stub,
	// which accepts every block and keeps only a tip.
	kernel := netsync.NewStubKernel(*activeNetParams.GenesisHash)

	server, err := newServer(
		cfg.Listeners, activeNetParams.Params, headerStore, kernel,
	)
	if err != nil {
		btcsLog.Errorf("Unable to start server on %v: %v",
			cfg.Listeners, err)
		return err
	}
	server.Start()
	defer func() {
		btcsLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		btcsLog.Infof("Server shutdown complete")
	}()

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-signal.ShutdownChannel()
	return nil
}

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := btcsyncdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
