// Package signal converts OS termination signals and programmatic shutdown
// requests into a single shutdown channel the daemon can wait on.
package signal

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	// interrupts receives the OS signals the daemon shuts down on.
	interrupts = make(chan os.Signal, 1)

	// requests receives shutdown requests made by subsystems.
	requests = make(chan struct{})

	// quit is closed as soon as a shutdown has been triggered.
	quit = make(chan struct{})

	// done is closed once the interceptor goroutine has wound down.
	done = make(chan struct{})

	quitOnce sync.Once
)

func init() {
	signal.Notify(interrupts, os.Interrupt, syscall.SIGABRT,
		syscall.SIGTERM, syscall.SIGQUIT)
	go intercept()
}

// intercept waits for the first shutdown trigger, whichever source it comes
// from, then closes the shutdown channels.  Signals received after the first
// are ignored.
func intercept() {
	defer close(done)

	select {
	case sig := <-interrupts:
		log.Infof("Received signal %v, shutting down", sig)
	case <-requests:
		log.Infof("Shutdown requested, shutting down")
	}

	quitOnce.Do(func() {
		close(quit)
	})
}

// Alive returns false once a shutdown has been triggered.
func Alive() bool {
	select {
	case <-quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown.  It is safe to call from any
// goroutine and more than once.
func RequestShutdown() {
	select {
	case requests <- struct{}{}:
	case <-quit:
	}
}

// ShutdownChannel returns the channel that is closed once the daemon should
// shut down.
func ShutdownChannel() <-chan struct{} {
	return done
}
