// Package signal turns process signals and internal shutdown requests into a
// single shutdown channel.
package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// started is set once an interceptor was created. Only one may exist per
// process.
var started atomic.Bool

// Interceptor contains the channels and methods needed to request and wait for
// a graceful shutdown.
type Interceptor struct {
	// interruptChannel receives the caught process signals.
	interruptChannel chan os.Signal

	// shutdownChannel is closed once the interrupt handler exits.
	shutdownChannel chan struct{}

	// shutdownRequestChannel asks for a graceful shutdown, similar to
	// receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when the interrupt handler should exit.
	quit chan struct{}
}

// Intercept starts the interrupt handler and returns the interceptor used to
// wait for shutdown.
func Intercept() (Interceptor, error) {
	if !started.CompareAndSwap(false, true) {
		return Interceptor{}, errors.New("intercept already started")
	}

	channels := Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownChannel:        make(chan struct{}),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGABRT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(channels.interruptChannel, signalsToCatch...)
	go channels.mainInterruptHandler()

	return channels, nil
}

// mainInterruptHandler waits for a signal or a shutdown request and closes
// the shutdown channel. It must be run as a goroutine.
func (c *Interceptor) mainInterruptHandler() {
	// isShutdown makes further signals no-ops once shutdown started.
	var isShutdown bool

	shutdown := func() {
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-c.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)
			signal.Stop(c.interruptChannel)

			return
		}
	}
}

// Listening returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Listening() bool {
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// Alive returns true if the main interrupt handler has not been stopped.
func (c *Interceptor) Alive() bool {
	select {
	case <-c.shutdownChannel:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// ShutdownChannel returns the channel that is closed once shutdown completed.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdownChannel
}
