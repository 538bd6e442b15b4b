package main

import (
	"fmt"
	"os"

	"github.com/MonteCarloClub/acbcminer/log"
)

var (
	cfg *config
)

func main() {
	// Work around defer not working after os.Exit()
	if err := acbcminerMain(nil); err != nil {
		os.Exit(1)
	}
}

// acbcminerMain is the real main function for acbcminer.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.  The optional serverChan parameter is mainly used by tests to be
// notified with the server once it is setup so it can gracefully stop it when
// requested.
func acbcminerMain(serverChan chan<- *server) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if log.LogRotator != nil {
			log.LogRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the control server.
	interrupt := interruptListener()
	defer log.AmnrLog.Info("Shutdown complete")

	// Show version at startup.
	log.AmnrLog.Infof("Version %s", version())

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Create server and start it.
	server, err := newServer(cfg)
	if err != nil {
		log.AmnrLog.Errorf("Unable to start miner: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer func() {
		log.AmnrLog.Infof("Gracefully shutting down the miner...")
		server.Stop()
		server.WaitForShutdown()
		log.AmnrLog.Infof("Miner shutdown complete")
	}()
	server.Start()
	if serverChan != nil {
		serverChan <- server
	}

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems such as the
	// control server.
	<-interrupt
	return nil
}
