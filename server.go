package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MonteCarloClub/acbcminer/log"
	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/cpuminer"
	"github.com/MonteCarloClub/acbcminer/mining/exchange"
	"github.com/MonteCarloClub/acbcminer/mining/host"
	"github.com/MonteCarloClub/acbcminer/rpcclient"
	"github.com/MonteCarloClub/acbcminer/rpcserver"
	"github.com/MonteCarloClub/acbcminer/store"
)

// simpleAddr implements the net.Addr interface with two struct fields
type simpleAddr struct {
	net, addr string
}

// String returns the address.
//
// This is part of the net.Addr interface.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
//
// This is part of the net.Addr interface.
func (a simpleAddr) Network() string {
	return a.net
}

// Ensure simpleAddr implements the net.Addr interface.
var _ net.Addr = simpleAddr{}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP.  It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*" && os.Getenv("GOOS") == "plan9") {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		zoneIndex := strings.LastIndex(host, "%")
		if zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		// Parse the IP.
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		// To4 returns nil when the IP is not an IPv4 address, so use
		// this determine the address type.
		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	return netAddrs, nil
}

// setupControlListeners returns a slice of listeners that are configured for
// use with the control server depending on the configuration settings for
// listen addresses and TLS.
func setupControlListeners(cfg *config) ([]net.Listener, error) {
	// Setup TLS if not disabled.
	listenFunc := net.Listen
	if !cfg.NoControlTLS {
		// Generate the TLS cert and key file if both don't already
		// exist.
		if !fileExists(cfg.ControlKey) && !fileExists(cfg.ControlCert) {
			err := rpcserver.GenCertPair(cfg.ControlCert, cfg.ControlKey)
			if err != nil {
				return nil, err
			}
		}
		keypair, err := tls.LoadX509KeyPair(cfg.ControlCert, cfg.ControlKey)
		if err != nil {
			return nil, err
		}

		tlsConfig := tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}

		// Change the standard net.Listen function to the tls one.
		listenFunc = func(net string, laddr string) (net.Listener, error) {
			return tls.Listen(net, laddr, &tlsConfig)
		}
	}

	netAddrs, err := parseListeners(cfg.ControlListeners)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		listener, err := listenFunc(addr.Network(), addr.String())
		if err != nil {
			log.RpcsLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}

	return listeners, nil
}

// server ties the work authority client, the miner host and the control
// server together.
type server struct {
	started     int32
	shutdown    int32
	startupTime int64

	cfg           *config
	client        *rpcclient.Client
	exchange      *exchange.Client
	host          *host.Host
	db            *store.Store
	controlServer *rpcserver.Server

	wg   sync.WaitGroup
	quit chan struct{}
}

// Notify logs miner notifications and relays them to the websocket clients
// of the control server.
//
// This is part of the mining.Notifier interface.
func (s *server) Notify(n *mining.Notification) {
	switch n.Type {
	case mining.NTSolutionFound:
		log.AmnrLog.Debugf("Worker %q found nonce %d (block %d)",
			n.Worker, n.Nonce, n.BlockNumber)
	case mining.NTWorkRejected:
		log.AmnrLog.Warnf("Authority refused worker %q: %s", n.Worker,
			n.Text)
	}
	if s.controlServer != nil {
		s.controlServer.Notify(n)
	}
}

// Ensure server implements the mining.Notifier interface.
var _ mining.Notifier = (*server)(nil)

// newServer wires the subsystems described by cfg.  Nothing runs until
// Start is called.
func newServer(cfg *config) (*server, error) {
	s := server{
		startupTime: time.Now().Unix(),
		cfg:         cfg,
		quit:        make(chan struct{}),
	}

	var certs []byte
	if !cfg.NoTLS && fileExists(cfg.RPCCert) {
		var err error
		certs, err = os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, err
		}
	}
	// Every worker and the block number refresh may have a request in
	// flight at the same time.
	resources := cpuminer.Resources(cfg.CPUs)
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCConnect,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		CookiePath:   cfg.RPCCookie,
		DisableTLS:   cfg.NoTLS,
		Certificates: certs,
		Proxy:        cfg.Proxy,
		ProxyUser:    cfg.ProxyUser,
		ProxyPass:    cfg.ProxyPass,
		Timeout:      cfg.RPCTimeout,
		Concurrency:  len(resources) + 1,
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	s.exchange = exchange.New(client, exchange.Config{
		RetryDelay:   cfg.RetryDelay,
		MaxRetries:   cfg.MaxRetries,
		StrictTarget: cfg.StrictLocal,
	}, &s)

	features := cpuminer.DetectFeatures()
	if cfg.NoSHA {
		features.SHA = false
	}
	hostCfg := host.Config{
		Descriptors:     cpuminer.Factories(resources, features),
		Exchange:        s.exchange,
		SampleDuration:  cfg.SampleDuration,
		StatsInterval:   cfg.StatsInterval,
		RefreshInterval: cfg.RefreshInterval,
		Notifier:        &s,
		WorkerName:      cfg.WorkerName,
	}
	if !cfg.NoStore {
		s.db, err = store.Open(filepath.Join(cfg.DataDir, store.DefaultFileName))
		if err != nil {
			s.shutdownClient()
			return nil, err
		}
		hostCfg.Recorder = s.db
	}
	s.host, err = host.New(hostCfg)
	if err != nil {
		s.closeResources()
		return nil, err
	}

	if !cfg.NoControl {
		// Setup listeners for the configured control listen addresses
		// and TLS settings.
		listeners, err := setupControlListeners(cfg)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		if len(listeners) == 0 {
			s.closeResources()
			return nil, errors.New("control: no valid listen address")
		}

		s.controlServer, err = rpcserver.New(&rpcserver.Config{
			Listeners:     listeners,
			StartupTime:   s.startupTime,
			Miner:         s.host,
			Benchmarks:    &rpcBenchmarkSource{db: s.db, host: s.host, sampleDuration: cfg.SampleDuration},
			User:          cfg.ControlUser,
			Pass:          cfg.ControlPass,
			LimitUser:     cfg.ControlLimitUser,
			LimitPass:     cfg.ControlLimitPass,
			MaxClients:    cfg.ControlMaxClients,
			MaxWebsockets: cfg.ControlMaxWebsockets,
		})
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			s.closeResources()
			return nil, err
		}
	}

	return &s, nil
}

// shutdownClient stops the work authority client and waits for it.
func (s *server) shutdownClient() {
	s.client.Shutdown()
	s.client.WaitForShutdown()
}

// closeResources releases the client and the store.
func (s *server) closeResources() {
	s.shutdownClient()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.AmnrLog.Errorf("Unable to close store: %v", err)
		}
	}
}

// Start begins mining and serving control connections.
func (s *server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.AmnrLog.Trace("Starting miner")

	if s.controlServer != nil {
		s.controlServer.Start()

		// Signal process shutdown when the control server requests it.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-s.controlServer.RequestedProcessShutdown():
				select {
				case shutdownRequestChannel <- struct{}{}:
				case <-s.quit:
				}
			case <-s.quit:
			}
		}()
	}

	if s.cfg.NoGenerate {
		log.AmnrLog.Infof("Mining is off until requested")
		return
	}
	s.host.Start()
}

// Stop gracefully shuts down the miner by stopping the workers, the control
// server and the work authority client.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.AmnrLog.Infof("Miner is already in the process of shutting down")
		return nil
	}

	log.AmnrLog.Warnf("Miner shutting down")

	s.host.Stop()
	if s.controlServer != nil {
		s.controlServer.Stop()
	}
	close(s.quit)
	s.closeResources()
	return nil
}

// WaitForShutdown blocks until the relay goroutines are stopped.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}
