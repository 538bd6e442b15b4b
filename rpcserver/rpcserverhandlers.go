package rpcserver

import (
	"time"

	"github.com/btcsuite/btcd/btcjson"
)

// handleGetMiningInfo implements the getmininginfo command.
func handleGetMiningInfo(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	m := s.cfg.Miner
	return &GetMiningInfoResult{
		Generate:       m.Running(),
		HashesPerSec:   int64(m.HashesPerSecond()),
		LifetimeHashes: m.LifetimeHashes(),
		Accepted:       m.Accepted(),
		Rejected:       m.Rejected(),
		BlockNumber:    m.CurrentBlockNumber(),
		Workers:        len(m.Workers()),
	}, nil
}

// handleGetHashesPerSec implements the gethashespersec command.
func handleGetHashesPerSec(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	return int64(s.cfg.Miner.HashesPerSecond()), nil
}

// handleGetGenerate implements the getgenerate command.
func handleGetGenerate(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	return s.cfg.Miner.Running(), nil
}

// handleSetGenerate implements the setgenerate command.
func handleSetGenerate(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	c := cmd.(*btcjson.SetGenerateCmd)

	// Disable generation regardless of the provided generate flag if the
	// maximum number of threads (goroutines for our purposes) is 0.
	// Otherwise enable or disable it depending on the provided flag.
	generate := c.Generate
	if c.GenProcLimit != nil {
		switch limit := *c.GenProcLimit; {
		case limit == 0:
			generate = false
		case limit > 0:
			log.Debugf("Ignoring genproclimit %d, workers are "+
				"bound to the configured CPUs", limit)
		}
	}

	if generate {
		s.cfg.Miner.Start()
	} else {
		s.cfg.Miner.Stop()
	}
	return nil, nil
}

// handleGetWorkers implements the getworkers command.
func handleGetWorkers(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	now := time.Now()
	workers := s.cfg.Miner.Workers()
	results := make([]WorkerResult, 0, len(workers))
	for _, w := range workers {
		results = append(results, WorkerResult{
			Resource: string(w.Resource),
			Factory:  w.Factory,
			Started:  w.Started.Unix(),
			Uptime:   int64(now.Sub(w.Started).Seconds()),
		})
	}
	return results, nil
}

// handleGetBenchmarks implements the getbenchmarks command.
func handleGetBenchmarks(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	if s.cfg.Benchmarks == nil {
		return nil, ErrRPCNoBenchmarks
	}
	records, err := s.cfg.Benchmarks.Benchmarks()
	if err != nil {
		return nil, internalRPCError(err.Error(), "Unable to load benchmarks")
	}

	results := make([]BenchmarkResult, 0, len(records))
	for i := range records {
		r := &records[i]
		results = append(results, BenchmarkResult{
			Resource:     r.Resource,
			Factory:      r.Factory,
			Hashes:       r.Hashes,
			HashesPerSec: r.HashesPerSecond(),
			Selected:     r.Selected,
			Time:         r.Time.Unix(),
		})
	}
	return results, nil
}

// handleUptime implements the uptime command.
func handleUptime(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	return time.Now().Unix() - s.cfg.StartupTime, nil
}

// handleStop implements the stop command.
func handleStop(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	select {
	case s.requestProcessShutdown <- struct{}{}:
	default:
	}
	return "acbcminer stopping.", nil
}

// handleHelp implements the help command.
func handleHelp(s *Server, cmd interface{}, closeChan <-chan struct{}) (interface{}, error) {
	c := cmd.(*btcjson.HelpCmd)

	// Provide a usage overview of all commands when no specific command
	// was specified.
	var command string
	if c.Command != nil {
		command = *c.Command
	}
	if command == "" {
		usage, err := s.helpCacher.rpcUsage()
		if err != nil {
			context := "Failed to generate RPC usage"
			return nil, internalRPCError(err.Error(), context)
		}
		return usage, nil
	}

	// Check that the command asked for is supported and implemented.  Only
	// search the main list of handlers since help should not be provided
	// for commands that are unimplemented or related to wallet
	// functionality.
	if _, ok := rpcHandlers[command]; !ok {
		return nil, &btcjson.RPCError{
			Code:    btcjson.ErrRPCInvalidParameter,
			Message: "Unknown command: " + command,
		}
	}

	// Get the help for the command.
	help, err := s.helpCacher.rpcMethodHelp(command)
	if err != nil {
		context := "Failed to generate help"
		return nil, internalRPCError(err.Error(), context)
	}
	return help, nil
}
