package main

import (
	"time"

	"github.com/MonteCarloClub/acbcminer/mining/host"
	"github.com/MonteCarloClub/acbcminer/rpcserver"
	"github.com/MonteCarloClub/acbcminer/store"
)

// rpcBenchmarkSource provides the benchmark history for use with the control
// server and implements the rpcserver.BenchmarkSource interface.  Without a
// store it falls back to the samples of the current host session.
type rpcBenchmarkSource struct {
	db             *store.Store
	host           *host.Host
	sampleDuration time.Duration
}

// Ensure rpcBenchmarkSource implements the rpcserver.BenchmarkSource
// interface.
var _ rpcserver.BenchmarkSource = (*rpcBenchmarkSource)(nil)

// Benchmarks returns the recorded benchmark results.
//
// This function is safe for concurrent access and is part of the
// rpcserver.BenchmarkSource interface implementation.
func (b *rpcBenchmarkSource) Benchmarks() ([]store.BenchmarkRecord, error) {
	if b.db != nil {
		return b.db.Benchmarks()
	}

	started := b.host.StartedAt()
	var records []store.BenchmarkRecord
	for _, sel := range b.host.Selections() {
		for _, sample := range sel.Samples {
			records = append(records, store.BenchmarkRecord{
				Resource: string(sel.Resource),
				Factory:  sample.Factory,
				Hashes:   sample.Hashes,
				Duration: b.sampleDuration,
				Selected: sample.Factory == sel.Factory,
				Time:     started,
			})
		}
	}
	return records, nil
}
