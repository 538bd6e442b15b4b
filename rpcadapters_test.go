package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/cpuminer"
	"github.com/MonteCarloClub/acbcminer/mining/host"
	"github.com/MonteCarloClub/acbcminer/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleExchange struct{}

func (idleExchange) FetchWork(ctx context.Context, workerID, comment string) (*mining.Work, error) {
	return nil, nil
}

func (idleExchange) SubmitWork(ctx context.Context, workerID, comment string, work *mining.Work) (bool, error) {
	return false, nil
}

func (idleExchange) RefreshBlock() error        { return nil }
func (idleExchange) CurrentBlockNumber() uint32 { return 0 }

func newIdleHost(t *testing.T) *host.Host {
	t.Helper()
	h, err := host.New(host.Config{
		Descriptors: cpuminer.Factories(cpuminer.Resources(1), cpuminer.Features{}),
		Exchange:    idleExchange{},
	})
	require.NoError(t, err)
	return h
}

func TestBenchmarkSourceStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), store.DefaultFileName))
	require.NoError(t, err)
	defer db.Close()

	rec := &store.BenchmarkRecord{
		Resource: "cpu:0",
		Factory:  "generic",
		Hashes:   1000,
		Duration: time.Second,
		Selected: true,
		Time:     time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, db.RecordBenchmark(rec))

	src := &rpcBenchmarkSource{db: db, host: newIdleHost(t)}
	records, err := src.Benchmarks()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "generic", records[0].Factory)
	assert.Equal(t, uint64(1000), records[0].Hashes)
}

func TestBenchmarkSourceWithoutStore(t *testing.T) {
	src := &rpcBenchmarkSource{host: newIdleHost(t), sampleDuration: time.Second}
	records, err := src.Benchmarks()
	require.NoError(t, err)
	assert.Empty(t, records)
}
