package host

import (
	"context"
	"sync/atomic"

	"github.com/MonteCarloClub/acbcminer/mining"
)

// hostContext is the context production workers run with.
type hostContext struct {
	h       *Host
	comment string
}

func (c *hostContext) GetWork(ctx context.Context, workerID string) (*mining.Work, error) {
	return c.h.cfg.Exchange.FetchWork(ctx, c.h.workerID(workerID), c.comment)
}

func (c *hostContext) SubmitWork(ctx context.Context, workerID string, work *mining.Work) (bool, error) {
	return c.h.submit(ctx, c.h.workerID(workerID), c.comment, work)
}

func (c *hostContext) ReportHashes(n uint64) {
	c.h.stats.Add(n)
}

func (c *hostContext) CurrentBlockNumber() uint32 {
	return c.h.cfg.Exchange.CurrentBlockNumber()
}

// sandboxContext counts the hashes of a worker being benchmarked.  The
// hashes still count towards the host total.
type sandboxContext struct {
	hostContext
	hashes atomic.Uint64
}

func (c *sandboxContext) ReportHashes(n uint64) {
	c.hashes.Add(n)
	c.hostContext.ReportHashes(n)
}
