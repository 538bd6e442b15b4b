// Package pow implements the double SHA-256 nonce search performed by the
// workers of the mining host.
package pow

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/MonteCarloClub/acbcminer/mining"
)

// ReportInterval is the number of nonces processed between two hash count
// reports.  Staleness and cancellation are only observed at these
// checkpoints.  It must be a power of two dividing 2^32.
const ReportInterval = 1 << 13

// Outcome is the terminal state of one search over a unit of work.
type Outcome int

const (
	// Found means a candidate nonce passed the local filter.
	Found Outcome = iota

	// Exhausted means the whole nonce space was searched.
	Exhausted

	// Cancelled means the search context was done.
	Cancelled

	// Stale means the authority moved to another block.
	Stale
)

var outcomeStrings = map[Outcome]string{
	Found:     "found",
	Exhausted: "exhausted",
	Cancelled: "cancelled",
	Stale:     "stale",
}

// String returns the Outcome in human-readable form.
func (o Outcome) String() string {
	if s, ok := outcomeStrings[o]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Outcome (%d)", int(o))
}

// Result describes how a search ended.
type Result struct {
	Outcome Outcome

	// Nonce is the candidate nonce when Outcome is Found.
	Nonce uint32

	// Hashes is the number of nonces tried.
	Hashes uint64
}

// Host is the part of the worker context the search loop reports to.
type Host interface {
	ReportHashes(n uint64)
	CurrentBlockNumber() uint32
}

// Search tries nonces from zero upwards until one yields a final digest
// whose most significant word is zero, the nonce space wraps, the work goes
// stale or ctx is done.
//
// The hash count is reported every ReportInterval nonces, and once more for
// the partial interval when the search ends.
func Search(ctx context.Context, host Host, work *mining.Work, transform Transform) Result {
	return search(ctx, host, work, transform, 0)
}

// search starts at the passed nonce, which must be a multiple of
// ReportInterval.
func search(ctx context.Context, host Host, work *mining.Work,
	transform Transform, start uint32) Result {

	midstate, tail := Prepare(&work.Header, transform)

	// The second round hashes the 32-byte first digest as a single padded
	// block starting from the IV.
	var digest Block
	digest[8] = 0x80000000
	digest[15] = 256

	var first, final State
	var hashes uint64
	nonce := start
	tail[nonceWord] = bits.ReverseBytes32(nonce)
	for {
		first = midstate
		transform(&first, &tail)
		copy(digest[:8], first[:])
		final = IV
		transform(&final, &digest)
		hashes++

		if final[7] == 0 {
			host.ReportHashes(uint64(nonce%ReportInterval) + 1)
			return Result{Outcome: Found, Nonce: nonce, Hashes: hashes}
		}

		nonce++
		tail[nonceWord] = bits.ReverseBytes32(nonce)
		if nonce%ReportInterval != 0 {
			continue
		}

		host.ReportHashes(ReportInterval)
		if nonce == 0 {
			return Result{Outcome: Exhausted, Hashes: hashes}
		}
		if host.CurrentBlockNumber() != work.BlockNumber {
			return Result{Outcome: Stale, Hashes: hashes}
		}
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Hashes: hashes}
		}
	}
}
