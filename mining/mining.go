// Package mining defines the types shared by the miner host, its scheduler
// and the worker implementations it supervises.
package mining

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// HeaderSize is the size of a serialized block header carried by a
	// unit of work.
	HeaderSize = 80

	// TargetSize is the size of the proof-of-work target.
	TargetSize = 32
)

// ResourceID identifies one consumable unit of compute capacity, such as a
// single logical CPU.
type ResourceID string

// Work is one unit of search work handed out by the remote authority.
//
// The header is kept in the byte order used by the getwork protocol: every
// 4-byte group is the little-endian encoding of the corresponding SHA-256
// message word.  A Work is never shared between workers.
type Work struct {
	BlockNumber uint32
	Header      [HeaderSize]byte
	Target      [TargetSize]byte
}

// String returns a short human readable description of the work.
func (w *Work) String() string {
	target := chainhash.Hash(w.Target)
	return fmt.Sprintf("block %d target %v", w.BlockNumber, &target)
}

// Context is the capability surface a worker is started with.  A worker
// never sees the host itself, which lets the host run the same worker both
// in production and inside a benchmarking sandbox.
type Context interface {
	// GetWork blocks until the authority hands out work.  It returns nil
	// work when the authority currently has none, and an error only when
	// ctx is done.
	GetWork(ctx context.Context, workerID string) (*Work, error)

	// SubmitWork submits a solved header and reports whether the
	// authority accepted it.
	SubmitWork(ctx context.Context, workerID string, work *Work) (bool, error)

	// ReportHashes adds n to the number of hashes performed.
	ReportHashes(n uint64)

	// CurrentBlockNumber returns the last block number learned from the
	// authority.
	CurrentBlockNumber() uint32
}

// Worker is a running worker instance.
type Worker interface {
	// Stop signals the worker to quit and blocks until it has.
	Stop()
}

// WorkerFactory creates workers for the resources it declares.
type WorkerFactory interface {
	Name() string
	Resources() []ResourceID
	StartWorker(ctx Context, resource ResourceID) (Worker, error)
}

// Descriptor declares which resources a factory can consume.
type Descriptor struct {
	Factory   WorkerFactory
	Resources []ResourceID
}

// Describe returns the descriptor for the passed factory.
func Describe(f WorkerFactory) Descriptor {
	return Descriptor{Factory: f, Resources: f.Resources()}
}

// RunningWorker is a production worker bound to a resource.
type RunningWorker struct {
	Worker   Worker
	Resource ResourceID
	Factory  string
	Started  time.Time
}
