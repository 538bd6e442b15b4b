// Package cpuminer provides the CPU worker factories of the miner host.
// Every logical CPU is a resource; the portable factory and, when the
// processor has SHA extensions, the hardware accelerated factory compete for
// each of them.
package cpuminer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/pow"
)

const (
	// GenericName is the name of the portable factory.
	GenericName = "generic"

	// SHAExtName is the name of the factory using the SHA instruction set
	// extensions through crypto/sha256.
	SHAExtName = "sha-ext"

	// resourcePrefix prefixes the CPU index of a resource id.
	resourcePrefix = "cpu:"

	// noWorkDelay is how long a worker waits before asking again when the
	// authority has no work.
	noWorkDelay = time.Second
)

// TransformFunc returns a transform for the exclusive use of one worker.
type TransformFunc func() (pow.Transform, error)

// portable returns the portable SHA-256 compression.
func portable() (pow.Transform, error) {
	return pow.Compress, nil
}

// Factory starts CPU workers using one SHA-256 transform implementation.
type Factory struct {
	name         string
	resources    []mining.ResourceID
	newTransform TransformFunc
}

// NewFactory returns a factory for the passed CPU resources.
func NewFactory(name string, resources []mining.ResourceID, newTransform TransformFunc) *Factory {
	return &Factory{
		name:         name,
		resources:    resources,
		newTransform: newTransform,
	}
}

// Name returns the name of the factory.
func (f *Factory) Name() string {
	return f.name
}

// Resources returns the CPUs the factory can run on.
func (f *Factory) Resources() []mining.ResourceID {
	return f.resources
}

// StartWorker starts a worker pinned to the CPU named by r.
func (f *Factory) StartWorker(ctx mining.Context, r mining.ResourceID) (mining.Worker, error) {
	cpu, err := ParseResource(r)
	if err != nil {
		return nil, err
	}
	transform, err := f.newTransform()
	if err != nil {
		return nil, fmt.Errorf("%s transform: %w", f.name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:        string(r),
		cpu:       cpu,
		mctx:      ctx,
		transform: transform,
		cancel:    cancel,
	}
	w.wg.Add(1)
	go w.run(runCtx)
	return w, nil
}

// Features are the processor capabilities the factories depend on.
type Features struct {
	SHA bool
}

// Factories returns the descriptors of the factories usable on this
// machine.  The portable factory is always present.
func Factories(resources []mining.ResourceID, features Features) []mining.Descriptor {
	descs := []mining.Descriptor{
		mining.Describe(NewFactory(GenericName, resources, portable)),
	}
	if !features.SHA {
		return descs
	}
	if _, err := pow.NewStdlibTransform(); err != nil {
		log.Warnf("SHA extensions present but unusable: %v", err)
		return descs
	}
	return append(descs, mining.Describe(NewFactory(SHAExtName, resources,
		pow.NewStdlibTransform)))
}

// ResourceID returns the resource id of a logical CPU.
func ResourceID(cpu int) mining.ResourceID {
	return mining.ResourceID(resourcePrefix + strconv.Itoa(cpu))
}

// ParseResource returns the logical CPU index of a resource id.
func ParseResource(r mining.ResourceID) (int, error) {
	s := string(r)
	if !strings.HasPrefix(s, resourcePrefix) {
		return 0, fmt.Errorf("not a cpu resource: %q", s)
	}
	cpu, err := strconv.Atoi(strings.TrimPrefix(s, resourcePrefix))
	if err != nil || cpu < 0 {
		return 0, fmt.Errorf("malformed cpu resource: %q", s)
	}
	return cpu, nil
}

// worker searches work on a single CPU.
type worker struct {
	id        string
	cpu       int
	mctx      mining.Context
	transform pow.Transform
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Stop signals the worker to quit and waits for it.
func (w *worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// run is the worker loop: fetch work, search it and submit the solution,
// until ctx is done.  It must be run as a goroutine.
func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()

	unpin, err := pinThread(w.cpu)
	if err != nil {
		log.Debugf("Worker %s not pinned: %v", w.id, err)
	}
	defer unpin()
	log.Tracef("Worker %s started", w.id)

	for {
		work, err := w.mctx.GetWork(ctx, w.id)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("Worker %s unable to get work: %v", w.id, err)
			}
			break
		}
		if work == nil {
			log.Debugf("No work available for worker %s", w.id)
			select {
			case <-time.After(noWorkDelay):
				continue
			case <-ctx.Done():
			}
			break
		}

		res := pow.Search(ctx, w.mctx, work, w.transform)
		log.Tracef("Worker %s search %v after %d hashes", w.id,
			res.Outcome, res.Hashes)
		switch res.Outcome {
		case pow.Found:
			solved := *work
			pow.SetNonce(&solved.Header, res.Nonce)
			log.Debugf("Worker %s found nonce %08x on block %d", w.id,
				res.Nonce, solved.BlockNumber)
			_, err := w.mctx.SubmitWork(ctx, w.id, &solved)
			if err != nil && ctx.Err() == nil {
				log.Errorf("Worker %s unable to submit: %v", w.id, err)
			}
		case pow.Stale:
			log.Debugf("Worker %s dropped stale work for block %d",
				w.id, work.BlockNumber)
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Tracef("Worker %s done", w.id)
}
