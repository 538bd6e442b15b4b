// Package host implements the miner host: it owns the worker factories,
// lets the scheduler pick one worker per resource, keeps the production
// workers running and aggregates their hash rate.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
	"github.com/MonteCarloClub/acbcminer/mining/pow"
	"github.com/MonteCarloClub/acbcminer/mining/scheduler"
	"github.com/MonteCarloClub/acbcminer/mining/stats"
	"github.com/MonteCarloClub/acbcminer/store"
)

const (
	// DefaultRefreshInterval is the period of the block number refresh.
	DefaultRefreshInterval = 15 * time.Second

	// sandboxComment tags the requests of workers being benchmarked.
	sandboxComment = "benchmark"
)

var (
	// ErrNoFactories is returned by New when no worker factory is
	// configured.
	ErrNoFactories = errors.New("no worker factories")

	// ErrNoExchange is returned by New when no work exchange is
	// configured.
	ErrNoExchange = errors.New("no work exchange")

	// ErrResourceBusy is returned when a production worker is already
	// bound to a resource.
	ErrResourceBusy = errors.New("resource already has a worker")
)

// Exchanger trades work with the remote authority.  It is implemented by
// *exchange.Client.
type Exchanger interface {
	FetchWork(ctx context.Context, workerID, comment string) (*mining.Work, error)
	SubmitWork(ctx context.Context, workerID, comment string, work *mining.Work) (bool, error)
	RefreshBlock() error
	CurrentBlockNumber() uint32
}

// Recorder persists benchmark results and session summaries.  It is
// implemented by *store.Store.
type Recorder interface {
	RecordBenchmark(r *store.BenchmarkRecord) error
	RecordSession(r *store.SessionRecord) error
}

// Config holds the collaborators and timing of a Host.
type Config struct {
	// Descriptors declares the available factories and the resources
	// each can consume.
	Descriptors []mining.Descriptor

	// Exchange is used by every worker to fetch and submit work.
	Exchange Exchanger

	// SampleDuration is how long competing factories are benchmarked.
	SampleDuration time.Duration

	// StatsInterval is the period of the hash rate reduction.
	StatsInterval time.Duration

	// RefreshInterval is the period of the block number refresh.
	RefreshInterval time.Duration

	// Recorder is optional.
	Recorder Recorder

	// Notifier is optional and receives NTSolutionFound notifications.
	Notifier mining.Notifier

	// WorkerName prefixes the worker ids sent to the authority.
	WorkerName string
}

// Host supervises the workers.  Start and Stop may be called from any
// goroutine.
type Host struct {
	cfg   Config
	sched *scheduler.Scheduler
	stats stats.Aggregator

	accepted atomic.Uint64
	rejected atomic.Uint64

	mtx        sync.Mutex
	running    bool
	cancel     context.CancelFunc
	started    time.Time
	workers    map[mining.ResourceID]*mining.RunningWorker
	selections []scheduler.Selection

	wg sync.WaitGroup
}

// New returns a stopped host.
func New(cfg Config) (*Host, error) {
	if len(cfg.Descriptors) == 0 {
		return nil, ErrNoFactories
	}
	if cfg.Exchange == nil {
		return nil, ErrNoExchange
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = stats.DefaultInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = mining.Notifiers(nil)
	}
	return &Host{
		cfg:     cfg,
		sched:   scheduler.New(cfg.SampleDuration),
		workers: make(map[mining.ResourceID]*mining.RunningWorker),
	}, nil
}

// Start launches the orchestration.  It does nothing when the host is
// already running.
func (h *Host) Start() {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancel = cancel
	h.started = time.Now()

	h.wg.Add(1)
	go h.orchestrate(ctx, h.started)
}

// Stop stops all workers and waits for the orchestration to finish.  It does
// nothing when the host is not running.
func (h *Host) Stop() {
	h.mtx.Lock()
	if !h.running {
		h.mtx.Unlock()
		return
	}
	cancel := h.cancel
	h.mtx.Unlock()

	cancel()
	h.wg.Wait()

	h.mtx.Lock()
	h.running = false
	h.mtx.Unlock()
}

// orchestrate schedules the workers and keeps the periodic tasks running
// until ctx is done.
func (h *Host) orchestrate(ctx context.Context, started time.Time) {
	defer h.wg.Done()

	var tasks sync.WaitGroup
	taskCtx, stopTasks := context.WithCancel(ctx)
	defer func() {
		stopTasks()
		tasks.Wait()
		workers := h.stopWorkers()
		h.stats.Halt()
		h.recordSession(started, workers)
		log.Infof("Miner host stopped")
	}()

	h.accepted.Store(0)
	h.rejected.Store(0)
	h.stats.Reset(started)
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		h.stats.Run(taskCtx, h.cfg.StatsInterval)
	}()

	groups := scheduler.GroupByResource(h.cfg.Descriptors)
	log.Infof("Scheduling workers for %d resources", len(groups))
	sels, err := h.sched.Schedule(ctx, groups, schedulerHost{h})
	h.recordSelections(sels)
	if err != nil {
		log.Infof("Scheduling aborted: %v", err)
		return
	}
	log.Infof("Mining with %d workers", len(sels))

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		h.refreshBlocks(taskCtx)
	}()

	<-ctx.Done()
}

// refreshBlocks keeps the block number current so workers notice stale work
// even when they do not talk to the authority.
func (h *Host) refreshBlocks(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.cfg.Exchange.RefreshBlock(); err != nil {
				log.Debugf("Block number refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// stopWorkers stops every production worker and returns how many there
// were.
func (h *Host) stopWorkers() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	n := len(h.workers)
	for r, rw := range h.workers {
		rw.Worker.Stop()
		delete(h.workers, r)
		log.Debugf("Stopped %s worker on %s", rw.Factory, r)
	}
	return n
}

func (h *Host) recordSelections(sels []scheduler.Selection) {
	h.mtx.Lock()
	h.selections = sels
	h.mtx.Unlock()

	if h.cfg.Recorder == nil {
		return
	}
	now := time.Now()
	for _, sel := range sels {
		for _, s := range sel.Samples {
			err := h.cfg.Recorder.RecordBenchmark(&store.BenchmarkRecord{
				Resource: string(sel.Resource),
				Factory:  s.Factory,
				Hashes:   s.Hashes,
				Duration: h.sched.SampleDuration,
				Selected: s.Factory == sel.Factory,
				Time:     now,
			})
			if err != nil {
				log.Warnf("Unable to record benchmark: %v", err)
			}
		}
	}
}

func (h *Host) recordSession(started time.Time, workers int) {
	if h.cfg.Recorder == nil {
		return
	}
	err := h.cfg.Recorder.RecordSession(&store.SessionRecord{
		Started:  started,
		Stopped:  time.Now(),
		Hashes:   h.stats.LifetimeHashes(),
		Accepted: h.accepted.Load(),
		Rejected: h.rejected.Load(),
		Workers:  workers,
	})
	if err != nil {
		log.Warnf("Unable to record session: %v", err)
	}
}

// run starts a production worker.
func (h *Host) run(f mining.WorkerFactory, r mining.ResourceID) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.workers[r]; ok {
		return fmt.Errorf("%w: %s", ErrResourceBusy, r)
	}
	w, err := f.StartWorker(&hostContext{h: h}, r)
	if err != nil {
		return err
	}
	h.workers[r] = &mining.RunningWorker{
		Worker:   w,
		Resource: r,
		Factory:  f.Name(),
		Started:  time.Now(),
	}
	log.Infof("Started %s worker on %s", f.Name(), r)
	return nil
}

// sample runs a worker in a sandbox for d and returns the hashes it
// reported.  Cancelling ctx ends the sample early.
func (h *Host) sample(ctx context.Context, f mining.WorkerFactory, r mining.ResourceID, d time.Duration) (uint64, error) {
	sandbox := &sandboxContext{hostContext: hostContext{h: h, comment: sandboxComment}}

	h.mtx.Lock()
	w, err := f.StartWorker(sandbox, r)
	h.mtx.Unlock()
	if err != nil {
		return 0, err
	}
	log.Debugf("Benchmarking %s on %s for %v", f.Name(), r, d)

	timer := time.NewTimer(d)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	h.mtx.Lock()
	w.Stop()
	h.mtx.Unlock()
	return sandbox.hashes.Load(), nil
}

// submit hands a solution to the exchange and keeps the tallies.
func (h *Host) submit(ctx context.Context, workerID, comment string, work *mining.Work) (bool, error) {
	h.cfg.Notifier.Notify(&mining.Notification{
		Type:        mining.NTSolutionFound,
		Worker:      workerID,
		BlockNumber: work.BlockNumber,
		Nonce:       pow.Nonce(&work.Header),
		Hash:        pow.HeaderHash(&work.Header),
	})
	accepted, err := h.cfg.Exchange.SubmitWork(ctx, workerID, comment, work)
	if err != nil {
		return false, err
	}
	if accepted {
		h.accepted.Add(1)
	} else {
		h.rejected.Add(1)
	}
	return accepted, nil
}

// Running returns whether the host is started.
func (h *Host) Running() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.running
}

// StartedAt returns when the host was last started.
func (h *Host) StartedAt() time.Time {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.started
}

// Workers returns a snapshot of the production workers ordered by resource.
func (h *Host) Workers() []mining.RunningWorker {
	h.mtx.Lock()
	workers := make([]mining.RunningWorker, 0, len(h.workers))
	for _, rw := range h.workers {
		workers = append(workers, *rw)
	}
	h.mtx.Unlock()

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Resource < workers[j].Resource
	})
	return workers
}

// Selections returns the outcome of the last scheduling round.
func (h *Host) Selections() []scheduler.Selection {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]scheduler.Selection(nil), h.selections...)
}

// HashesPerSecond returns the hash rate of the last reduction.
func (h *Host) HashesPerSecond() uint64 {
	return h.stats.HashesPerSecond()
}

// LifetimeHashes returns the hashes performed since the host was started.
func (h *Host) LifetimeHashes() uint64 {
	return h.stats.LifetimeHashes()
}

// Accepted returns the number of solutions the authority accepted.
func (h *Host) Accepted() uint64 {
	return h.accepted.Load()
}

// Rejected returns the number of solutions the authority rejected.
func (h *Host) Rejected() uint64 {
	return h.rejected.Load()
}

// CurrentBlockNumber returns the last block number learned from the
// authority.
func (h *Host) CurrentBlockNumber() uint32 {
	return h.cfg.Exchange.CurrentBlockNumber()
}

// workerID returns the id a worker is known by to the authority.
func (h *Host) workerID(id string) string {
	if h.cfg.WorkerName == "" {
		return id
	}
	return h.cfg.WorkerName + "/" + id
}

// schedulerHost exposes sampling and starting workers to the scheduler
// without adding them to the Host API.
type schedulerHost struct {
	h *Host
}

func (s schedulerHost) Sample(ctx context.Context, f mining.WorkerFactory, r mining.ResourceID, d time.Duration) (uint64, error) {
	return s.h.sample(ctx, f, r, d)
}

func (s schedulerHost) Run(f mining.WorkerFactory, r mining.ResourceID) error {
	return s.h.run(f, r)
}
