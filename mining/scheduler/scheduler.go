// Package scheduler assigns exactly one worker implementation to every
// resource, benchmarking competing implementations against each other.
package scheduler

import (
	"context"
	"time"

	"github.com/MonteCarloClub/acbcminer/mining"
)

// DefaultSampleDuration is how long each competing factory is benchmarked.
const DefaultSampleDuration = 5 * time.Second

// Group is a resource together with every factory able to consume it, in
// declaration order.
type Group struct {
	Resource  mining.ResourceID
	Factories []mining.WorkerFactory
}

// Sample is the hash count a factory reached while benchmarked.
type Sample struct {
	Factory string
	Hashes  uint64
}

// Selection is the factory chosen for a resource.  Samples is empty when
// the factory was the only candidate.
type Selection struct {
	Resource mining.ResourceID
	Factory  string
	Samples  []Sample
}

// Host runs workers on behalf of the scheduler.
type Host interface {
	// Sample runs a worker of the factory on the resource inside a
	// sandbox for d and returns the hashes it reported.
	Sample(ctx context.Context, f mining.WorkerFactory, r mining.ResourceID, d time.Duration) (uint64, error)

	// Run starts a production worker of the factory on the resource.
	Run(f mining.WorkerFactory, r mining.ResourceID) error
}

// GroupByResource builds the resource groups of the passed descriptors.
// Resources keep the order they first appear in.  A factory declaring the
// same resource more than once is only listed once.
func GroupByResource(descs []mining.Descriptor) []Group {
	var groups []Group
	index := make(map[mining.ResourceID]int)
	for _, desc := range descs {
		for _, r := range desc.Resources {
			i, ok := index[r]
			if !ok {
				i = len(groups)
				index[r] = i
				groups = append(groups, Group{Resource: r})
			}
			if !containsFactory(groups[i].Factories, desc.Factory) {
				groups[i].Factories = append(groups[i].Factories,
					desc.Factory)
			}
		}
	}
	return groups
}

func containsFactory(fs []mining.WorkerFactory, f mining.WorkerFactory) bool {
	for _, have := range fs {
		if have == f {
			return true
		}
	}
	return false
}

// Scheduler selects and starts one worker per resource.
type Scheduler struct {
	SampleDuration time.Duration
}

// New returns a scheduler benchmarking every candidate for d.
func New(d time.Duration) *Scheduler {
	if d <= 0 {
		d = DefaultSampleDuration
	}
	return &Scheduler{SampleDuration: d}
}

// Schedule starts one production worker per group.  Groups with a single
// factory start it directly; otherwise every factory is sampled in turn and
// the one reporting strictly the most hashes wins, ties keeping the earlier
// factory.  A factory failing to start is skipped.  Schedule stops at the
// first group boundary or sample after ctx is done and returns ctx.Err().
func (s *Scheduler) Schedule(ctx context.Context, groups []Group, host Host) ([]Selection, error) {
	selections := make([]Selection, 0, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return selections, err
		}

		sel, winner, err := s.choose(ctx, g, host)
		if err != nil {
			return selections, err
		}
		if winner == nil {
			log.Errorf("No usable worker for resource %s", g.Resource)
			continue
		}

		if err := host.Run(winner, g.Resource); err != nil {
			log.Errorf("Unable to start %s worker on %s: %v",
				sel.Factory, g.Resource, err)
			continue
		}
		selections = append(selections, sel)
	}
	return selections, nil
}

// choose picks the factory for one group.  The factory is nil when none of
// the candidates could be started.
func (s *Scheduler) choose(ctx context.Context, g Group, host Host) (Selection, mining.WorkerFactory, error) {
	sel := Selection{Resource: g.Resource}
	switch len(g.Factories) {
	case 0:
		return sel, nil, nil
	case 1:
		sel.Factory = g.Factories[0].Name()
		return sel, g.Factories[0], nil
	}

	var (
		best   uint64
		winner mining.WorkerFactory
	)
	for _, f := range g.Factories {
		hashes, err := host.Sample(ctx, f, g.Resource, s.SampleDuration)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sel, nil, ctxErr
		}
		if err != nil {
			log.Warnf("Benchmark of %s on %s failed: %v", f.Name(),
				g.Resource, err)
			continue
		}
		log.Infof("Benchmark of %s on %s: %d hashes in %v", f.Name(),
			g.Resource, hashes, s.SampleDuration)
		sel.Samples = append(sel.Samples, Sample{Factory: f.Name(), Hashes: hashes})
		if winner == nil || hashes > best {
			best, winner = hashes, f
			sel.Factory = f.Name()
		}
	}
	if winner != nil {
		log.Infof("Selected %s for %s", sel.Factory, g.Resource)
	}
	return sel, winner, nil
}
