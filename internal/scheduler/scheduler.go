// Package scheduler implements the assignment reconciler (spec.md §4.4,
// component C4): it turns the three push messages from the agentcore into
// a desired (path -> names, config) map, diffs it against the set of
// currently running per-assignment loops, and starts or cancels check
// runner goroutines accordingly.
package scheduler

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/check"
	"github.com/infrasonar/probe-go/internal/protocol"
)

// TaskInfo lets a spawned check loop answer the identity questions spec.md
// §9 calls for when classifying a cancellation it observes mid-invocation:
// whether it is still the task of record for its path (as opposed to one
// already superseded by a later reconciliation), and whether the whole
// process is shutting down (in which case no final result is emitted
// regardless of identity).
type TaskInfo struct {
	IsCurrent      func() bool
	IsShuttingDown func() bool
}

// RunFunc starts one assignment's check loop. It is called with a context
// that is cancelled when the assignment should stop, and must call done
// exactly once, when it returns, regardless of why.
type RunFunc func(ctx context.Context, path protocol.Path, names protocol.Names, info TaskInfo, done func())

// record is the Scheduler's bookkeeping for a single assignment path
// (spec §3 "Assignment record").
type record struct {
	names      protocol.Names
	config     check.Config
	cancel     context.CancelFunc
	generation uint64
	live       bool
}

// Scheduler owns the assignment table and the goroutines running each
// assignment's check loop.
type Scheduler struct {
	checkFuncs map[string]check.Func
	run        RunFunc
	logger     *zap.Logger
	baseCtx    context.Context

	mu      sync.Mutex
	records map[protocol.Path]*record
	nextGen uint64
}

// New creates a Scheduler. checkFuncs is the probe's registered check
// function table — assignments naming an unregistered check_key are
// silently dropped (spec §3 "Assignment names"). ctx is the process
// lifetime context: cancelling it cancels every running assignment, and
// TaskInfo.IsShuttingDown reports true from the moment it is cancelled
// (spec §5 "Signal-triggered shutdown cancels every task; no final result
// is flushed").
func New(ctx context.Context, checkFuncs map[string]check.Func, run RunFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		checkFuncs: checkFuncs,
		run:        run,
		logger:     logger.Named("scheduler"),
		baseCtx:    ctx,
		records:    make(map[protocol.Path]*record),
	}
}

// Handlers returns the protocol.Handlers this scheduler implements, ready
// to pass to protocol.New.
func (s *Scheduler) Handlers() protocol.Handlers {
	return protocol.Handlers{
		OnSetAssets:   s.SetAssets,
		OnUnsetAssets: s.UnsetAssets,
		OnUpsertAsset: s.UpsertAsset,
	}
}

// SetAssets replaces the desired set wholesale (spec §4.4).
func (s *Scheduler) SetAssets(assignments []protocol.Assignment) {
	desired := s.filterKnown(assignments)
	s.reconcile(desired, nil)
}

// UnsetAssets removes every assignment whose asset id is in assetIDs,
// leaving all others untouched.
func (s *Scheduler) UnsetAssets(assetIDs []int) {
	drop := make(map[int]bool, len(assetIDs))
	for _, id := range assetIDs {
		drop[id] = true
	}
	s.mu.Lock()
	keep := make(map[protocol.Path]protocol.Assignment, len(s.records))
	for path, r := range s.records {
		if drop[path.AssetID] {
			continue
		}
		keep[path] = protocol.Assignment{Path: path, Names: r.names, Config: r.config}
	}
	s.mu.Unlock()
	s.reconcile(keep, nil)
}

// UpsertAsset replaces only the subset of assignments for assetID,
// leaving every other asset's assignments untouched (spec §4.4).
func (s *Scheduler) UpsertAsset(assetID int, assignments []protocol.Assignment) {
	newForAsset := s.filterKnown(assignments)

	s.mu.Lock()
	merged := make(map[protocol.Path]protocol.Assignment, len(s.records)+len(newForAsset))
	for path, r := range s.records {
		if path.AssetID == assetID {
			continue
		}
		merged[path] = protocol.Assignment{Path: path, Names: r.names, Config: r.config}
	}
	s.mu.Unlock()

	for path, a := range newForAsset {
		merged[path] = a
	}
	s.reconcile(merged, nil)
}

func (s *Scheduler) filterKnown(assignments []protocol.Assignment) map[protocol.Path]protocol.Assignment {
	out := make(map[protocol.Path]protocol.Assignment, len(assignments))
	for _, a := range assignments {
		if _, ok := s.checkFuncs[a.Names.CheckKey]; !ok {
			s.logger.Debug("dropping assignment with unregistered check key",
				zap.Int("asset_id", a.Path.AssetID),
				zap.Int("check_id", a.Path.CheckID),
				zap.String("check_key", a.Names.CheckKey),
			)
			continue
		}
		out[a.Path] = a
	}
	return out
}

// reconcile implements the four-step diff from spec §4.4. The unused
// second parameter keeps the signature stable for a future per-source
// reconciliation trace; today every call site passes nil.
func (s *Scheduler) reconcile(desired map[protocol.Path]protocol.Assignment, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: cancel and remove anything running that is no longer desired.
	for path, r := range s.records {
		if _, ok := desired[path]; !ok {
			if r.live && r.cancel != nil {
				r.cancel()
			}
			delete(s.records, path)
		}
	}

	// Step 2: drop dead (no active goroutine) records whose config changed,
	// so step 4 respawns them. A record with no active goroutine covers
	// both scheduler-cancelled and self-terminated (IgnoreCheck) tasks —
	// see DESIGN.md for why this reading of "ended in a cancelled state"
	// was chosen over the narrower one.
	for path, a := range desired {
		r, ok := s.records[path]
		if !ok {
			continue
		}
		if !r.live && !configEqual(r.config, a.Config) {
			delete(s.records, path)
		}
	}

	// Step 3: install the new desired config/names on every surviving
	// record (the task itself re-reads this on its next tick).
	for path, a := range desired {
		if r, ok := s.records[path]; ok {
			r.names = a.Names
			r.config = a.Config
		}
	}

	// Step 4: spawn a check runner for every desired path not currently
	// tracked at all.
	for path, a := range desired {
		if _, ok := s.records[path]; ok {
			continue
		}
		s.spawn(path, a)
	}
}

func (s *Scheduler) spawn(path protocol.Path, a protocol.Assignment) {
	s.nextGen++
	gen := s.nextGen

	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &record{
		names:      a.Names,
		config:     a.Config,
		cancel:     cancel,
		generation: gen,
		live:       true,
	}
	s.records[path] = r

	info := TaskInfo{
		IsCurrent: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			r, ok := s.records[path]
			return ok && r.generation == gen
		},
		IsShuttingDown: func() bool {
			return s.baseCtx.Err() != nil
		},
	}

	go s.run(ctx, path, a.Names, info, func() {
		s.markDone(path, gen)
	})
}

// markDone is called by the check runner exactly once, when its loop
// exits for any reason. It clears the "live" flag unless the path has
// already been reassigned to a newer generation (the record was deleted
// and respawned while this goroutine was still unwinding).
func (s *Scheduler) markDone(path protocol.Path, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[path]
	if !ok || r.generation != generation {
		return
	}
	r.live = false
}

// Snapshot returns the current (names, config) for path, and whether it
// is tracked at all — used by the check runner to re-read its
// configuration on every tick (spec §4.5 step c).
func (s *Scheduler) Snapshot(path protocol.Path) (protocol.Names, check.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[path]
	if !ok {
		return protocol.Names{}, nil, false
	}
	return r.names, r.config, true
}

// RunningPaths reports the set of paths with an active goroutine, for
// tests and diagnostics.
func (s *Scheduler) RunningPaths() []protocol.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Path, 0, len(s.records))
	for path, r := range s.records {
		if r.live {
			out = append(out, path)
		}
	}
	return out
}

// configEqual reports whether two assignment configs are equal, used by
// step 2 of reconcile to decide whether a dead record should be dropped
// and respawned.
func configEqual(a, b check.Config) bool {
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}
