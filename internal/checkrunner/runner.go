// Package checkrunner implements the per-assignment periodic loop (spec.md
// §4.5, component C5): randomized initial phase, sleep-until-next-tick,
// bounded invocation of the user check function, outcome classification
// against the §7 error taxonomy, and result emission.
package checkrunner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/check"
	"github.com/infrasonar/probe-go/internal/metrics"
	"github.com/infrasonar/probe-go/internal/protocol"
	"github.com/infrasonar/probe-go/internal/scheduler"
	"github.com/infrasonar/probe-go/internal/wire"
)

// initialPhaseFloor is the 60-second minimum delay before a fresh
// assignment's first tick (spec §4.5 step 1).
const initialPhaseFloor = 60 * time.Second

// invocationTimeoutFactor converts an interval into the user-check timeout
// (spec §4.5 step c, §5 "Timeouts").
const invocationTimeoutFactor = 0.8

// AssignmentSource lets the runner re-read the live (names, config) for a
// path on every tick, since they may have changed since the loop started
// (spec §4.5 step c). scheduler.Scheduler implements this directly.
type AssignmentSource interface {
	Snapshot(path protocol.Path) (protocol.Names, check.Config, bool)
}

// ConfigResolver resolves the per-asset options map (spec §4.3 resolve),
// hot-reloading the backing document first. config.Store implements this
// directly.
type ConfigResolver interface {
	ReadIfChanged() error
	Resolve(probeName string, assetID int, use string) map[string]any
}

// ResultSender is the fire-and-forget transport the runner hands finished
// frames to. protocol.Client implements this directly.
type ResultSender interface {
	Send(pkg *wire.Package) error
	IsConnected() bool
}

// Runner owns everything a single assignment's loop needs: the registered
// check functions, the live assignment table, the local config resolver,
// and the outgoing transport.
type Runner struct {
	ProbeName      string
	CheckFuncs     map[string]check.Func
	Assignments    AssignmentSource
	ConfigStore    ConfigResolver
	Sender         ResultSender
	MaxPackageSize int // bytes, already clamped by the caller
	Logger         *zap.Logger
	Metrics        *metrics.Registry
}

// Run implements scheduler.RunFunc. It loops until ctx is cancelled or the
// assignment disappears from the table.
func (r *Runner) Run(ctx context.Context, path protocol.Path, names protocol.Names, info scheduler.TaskInfo, done func()) {
	defer done()

	logger := r.Logger.Named("checkrunner").With(
		zap.Int("asset_id", path.AssetID),
		zap.Int("check_id", path.CheckID),
	)

	_, cfg, ok := r.Assignments.Snapshot(path)
	if !ok {
		return
	}
	intervalSec, ok := cfg.Interval()
	if !ok {
		logger.Error("assignment has no valid _interval, dropping")
		return
	}

	asset := check.Asset{ID: path.AssetID, Name: names.AssetName, CheckKey: names.CheckKey}

	tsNext := time.Now().
		Add(time.Duration(rand.Float64() * float64(intervalSec) * float64(time.Second))).
		Add(initialPhaseFloor)

	for {
		now := time.Now()
		if now.After(tsNext) {
			logger.Warn("clock jumped forward past next tick, resetting", zap.Time("ts_next", tsNext))
			tsNext = now
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(tsNext)):
		}

		curNames, curConfig, ok := r.Assignments.Snapshot(path)
		if !ok {
			return
		}
		if curNames.AssetName != asset.Name {
			asset.Name = curNames.AssetName
		}

		intervalSec, ok = curConfig.Interval()
		if !ok {
			logger.Error("assignment lost its valid _interval, stopping")
			return
		}
		timeout := time.Duration(float64(intervalSec) * invocationTimeoutFactor * float64(time.Second))

		fn, ok := r.CheckFuncs[asset.CheckKey]
		if !ok {
			logger.Error("no registered check function for check key", zap.String("check_key", asset.CheckKey))
			return
		}

		if err := r.ConfigStore.ReadIfChanged(); err != nil {
			logger.Warn("failed to reload local config, using previous copy", zap.Error(err))
		}
		assetOptions := r.ConfigStore.Resolve(r.ProbeName, asset.ID, curConfig.Use())

		start := time.Now()
		resultMap, checkErr, terminate := r.invoke(ctx, fn, asset, assetOptions, curConfig, timeout, info, logger)
		duration := time.Since(start)

		if r.Metrics != nil {
			r.Metrics.ChecksRun.Inc()
			if checkErr != nil {
				r.Metrics.CheckErrors.Inc()
			}
		}

		if resultMap != nil || checkErr != nil {
			r.emit(path, resultMap, checkErr, start, duration, logger)
			if r.Metrics != nil {
				r.Metrics.ResultsSent.Inc()
			}
		}

		if terminate {
			return
		}

		tsNext = tsNext.Add(time.Duration(intervalSec) * time.Second)
	}
}

type invokeOutcome struct {
	result map[string]any
	err    error
}

// invoke calls fn bounded by timeout and classifies the outcome per the
// §7 error taxonomy. It returns the map to emit (nil to suppress), the
// error object to emit alongside it (nil for a clean success), and
// whether the loop should terminate (IgnoreCheck).
func (r *Runner) invoke(
	ctx context.Context,
	fn check.Func,
	asset check.Asset,
	assetOptions map[string]any,
	cfg check.Config,
	timeout time.Duration,
	info scheduler.TaskInfo,
	logger *zap.Logger,
) (map[string]any, *check.CheckError, bool) {
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- invokeOutcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		res, err := fn(invokeCtx, asset, assetOptions, cfg)
		resultCh <- invokeOutcome{result: res, err: err}
	}()

	select {
	case out := <-resultCh:
		// An error returned after ctx ended is classified by why ctx ended.
		if out.err == nil || invokeCtx.Err() == nil {
			return classify(out.result, out.err)
		}

	case <-invokeCtx.Done():
	}

	switch {
	case errors.Is(invokeCtx.Err(), context.DeadlineExceeded):
		return nil, check.NewCheckError("timed out"), false

	default: // context.Canceled, propagated from the outer loop ctx
		if info.IsShuttingDown() {
			return nil, nil, true
		}
		if info.IsCurrent() {
			ce := check.NewCheckError("cancelled")
			return nil, ce, true
		}
		logger.Debug("cancelled invocation superseded by a newer task, exiting silently")
		return nil, nil, true
	}
}

// classify maps a check function's return value onto the §7 taxonomy.
func classify(result map[string]any, err error) (map[string]any, *check.CheckError, bool) {
	if err == nil {
		if result == nil {
			result = map[string]any{}
		}
		return result, nil, false
	}

	var ignoreResult *check.IgnoreResult
	if errors.As(err, &ignoreResult) {
		return nil, nil, false
	}

	var ignoreCheck *check.IgnoreCheck
	if errors.As(err, &ignoreCheck) {
		return nil, nil, true
	}

	var checkErr *check.CheckError
	if errors.As(err, &checkErr) {
		return nil, checkErr, false
	}

	var incomplete *check.IncompleteResult
	if errors.As(err, &incomplete) {
		sev := incomplete.Severity
		if sev == "" {
			sev = check.SeverityMedium
		}
		return incomplete.Result, &check.CheckError{Msg: incomplete.Msg, Severity: sev}, false
	}

	msg := err.Error()
	if msg == "" {
		msg = fmt.Sprintf("%T", err)
	}
	return nil, check.NewCheckError(msg), false
}
