package checkrunner

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/check"
	"github.com/infrasonar/probe-go/internal/protocol"
	"github.com/infrasonar/probe-go/internal/wire"
)

// emit builds and sends the fire-and-forget DUMP frame for one check tick
// (spec §4.5 "Result emission"). It self-truncates oversize frames to a
// synthetic CheckError exactly once — never an unbounded retry loop.
func (r *Runner) emit(path protocol.Path, result map[string]any, checkErr *check.CheckError, ts time.Time, duration time.Duration, logger *zap.Logger) {
	pkg, oversize := r.buildFrame(path, result, checkErr, ts, duration)
	if oversize {
		if r.Metrics != nil {
			r.Metrics.OversizeResults.Inc()
		}
		logger.Warn("result frame exceeded MAX_PACKAGE_SIZE, truncated to an error placeholder")
	}

	if !r.Sender.IsConnected() {
		return
	}
	if err := r.Sender.Send(pkg); err != nil {
		logger.Warn("failed to send result frame", zap.Error(err))
	}
}

// buildFrame serializes the result once, and if it exceeds MaxPackageSize,
// rebuilds it a single time around a synthetic "too large" CheckError
// instead (spec §4.5, §8 scenario 4 "bounded retry").
func (r *Runner) buildFrame(path protocol.Path, result map[string]any, checkErr *check.CheckError, ts time.Time, duration time.Duration) (*wire.Package, bool) {
	pkg := r.frame(path, result, checkErr, ts, duration)
	data, err := pkg.ToBytes()
	if err == nil && r.MaxPackageSize > 0 && len(data) <= r.MaxPackageSize {
		return pkg, false
	}

	oversizeErr := check.NewCheckError(tooLargeMessage(len(data)))
	return r.frame(path, nil, oversizeErr, ts, duration), true
}

func (r *Runner) frame(path protocol.Path, result map[string]any, checkErr *check.CheckError, ts time.Time, duration time.Duration) *wire.Package {
	var errBody any
	if checkErr != nil {
		errBody = checkErr.ToMap()
	}
	body := []any{
		[]any{path.AssetID, path.CheckID},
		map[string]any{
			"result": result,
			"error":  errBody,
			"framework": map[string]any{
				"duration":  duration.Seconds(),
				"timestamp": ts.Unix(),
			},
		},
	}
	return wire.Make(protocol.TypeFafDump, uint32(path.AssetID), body)
}

func tooLargeMessage(n int) string {
	return "data package too large (" + strconv.Itoa(n) + " bytes)"
}
